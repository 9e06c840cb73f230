// make_safetensors writes a toy llama-shaped checkpoint for trying out
// crow split. A .zst or .lz4 output path is compressed.
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"

	"github.com/qrv0/crow/internal/safetensors"
)

type toyModel struct {
	layers, hidden, ffn, vocab int
}

func (m toyModel) tensors() []safetensors.Tensor {
	var out []safetensors.Tensor
	seed := 0
	add := func(name string, shape ...int64) {
		out = append(out, fill(name, seed, shape))
		seed++
	}
	h, f, v := int64(m.hidden), int64(m.ffn), int64(m.vocab)
	add("model.embed_tokens.weight", v, h)
	for i := 0; i < m.layers; i++ {
		p := fmt.Sprintf("model.layers.%d.", i)
		add(p+"input_layernorm.weight", h)
		add(p+"self_attn.q_proj.weight", h, h)
		add(p+"self_attn.k_proj.weight", h, h)
		add(p+"self_attn.v_proj.weight", h, h)
		add(p+"self_attn.o_proj.weight", h, h)
		add(p+"post_attention_layernorm.weight", h)
		add(p+"mlp.gate_proj.weight", f, h)
		add(p+"mlp.up_proj.weight", f, h)
		add(p+"mlp.down_proj.weight", h, f)
	}
	add("model.norm.weight", h)
	add("lm_head.weight", v, h)
	return out
}

func fill(name string, seed int, shape []int64) safetensors.Tensor {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	data := make([]byte, 4*n)
	for i := int64(0); i < n; i++ {
		x := float32(math.Sin(float64(i+int64(seed)))*0.1 + 0.01*float64(i%7))
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(x))
	}
	return safetensors.Tensor{Name: name, Meta: safetensors.TensorMeta{Dtype: "F32", Shape: shape}, Data: data}
}

func main() {
	var (
		out string
		m   toyModel
	)
	cmd := &cobra.Command{
		Use:          "make_safetensors",
		Short:        "Write a toy llama-shaped safetensors checkpoint",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ts := m.tensors()
			meta := map[string]string{"format": "pt", "generator": "make_safetensors"}
			if err := safetensors.WriteFile(out, ts, meta); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d tensors\n", out, len(ts))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&out, "out", "toy.safetensors", "output path (.safetensors, .zst or .lz4)")
	f.IntVar(&m.layers, "layers", 2, "decoder layers")
	f.IntVar(&m.hidden, "hidden", 16, "hidden size")
	f.IntVar(&m.ffn, "ffn", 32, "feed-forward size")
	f.IntVar(&m.vocab, "vocab", 64, "vocabulary size")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "make_safetensors:", err)
		os.Exit(1)
	}
}
