// Package hfmeta turns a Hugging Face config.json into GGUF metadata keys.
package hfmeta

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/qrv0/crow/internal/fileformat"
	"github.com/qrv0/crow/internal/tensorname"
)

// Config is the subset of config.json that maps onto GGUF keys.
type Config struct {
	ModelType             string   `json:"model_type"`
	VocabSize             *int     `json:"vocab_size"`
	HiddenSize            *int     `json:"hidden_size"`
	IntermediateSize      *int     `json:"intermediate_size"`
	NumHiddenLayers       *int     `json:"num_hidden_layers"`
	NumAttentionHeads     *int     `json:"num_attention_heads"`
	NumKeyValueHeads      *int     `json:"num_key_value_heads"`
	MaxPositionEmbeddings *int     `json:"max_position_embeddings"`
	RMSNormEps            *float64 `json:"rms_norm_eps"`
	RopeTheta             *float64 `json:"rope_theta"`
	NumLocalExperts       *int     `json:"num_local_experts"`
	NumExpertsPerTok      *int     `json:"num_experts_per_tok"`
	BOSTokenID            *int     `json:"bos_token_id"`
	EOSTokenID            *int     `json:"eos_token_id"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("hfmeta: parse %s: %w", path, err)
	}
	return &c, nil
}

// Arch is the GGUF architecture name, "" when the model type is unknown.
func (c *Config) Arch() string { return tensorname.Arch(c.ModelType) }

// KV is one metadata entry ready for a GGUF writer.
type KV struct {
	Key   string
	Value any
	Type  fileformat.ValueType
}

// KVs lists the architecture keys present in c, in a stable order.
func (c *Config) KVs(arch string) []KV {
	var out []KV
	u32 := func(key string, v *int) {
		if v != nil && *v >= 0 {
			out = append(out, KV{key, uint32(*v), fileformat.GGUFTypeUint32})
		}
	}
	f32 := func(key string, v *float64) {
		if v != nil {
			out = append(out, KV{key, float32(*v), fileformat.GGUFTypeFloat32})
		}
	}
	u32(arch+".context_length", c.MaxPositionEmbeddings)
	u32(arch+".embedding_length", c.HiddenSize)
	u32(arch+".feed_forward_length", c.IntermediateSize)
	u32(arch+".block_count", c.NumHiddenLayers)
	u32(arch+".attention.head_count", c.NumAttentionHeads)
	u32(arch+".attention.head_count_kv", c.NumKeyValueHeads)
	f32(arch+".attention.layer_norm_rms_epsilon", c.RMSNormEps)
	f32(arch+".rope.freq_base", c.RopeTheta)
	if arch == "mixtral" || c.NumLocalExperts != nil {
		u32(arch+".expert_count", c.NumLocalExperts)
		u32(arch+".expert_used_count", c.NumExpertsPerTok)
	}
	u32(arch+".vocab_size", c.VocabSize)
	u32("tokenizer.ggml.bos_token_id", c.BOSTokenID)
	u32("tokenizer.ggml.eos_token_id", c.EOSTokenID)
	return out
}
