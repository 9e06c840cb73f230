// Package tensorname maps Hugging Face tensor names to the names llama.cpp
// expects in GGUF files.
package tensorname

import (
	"regexp"
	"strings"
)

var layerRe = regexp.MustCompile(`^model\.layers\.(\d+)\.`)

// common to every decoder arch we know
var shared = []struct{ from, to string }{
	{"model.embed_tokens.weight", "token_embd.weight"},
	{"model.norm.weight", "output_norm.weight"},
	{"lm_head.weight", "output.weight"},
	{"input_layernorm.weight", "attn_norm.weight"},
	{"post_attention_layernorm.weight", "ffn_norm.weight"},
	{"self_attn.q_proj.weight", "attn_q.weight"},
	{"self_attn.k_proj.weight", "attn_k.weight"},
	{"self_attn.v_proj.weight", "attn_v.weight"},
	{"self_attn.o_proj.weight", "attn_output.weight"},
	{"mlp.gate_proj.weight", "ffn_gate.weight"},
	{"mlp.up_proj.weight", "ffn_up.weight"},
	{"mlp.down_proj.weight", "ffn_down.weight"},
}

var qwen2 = []struct{ from, to string }{
	{"self_attn.q_proj.bias", "attn_q.bias"},
	{"self_attn.k_proj.bias", "attn_k.bias"},
	{"self_attn.v_proj.bias", "attn_v.bias"},
}

var expertRe = regexp.MustCompile(`block_sparse_moe\.experts\.(\d+)\.w([123])\.weight$`)

var expertProj = map[string]string{"1": "ffn_gate", "2": "ffn_down", "3": "ffn_up"}

// Arch returns the GGUF architecture for an HF model_type, or "" when unknown.
func Arch(modelType string) string {
	switch modelType {
	case "llama", "qwen2", "mixtral":
		return modelType
	case "mistral":
		// llama.cpp loads mistral checkpoints with the llama graph
		return "llama"
	}
	return ""
}

// Map returns the canonical name for an HF tensor name. Unknown archs and
// names without a mapping are returned unchanged.
func Map(arch, name string) string {
	if Arch(arch) == "" {
		return name
	}
	s := layerRe.ReplaceAllString(name, "blk.$1.")
	if arch == "mixtral" {
		s = strings.Replace(s, "block_sparse_moe.gate.weight", "ffn_gate_inp.weight", 1)
		s = expertRe.ReplaceAllStringFunc(s, func(m string) string {
			sub := expertRe.FindStringSubmatch(m)
			return expertProj[sub[2]] + "." + sub[1] + ".weight"
		})
	}
	if arch == "qwen2" {
		for _, r := range qwen2 {
			if strings.HasSuffix(s, r.from) {
				return strings.TrimSuffix(s, r.from) + r.to
			}
		}
	}
	for _, r := range shared {
		if strings.HasSuffix(s, r.from) {
			return strings.TrimSuffix(s, r.from) + r.to
		}
	}
	return s
}
