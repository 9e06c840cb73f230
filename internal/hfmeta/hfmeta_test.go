package hfmeta

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/crow/internal/fileformat"
)

func TestLoadAndKVs(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{
		"model_type": "mistral",
		"hidden_size": 4096,
		"num_hidden_layers": 32,
		"num_attention_heads": 32,
		"num_key_value_heads": 8,
		"rms_norm_eps": 1e-5,
		"eos_token_id": 2
	}`), 0o644))

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "llama", c.Arch())

	kvs := c.KVs(c.Arch())
	got := map[string]KV{}
	for _, kv := range kvs {
		got[kv.Key] = kv
	}
	assert.Len(t, kvs, 6)
	assert.Equal(t, uint32(4096), got["llama.embedding_length"].Value)
	assert.Equal(t, uint32(8), got["llama.attention.head_count_kv"].Value)
	assert.Equal(t, fileformat.GGUFTypeFloat32, got["llama.attention.layer_norm_rms_epsilon"].Type)
	assert.Equal(t, float32(1e-5), got["llama.attention.layer_norm_rms_epsilon"].Value)
	assert.Equal(t, uint32(2), got["tokenizer.ggml.eos_token_id"].Value)
	assert.NotContains(t, got, "llama.context_length")
}

func TestLoadBadJSON(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte("{"), 0o644))
	_, err := Load(p)
	require.Error(t, err)
}
