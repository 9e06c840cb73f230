//go:build !llama

package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/crow/internal/fileformat"
	"github.com/qrv0/crow/internal/split"
)

func writeModel(t *testing.T, path string, maxTensors int) *split.Plan {
	t.Helper()
	args, err := split.NewArguments(split.Options{SplitMaxTensors: maxTensors})
	require.NoError(t, err)
	w := split.New(path, "llama", args)
	defer w.Close()
	for _, name := range []string{"a", "b", "c"} {
		tensor := fileformat.Tensor{Shape: []uint64{4}, Type: fileformat.GGMLTypeF32, Data: make([]byte, 16)}
		require.NoError(t, w.AddTensor(name, tensor, nil))
	}
	plan, err := w.Finalize()
	require.NoError(t, err)
	require.NoError(t, w.WriteAll(false))
	return plan
}

func TestFirstShard(t *testing.T) {
	dir := t.TempDir()
	plan := writeModel(t, filepath.Join(dir, "m.gguf"), 1)
	require.Len(t, plan.Shards, 3)

	for _, p := range plan.Paths() {
		got, err := FirstShard(p)
		require.NoError(t, err)
		assert.Equal(t, plan.Shards[0].Path, got)
	}

	require.NoError(t, os.Remove(plan.Shards[1].Path))
	_, err := FirstShard(plan.Shards[2].Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFirstShardSingleFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "single.gguf")
	writeModel(t, p, 0)
	got, err := FirstShard(p)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestNopRunner(t *testing.T) {
	p := filepath.Join(t.TempDir(), "single.gguf")
	writeModel(t, p, 0)
	_, err := New(p, RunOptions{CtxSize: 512})
	assert.ErrorIs(t, err, ErrUnavailable)
	var r LLaMARunner
	_, err = r.Generate(context.Background(), "hi", SampleOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
