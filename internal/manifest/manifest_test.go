package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/crow/internal/fileformat"
	"github.com/qrv0/crow/internal/split"
)

func writeSet(t *testing.T, dir string) (*split.Plan, *split.Writer) {
	t.Helper()
	args, err := split.NewArguments(split.Options{SplitMaxTensors: 2})
	require.NoError(t, err)
	w := split.New(filepath.Join(dir, "m.gguf"), "llama", args)
	t.Cleanup(func() { w.Close() })
	for i := 0; i < 5; i++ {
		data := make([]byte, 4*8)
		for j := range data {
			data[j] = byte(i*7 + j)
		}
		tensor := fileformat.Tensor{Shape: []uint64{8}, Type: fileformat.GGMLTypeF32, Data: data}
		require.NoError(t, w.AddTensor(fmt.Sprintf("t%d", i), tensor, nil))
	}
	plan, err := w.Finalize()
	require.NoError(t, err)
	require.NoError(t, w.WriteAll(false))
	return plan, w
}

func TestBuildAndVerify(t *testing.T) {
	dir := t.TempDir()
	plan, w := writeSet(t, dir)

	m := Build(plan, w.Checksums())
	require.Len(t, m.Shards, 3)
	assert.Equal(t, "tensors", m.Policy)
	assert.Equal(t, 5, m.TotalTensors)
	// 64, 64 and 32 byte shards
	assert.InDelta(t, 160.0/3, m.MeanSize, 1e-9)
	assert.InDelta(t, 18.4752, m.StdDevSize, 1e-3)
	assert.Equal(t, "m-00001-of-00003.gguf", m.Shards[0].File)
	assert.Equal(t, []int{2, 2, 1}, []int{m.Shards[0].Tensors, m.Shards[1].Tensors, m.Shards[2].Tensors})
	for _, s := range m.Shards {
		assert.Len(t, s.XXH3, 16)
	}

	mp := Path(filepath.Join(dir, "m.gguf"))
	assert.Equal(t, filepath.Join(dir, "m.manifest.json"), mp)
	require.NoError(t, m.WriteFile(mp))

	loaded, err := Load(mp)
	require.NoError(t, err)
	assert.Equal(t, m.StdDevSize, loaded.StdDevSize)

	results, err := Verify(mp)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.OK(), "%s: %v", r.File, r.Err)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	plan, w := writeSet(t, dir)
	mp := Path(filepath.Join(dir, "m.gguf"))
	require.NoError(t, Build(plan, w.Checksums()).WriteFile(mp))

	last := plan.Shards[2].Path
	raw, err := os.ReadFile(last)
	require.NoError(t, err)
	info, err := fileformat.InspectGGUF(last)
	require.NoError(t, err)
	raw[info.DataOffset] ^= 0xFF
	require.NoError(t, os.WriteFile(last, raw, 0o644))

	results, err := Verify(mp)
	require.NoError(t, err)
	assert.True(t, results[0].OK())
	assert.True(t, results[1].OK())
	assert.False(t, results[2].OK())
	assert.NoError(t, results[2].Err)
	assert.NotEqual(t, results[2].Want, results[2].Have)
}

func TestVerifyMissingShard(t *testing.T) {
	dir := t.TempDir()
	plan, w := writeSet(t, dir)
	mp := Path(filepath.Join(dir, "m.gguf"))
	require.NoError(t, Build(plan, w.Checksums()).WriteFile(mp))
	require.NoError(t, os.Remove(plan.Shards[1].Path))

	results, err := Verify(mp)
	require.NoError(t, err)
	assert.ErrorIs(t, results[1].Err, os.ErrNotExist)
}

func TestLoadRejectsUnknownAlgo(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.manifest.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"algo":"md5","shards":[]}`), 0o644))
	_, err := Load(p)
	require.Error(t, err)
}
