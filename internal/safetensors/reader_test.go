package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/crow/internal/fileformat"
)

func toyTensors() []Tensor {
	return []Tensor{
		{Name: "model.embed_tokens.weight", Meta: TensorMeta{Dtype: "F32", Shape: []int64{2, 3}}, Data: bytes.Repeat([]byte{1}, 24)},
		{Name: "model.norm.weight", Meta: TensorMeta{Dtype: "F16", Shape: []int64{3}}, Data: bytes.Repeat([]byte{2}, 6)},
		{Name: "lm_head.weight", Meta: TensorMeta{Dtype: "BF16", Shape: []int64{3, 2}}, Data: bytes.Repeat([]byte{3}, 12)},
	}
}

func TestRoundTripCompressed(t *testing.T) {
	for _, name := range []string{"toy.safetensors", "toy.safetensors.zst", "toy.safetensors.lz4"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, WriteFile(path, toyTensors(), map[string]string{"format": "pt"}))

			f, err := Open(path)
			require.NoError(t, err)
			assert.Equal(t, "pt", f.Metadata["format"])
			require.Len(t, f.Tensors, 3)
			for i, want := range toyTensors() {
				assert.Equal(t, want.Name, f.Tensors[i].Name, "file order")
				assert.Equal(t, want.Data, f.Tensors[i].Data)
				assert.Equal(t, want.Meta.Shape, f.Tensors[i].Meta.Shape)
			}
		})
	}
}

func TestWalkStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toy.safetensors")
	require.NoError(t, WriteFile(path, toyTensors(), nil))
	stop := errors.New("stop")
	n := 0
	_, err := Walk(path, func(Tensor) error {
		n++
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{1, 2}), func(Tensor) error { return nil })
	require.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, toyTensors(), nil))
	truncated := buf.Bytes()[:buf.Len()-4]
	_, err = Decode(bytes.NewReader(truncated), func(Tensor) error { return nil })
	require.ErrorContains(t, err, "lm_head.weight")

	// offsets promising 1 TiB of data behind a tiny file
	hdr := []byte(`{"huge":{"dtype":"F32","shape":[262144,1048576],"data_offsets":[0,1099511627776]}}`)
	var small bytes.Buffer
	require.NoError(t, binary.Write(&small, binary.LittleEndian, uint64(len(hdr))))
	small.Write(hdr)
	small.Write(make([]byte, 16))
	_, err = Decode(bytes.NewReader(small.Bytes()), func(Tensor) error { return nil })
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.ErrorContains(t, err, "huge")
}

func TestGGML(t *testing.T) {
	g, err := toyTensors()[0].GGML()
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 2}, g.Shape)
	assert.Equal(t, fileformat.GGMLTypeF32, g.Type)
	assert.Equal(t, uint64(24), g.NBytes())

	_, err = Tensor{Name: "b", Meta: TensorMeta{Dtype: "BOOL", Shape: []int64{1}}}.GGML()
	require.ErrorContains(t, err, "unsupported dtype")
}
