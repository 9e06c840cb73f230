package convert

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/crow/internal/fileformat"
)

func f32Tensor(shape []uint64, vals ...float32) fileformat.Tensor {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return fileformat.Tensor{Shape: shape, Type: fileformat.GGMLTypeF32, Data: b}
}

func TestCastRoundTrip(t *testing.T) {
	vals := []float32{0, 1, -2, 0.5, 65504, -0.25}
	src := f32Tensor([]uint64{3, 2}, vals...)
	for _, target := range []fileformat.GGMLType{fileformat.GGMLTypeF16, fileformat.GGMLTypeBF16} {
		half, err := Cast(src, target)
		require.NoError(t, err)
		assert.Equal(t, target, half.Type)
		assert.Len(t, half.Data, 2*len(vals))
		assert.Equal(t, src.Shape, half.Shape)

		back, err := Cast(half, fileformat.GGMLTypeF32)
		require.NoError(t, err)
		got, err := toF32(back)
		require.NoError(t, err)
		for i, v := range vals {
			assert.InEpsilon(t, float64(v)+1, float64(got[i])+1, 0.01, "%s value %d", target, i)
		}
	}
}

func TestFP16Edges(t *testing.T) {
	assert.Equal(t, uint16(0x7C00), fp32to16(float32(math.Inf(1))))
	assert.Equal(t, uint16(0xFC00), fp32to16(float32(math.Inf(-1))))
	assert.Equal(t, uint16(0x3C00), fp32to16(1))
	assert.Equal(t, uint16(0x8000), fp32to16(-1e-10))
	assert.True(t, math.IsNaN(float64(fp16to32(fp32to16(float32(math.NaN()))))))
	assert.Equal(t, float32(1), fp16to32(0x3C00))
	assert.Equal(t, float32(math.Ldexp(1, -24)), fp16to32(0x0001), "smallest subnormal")
}

func TestTarget(t *testing.T) {
	mat := fileformat.Tensor{Shape: []uint64{4, 4}, Type: fileformat.GGMLTypeBF16}
	vec := fileformat.Tensor{Shape: []uint64{4}, Type: fileformat.GGMLTypeBF16}
	assert.Equal(t, fileformat.GGMLTypeF16, Target(mat, OutF16))
	assert.Equal(t, fileformat.GGMLTypeF32, Target(vec, OutF16))
	assert.Equal(t, fileformat.GGMLTypeBF16, Target(mat, OutKeep))
	assert.Equal(t, fileformat.GGMLTypeF32, Target(mat, OutF32))

	ids := fileformat.Tensor{Shape: []uint64{8, 2}, Type: fileformat.GGMLTypeI64, Data: make([]byte, 128)}
	for _, out := range []OutType{OutF32, OutF16, OutBF16} {
		assert.Equal(t, fileformat.GGMLTypeI64, Target(ids, out))
		same, err := Cast(ids, Target(ids, out))
		require.NoError(t, err)
		assert.Equal(t, ids.Data, same.Data)
	}
	f64 := fileformat.Tensor{Shape: []uint64{2, 2}, Type: fileformat.GGMLTypeF64}
	assert.Equal(t, fileformat.GGMLTypeF64, Target(f64, OutF16))
}

func TestCastRejectsIntegers(t *testing.T) {
	_, err := Cast(fileformat.Tensor{Shape: []uint64{1}, Type: fileformat.GGMLTypeI32, Data: make([]byte, 4)}, fileformat.GGMLTypeF16)
	require.Error(t, err)
	_, err = ParseOutType("q4")
	require.Error(t, err)
}
