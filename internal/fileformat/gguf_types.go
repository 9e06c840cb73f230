package fileformat

import "fmt"

// ValueType is a GGUF metadata value type id.
type ValueType uint32

const (
	GGUFTypeUint8   ValueType = 0
	GGUFTypeInt8    ValueType = 1
	GGUFTypeUint16  ValueType = 2
	GGUFTypeInt16   ValueType = 3
	GGUFTypeUint32  ValueType = 4
	GGUFTypeInt32   ValueType = 5
	GGUFTypeFloat32 ValueType = 6
	GGUFTypeBool    ValueType = 7
	GGUFTypeString  ValueType = 8
	GGUFTypeArray   ValueType = 9
	GGUFTypeUint64  ValueType = 10
	GGUFTypeInt64   ValueType = 11
	GGUFTypeFloat64 ValueType = 12
)

// Array is the value of a GGUFTypeArray key.
type Array struct {
	ElemType ValueType
	Elems    []any
}

// GGMLType is a ggml tensor element type id.
type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ5_0 GGMLType = 6
	GGMLTypeQ5_1 GGMLType = 7
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ8_1 GGMLType = 9
	GGMLTypeQ2_K GGMLType = 10
	GGMLTypeQ3_K GGMLType = 11
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ5_K GGMLType = 13
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeQ8_K GGMLType = 15
	GGMLTypeI8   GGMLType = 24
	GGMLTypeI16  GGMLType = 25
	GGMLTypeI32  GGMLType = 26
	GGMLTypeI64  GGMLType = 27
	GGMLTypeF64  GGMLType = 28
	GGMLTypeBF16 GGMLType = 30
)

// block size in elements, bytes per block
var ggmlTraits = map[GGMLType]struct {
	name      string
	blockSize uint64
	typeSize  uint64
}{
	GGMLTypeF32:  {"F32", 1, 4},
	GGMLTypeF16:  {"F16", 1, 2},
	GGMLTypeQ4_0: {"Q4_0", 32, 18},
	GGMLTypeQ4_1: {"Q4_1", 32, 20},
	GGMLTypeQ5_0: {"Q5_0", 32, 22},
	GGMLTypeQ5_1: {"Q5_1", 32, 24},
	GGMLTypeQ8_0: {"Q8_0", 32, 34},
	GGMLTypeQ8_1: {"Q8_1", 32, 36},
	GGMLTypeQ2_K: {"Q2_K", 256, 84},
	GGMLTypeQ3_K: {"Q3_K", 256, 110},
	GGMLTypeQ4_K: {"Q4_K", 256, 144},
	GGMLTypeQ5_K: {"Q5_K", 256, 176},
	GGMLTypeQ6_K: {"Q6_K", 256, 210},
	GGMLTypeQ8_K: {"Q8_K", 256, 292},
	GGMLTypeI8:   {"I8", 1, 1},
	GGMLTypeI16:  {"I16", 1, 2},
	GGMLTypeI32:  {"I32", 1, 4},
	GGMLTypeI64:  {"I64", 1, 8},
	GGMLTypeF64:  {"F64", 1, 8},
	GGMLTypeBF16: {"BF16", 1, 2},
}

func (t GGMLType) String() string {
	if tr, ok := ggmlTraits[t]; ok {
		return tr.name
	}
	return fmt.Sprintf("GGMLType(%d)", uint32(t))
}

// Known reports whether the type has a size table entry.
func (t GGMLType) Known() bool {
	_, ok := ggmlTraits[t]
	return ok
}

// ByteSize returns the encoded size of n elements. Quantized types require n
// to be a multiple of the block size.
func (t GGMLType) ByteSize(n uint64) (uint64, error) {
	tr, ok := ggmlTraits[t]
	if !ok {
		return 0, fmt.Errorf("gguf: unknown ggml type %d", uint32(t))
	}
	if n%tr.blockSize != 0 {
		return 0, fmt.Errorf("gguf: %d elements not a multiple of %s block size %d", n, tr.name, tr.blockSize)
	}
	return n / tr.blockSize * tr.typeSize, nil
}

// Tensor is one array to serialize. Shape dims are written as given.
type Tensor struct {
	Shape []uint64
	Type  GGMLType
	Data  []byte
}

// Elements is the product of the shape.
func (t Tensor) Elements() uint64 {
	if len(t.Shape) == 0 {
		return 0
	}
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// NBytes is the on-disk payload size: derived from type and shape when both
// are usable, otherwise the raw data length.
func (t Tensor) NBytes() uint64 {
	if len(t.Shape) > 0 {
		if n, err := t.Type.ByteSize(t.Elements()); err == nil {
			return n
		}
	}
	return uint64(len(t.Data))
}
