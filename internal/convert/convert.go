package convert

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/qrv0/crow/internal/fileformat"
)

// OutType is the element type requested for exported tensors.
type OutType int

const (
	OutKeep OutType = iota
	OutF32
	OutF16
	OutBF16
)

func ParseOutType(s string) (OutType, error) {
	switch strings.ToLower(s) {
	case "", "keep", "auto":
		return OutKeep, nil
	case "f32":
		return OutF32, nil
	case "f16":
		return OutF16, nil
	case "bf16":
		return OutBF16, nil
	}
	return OutKeep, fmt.Errorf("convert: unknown outtype %q (want keep, f32, f16 or bf16)", s)
}

// Target picks the on-disk type for t. Non-float tensors keep their type;
// vectors (norms, biases) stay F32 when a half type is requested.
func Target(t fileformat.Tensor, out OutType) fileformat.GGMLType {
	if !isFloat(t.Type) {
		return t.Type
	}
	switch out {
	case OutF32:
		return fileformat.GGMLTypeF32
	case OutF16, OutBF16:
		if len(t.Shape) <= 1 {
			return fileformat.GGMLTypeF32
		}
		if out == OutF16 {
			return fileformat.GGMLTypeF16
		}
		return fileformat.GGMLTypeBF16
	}
	return t.Type
}

func isFloat(t fileformat.GGMLType) bool {
	return t == fileformat.GGMLTypeF32 || t == fileformat.GGMLTypeF16 || t == fileformat.GGMLTypeBF16
}

// Cast re-encodes a float tensor into target. The returned tensor carries
// the new type and fresh data; t is left untouched.
func Cast(t fileformat.Tensor, target fileformat.GGMLType) (fileformat.Tensor, error) {
	if t.Type == target {
		return t, nil
	}
	if !isFloat(t.Type) || !isFloat(target) {
		return fileformat.Tensor{}, fmt.Errorf("convert: cannot cast %s to %s", t.Type, target)
	}
	vals, err := toF32(t)
	if err != nil {
		return fileformat.Tensor{}, err
	}
	var data []byte
	switch target {
	case fileformat.GGMLTypeF32:
		data = make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
		}
	case fileformat.GGMLTypeF16:
		data = make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(data[2*i:], fp32to16(v))
		}
	case fileformat.GGMLTypeBF16:
		data = make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(data[2*i:], fp32toBF16(v))
		}
	}
	return fileformat.Tensor{Shape: t.Shape, Type: target, Data: data}, nil
}

func toF32(t fileformat.Tensor) ([]float32, error) {
	b := t.Data
	switch t.Type {
	case fileformat.GGMLTypeF32:
		if len(b)%4 != 0 {
			return nil, fmt.Errorf("convert: f32 data length %d", len(b))
		}
		out := make([]float32, len(b)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return out, nil
	case fileformat.GGMLTypeF16, fileformat.GGMLTypeBF16:
		if len(b)%2 != 0 {
			return nil, fmt.Errorf("convert: %s data length %d", t.Type, len(b))
		}
		out := make([]float32, len(b)/2)
		for i := range out {
			h := binary.LittleEndian.Uint16(b[2*i:])
			if t.Type == fileformat.GGMLTypeF16 {
				out[i] = fp16to32(h)
			} else {
				out[i] = math.Float32frombits(uint32(h) << 16)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("convert: unsupported source type %s", t.Type)
}

func fp16to32(h uint16) float32 {
	s := uint32(h>>15) & 0x1
	e := uint32(h>>10) & 0x1F
	m := uint32(h) & 0x3FF
	var f uint32
	switch {
	case e == 0 && m == 0:
		f = s << 31
	case e == 0:
		// subnormal
		e2 := uint32(127 - 15 + 1)
		for m&0x400 == 0 {
			m <<= 1
			e2--
		}
		m &= 0x3FF
		f = s<<31 | e2<<23 | m<<13
	case e == 0x1F:
		f = s<<31 | 0xFF<<23 | m<<13
	default:
		f = s<<31 | (e-15+127)<<23 | m<<13
	}
	return math.Float32frombits(f)
}

// fp32to16 rounds to nearest even; values below the half range flush to zero.
func fp32to16(f float32) uint16 {
	u := math.Float32bits(f)
	sign := uint16(u>>16) & 0x8000
	exp := int(u>>23&0xFF) - 127 + 15
	mant := u & 0x7FFFFF
	switch {
	case u&0x7FFFFFFF > 0x7F800000: // nan
		return sign | 0x7E00
	case exp >= 0x1F:
		return sign | 0x7C00
	case exp <= 0:
		return sign
	}
	h := uint32(exp)<<10 | mant>>13
	rest := mant & 0x1FFF
	if rest > 0x1000 || (rest == 0x1000 && h&1 == 1) {
		h++ // may carry into the exponent, which is still correct
	}
	return sign | uint16(h)
}

func fp32toBF16(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7FFFFFFF > 0x7F800000 {
		return uint16(u>>16) | 0x40
	}
	u += 0x7FFF + (u >> 16 & 1)
	return uint16(u >> 16)
}
