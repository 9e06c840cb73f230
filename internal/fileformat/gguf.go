package fileformat

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var ErrNotGGUF = errors.New("not GGUF")

// maxDims is GGML_MAX_DIMS.
const maxDims = 4

type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   GGMLType
	Offset uint64
}

// GGUFInfo is the decoded metadata part of a GGUF file.
type GGUFInfo struct {
	Magic       [4]byte
	Version     uint32
	TensorCount uint64
	KVCount     uint64
	// Keys keeps file order; KV holds decoded values (arrays as Array).
	Keys    []string
	KV      map[string]any
	Types   map[string]ValueType
	Tensors []TensorInfo
	// DataOffset is where the aligned tensor data region starts.
	DataOffset uint64
}

func InspectGGUF(path string) (*GGUFInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeGGUF(bufio.NewReader(f))
}

func DecodeGGUF(r io.Reader) (*GGUFInfo, error) {
	cr := &countingReader{r: r}
	var info GGUFInfo
	if _, err := io.ReadFull(cr, info.Magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(info.Magic[:]) != "GGUF" {
		return nil, ErrNotGGUF
	}
	le := binary.LittleEndian
	if err := binary.Read(cr, le, &info.Version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if err := binary.Read(cr, le, &info.TensorCount); err != nil {
		return nil, fmt.Errorf("read tensor count: %w", err)
	}
	if err := binary.Read(cr, le, &info.KVCount); err != nil {
		return nil, fmt.Errorf("read kv count: %w", err)
	}
	hint := min(info.KVCount, 1024)
	info.KV = make(map[string]any, hint)
	info.Types = make(map[string]ValueType, hint)
	for i := uint64(0); i < info.KVCount; i++ {
		key, err := readString(cr)
		if err != nil {
			return nil, fmt.Errorf("read kv key[%d]: %w", i, err)
		}
		var t uint32
		if err := binary.Read(cr, le, &t); err != nil {
			return nil, fmt.Errorf("read kv type[%d]: %w", i, err)
		}
		v, err := decodeValue(cr, ValueType(t))
		if err != nil {
			return nil, fmt.Errorf("read kv value %q: %w", key, err)
		}
		info.Keys = append(info.Keys, key)
		info.KV[key] = v
		info.Types[key] = ValueType(t)
	}
	for i := uint64(0); i < info.TensorCount; i++ {
		name, err := readString(cr)
		if err != nil {
			return nil, fmt.Errorf("read tensor name[%d]: %w", i, err)
		}
		var nDims uint32
		if err := binary.Read(cr, le, &nDims); err != nil {
			return nil, fmt.Errorf("read tensor n_dims[%d]: %w", i, err)
		}
		if nDims > maxDims {
			return nil, fmt.Errorf("tensor %q: n_dims %d exceeds %d", name, nDims, maxDims)
		}
		dims := make([]uint64, nDims)
		if err := binary.Read(cr, le, dims); err != nil {
			return nil, fmt.Errorf("read tensor dims[%d]: %w", i, err)
		}
		var typ uint32
		if err := binary.Read(cr, le, &typ); err != nil {
			return nil, fmt.Errorf("read tensor type[%d]: %w", i, err)
		}
		var off uint64
		if err := binary.Read(cr, le, &off); err != nil {
			return nil, fmt.Errorf("read tensor offset[%d]: %w", i, err)
		}
		info.Tensors = append(info.Tensors, TensorInfo{Name: name, Dims: dims, Type: GGMLType(typ), Offset: off})
	}
	align := uint64(32)
	if a, ok := info.KV["general.alignment"].(uint32); ok && a > 0 {
		align = uint64(a)
	}
	info.DataOffset = alignUp64(cr.n, align)
	return &info, nil
}

// Uint reads an unsigned or signed integer key as uint64.
func (g *GGUFInfo) Uint(key string) (uint64, bool) {
	switch v := g.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int32:
		if v >= 0 {
			return uint64(v), true
		}
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += uint64(n)
	return n, err
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<30 {
		return "", fmt.Errorf("string length %d too large", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeValue(r io.Reader, t ValueType) (any, error) {
	le := binary.LittleEndian
	switch t {
	case GGUFTypeUint8:
		var v uint8
		err := binary.Read(r, le, &v)
		return v, err
	case GGUFTypeInt8:
		var v int8
		err := binary.Read(r, le, &v)
		return v, err
	case GGUFTypeUint16:
		var v uint16
		err := binary.Read(r, le, &v)
		return v, err
	case GGUFTypeInt16:
		var v int16
		err := binary.Read(r, le, &v)
		return v, err
	case GGUFTypeUint32:
		var v uint32
		err := binary.Read(r, le, &v)
		return v, err
	case GGUFTypeInt32:
		var v int32
		err := binary.Read(r, le, &v)
		return v, err
	case GGUFTypeUint64:
		var v uint64
		err := binary.Read(r, le, &v)
		return v, err
	case GGUFTypeInt64:
		var v int64
		err := binary.Read(r, le, &v)
		return v, err
	case GGUFTypeFloat32:
		var v uint32
		err := binary.Read(r, le, &v)
		return math.Float32frombits(v), err
	case GGUFTypeFloat64:
		var v uint64
		err := binary.Read(r, le, &v)
		return math.Float64frombits(v), err
	case GGUFTypeBool:
		var v uint8
		err := binary.Read(r, le, &v)
		return v != 0, err
	case GGUFTypeString:
		return readString(r)
	case GGUFTypeArray:
		var et uint32
		if err := binary.Read(r, le, &et); err != nil {
			return nil, err
		}
		var n uint64
		if err := binary.Read(r, le, &n); err != nil {
			return nil, err
		}
		arr := Array{ElemType: ValueType(et)}
		for i := uint64(0); i < n; i++ {
			v, err := decodeValue(r, ValueType(et))
			if err != nil {
				return nil, err
			}
			arr.Elems = append(arr.Elems, v)
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unsupported gguf value type: %d", t)
}
