package fileformat

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	xxh3 "github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

// GGUF writer with a phased file API: header, kv data, tensor infos, tensor
// data. Each phase is written straight to the output file so callers that
// drive many writers can interleave them phase by phase.

var ErrWriterState = errors.New("gguf: writer called out of order")

type writerState int

const (
	stateEmpty writerState = iota
	stateHeader
	stateKVData
	stateTensorInfo
	stateWeights
)

func (s writerState) String() string {
	switch s {
	case stateEmpty:
		return "EMPTY"
	case stateHeader:
		return "HEADER"
	case stateKVData:
		return "KV_DATA"
	case stateTensorInfo:
		return "TI_DATA"
	case stateWeights:
		return "WEIGHTS"
	}
	return fmt.Sprintf("writerState(%d)", int(s))
}

type GGUFKV struct {
	Key   string
	Type  ValueType
	Value any
}

// GGUFTensor is a queued tensor with its assigned data offset.
type GGUFTensor struct {
	Name   string
	Dims   []uint64
	Type   GGMLType
	Data   []byte
	Offset uint64
	Size   uint64
}

type GGUFWriter struct {
	Version   int
	DataAlign int
	KVs       []GGUFKV
	Tensors   []GGUFTensor
	Logger    *zap.Logger

	state    writerState
	keys     map[string]struct{}
	dataSize uint64

	f   *os.File
	out *countingWriter

	hash     *xxh3.Hasher
	checksum uint64
}

func NewGGUFWriter() *GGUFWriter {
	return &GGUFWriter{Version: 3, DataAlign: 32, Logger: zap.NewNop(), keys: map[string]struct{}{}}
}

// AddKeyValue queues a metadata entry. The value must match vtype exactly.
func (w *GGUFWriter) AddKeyValue(key string, value any, vtype ValueType) error {
	if w.state != stateEmpty {
		return fmt.Errorf("%w: add kv %q in state %s", ErrWriterState, key, w.state)
	}
	if _, dup := w.keys[key]; dup {
		return fmt.Errorf("gguf: duplicate key %q", key)
	}
	if err := encodeValue(io.Discard, vtype, value); err != nil {
		return fmt.Errorf("gguf: key %q: %w", key, err)
	}
	if w.keys == nil {
		w.keys = map[string]struct{}{}
	}
	w.keys[key] = struct{}{}
	w.KVs = append(w.KVs, GGUFKV{Key: key, Type: vtype, Value: value})
	return nil
}

func (w *GGUFWriter) AddString(key, v string) error { return w.AddKeyValue(key, v, GGUFTypeString) }
func (w *GGUFWriter) AddUint16(key string, v uint16) error {
	return w.AddKeyValue(key, v, GGUFTypeUint16)
}
func (w *GGUFWriter) AddUint32(key string, v uint32) error {
	return w.AddKeyValue(key, v, GGUFTypeUint32)
}
func (w *GGUFWriter) AddInt32(key string, v int32) error { return w.AddKeyValue(key, v, GGUFTypeInt32) }

// AddTensor queues a tensor. rawType, when set, overrides t.Type as the
// on-disk element type; the data is then taken as already encoded in it.
func (w *GGUFWriter) AddTensor(name string, t Tensor, rawType *GGMLType) error {
	if w.state != stateEmpty {
		return fmt.Errorf("%w: add tensor %q in state %s", ErrWriterState, name, w.state)
	}
	typ := t.Type
	if rawType != nil {
		typ = *rawType
	}
	dims := t.Shape
	if len(dims) == 0 {
		// 1-D from the raw length when the type has one element per block
		n, err := typ.ByteSize(1)
		if err != nil || n == 0 || uint64(len(t.Data))%n != 0 {
			return fmt.Errorf("gguf: tensor %q has no shape", name)
		}
		dims = []uint64{uint64(len(t.Data)) / n}
	}
	nelem := uint64(1)
	for _, d := range dims {
		nelem *= d
	}
	expect, err := typ.ByteSize(nelem)
	if err != nil {
		return fmt.Errorf("gguf: tensor %q: %w", name, err)
	}
	if uint64(len(t.Data)) != expect {
		return fmt.Errorf("gguf: tensor %q data size mismatch: have %d want %d", name, len(t.Data), expect)
	}
	off := alignUp64(w.dataSize, uint64(w.DataAlign))
	w.dataSize = off + expect
	w.Tensors = append(w.Tensors, GGUFTensor{Name: name, Dims: dims, Type: typ, Data: t.Data, Offset: off, Size: expect})
	return nil
}

// TensorCount is the number of queued tensors.
func (w *GGUFWriter) TensorCount() int { return len(w.Tensors) }

func (w *GGUFWriter) WriteHeaderToFile(path string) error {
	if w.state != stateEmpty {
		return fmt.Errorf("%w: expected %s, got %s", ErrWriterState, stateEmpty, w.state)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w.f = f
	w.out = &countingWriter{w: bufio.NewWriterSize(f, 1<<20)}
	var head bytes.Buffer
	head.WriteString("GGUF")
	writeU32(&head, uint32(w.Version))
	writeU64(&head, uint64(len(w.Tensors)))
	writeU64(&head, uint64(len(w.KVs)))
	if _, err := w.out.Write(head.Bytes()); err != nil {
		return err
	}
	w.state = stateHeader
	return nil
}

func (w *GGUFWriter) WriteKVDataToFile() error {
	if w.state != stateHeader {
		return fmt.Errorf("%w: expected %s, got %s", ErrWriterState, stateHeader, w.state)
	}
	var kvb bytes.Buffer
	for _, kv := range w.KVs {
		writeString(&kvb, kv.Key)
		writeU32(&kvb, uint32(kv.Type))
		if err := encodeValue(&kvb, kv.Type, kv.Value); err != nil {
			return fmt.Errorf("gguf: key %q: %w", kv.Key, err)
		}
	}
	if _, err := w.out.Write(kvb.Bytes()); err != nil {
		return err
	}
	w.state = stateKVData
	return nil
}

func (w *GGUFWriter) WriteTensorInfoToFile() error {
	if w.state != stateKVData {
		return fmt.Errorf("%w: expected %s, got %s", ErrWriterState, stateKVData, w.state)
	}
	var tinf bytes.Buffer
	for _, t := range w.Tensors {
		writeString(&tinf, t.Name)
		writeU32(&tinf, uint32(len(t.Dims)))
		for _, d := range t.Dims {
			writeU64(&tinf, d)
		}
		writeU32(&tinf, uint32(t.Type))
		writeU64(&tinf, t.Offset)
	}
	if _, err := w.out.Write(tinf.Bytes()); err != nil {
		return err
	}
	w.state = stateTensorInfo
	return nil
}

// WriteTensorsToFile writes the tensor infos if still pending, then the
// aligned data region. Each tensor's data is dropped once written.
func (w *GGUFWriter) WriteTensorsToFile(progress bool) error {
	if w.state == stateKVData {
		if err := w.WriteTensorInfoToFile(); err != nil {
			return err
		}
	}
	if w.state != stateTensorInfo {
		return fmt.Errorf("%w: expected %s, got %s", ErrWriterState, stateTensorInfo, w.state)
	}
	align := uint64(w.DataAlign)
	if err := w.pad(alignUp64(w.out.n, align) - w.out.n); err != nil {
		return err
	}
	base := w.out.n
	w.hash = xxh3.New()
	data := io.MultiWriter(w.out, w.hash)
	var written uint64
	for i := range w.Tensors {
		t := &w.Tensors[i]
		if gap := base + t.Offset - w.out.n; gap > 0 {
			if _, err := data.Write(make([]byte, gap)); err != nil {
				return err
			}
		}
		if _, err := data.Write(t.Data); err != nil {
			return fmt.Errorf("gguf: write tensor %q: %w", t.Name, err)
		}
		t.Data = nil
		written += t.Size
		if progress {
			w.logger().Info("tensor written",
				zap.String("name", t.Name),
				zap.Stringer("type", t.Type),
				zap.Int("index", i+1),
				zap.Int("count", len(w.Tensors)),
				zap.Uint64("bytes", written),
				zap.Uint64("total", w.dataSize))
		}
	}
	if tail := alignUp64(w.out.n, align) - w.out.n; tail > 0 {
		if _, err := data.Write(make([]byte, tail)); err != nil {
			return err
		}
	}
	if err := w.out.w.Flush(); err != nil {
		return err
	}
	w.checksum = w.hash.Sum64()
	w.state = stateWeights
	return nil
}

// Checksum is the xxh3-64 of the tensor data region, valid once the tensor
// data has been written.
func (w *GGUFWriter) Checksum() (uint64, bool) {
	return w.checksum, w.state == stateWeights
}

// Close flushes and closes the output file. Safe to call more than once.
func (w *GGUFWriter) Close() error {
	if w.f == nil {
		return nil
	}
	f := w.f
	w.f = nil
	ferr := w.out.w.Flush()
	if err := f.Close(); err != nil {
		return err
	}
	return ferr
}

// WriteFile runs every phase into path and closes the file.
func (w *GGUFWriter) WriteFile(path string) error {
	err := w.WriteHeaderToFile(path)
	if err == nil {
		err = w.WriteKVDataToFile()
	}
	if err == nil {
		err = w.WriteTensorsToFile(false)
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *GGUFWriter) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func (w *GGUFWriter) pad(n uint64) error {
	if n == 0 {
		return nil
	}
	_, err := w.out.Write(make([]byte, n))
	return err
}

type countingWriter struct {
	w *bufio.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

func alignUp64(x, a uint64) uint64 {
	if a == 0 {
		return x
	}
	r := x % a
	if r == 0 {
		return x
	}
	return x + (a - r)
}

func writeU64(w io.Writer, v uint64) { _ = binary.Write(w, binary.LittleEndian, v) }
func writeU32(w io.Writer, v uint32) { _ = binary.Write(w, binary.LittleEndian, v) }

func writeString(w io.Writer, s string) {
	writeU64(w, uint64(len(s)))
	_, _ = io.WriteString(w, s)
}

func encodeValue(w io.Writer, vtype ValueType, v any) error {
	le := binary.LittleEndian
	switch vtype {
	case GGUFTypeString:
		s, ok := v.(string)
		if !ok {
			return typeErr(vtype, v)
		}
		writeString(w, s)
	case GGUFTypeBool:
		b, ok := v.(bool)
		if !ok {
			return typeErr(vtype, v)
		}
		var u uint8
		if b {
			u = 1
		}
		return binary.Write(w, le, u)
	case GGUFTypeUint8:
		x, ok := v.(uint8)
		if !ok {
			return typeErr(vtype, v)
		}
		return binary.Write(w, le, x)
	case GGUFTypeInt8:
		x, ok := v.(int8)
		if !ok {
			return typeErr(vtype, v)
		}
		return binary.Write(w, le, x)
	case GGUFTypeUint16:
		x, ok := v.(uint16)
		if !ok {
			return typeErr(vtype, v)
		}
		return binary.Write(w, le, x)
	case GGUFTypeInt16:
		x, ok := v.(int16)
		if !ok {
			return typeErr(vtype, v)
		}
		return binary.Write(w, le, x)
	case GGUFTypeUint32:
		x, ok := v.(uint32)
		if !ok {
			return typeErr(vtype, v)
		}
		return binary.Write(w, le, x)
	case GGUFTypeInt32:
		x, ok := v.(int32)
		if !ok {
			return typeErr(vtype, v)
		}
		return binary.Write(w, le, x)
	case GGUFTypeUint64:
		x, ok := v.(uint64)
		if !ok {
			return typeErr(vtype, v)
		}
		return binary.Write(w, le, x)
	case GGUFTypeInt64:
		x, ok := v.(int64)
		if !ok {
			return typeErr(vtype, v)
		}
		return binary.Write(w, le, x)
	case GGUFTypeFloat32:
		x, ok := v.(float32)
		if !ok {
			return typeErr(vtype, v)
		}
		return binary.Write(w, le, math.Float32bits(x))
	case GGUFTypeFloat64:
		x, ok := v.(float64)
		if !ok {
			return typeErr(vtype, v)
		}
		return binary.Write(w, le, math.Float64bits(x))
	case GGUFTypeArray:
		arr, ok := v.(Array)
		if !ok {
			return typeErr(vtype, v)
		}
		if arr.ElemType == GGUFTypeArray {
			return errors.New("nested arrays are not supported")
		}
		writeU32(w, uint32(arr.ElemType))
		writeU64(w, uint64(len(arr.Elems)))
		for i, e := range arr.Elems {
			if err := encodeValue(w, arr.ElemType, e); err != nil {
				return fmt.Errorf("elem %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unsupported kv type %d", vtype)
	}
	return nil
}

func typeErr(vtype ValueType, v any) error {
	return fmt.Errorf("value %T does not match kv type %d", v, vtype)
}
