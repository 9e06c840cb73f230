package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"

	"github.com/qrv0/crow/internal/fileformat"
)

// Safetensors reader for a single file: [header_len:u64][header_json][data].
// The file may be zstd (.zst) or lz4 (.lz4) compressed as a whole; data is
// then read as one sequential stream.

const maxHeaderLen = 100 << 20

type TensorMeta struct {
	Dtype string   `json:"dtype"`
	Shape []int64  `json:"shape"`
	Data  [2]int64 `json:"data_offsets"`
}

type Tensor struct {
	Name string
	Meta TensorMeta
	Data []byte
}

type File struct {
	// Metadata is the optional "__metadata__" string map.
	Metadata map[string]string
	// Tensors in data offset order.
	Tensors []Tensor
}

// Open reads every tensor of path into memory.
func Open(path string) (*File, error) {
	out := &File{}
	meta, err := Walk(path, func(t Tensor) error {
		out.Tensors = append(out.Tensors, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Metadata = meta
	return out, nil
}

// Walk streams the tensors of path to fn in data offset order and returns the
// file metadata.
func Walk(path string, fn func(Tensor) error) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, closeFn, err := decompressor(path, f)
	if err != nil {
		return nil, fmt.Errorf("safetensors: %s: %w", path, err)
	}
	defer closeFn()
	return Decode(r, fn)
}

func decompressor(path string, f io.Reader) (io.Reader, func(), error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, err
		}
		return bufio.NewReader(dec), dec.Close, nil
	case ".lz4":
		return bufio.NewReader(lz4.NewReader(f)), func() {}, nil
	}
	return bufio.NewReaderSize(f, 1<<20), func() {}, nil
}

// maxPrealloc bounds the buffer allocated up front for one tensor; larger
// tensors grow as their bytes actually arrive.
const maxPrealloc = 64 << 20

func readN(r io.Reader, n int64) ([]byte, error) {
	if n <= maxPrealloc {
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	buf := bytes.NewBuffer(make([]byte, 0, maxPrealloc))
	got, err := buf.ReadFrom(io.LimitReader(r, n))
	if err != nil {
		return nil, err
	}
	if got < n {
		return nil, io.ErrUnexpectedEOF
	}
	return buf.Bytes(), nil
}

// Decode parses a safetensors stream.
func Decode(r io.Reader, fn func(Tensor) error) (map[string]string, error) {
	var hdrLen uint64
	if err := binary.Read(r, binary.LittleEndian, &hdrLen); err != nil {
		return nil, fmt.Errorf("safetensors: read header length: %w", err)
	}
	if hdrLen > maxHeaderLen {
		return nil, fmt.Errorf("safetensors: header length %d too large", hdrLen)
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		return nil, fmt.Errorf("safetensors: read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdrBytes, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: invalid header: %w", err)
	}
	var meta map[string]string
	var tensors []Tensor
	for name, v := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(v, &meta); err != nil {
				return nil, fmt.Errorf("safetensors: invalid __metadata__: %w", err)
			}
			continue
		}
		var tm TensorMeta
		if err := json.Unmarshal(v, &tm); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}
		if tm.Data[0] < 0 || tm.Data[1] < tm.Data[0] {
			return nil, fmt.Errorf("safetensors: tensor %q: bad data offsets %v", name, tm.Data)
		}
		tensors = append(tensors, Tensor{Name: name, Meta: tm})
	}
	sort.Slice(tensors, func(i, j int) bool {
		if tensors[i].Meta.Data[0] != tensors[j].Meta.Data[0] {
			return tensors[i].Meta.Data[0] < tensors[j].Meta.Data[0]
		}
		return tensors[i].Name < tensors[j].Name
	})
	var pos int64
	for _, t := range tensors {
		start, end := t.Meta.Data[0], t.Meta.Data[1]
		if start < pos {
			return nil, fmt.Errorf("safetensors: tensor %q overlaps previous data", t.Name)
		}
		if _, err := io.CopyN(io.Discard, r, start-pos); err != nil {
			return nil, fmt.Errorf("safetensors: skip to %q: %w", t.Name, err)
		}
		data, err := readN(r, end-start)
		if err != nil {
			return nil, fmt.Errorf("safetensors: read %q: %w", t.Name, err)
		}
		t.Data = data
		pos = end
		if err := fn(t); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

var dtypes = map[string]fileformat.GGMLType{
	"F32":  fileformat.GGMLTypeF32,
	"F16":  fileformat.GGMLTypeF16,
	"BF16": fileformat.GGMLTypeBF16,
	"F64":  fileformat.GGMLTypeF64,
	"I8":   fileformat.GGMLTypeI8,
	"I16":  fileformat.GGMLTypeI16,
	"I32":  fileformat.GGMLTypeI32,
	"I64":  fileformat.GGMLTypeI64,
}

// GGML converts t to a GGUF tensor. Dims are reversed: GGUF lists the
// innermost dimension first.
func (t Tensor) GGML() (fileformat.Tensor, error) {
	typ, ok := dtypes[t.Meta.Dtype]
	if !ok {
		return fileformat.Tensor{}, fmt.Errorf("safetensors: tensor %q: unsupported dtype %s", t.Name, t.Meta.Dtype)
	}
	shape := make([]uint64, len(t.Meta.Shape))
	for i, d := range t.Meta.Shape {
		if d < 0 {
			return fileformat.Tensor{}, fmt.Errorf("safetensors: tensor %q: negative dim", t.Name)
		}
		shape[len(shape)-1-i] = uint64(d)
	}
	if len(shape) == 0 {
		shape = []uint64{1}
	}
	return fileformat.Tensor{Shape: shape, Type: typ, Data: t.Data}, nil
}
