package safetensors

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"
)

// Encode writes tensors back to back in the given order.
func Encode(w io.Writer, tensors []Tensor, meta map[string]string) error {
	header := map[string]any{}
	if len(meta) > 0 {
		header["__metadata__"] = meta
	}
	var off int64
	for _, t := range tensors {
		shape := t.Meta.Shape
		if shape == nil {
			shape = []int64{}
		}
		header[t.Name] = TensorMeta{Dtype: t.Meta.Dtype, Shape: shape, Data: [2]int64{off, off + int64(len(t.Data))}}
		off += int64(len(t.Data))
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(hb))); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	for _, t := range tensors {
		if _, err := w.Write(t.Data); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile encodes to path, compressing when the extension is .zst or .lz4.
func WriteFile(path string, tensors []Tensor, meta map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	var (
		out  io.Writer = bw
		done           = func() error { return nil }
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		enc, err := zstd.NewWriter(bw)
		if err != nil {
			return err
		}
		out, done = enc, enc.Close
	case ".lz4":
		lw := lz4.NewWriter(bw)
		out, done = lw, lw.Close
	}
	if err := Encode(out, tensors, meta); err != nil {
		return err
	}
	if err := done(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}
