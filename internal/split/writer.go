package split

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/qrv0/crow/internal/fileformat"
)

// Phase is the write progress shared by every shard of a Writer.
type Phase int

const (
	PhaseEmpty Phase = iota
	PhaseHeader
	PhaseKVData
	PhaseTensorData
)

func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "EMPTY"
	case PhaseHeader:
		return "HEADER"
	case PhaseKVData:
		return "KV_DATA"
	case PhaseTensorData:
		return "TENSOR_DATA"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

type kvValue struct {
	value any
	vtype fileformat.ValueType
}

// Writer spreads tensors over one or more GGUF shards. Tensors are placed
// as they are added; Finalize fixes the shard set, then WriteHeader,
// WriteKVData and WriteTensorData run across all shards in that order.
// A Writer is not safe for concurrent use.
type Writer struct {
	path string
	arch string
	args Arguments

	log            *zap.Logger
	newShardWriter func(index int) ShardWriter

	kvKeys []string
	kv     map[string]kvValue

	shards       []*shard
	policy       Policy
	totalTensors int
	plan         *Plan

	writers   []ShardWriter
	phase     Phase
	checksums []Checksum
	// err is a failed finalize; the writer can then only be closed.
	err error
}

// Checksum is the data-region hash of one written shard.
type Checksum struct {
	Path  string
	Sum   uint64
	Valid bool
}

func New(path, arch string, args Arguments, opts ...Option) *Writer {
	w := &Writer{
		path:   path,
		arch:   arch,
		args:   args,
		policy: args.Policy,
		log:    zap.NewNop(),
		kv:     map[string]kvValue{},
	}
	for _, o := range opts {
		o(w)
	}
	if w.newShardWriter == nil {
		w.newShardWriter = defaultShardWriter(w.log)
	}
	if args.Conflicting() {
		w.log.Warn("both split_max_tensors and split_max_size given, splitting by tensor count",
			zap.Int("split_max_tensors", args.MaxTensors),
			zap.String("split_max_size", FormatBytes(args.MaxSize)))
	}
	if args.SmallFirstShard {
		w.shards = append(w.shards, metadataShard())
	}
	return w
}

// AddKeyValue sets run-level metadata. It ends up in the first shard only.
func (w *Writer) AddKeyValue(key string, value any, vtype fileformat.ValueType) error {
	if w.plan != nil {
		return fmt.Errorf("%w: add kv %q", ErrFinalized, key)
	}
	if _, ok := w.kv[key]; !ok {
		w.kvKeys = append(w.kvKeys, key)
	}
	w.kv[key] = kvValue{value: value, vtype: vtype}
	return nil
}

func (w *Writer) AddString(key, v string) error { return w.AddKeyValue(key, v, fileformat.GGUFTypeString) }
func (w *Writer) AddUint32(key string, v uint32) error {
	return w.AddKeyValue(key, v, fileformat.GGUFTypeUint32)
}
func (w *Writer) AddFloat32(key string, v float32) error {
	return w.AddKeyValue(key, v, fileformat.GGUFTypeFloat32)
}
func (w *Writer) AddBool(key string, v bool) error { return w.AddKeyValue(key, v, fileformat.GGUFTypeBool) }

// AddTensor places a tensor into the current shard or opens a new one. The
// caller must not keep using t.Data afterwards.
func (w *Writer) AddTensor(name string, t fileformat.Tensor, rawType *fileformat.GGMLType) error {
	if w.plan != nil {
		return fmt.Errorf("%w: add tensor %q", ErrFinalized, name)
	}
	e := Entry{Name: name, Tensor: t, RawType: rawType}
	if w.startsShard(e) {
		w.shards = append(w.shards, newShard(e))
		return nil
	}
	w.shards[len(w.shards)-1].push(e)
	return nil
}

func (w *Writer) startsShard(e Entry) bool {
	n := len(w.shards)
	if n == 0 || (n == 1 && w.args.SmallFirstShard) {
		return true
	}
	last := w.shards[n-1]
	switch w.args.Policy {
	case PolicyTensors:
		return last.TensorCount >= w.args.MaxTensors
	case PolicySize:
		return last.Size.Bytes()+e.NBytes() > w.args.MaxSize
	}
	return false
}

// Pending is the number of tensors still queued for a shard writer.
func (w *Writer) Pending() int {
	n := 0
	for _, s := range w.shards {
		n += s.Pending()
	}
	return n
}

// Phase is the last completed write phase.
func (w *Writer) Phase() Phase { return w.phase }

func (w *Writer) expect(want Phase) error {
	if w.plan == nil {
		return ErrNotFinalized
	}
	if w.plan.DryRun {
		return ErrDryRun
	}
	if w.err != nil {
		return w.err
	}
	if w.phase != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidPhase, want, w.phase)
	}
	return nil
}

func (w *Writer) WriteHeader() error {
	if err := w.expect(PhaseEmpty); err != nil {
		return err
	}
	for i, sw := range w.writers {
		if err := sw.WriteHeaderToFile(w.shards[i].Path); err != nil {
			return fmt.Errorf("split: shard %d header %s: %w", i, w.shards[i].Path, err)
		}
	}
	w.phase = PhaseHeader
	return nil
}

func (w *Writer) WriteKVData() error {
	if err := w.expect(PhaseHeader); err != nil {
		return err
	}
	for i, sw := range w.writers {
		if err := sw.WriteKVDataToFile(); err != nil {
			return fmt.Errorf("split: shard %d kv data %s: %w", i, w.shards[i].Path, err)
		}
	}
	w.phase = PhaseKVData
	return nil
}

// WriteTensorData writes every shard's tensor data and closes its writer as
// soon as it is done.
func (w *Writer) WriteTensorData(progress bool) error {
	if err := w.expect(PhaseKVData); err != nil {
		return err
	}
	remaining := w.totalTensors
	for i, sw := range w.writers {
		n := sw.TensorCount()
		metadataOnly := n == 0
		if metadataOnly {
			w.log.Info("writing shard with metadata only",
				zap.Int("shard", i+1), zap.Int("shards", len(w.writers)))
		} else {
			w.log.Info("writing shard",
				zap.Int("shard", i+1), zap.Int("shards", len(w.writers)),
				zap.Int("tensors", n), zap.Int("remaining", remaining), zap.Int("total", w.totalTensors))
		}
		remaining -= n
		if err := sw.WriteTensorsToFile(progress && !metadataOnly); err != nil {
			return fmt.Errorf("split: shard %d tensor data %s: %w", i, w.shards[i].Path, err)
		}
		c := Checksum{Path: w.shards[i].Path}
		if cs, ok := sw.(Checksummer); ok {
			c.Sum, c.Valid = cs.Checksum()
		}
		w.checksums = append(w.checksums, c)
		w.writers[i] = nil
		if err := sw.Close(); err != nil {
			return fmt.Errorf("split: close shard %d %s: %w", i, w.shards[i].Path, err)
		}
	}
	w.phase = PhaseTensorData
	return nil
}

// WriteAll runs the three write phases in order.
func (w *Writer) WriteAll(progress bool) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}
	if err := w.WriteKVData(); err != nil {
		return err
	}
	return w.WriteTensorData(progress)
}

// Checksums lists the data hashes of the shards written so far.
func (w *Writer) Checksums() []Checksum { return w.checksums }

// Close releases every shard writer still open. It can be called at any
// time, any number of times.
func (w *Writer) Close() error {
	var errs []error
	for i, sw := range w.writers {
		if sw == nil {
			continue
		}
		w.writers[i] = nil
		if err := sw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("split: close shard %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
