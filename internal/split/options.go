package split

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/qrv0/crow/internal/fileformat"
)

// Policy decides when the accumulator starts a new shard.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyTensors
	PolicySize
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyTensors:
		return "tensors"
	case PolicySize:
		return "size"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Options is the user-facing split configuration.
type Options struct {
	SplitMaxTensors int    `yaml:"split_max_tensors"`
	SplitMaxSize    string `yaml:"split_max_size"`
	DryRun          bool   `yaml:"dry_run"`
	SmallFirstShard bool   `yaml:"small_first_shard"`
}

// Arguments is Options with the size parsed and the policy chosen.
type Arguments struct {
	MaxTensors      int
	MaxSize         uint64
	Policy          Policy
	DryRun          bool
	SmallFirstShard bool
}

// NewArguments validates o. A tensor limit takes precedence over a size
// limit when both are given.
func NewArguments(o Options) (Arguments, error) {
	if o.SplitMaxTensors < 0 {
		return Arguments{}, fmt.Errorf("split: split_max_tensors must not be negative, got %d", o.SplitMaxTensors)
	}
	a := Arguments{
		MaxTensors:      o.SplitMaxTensors,
		DryRun:          o.DryRun,
		SmallFirstShard: o.SmallFirstShard,
	}
	if o.SplitMaxSize != "" {
		n, err := ParseSize(o.SplitMaxSize)
		if err != nil {
			return Arguments{}, err
		}
		a.MaxSize = n
	}
	switch {
	case a.MaxTensors > 0:
		a.Policy = PolicyTensors
	case a.MaxSize > 0:
		a.Policy = PolicySize
	default:
		a.Policy = PolicyNone
	}
	return a, nil
}

// Conflicting reports whether both limits were configured.
func (a Arguments) Conflicting() bool { return a.MaxTensors > 0 && a.MaxSize > 0 }

// ShardWriter is the single-file encoder each shard delegates to.
type ShardWriter interface {
	AddKeyValue(key string, value any, vtype fileformat.ValueType) error
	AddTensor(name string, t fileformat.Tensor, rawType *fileformat.GGMLType) error
	WriteHeaderToFile(path string) error
	WriteKVDataToFile() error
	WriteTensorsToFile(progress bool) error
	TensorCount() int
	Close() error
}

// Checksummer is implemented by shard writers that hash their data region.
type Checksummer interface {
	Checksum() (uint64, bool)
}

type Option func(*Writer)

func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.log = l
		}
	}
}

// WithShardWriterFactory replaces the GGUF file writer used per shard.
func WithShardWriterFactory(f func(index int) ShardWriter) Option {
	return func(w *Writer) {
		if f != nil {
			w.newShardWriter = f
		}
	}
}

func defaultShardWriter(log *zap.Logger) func(int) ShardWriter {
	return func(index int) ShardWriter {
		gw := fileformat.NewGGUFWriter()
		gw.Logger = log.With(zap.Int("shard", index))
		return gw
	}
}
