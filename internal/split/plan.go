package split

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/qrv0/crow/internal/fileformat"
)

const shardNameFormat = "%s-%05d-of-%05d%s"

// Split metadata keys written to every shard of a split set.
const (
	KeySplitNo           = "split.no"
	KeySplitCount        = "split.count"
	KeySplitTensorsCount = "split.tensors.count"

	KeyArchitecture = "general.architecture"
)

type ShardPlan struct {
	Path        string
	TensorCount int
	Size        ShardSize
}

// Plan is the finalized shard layout.
type Plan struct {
	// Policy is the effective policy after a possible downgrade to none.
	Policy       Policy
	Shards       []ShardPlan
	TotalTensors int
	TotalSize    uint64
	DryRun       bool
	// Mean and standard deviation of the sizes of shards holding tensors.
	MeanSize   float64
	StdDevSize float64
}

// DataShards counts the shards holding tensors.
func (p *Plan) DataShards() int {
	n := 0
	for _, s := range p.Shards {
		if !s.Size.IsMetadataOnly() {
			n++
		}
	}
	return n
}

func (p *Plan) Paths() []string {
	out := make([]string, len(p.Shards))
	for i, s := range p.Shards {
		out[i] = s.Path
	}
	return out
}

// ShardPath names shard i of n for the output path. The extension of path
// is kept; a path without one gets ".gguf".
func ShardPath(path string, i, n int) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if ext == "" {
		ext = ".gguf"
	}
	return filepath.Join(dir, fmt.Sprintf(shardNameFormat, stem, i+1, n, ext))
}

// Finalize closes the tensor set, names the shards and builds one shard
// writer per shard. On a dry run the plan is only logged.
func (w *Writer) Finalize() (*Plan, error) {
	if w.plan != nil {
		return nil, ErrFinalized
	}

	var totalSize uint64
	w.totalTensors = 0
	for _, s := range w.shards {
		w.totalTensors += s.TensorCount
		totalSize += s.Size.Bytes()
	}

	switch {
	case w.args.Policy == PolicyTensors && w.totalTensors < w.args.MaxTensors:
		w.log.Warn("model has fewer tensors than the split threshold, not splitting",
			zap.Int("tensors", w.totalTensors), zap.Int("split_max_tensors", w.args.MaxTensors))
		w.policy = PolicyNone
	case w.args.Policy == PolicySize && totalSize < w.args.MaxSize:
		w.log.Warn("model has smaller size than the split threshold, not splitting",
			zap.String("size", FormatBytes(totalSize)), zap.String("split_max_size", FormatBytes(w.args.MaxSize)))
		w.policy = PolicyNone
	}

	if len(w.shards) == 0 {
		w.shards = append(w.shards, metadataShard())
	}

	if len(w.shards) == 1 {
		w.shards[0].Path = w.path
	} else {
		for i, s := range w.shards {
			s.Path = ShardPath(w.path, i, len(w.shards))
		}
	}

	plan := &Plan{
		Policy:       w.policy,
		TotalTensors: w.totalTensors,
		TotalSize:    totalSize,
		DryRun:       w.args.DryRun,
	}
	var sizes []float64
	for _, s := range w.shards {
		plan.Shards = append(plan.Shards, ShardPlan{Path: s.Path, TensorCount: s.TensorCount, Size: s.Size})
		if !s.Size.IsMetadataOnly() {
			sizes = append(sizes, float64(s.Size.Bytes()))
		}
	}
	if len(sizes) > 0 {
		plan.MeanSize = stat.Mean(sizes, nil)
	}
	if len(sizes) > 1 {
		plan.StdDevSize = stat.StdDev(sizes, nil)
	}

	w.log.Info("writing the following files", zap.Int("shards", len(plan.Shards)), zap.Stringer("policy", plan.Policy))
	for _, s := range plan.Shards {
		w.log.Info("shard", zap.String("path", s.Path), zap.Int("n_tensors", s.TensorCount), zap.Stringer("total_size", s.Size))
	}
	if len(sizes) > 1 {
		w.log.Debug("shard balance",
			zap.String("mean", FormatBytes(uint64(plan.MeanSize))), zap.String("stddev", FormatBytes(uint64(plan.StdDevSize))))
	}

	w.plan = plan
	if plan.DryRun {
		w.log.Info("dry run, not writing files")
		return plan, nil
	}

	if err := w.buildWriters(); err != nil {
		w.err = err
		return nil, err
	}
	return plan, nil
}

func (w *Writer) buildWriters() error {
	n := len(w.shards)
	withSplitKeys := w.policy != PolicyNone || w.args.SmallFirstShard
	if withSplitKeys && n > math.MaxUint16 {
		return fmt.Errorf("split: %d shards exceed the split.count limit", n)
	}
	if withSplitKeys && w.totalTensors > math.MaxInt32 {
		return fmt.Errorf("split: %d tensors exceed the split.tensors.count limit", w.totalTensors)
	}
	for i, s := range w.shards {
		sw := w.newShardWriter(i)
		w.writers = append(w.writers, sw)

		if i == 0 {
			if w.arch != "" {
				if err := sw.AddKeyValue(KeyArchitecture, w.arch, fileformat.GGUFTypeString); err != nil {
					return fmt.Errorf("split: shard %d: %w", i, err)
				}
			}
			for _, k := range w.kvKeys {
				v := w.kv[k]
				if err := sw.AddKeyValue(k, v.value, v.vtype); err != nil {
					return fmt.Errorf("split: shard %d: %w", i, err)
				}
			}
		}

		if withSplitKeys {
			if err := addSplitKeys(sw, uint16(i), uint16(n), int32(w.totalTensors)); err != nil {
				return fmt.Errorf("split: shard %d: %w", i, err)
			}
		}

		for {
			e, ok := s.pop()
			if !ok {
				break
			}
			if err := sw.AddTensor(e.Name, e.Tensor, e.RawType); err != nil {
				return fmt.Errorf("split: shard %d: %w", i, err)
			}
		}
	}
	// run-level metadata now lives in the first shard writer
	w.kv, w.kvKeys = nil, nil
	return nil
}

func addSplitKeys(sw ShardWriter, no, count uint16, tensors int32) error {
	if err := sw.AddKeyValue(KeySplitNo, no, fileformat.GGUFTypeUint16); err != nil {
		return err
	}
	if err := sw.AddKeyValue(KeySplitCount, count, fileformat.GGUFTypeUint16); err != nil {
		return err
	}
	return sw.AddKeyValue(KeySplitTensorsCount, tensors, fileformat.GGUFTypeInt32)
}
