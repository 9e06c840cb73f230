// Package manifest records the xxh3 hashes of a written shard set and checks
// shards against them.
package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	xxh3 "github.com/zeebo/xxh3"

	"github.com/qrv0/crow/internal/fileformat"
	"github.com/qrv0/crow/internal/split"
)

const Algo = "xxh3-64"

type Shard struct {
	// File is relative to the manifest's directory.
	File    string `json:"file"`
	Tensors int    `json:"tensors"`
	Size    uint64 `json:"size"`
	// XXH3 is the hex hash of the tensor data region; empty when unknown.
	XXH3 string `json:"xxh3,omitempty"`
}

type Manifest struct {
	Algo         string  `json:"algo"`
	Policy       string  `json:"policy"`
	TotalTensors int     `json:"total_tensors"`
	TotalSize    uint64  `json:"total_size"`
	// Balance of the shards holding tensors.
	MeanSize   float64 `json:"mean_size"`
	StdDevSize float64 `json:"stddev_size"`
	Shards     []Shard `json:"shards"`
}

// Path is where the manifest for output path out lives.
func Path(out string) string {
	ext := filepath.Ext(out)
	return strings.TrimSuffix(out, ext) + ".manifest.json"
}

// Build pairs the plan with the checksums collected while writing.
func Build(plan *split.Plan, sums []split.Checksum) *Manifest {
	bySum := make(map[string]split.Checksum, len(sums))
	for _, c := range sums {
		bySum[c.Path] = c
	}
	m := &Manifest{
		Algo:         Algo,
		Policy:       plan.Policy.String(),
		TotalTensors: plan.TotalTensors,
		TotalSize:    plan.TotalSize,
		MeanSize:     plan.MeanSize,
		StdDevSize:   plan.StdDevSize,
	}
	for _, s := range plan.Shards {
		e := Shard{File: filepath.Base(s.Path), Tensors: s.TensorCount, Size: s.Size.Bytes()}
		if c, ok := bySum[s.Path]; ok && c.Valid {
			e.XXH3 = fmt.Sprintf("%016x", c.Sum)
		}
		m.Shards = append(m.Shards, e)
	}
	return m
}

func (m *Manifest) WriteFile(path string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	if m.Algo != Algo {
		return nil, fmt.Errorf("manifest: unsupported algo %q", m.Algo)
	}
	return &m, nil
}

// Result is the outcome for one shard. Err is set when the shard could not
// be read or its split keys disagree with the manifest.
type Result struct {
	File string
	Want string
	Have string
	Err  error
}

func (r Result) OK() bool { return r.Err == nil && r.Want != "" && r.Want == r.Have }

// Verify re-hashes every shard listed in the manifest at path.
func Verify(path string) ([]Result, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	out := make([]Result, len(m.Shards))
	for i, s := range m.Shards {
		r := Result{File: s.File, Want: s.XXH3}
		sum, err := checkShard(filepath.Join(dir, s.File), i, len(m.Shards), s.Tensors)
		if err != nil {
			r.Err = err
		} else {
			r.Have = fmt.Sprintf("%016x", sum)
			if r.Want == "" {
				r.Err = fmt.Errorf("no recorded hash")
			}
		}
		out[i] = r
	}
	return out, nil
}

func checkShard(path string, i, n, tensors int) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := fileformat.DecodeGGUF(bufio.NewReader(f))
	if err != nil {
		return 0, err
	}
	if int(info.TensorCount) != tensors {
		return 0, fmt.Errorf("tensor count %d, manifest says %d", info.TensorCount, tensors)
	}
	if n > 1 {
		no, _ := info.Uint(split.KeySplitNo)
		count, _ := info.Uint(split.KeySplitCount)
		if int(no) != i || int(count) != n {
			return 0, fmt.Errorf("split keys %d/%d, want %d/%d", no, count, i, n)
		}
	}
	if _, err := f.Seek(int64(info.DataOffset), io.SeekStart); err != nil {
		return 0, err
	}
	h := xxh3.New()
	if _, err := io.Copy(h, bufio.NewReaderSize(f, 1<<20)); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
