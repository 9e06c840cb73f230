// Package runner smoke-runs a GGUF model, single file or split set, with
// llama.cpp. The real runner needs the llama build tag.
package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/qrv0/crow/internal/fileformat"
	"github.com/qrv0/crow/internal/split"
)

type RunOptions struct {
	CtxSize   int
	GPULayers int
}

type SampleOptions struct {
	Tokens        int
	Temperature   float64
	TopK          int
	TopP          float64
	RepeatPenalty float64
}

var shardRe = regexp.MustCompile(`^(.*)-(\d{5})-of-(\d{5})(\.[^.]*)?$`)

// FirstShard returns the path llama.cpp should open for the model at path:
// path itself for an unsplit file, else shard 1 of its set. Every shard
// of the set must exist.
func FirstShard(path string) (string, error) {
	info, err := fileformat.InspectGGUF(path)
	if err != nil {
		return "", fmt.Errorf("runner: %s: %w", path, err)
	}
	count, ok := info.Uint(split.KeySplitCount)
	if !ok || count <= 1 {
		return path, nil
	}
	dir, base := filepath.Split(path)
	m := shardRe.FindStringSubmatch(base)
	if m == nil {
		return "", fmt.Errorf("runner: %s has %d split shards but is not named like one", path, count)
	}
	for i := 0; i < int(count); i++ {
		p := split.ShardPath(filepath.Join(dir, m[1]+m[4]), i, int(count))
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("runner: missing shard: %w", err)
		}
	}
	return split.ShardPath(filepath.Join(dir, m[1]+m[4]), 0, int(count)), nil
}
