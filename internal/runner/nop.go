//go:build !llama

package runner

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by binaries built without the llama tag.
var ErrUnavailable = errors.New("llama runner unavailable: rebuild with -tags llama")

type LLaMARunner struct{}

func New(path string, opt RunOptions) (*LLaMARunner, error) {
	if _, err := FirstShard(path); err != nil {
		return nil, err
	}
	return nil, ErrUnavailable
}

func (r *LLaMARunner) Generate(ctx context.Context, prompt string, s SampleOptions) (string, error) {
	return "", ErrUnavailable
}

func (r *LLaMARunner) Close() error { return nil }
