//go:build llama

package runner

import (
	"context"
	"fmt"

	llama "github.com/go-skynet/go-llama.cpp"
)

type LLaMARunner struct {
	model *llama.LLama
}

// New loads path with llama.cpp. Split sets are opened through their first
// shard; llama.cpp finds the siblings from the split keys.
func New(path string, opt RunOptions) (*LLaMARunner, error) {
	first, err := FirstShard(path)
	if err != nil {
		return nil, err
	}
	ll, err := llama.New(first,
		llama.SetContext(opt.CtxSize),
		llama.SetGPULayers(opt.GPULayers),
	)
	if err != nil {
		return nil, fmt.Errorf("runner: load %s: %w", first, err)
	}
	return &LLaMARunner{model: ll}, nil
}

func (r *LLaMARunner) Generate(ctx context.Context, prompt string, s SampleOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// returning false from the token callback stops generation
	opts := []llama.PredictOption{
		llama.Debug(false),
		llama.SetTokenCallback(func(string) bool { return ctx.Err() == nil }),
	}
	if s.Tokens > 0 {
		opts = append(opts, llama.SetTokens(s.Tokens))
	}
	if s.Temperature > 0 {
		opts = append(opts, llama.SetTemperature(float32(s.Temperature)))
	}
	if s.TopK > 0 {
		opts = append(opts, llama.SetTopK(s.TopK))
	}
	if s.TopP > 0 {
		opts = append(opts, llama.SetTopP(float32(s.TopP)))
	}
	if s.RepeatPenalty > 0 {
		opts = append(opts, llama.SetPenalty(float32(s.RepeatPenalty)))
	}
	out, err := r.model.Predict(prompt, opts...)
	if err != nil {
		return "", err
	}
	return out, ctx.Err()
}

func (r *LLaMARunner) Close() error {
	r.model.Free()
	return nil
}
