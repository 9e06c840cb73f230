package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qrv0/crow/internal/runner"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		prompt  string
		timeout time.Duration
		ro      runner.RunOptions
		so      runner.SampleOptions
	)
	cmd := &cobra.Command{
		Use:   "run <model.gguf>",
		Short: "Generate from a GGUF model or split set with llama.cpp (-tags llama)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := runner.New(args[0], ro)
			if err != nil {
				return err
			}
			defer r.Close()
			a.log.Info("model loaded", zap.String("path", args[0]), zap.Int("ctx", ro.CtxSize))
			resp, err := r.Generate(ctx, prompt, so)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&prompt, "prompt", "p", "Hello from crow", "prompt")
	f.DurationVar(&timeout, "timeout", 5*time.Minute, "generation timeout")
	f.IntVar(&ro.CtxSize, "ctx", 4096, "context size")
	f.IntVar(&ro.GPULayers, "gpu-layers", 0, "layers offloaded to the GPU")
	f.IntVar(&so.Tokens, "tokens", 128, "max tokens to generate")
	f.Float64Var(&so.Temperature, "temperature", 0.8, "sampling temperature")
	f.IntVar(&so.TopK, "top-k", 50, "top-k")
	f.Float64Var(&so.TopP, "top-p", 0.95, "top-p")
	f.Float64Var(&so.RepeatPenalty, "repeat-penalty", 1.1, "repeat penalty")
	return cmd
}
