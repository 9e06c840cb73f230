package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type app struct {
	verbose bool
	log     *zap.Logger
	// set when the logger was built here and must be synced
	ownLog bool
}

// newRootCmd builds the crow command tree. A nil logger is replaced by a
// development logger on stderr.
func newRootCmd(log *zap.Logger) *cobra.Command {
	a := &app{log: log}
	root := &cobra.Command{
		Use:   "crow",
		Short: "crow - GGUF packaging and split tool",
		Long: `crow converts safetensors checkpoints into GGUF files and splits large
models into shards that llama.cpp loads as one model.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.log != nil {
				return nil
			}
			config := zap.NewDevelopmentConfig()
			config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
			if a.verbose {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			l, err := config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.log, a.ownLog = l, true
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.ownLog {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	root.AddCommand(
		newSplitCmd(a),
		newInspectCmd(a),
		newVerifyCmd(a),
		newRunCmd(a),
	)
	return root
}

func main() {
	if err := newRootCmd(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "crow:", err)
		os.Exit(1)
	}
}
