package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qrv0/crow/internal/manifest"
)

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <model.gguf | model.manifest.json>",
		Short: "Re-hash every shard against the manifest written by split",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !strings.HasSuffix(path, ".manifest.json") {
				path = manifest.Path(path)
			}
			results, err := manifest.Verify(path)
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				switch {
				case r.OK():
					fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", r.File)
				case r.Err != nil:
					failed++
					a.log.Error("shard unreadable", zap.String("file", r.File), zap.Error(r.Err))
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ERROR %v\n", r.File, r.Err)
				default:
					failed++
					a.log.Error("checksum mismatch", zap.String("file", r.File), zap.String("want", r.Want), zap.String("have", r.Have))
					fmt.Fprintf(cmd.OutOrStdout(), "%s: MISMATCH\n", r.File)
				}
			}
			if failed > 0 {
				return fmt.Errorf("checksum verify: %d of %d shards FAILED", failed, len(results))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "checksum verify: OK")
			return nil
		},
	}
}
