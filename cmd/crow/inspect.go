package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/qrv0/crow/internal/fileformat"
	"github.com/qrv0/crow/internal/safetensors"
	"github.com/qrv0/crow/internal/split"
)

func newInspectCmd(a *app) *cobra.Command {
	var tensors bool
	cmd := &cobra.Command{
		Use:   "inspect <file.{gguf,safetensors}>",
		Short: "Print the metadata and tensor table of a model file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if strings.HasSuffix(path, ".gguf") {
				return inspectGGUF(cmd.OutOrStdout(), path, tensors)
			}
			return inspectSafetensors(cmd.OutOrStdout(), path)
		},
	}
	cmd.Flags().BoolVarP(&tensors, "tensors", "t", false, "also list GGUF tensors")
	return cmd
}

func inspectGGUF(w io.Writer, path string, tensors bool) error {
	info, err := fileformat.InspectGGUF(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "GGUF: magic=%q version=%d tensors=%d kv=%d data_offset=%d\n",
		string(info.Magic[:]), info.Version, info.TensorCount, info.KVCount, info.DataOffset)
	if count, ok := info.Uint(split.KeySplitCount); ok {
		no, _ := info.Uint(split.KeySplitNo)
		total, _ := info.Uint(split.KeySplitTensorsCount)
		fmt.Fprintf(w, "split: shard %d of %d, %d tensors in set\n", no+1, count, total)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, k := range info.Keys {
		fmt.Fprintf(tw, "  %s\t%s\n", k, formatValue(info.KV[k]))
	}
	if tensors {
		for _, t := range info.Tensors {
			fmt.Fprintf(tw, "  %s\t%s\t%v\t@%d\n", t.Name, t.Type, t.Dims, t.Offset)
		}
	}
	return tw.Flush()
}

func formatValue(v any) string {
	if arr, ok := v.(fileformat.Array); ok {
		if len(arr.Elems) > 8 {
			return fmt.Sprintf("%v ... (%d items)", arr.Elems[:8], len(arr.Elems))
		}
		return fmt.Sprint(arr.Elems)
	}
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}

func inspectSafetensors(w io.Writer, path string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	var n int
	var bytes uint64
	meta, err := safetensors.Walk(path, func(t safetensors.Tensor) error {
		n++
		bytes += uint64(len(t.Data))
		fmt.Fprintf(tw, "  %s\t%s\t%v\n", t.Name, t.Meta.Dtype, t.Meta.Shape)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "safetensors: %d tensors, %s, %d metadata keys\n", n, split.FormatBytes(bytes), len(meta))
	return tw.Flush()
}
