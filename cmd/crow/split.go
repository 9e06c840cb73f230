package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/qrv0/crow/internal/convert"
	"github.com/qrv0/crow/internal/fileformat"
	"github.com/qrv0/crow/internal/hfmeta"
	"github.com/qrv0/crow/internal/manifest"
	"github.com/qrv0/crow/internal/safetensors"
	"github.com/qrv0/crow/internal/split"
	"github.com/qrv0/crow/internal/tensorname"
)

// splitConfig is the --config file layout. Flags given on the command line
// win over file values.
type splitConfig struct {
	split.Options `yaml:",inline"`

	Arch     string `yaml:"arch"`
	OutType  string `yaml:"outtype"`
	Name     string `yaml:"name"`
	HFConfig string `yaml:"hf_config"`
	Manifest bool   `yaml:"manifest"`
}

func loadSplitConfig(path string) (splitConfig, error) {
	c := splitConfig{Manifest: true}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// mergeFrom takes every value of file whose flag was not set explicitly.
func (c *splitConfig) mergeFrom(file splitConfig, changed func(string) bool) {
	if !changed("split-max-tensors") {
		c.SplitMaxTensors = file.SplitMaxTensors
	}
	if !changed("split-max-size") {
		c.SplitMaxSize = file.SplitMaxSize
	}
	if !changed("dry-run") {
		c.DryRun = file.DryRun
	}
	if !changed("small-first-shard") {
		c.SmallFirstShard = file.SmallFirstShard
	}
	if !changed("arch") {
		c.Arch = file.Arch
	}
	if !changed("outtype") {
		c.OutType = file.OutType
	}
	if !changed("name") {
		c.Name = file.Name
	}
	if !changed("hf-config") {
		c.HFConfig = file.HFConfig
	}
	if !changed("manifest") {
		c.Manifest = file.Manifest
	}
}

// llama.cpp file type ids
var fileTypes = map[convert.OutType]uint32{
	convert.OutF32:  0,
	convert.OutF16:  1,
	convert.OutBF16: 32,
}

func newSplitCmd(a *app) *cobra.Command {
	var (
		cfg        splitConfig
		models     []string
		out        string
		configPath string
		progress   bool
	)
	cmd := &cobra.Command{
		Use:   "split --model in.safetensors --out model.gguf",
		Short: "Write safetensors checkpoints as one or more GGUF shards",
		Long: `Reads every tensor of the given safetensors files (optionally .zst or .lz4
compressed) and writes them as GGUF. With --split-max-tensors or
--split-max-size the tensors are spread over shards named
<out>-00001-of-0000N.gguf; run metadata goes into the first shard.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				file, err := loadSplitConfig(configPath)
				if err != nil {
					return err
				}
				cfg.mergeFrom(file, cmd.Flags().Changed)
			}
			if len(models) == 0 || out == "" {
				return errors.New("split: --model and --out are required")
			}
			return runSplit(cmd, a.log, cfg, models, out, progress)
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&models, "model", "m", nil, "input .safetensors file, repeatable")
	f.StringVarP(&out, "out", "o", "", "output .gguf path")
	f.StringVar(&configPath, "config", "", "YAML config file")
	f.IntVar(&cfg.SplitMaxTensors, "split-max-tensors", 0, "max tensors per shard")
	f.StringVar(&cfg.SplitMaxSize, "split-max-size", "", "max shard size, e.g. 500M or 2G")
	f.BoolVar(&cfg.DryRun, "dry-run", false, "only print the shard plan")
	f.BoolVar(&cfg.SmallFirstShard, "small-first-shard", false, "keep the first shard free of tensors")
	f.StringVar(&cfg.Arch, "arch", "", "general.architecture, default from --hf-config")
	f.StringVar(&cfg.OutType, "outtype", "keep", "tensor type: keep, f32, f16 or bf16")
	f.StringVar(&cfg.Name, "name", "", "general.name")
	f.StringVar(&cfg.HFConfig, "hf-config", "", "Hugging Face config.json for architecture metadata")
	f.BoolVar(&cfg.Manifest, "manifest", true, "write an xxh3 manifest next to the output")
	f.BoolVar(&progress, "progress", false, "log every tensor as it is written")
	return cmd
}

func runSplit(cmd *cobra.Command, log *zap.Logger, cfg splitConfig, models []string, out string, progress bool) error {
	args, err := split.NewArguments(cfg.Options)
	if err != nil {
		return err
	}
	outType, err := convert.ParseOutType(cfg.OutType)
	if err != nil {
		return err
	}

	var hf *hfmeta.Config
	if cfg.HFConfig != "" {
		if hf, err = hfmeta.Load(cfg.HFConfig); err != nil {
			return err
		}
	}
	arch := cfg.Arch
	if arch == "" && hf != nil {
		arch = hf.Arch()
	}

	w := split.New(out, arch, args, split.WithLogger(log))
	defer w.Close()

	if cfg.Name != "" {
		if err := w.AddString("general.name", cfg.Name); err != nil {
			return err
		}
	}
	if ft, ok := fileTypes[outType]; ok {
		if err := w.AddUint32("general.file_type", ft); err != nil {
			return err
		}
	}
	if hf != nil && arch != "" {
		for _, kv := range hf.KVs(arch) {
			if err := w.AddKeyValue(kv.Key, kv.Value, kv.Type); err != nil {
				return err
			}
		}
	}

	for _, path := range models {
		meta, err := safetensors.Walk(path, func(t safetensors.Tensor) error {
			gt, err := t.GGML()
			if err != nil {
				return err
			}
			var raw *fileformat.GGMLType
			if target := convert.Target(gt, outType); target != gt.Type {
				if gt, err = convert.Cast(gt, target); err != nil {
					return fmt.Errorf("%s: %w", t.Name, err)
				}
				raw = &target
			}
			return w.AddTensor(tensorname.Map(arch, t.Name), gt, raw)
		})
		if err != nil {
			return err
		}
		log.Debug("read model", zap.String("path", path), zap.Int("metadata", len(meta)))
	}

	plan, err := w.Finalize()
	if err != nil {
		return err
	}
	stdout := cmd.OutOrStdout()
	if plan.DryRun {
		for _, s := range plan.Shards {
			fmt.Fprintf(stdout, "%s\t%d tensors\t%s\n", s.Path, s.TensorCount, s.Size)
		}
		fmt.Fprintf(stdout, "total: %d shards, %d tensors, %s\n", len(plan.Shards), plan.TotalTensors, split.FormatBytes(plan.TotalSize))
		if n := plan.DataShards(); n > 1 {
			fmt.Fprintf(stdout, "balance: mean %s, stddev %s over %d shards\n",
				split.FormatBytes(uint64(plan.MeanSize)), split.FormatBytes(uint64(plan.StdDevSize)), n)
		}
		return nil
	}
	if err := w.WriteAll(progress); err != nil {
		return err
	}
	if cfg.Manifest {
		mp := manifest.Path(out)
		if err := manifest.Build(plan, w.Checksums()).WriteFile(mp); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
		log.Info("manifest written", zap.String("path", mp))
	}
	for _, p := range plan.Paths() {
		fmt.Fprintln(stdout, p)
	}
	return nil
}
