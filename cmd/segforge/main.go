package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"segforge/internal/config"
)

type rootFlags struct {
	configPath     string
	model          string
	batchSize      int
	numEpochs      int
	lr             float64
	optimizer      string
	hnm            bool
	trainRoots     []string
	testRoots      []string
	checkpointPath string
	seed           int64
	logEvery       int
	device         string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "segforge",
		Short:         "Centralized training and evaluation of segmentation and classification heads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "configs/centralized.yaml", "Path to YAML config")
	pf.StringVar(&flags.model, "model", "", "Override model name")
	pf.IntVar(&flags.batchSize, "bs", 0, "Batch size")
	pf.IntVar(&flags.numEpochs, "num-epochs", 0, "Number of epochs")
	pf.Float64Var(&flags.lr, "lr", 0, "Learning rate")
	pf.StringVar(&flags.optimizer, "optimizer", "", "Optimizer (sgd or adam)")
	pf.BoolVar(&flags.hnm, "hnm", false, "Use hard negative mining")
	pf.StringSliceVar(&flags.trainRoots, "train-root", nil, "Override training shard roots")
	pf.StringSliceVar(&flags.testRoots, "test-root", nil, "Override test shard roots")
	pf.StringVar(&flags.checkpointPath, "checkpoint", "", "Classifier checkpoint path")
	pf.Int64Var(&flags.seed, "seed", 0, "PRNG seed")
	pf.IntVar(&flags.logEvery, "log-every", 0, "Log every N steps")
	pf.StringVar(&flags.device, "device", "", "Device (auto, cpu, cuda)")

	cmd.AddCommand(
		newTrainCmd(flags),
		newTestCmd(flags),
		newPreviewCmd(flags),
	)
	return cmd
}

func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyOverrides(config.Overrides{
		Model:          f.model,
		BatchSize:      f.batchSize,
		NumEpochs:      f.numEpochs,
		LR:             f.lr,
		Optimizer:      f.optimizer,
		HNM:            f.hnm,
		TrainRoots:     f.trainRoots,
		TestRoots:      f.testRoots,
		CheckpointPath: f.checkpointPath,
		Seed:           f.seed,
		LogEvery:       f.logEvery,
		Device:         f.device,
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
