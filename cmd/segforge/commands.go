package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"segforge/internal/checkpoint"
	"segforge/internal/config"
	"segforge/internal/dataset"
	"segforge/internal/logger"
	"segforge/internal/metrics"
	"segforge/internal/model"
	"segforge/internal/tracking"
	"segforge/internal/trainer"
)

func newTrainCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the classifier head on the training shards and save it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), cfg, "train", cfg.TrainRoots, false, func(ctx context.Context, c *trainer.Centralized, _ *tracking.Session, log *logger.Logger) error {
				res, err := c.Train(ctx)
				if err != nil {
					return fmt.Errorf("training failed: %w", err)
				}
				log.Info("training done", "epochs", len(res.EpochLosses), "final_loss", res.EpochLosses[len(res.EpochLosses)-1], "checkpoint", res.CheckpointPath)
				return nil
			})
		},
	}
}

func newTestCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Evaluate a saved classifier head on the test shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), cfg, "test", cfg.TestRoots, true, func(ctx context.Context, c *trainer.Centralized, session *tracking.Session, log *logger.Logger) error {
				metric := metrics.NewStreamSegMetrics(cfg.NumClasses)
				if err := c.Test(ctx, metric); err != nil {
					return fmt.Errorf("test failed: %w", err)
				}
				if err := session.Init(ctx, map[string]any{"model": cfg.Model, "checkpoint": cfg.CheckpointPath}); err != nil {
					return err
				}
				if err := session.Log(ctx, metric.Results().Scalars("test/")); err != nil {
					log.Warn("tracker log failed", "error", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), metric.String())
				return nil
			})
		},
	}
}

func newPreviewCmd(flags *rootFlags) *cobra.Command {
	var (
		alpha float64
		out   string
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Render the prediction of a random test sample as a PNG overlay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			roots := cfg.TestRoots
			if len(roots) == 0 {
				roots = cfg.TrainRoots
			}
			return withClient(cmd.Context(), cfg, "preview", roots, true, func(ctx context.Context, c *trainer.Centralized, _ *tracking.Session, log *logger.Logger) error {
				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return err
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				key, err := c.CheckRandomSample(ctx, alpha, f)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				log.Info("preview saved", "key", key, "path", out)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&alpha, "alpha", 0.5, "Overlay opacity in [0,1]")
	cmd.Flags().StringVar(&out, "out", "preview.png", "Output PNG path")
	return cmd
}

type clientFunc func(ctx context.Context, c *trainer.Centralized, session *tracking.Session, log *logger.Logger) error

// withClient builds the logger, tracker, dataset and model for one client.
// Test clients load the classifier checkpoint first.
func withClient(ctx context.Context, cfg *config.Config, name string, roots []string, testClient bool, fn clientFunc) error {
	log, err := logger.New(cfg.Logging.Mode)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	if len(roots) == 0 {
		return fmt.Errorf("%s: no shard roots configured", name)
	}
	ds, err := dataset.OpenShards(ctx, name, roots, dataset.NewTransform(cfg.InputHeight, cfg.InputWidth))
	if err != nil {
		return err
	}
	log.Info("dataset loaded", "name", name, "roots", roots, "samples", ds.Len())

	m, err := model.New(cfg.Model, model.Options{
		NumClasses:   cfg.NumClasses,
		Width:        cfg.BackboneWidth,
		OutputStride: cfg.OutputStride,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return err
	}
	if cfg.BackboneWeights != "" {
		if err := checkpoint.Load(cfg.BackboneWeights, m.Backbone()); err != nil {
			return fmt.Errorf("backbone weights: %w", err)
		}
		log.Info("backbone weights loaded", "path", cfg.BackboneWeights)
	}
	if testClient {
		if err := checkpoint.Load(cfg.CheckpointPath, m.Classifier()); err != nil {
			return fmt.Errorf("classifier checkpoint: %w", err)
		}
		log.Info("classifier loaded", "path", cfg.CheckpointPath)
	}

	session, err := tracking.Open(ctx, cfg.Tracking, name, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Finish(context.WithoutCancel(ctx)); err != nil {
			log.Warn("tracker finish failed", "error", err)
		}
	}()

	c, err := trainer.New(cfg, ds, m, testClient, session, log)
	if err != nil {
		return err
	}
	return fn(ctx, c, session, log)
}
