package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"segforge/internal/checkpoint"
	"segforge/internal/dataset"
	"segforge/internal/metrics"
	"segforge/internal/model"
	"segforge/internal/optim"
)

// Result summarises a finished training run.
type Result struct {
	EpochLosses    []float64
	CheckpointPath string
}

// Train freezes the backbone, runs cfg.NumEpochs epochs and saves the
// classifier head to cfg.CheckpointPath.
func (c *Centralized) Train(ctx context.Context) (res Result, err error) {
	if c.trainLoader == nil {
		return Result{}, ErrNoTrainLoader
	}
	if err := c.tracker.Init(ctx, c.runConfig()); err != nil {
		return Result{}, err
	}
	defer func() {
		if ferr := c.tracker.Finish(context.WithoutCancel(ctx)); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}()

	c.model.Train()
	model.SetRequiresGrad(c.model.Backbone(), false)
	c.log.Info("params frozen")

	opt, err := c.BuildOptimizer(c.cfg.Optimizer, c.cfg.LR)
	if err != nil {
		return Result{}, err
	}

	for epoch := 0; epoch < c.cfg.NumEpochs; epoch++ {
		avg, err := c.RunEpoch(ctx, epoch, opt)
		if err != nil {
			return res, err
		}
		res.EpochLosses = append(res.EpochLosses, avg)
		if err := c.tracker.Log(ctx, map[string]float64{"loss": avg, "epoch": float64(epoch)}); err != nil {
			c.log.Warn("tracker log failed", "error", err)
		}
	}
	c.log.Info("finish training", "epochs", c.cfg.NumEpochs)

	if err := checkpoint.Save(c.cfg.CheckpointPath, c.model.Classifier()); err != nil {
		return res, err
	}
	res.CheckpointPath = c.cfg.CheckpointPath
	c.log.Info("model saved", "path", c.cfg.CheckpointPath)
	return res, nil
}

// RunEpoch trains over every batch of the training loader once and returns
// the mean batch loss.
func (c *Centralized) RunEpoch(ctx context.Context, epoch int, opt optim.Optimizer) (float64, error) {
	if c.trainLoader == nil {
		return 0, ErrNoTrainLoader
	}
	total := c.trainLoader.Len()
	if total == 0 {
		return 0, fmt.Errorf("trainer: %d samples is fewer than one batch of %d", c.dataset.Len(), c.cfg.BatchSize)
	}
	var (
		cumLoss float64
		window  metrics.Window
	)
	startData := time.Now()
	err := c.trainLoader.Each(ctx, func(step int, batch dataset.Batch) error {
		dataTime := time.Since(startData)

		startCompute := time.Now()
		value, err := c.step(batch, opt)
		if err != nil {
			return fmt.Errorf("epoch %d step %d: %w", epoch+1, step+1, err)
		}
		window.Record(batch.Images.Dim(0), dataTime, time.Since(startCompute), value)
		cumLoss += value

		if err := c.tracker.Log(ctx, map[string]float64{"batch loss": value}); err != nil {
			c.log.Warn("tracker log failed", "error", err)
		}
		if (step+1)%c.cfg.LogEvery == 0 || step+1 == total {
			snap := window.Snapshot()
			c.log.Info("train",
				"epoch", fmt.Sprintf("%d/%d", epoch+1, c.cfg.NumEpochs),
				"step", fmt.Sprintf("%d/%d", step+1, total),
				"loss", fmt.Sprintf("%.3f", value),
				"images_per_sec", fmt.Sprintf("%.1f", snap.ImagesPerSec),
				"data_ms", fmt.Sprintf("%.2f", snap.AvgDataMS),
				"compute_ms", fmt.Sprintf("%.2f", snap.AvgComputeMS),
			)
		}
		startData = time.Now()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cumLoss / float64(total), nil
}

func (c *Centralized) step(batch dataset.Batch, opt optim.Optimizer) (float64, error) {
	opt.ZeroGrad()
	outputs, err := c.GetOutputs(batch.Images)
	if err != nil {
		return 0, err
	}
	losses, err := c.criterion.Forward(outputs, batch.Labels)
	if err != nil {
		return 0, err
	}
	value, weights := c.reduction.Reduce(losses, batch.Labels, batch.Images.Dim(0))
	grad, err := c.criterion.Backward(weights)
	if err != nil {
		return 0, err
	}
	if err := c.model.Backward(grad); err != nil {
		return 0, err
	}
	opt.Step()
	return value, nil
}

// Test evaluates the model on the test loader, updating metric per batch.
func (c *Centralized) Test(ctx context.Context, metric StreamMetric) error {
	c.model.Eval()
	return c.testLoader.Each(ctx, func(step int, batch dataset.Batch) error {
		outputs, err := c.GetOutputs(batch.Images)
		if err != nil {
			return fmt.Errorf("test step %d: %w", step+1, err)
		}
		return UpdateMetric(metric, outputs, batch.Labels)
	})
}
