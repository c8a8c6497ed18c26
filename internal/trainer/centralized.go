package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"segforge/internal/config"
	"segforge/internal/dataset"
	"segforge/internal/device"
	"segforge/internal/logger"
	"segforge/internal/loss"
	"segforge/internal/model"
	"segforge/internal/optim"
	"segforge/internal/tensor"
)

var (
	// ErrNotImplemented is returned for a model name without an output rule.
	ErrNotImplemented   = model.ErrNotImplemented
	ErrUnknownOptimizer = errors.New("trainer: unknown optimizer")
	ErrNoTrainLoader    = errors.New("trainer: client has no training loader")
)

// StreamMetric accumulates predictions against ground truth batch by batch.
type StreamMetric interface {
	Update(labels, preds []int) error
}

// Tracker is the experiment tracking service a run reports to.
type Tracker interface {
	Init(ctx context.Context, cfg map[string]any) error
	Log(ctx context.Context, values map[string]float64) error
	Finish(ctx context.Context) error
}

// Centralized trains and evaluates one model on one client's dataset.
type Centralized struct {
	cfg     *config.Config
	name    string
	dataset dataset.Dataset
	model   model.Model

	trainLoader *dataset.Loader
	testLoader  *dataset.Loader

	criterion *loss.CrossEntropy
	reduction loss.Reduction
	device    device.Device
	tracker   Tracker
	log       *logger.Logger
	rng       *rand.Rand
}

// New wires a client. A test client has no training loader. tracker and log
// may be nil.
func New(cfg *config.Config, ds dataset.Dataset, m model.Model, testClient bool, tracker Tracker, log *logger.Logger) (*Centralized, error) {
	if cfg == nil || ds == nil || m == nil {
		return nil, errors.New("trainer: config, dataset and model are required")
	}
	if log == nil {
		log = logger.Nop()
	}
	if tracker == nil {
		tracker = nopTracker{}
	}
	dev, err := device.Detect(cfg.Device)
	if err != nil {
		return nil, err
	}

	c := &Centralized{
		cfg:       cfg,
		name:      ds.Name(),
		dataset:   ds,
		model:     m,
		criterion: loss.NewCrossEntropy(cfg.IgnoreIndex),
		device:    dev,
		tracker:   tracker,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
	c.log = log.With("client", c.name)

	if !testClient {
		c.trainLoader, err = dataset.NewLoader(ds, dataset.LoaderOptions{
			BatchSize: cfg.BatchSize,
			Shuffle:   true,
			DropLast:  true,
			Seed:      cfg.Seed,
		})
		if err != nil {
			return nil, err
		}
	}
	c.testLoader, err = dataset.NewLoader(ds, dataset.LoaderOptions{BatchSize: 1})
	if err != nil {
		return nil, err
	}

	if cfg.HNM {
		c.reduction = loss.HardNegativeMining{Perc: cfg.HNMPerc}
	} else {
		c.reduction = loss.MeanReduction{IgnoreIndex: cfg.IgnoreIndex}
	}

	c.log.Info("client ready", "samples", ds.Len(), "device", dev.String(), "model", cfg.Model, "test_client", testClient)
	return c, nil
}

// Name is the client name, taken from the dataset.
func (c *Centralized) Name() string { return c.name }

// GetOutputs runs the model and extracts the logits according to the
// configured model name.
func (c *Centralized) GetOutputs(images *tensor.Tensor) (*tensor.Tensor, error) {
	switch c.cfg.Model {
	case config.ModelDeepLabV3MobileNetV2:
		out, err := c.model.Forward(images)
		if err != nil {
			return nil, err
		}
		logits, ok := out.Named["out"]
		if !ok {
			return nil, fmt.Errorf("trainer: %s returned no \"out\" tensor", c.cfg.Model)
		}
		return logits, nil
	case config.ModelResNet18:
		out, err := c.model.Forward(images)
		if err != nil {
			return nil, err
		}
		if out.Tensor == nil {
			return nil, fmt.Errorf("trainer: %s returned no tensor", c.cfg.Model)
		}
		return out.Tensor, nil
	default:
		return nil, fmt.Errorf("%w: outputs of model %q", ErrNotImplemented, c.cfg.Model)
	}
}

// BuildOptimizer returns SGD with momentum over the classifier head, or
// Adam over every model parameter.
func (c *Centralized) BuildOptimizer(name string, lr float64) (optim.Optimizer, error) {
	switch name {
	case "sgd":
		return optim.NewSGD(c.model.Classifier().Parameters(), lr, c.cfg.Momentum), nil
	case "adam":
		return optim.NewAdam(c.model.Parameters(), lr), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, name)
	}
}

// UpdateMetric feeds the argmax over the class dimension of outputs to metric.
func UpdateMetric(metric StreamMetric, outputs *tensor.Tensor, labels []int) error {
	preds, err := outputs.ArgMaxDim1()
	if err != nil {
		return err
	}
	return metric.Update(labels, preds)
}

func (c *Centralized) runConfig() map[string]any {
	return map[string]any{
		"client":     c.name,
		"model":      c.cfg.Model,
		"bs":         c.cfg.BatchSize,
		"num_epochs": c.cfg.NumEpochs,
		"lr":         c.cfg.LR,
		"momentum":   c.cfg.Momentum,
		"optimizer":  c.cfg.Optimizer,
		"hnm":        c.cfg.HNM,
		"device":     c.device.Kind,
		"seed":       c.cfg.Seed,
	}
}

type nopTracker struct{}

func (nopTracker) Init(context.Context, map[string]any) error     { return nil }
func (nopTracker) Log(context.Context, map[string]float64) error { return nil }
func (nopTracker) Finish(context.Context) error                  { return nil }
