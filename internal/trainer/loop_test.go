package trainer

import (
	"bytes"
	"context"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segforge/internal/checkpoint"
	"segforge/internal/config"
	"segforge/internal/dataset"
	"segforge/internal/model"
	"segforge/internal/tensor"
)

const (
	side    = 4
	classes = 2
)

func testConfig(t *testing.T, modelName string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Model = modelName
	cfg.NumClasses = classes
	cfg.BatchSize = 4
	cfg.NumEpochs = 3
	cfg.LR = 0.1
	cfg.InputHeight = side
	cfg.InputWidth = side
	cfg.BackboneWidth = 4
	cfg.OutputStride = 2
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "ckpt", "classifier.ckpt")
	cfg.Seed = 5
	cfg.LogEvery = 1
	require.NoError(t, cfg.Validate())
	return cfg
}

// segSamples labels each pixel 1 where the first channel is positive.
func segSamples(n int, seed int64) []dataset.Sample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]dataset.Sample, n)
	for i := range out {
		img := tensor.New(3, side, side)
		for j := range img.Data {
			img.Data[j] = rng.Float64()*2 - 1
		}
		labels := make([]int, side*side)
		for p := range labels {
			if img.Data[p] > 0 {
				labels[p] = 1
			}
		}
		labels[0] = 255
		out[i] = dataset.Sample{Key: strconv.Itoa(i), Image: img, Label: labels, LabelShape: []int{side, side}}
	}
	return out
}

func clsSamples(n int, seed int64) []dataset.Sample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]dataset.Sample, n)
	for i := range out {
		img := tensor.New(3, side, side)
		label := i % classes
		for j := range img.Data {
			img.Data[j] = rng.Float64() + float64(label) - 0.5
		}
		out[i] = dataset.Sample{Key: strconv.Itoa(i), Image: img, Label: []int{label}}
	}
	return out
}

func newClient(t *testing.T, cfg *config.Config, samples []dataset.Sample, testClient bool, tr Tracker) (*Centralized, *model.Network) {
	t.Helper()
	name := cfg.Model
	if _, err := model.New(name, model.Options{NumClasses: 2}); err != nil {
		name = config.ModelDeepLabV3MobileNetV2
	}
	m, err := model.New(name, model.Options{
		NumClasses:   cfg.NumClasses,
		Width:        cfg.BackboneWidth,
		OutputStride: cfg.OutputStride,
		Seed:         cfg.Seed,
	})
	require.NoError(t, err)
	c, err := New(cfg, dataset.NewMemory("client-0", samples), m, testClient, tr, nil)
	require.NoError(t, err)
	return c, m
}

type recordingTracker struct {
	inits    int
	finishes int
	logs     []map[string]float64
}

func (r *recordingTracker) Init(context.Context, map[string]any) error { r.inits++; return nil }
func (r *recordingTracker) Log(_ context.Context, v map[string]float64) error {
	r.logs = append(r.logs, v)
	return nil
}
func (r *recordingTracker) Finish(context.Context) error { r.finishes++; return nil }

type countingMetric struct {
	labels, preds []int
}

func (m *countingMetric) Update(labels, preds []int) error {
	m.labels = append(m.labels, labels...)
	m.preds = append(m.preds, preds...)
	return nil
}

func TestGetOutputs(t *testing.T) {
	images := tensor.New(2, 3, side, side)

	seg, _ := newClient(t, testConfig(t, config.ModelDeepLabV3MobileNetV2), segSamples(4, 1), false, nil)
	out, err := seg.GetOutputs(images)
	require.NoError(t, err)
	assert.Equal(t, []int{2, classes, side, side}, out.Shape)

	cls, _ := newClient(t, testConfig(t, config.ModelResNet18), clsSamples(4, 1), false, nil)
	out, err = cls.GetOutputs(images)
	require.NoError(t, err)
	assert.Equal(t, []int{2, classes}, out.Shape)
}

func TestGetOutputsUnsupportedModel(t *testing.T) {
	c, _ := newClient(t, testConfig(t, "mobilevit"), segSamples(4, 1), false, nil)
	_, err := c.GetOutputs(tensor.New(1, 3, side, side))
	require.ErrorIs(t, err, ErrNotImplemented)
}

func TestBuildOptimizer(t *testing.T) {
	c, m := newClient(t, testConfig(t, config.ModelDeepLabV3MobileNetV2), segSamples(4, 1), false, nil)

	_, err := c.BuildOptimizer("adadelta", 0.1)
	require.ErrorIs(t, err, ErrUnknownOptimizer)

	opt, err := c.BuildOptimizer("sgd", 0.1)
	require.NoError(t, err)
	before := append([]float64(nil), m.Backbone().Parameters()[0].Data...)
	head := append([]float64(nil), m.Classifier().Parameters()[0].Data...)
	for _, p := range m.Parameters() {
		for i := range p.Grad {
			p.Grad[i] = 1
		}
	}
	opt.Step()
	assert.Equal(t, before, m.Backbone().Parameters()[0].Data, "sgd must only touch the classifier")
	assert.NotEqual(t, head, m.Classifier().Parameters()[0].Data)

	opt, err = c.BuildOptimizer("adam", 0.1)
	require.NoError(t, err)
	opt.Step()
	assert.NotEqual(t, before, m.Backbone().Parameters()[0].Data, "adam covers the whole model")
}

func TestTrainFreezesBackboneAndSavesClassifier(t *testing.T) {
	for _, opt := range []string{"sgd", "adam"} {
		t.Run(opt, func(t *testing.T) {
			cfg := testConfig(t, config.ModelDeepLabV3MobileNetV2)
			cfg.Optimizer = opt
			tr := &recordingTracker{}
			c, m := newClient(t, cfg, segSamples(10, 2), false, tr)
			backbone := append([]float64(nil), m.Backbone().Parameters()[0].Data...)
			head := append([]float64(nil), m.Classifier().Parameters()[0].Data...)

			res, err := c.Train(context.Background())
			require.NoError(t, err)

			require.Len(t, res.EpochLosses, cfg.NumEpochs)
			assert.Equal(t, backbone, m.Backbone().Parameters()[0].Data)
			assert.NotEqual(t, head, m.Classifier().Parameters()[0].Data)
			for _, p := range m.Backbone().Parameters() {
				assert.False(t, p.RequiresGrad)
			}

			// 10 samples, bs 4, drop last: 2 batches per epoch plus one epoch record
			assert.Equal(t, 1, tr.inits)
			assert.Equal(t, 1, tr.finishes)
			require.Len(t, tr.logs, cfg.NumEpochs*3)
			assert.Contains(t, tr.logs[0], "batch loss")
			assert.Equal(t, 0.0, tr.logs[2]["epoch"])
			assert.InDelta(t, (tr.logs[0]["batch loss"]+tr.logs[1]["batch loss"])/2, tr.logs[2]["loss"], 1e-12)

			_, err = os.Stat(res.CheckpointPath)
			require.NoError(t, err)
			fresh, err := model.New(config.ModelDeepLabV3MobileNetV2, model.Options{NumClasses: classes, Width: 4, OutputStride: 2, Seed: 99})
			require.NoError(t, err)
			require.NoError(t, checkpoint.Load(res.CheckpointPath, fresh.Classifier()))
			assert.Equal(t, m.Classifier().Parameters()[0].Data, fresh.Classifier().Parameters()[0].Data)
		})
	}
}

func TestTrainReducesLoss(t *testing.T) {
	cfg := testConfig(t, config.ModelResNet18)
	cfg.BatchSize = 8
	cfg.NumEpochs = 15
	cfg.LR = 0.05
	c, _ := newClient(t, cfg, clsSamples(8, 3), false, nil)

	res, err := c.Train(context.Background())
	require.NoError(t, err)
	first, last := res.EpochLosses[0], res.EpochLosses[len(res.EpochLosses)-1]
	if last >= first {
		t.Fatalf("expected loss to decrease; first=%f last=%f", first, last)
	}
}

func TestTrainHardNegativeMining(t *testing.T) {
	cfg := testConfig(t, config.ModelDeepLabV3MobileNetV2)
	cfg.HNM = true
	c, _ := newClient(t, cfg, segSamples(4, 4), false, nil)
	res, err := c.Train(context.Background())
	require.NoError(t, err)
	for _, l := range res.EpochLosses {
		assert.Greater(t, l, 0.0)
	}
}

func TestTrainOnTestClient(t *testing.T) {
	c, _ := newClient(t, testConfig(t, config.ModelDeepLabV3MobileNetV2), segSamples(2, 1), true, nil)
	_, err := c.Train(context.Background())
	require.ErrorIs(t, err, ErrNoTrainLoader)
}

func TestTrainTooFewSamples(t *testing.T) {
	c, _ := newClient(t, testConfig(t, config.ModelDeepLabV3MobileNetV2), segSamples(3, 1), false, nil)
	_, err := c.Train(context.Background())
	require.Error(t, err)
}

func TestTrainCancelled(t *testing.T) {
	tr := &recordingTracker{}
	c, _ := newClient(t, testConfig(t, config.ModelDeepLabV3MobileNetV2), segSamples(8, 1), false, tr)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Train(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, tr.finishes)
}

func TestTestUpdatesMetric(t *testing.T) {
	samples := segSamples(3, 6)
	c, m := newClient(t, testConfig(t, config.ModelDeepLabV3MobileNetV2), samples, true, nil)
	metric := &countingMetric{}

	require.NoError(t, c.Test(context.Background(), metric))
	assert.False(t, m.Training())
	require.Len(t, metric.labels, 3*side*side)
	assert.Equal(t, samples[0].Label, metric.labels[:side*side])
	for _, p := range metric.preds {
		assert.True(t, p >= 0 && p < classes)
	}
}

func TestUpdateMetric(t *testing.T) {
	outputs, err := tensor.FromSlice([]float64{0.2, 0.8, 0.9, 0.1}, 2, 2)
	require.NoError(t, err)
	metric := &countingMetric{}
	require.NoError(t, UpdateMetric(metric, outputs, []int{1, 1}))
	assert.Equal(t, []int{1, 0}, metric.preds)
	assert.Equal(t, []int{1, 1}, metric.labels)
}

func TestCheckRandomSample(t *testing.T) {
	for _, name := range []string{config.ModelDeepLabV3MobileNetV2, config.ModelResNet18} {
		t.Run(name, func(t *testing.T) {
			samples := segSamples(3, 7)
			if name == config.ModelResNet18 {
				samples = clsSamples(3, 7)
			}
			c, _ := newClient(t, testConfig(t, name), samples, true, nil)
			buf := &bytes.Buffer{}
			key, err := c.CheckRandomSample(context.Background(), 0.4, buf)
			require.NoError(t, err)
			assert.NotEmpty(t, key)

			img, err := png.Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, side, img.Bounds().Dx())
			assert.Equal(t, side, img.Bounds().Dy())
		})
	}
}

func TestClassColor(t *testing.T) {
	assert.Equal(t, uint8(0), classColor(0).R)
	assert.Equal(t, uint8(128), classColor(1).R)
	assert.Equal(t, uint8(128), classColor(2).G)
	assert.Equal(t, uint8(128), classColor(4).B)
}
