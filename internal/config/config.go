package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ModelDeepLabV3MobileNetV2 = "deeplabv3_mobilenetv2"
	ModelResNet18             = "resnet18"

	DefaultCheckpointPath = "checkpoints/classifier.ckpt"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Model           string   `yaml:"model"`
	NumClasses      int      `yaml:"num_classes"`
	BatchSize       int      `yaml:"bs"`
	NumEpochs       int      `yaml:"num_epochs"`
	LR              float64  `yaml:"lr"`
	Momentum        float64  `yaml:"momentum"`
	Optimizer       string   `yaml:"optimizer"`
	HNM             bool     `yaml:"hnm"`
	HNMPerc         float64  `yaml:"hnm_perc"`
	IgnoreIndex     int      `yaml:"ignore_index"`
	InputHeight     int      `yaml:"input_height"`
	InputWidth      int      `yaml:"input_width"`
	BackboneWidth   int      `yaml:"backbone_width"`
	OutputStride    int      `yaml:"output_stride"`
	TrainRoots      []string `yaml:"train_roots"`
	TestRoots       []string `yaml:"test_roots"`
	CheckpointPath  string   `yaml:"checkpoint_path"`
	BackboneWeights string   `yaml:"backbone_weights"`
	Seed            int64    `yaml:"seed"`
	LogEvery        int      `yaml:"log_every"`
	Device          string   `yaml:"device"`
	Logging         Logging  `yaml:"logging"`
	Tracking        Tracking `yaml:"tracking"`
}

type Logging struct {
	Mode string `yaml:"mode"`
}

// Tracking selects the experiment tracking backends.
type Tracking struct {
	Project     string   `yaml:"project"`
	Backends    []string `yaml:"backends"`
	JSONLPath   string   `yaml:"jsonl_path"`
	RedisAddr   string   `yaml:"redis_addr"`
	RedisStream string   `yaml:"redis_stream"`
	SQLitePath  string   `yaml:"sqlite_path"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Model          string
	BatchSize      int
	NumEpochs      int
	LR             float64
	Optimizer      string
	HNM            bool
	TrainRoots     []string
	TestRoots      []string
	CheckpointPath string
	Seed           int64
	LogEvery       int
	Device         string
}

// Default returns a Config holding the defaults for keys where zero is a
// meaningful value. Parse decodes on top of it so only absent keys keep them.
func Default() *Config {
	return &Config{
		Momentum:    0.9,
		IgnoreIndex: 255,
	}
}

// Load reads and validates a Config from YAML.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML without validating. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumEpochs > 0 {
		c.NumEpochs = o.NumEpochs
	}
	if o.LR > 0 {
		c.LR = o.LR
	}
	if o.Optimizer != "" {
		c.Optimizer = o.Optimizer
	}
	if o.HNM {
		c.HNM = true
	}
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = o.TrainRoots
	}
	if len(o.TestRoots) > 0 {
		c.TestRoots = o.TestRoots
	}
	if o.CheckpointPath != "" {
		c.CheckpointPath = o.CheckpointPath
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Device != "" {
		c.Device = o.Device
	}
}

// Validate verifies the config is runnable and fills defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	c.Model = strings.TrimSpace(c.Model)
	if c.Model == "" {
		return errors.New("model must be set")
	}
	if c.NumClasses <= 1 {
		return fmt.Errorf("num_classes must be > 1 (got %d)", c.NumClasses)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("bs must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumEpochs <= 0 {
		return fmt.Errorf("num_epochs must be > 0 (got %d)", c.NumEpochs)
	}
	if c.LR < 0 {
		return fmt.Errorf("lr must be >= 0 (got %g)", c.LR)
	}
	if c.LR == 0 {
		c.LR = 1e-4
	}
	if c.Momentum < 0 {
		return fmt.Errorf("momentum must be >= 0 (got %g)", c.Momentum)
	}
	if c.Optimizer == "" {
		c.Optimizer = "sgd"
	}
	if c.HNMPerc == 0 {
		c.HNMPerc = 0.25
	}
	if c.HNMPerc < 0 || c.HNMPerc > 1 {
		return fmt.Errorf("hnm_perc must be in (0, 1] (got %g)", c.HNMPerc)
	}
	if c.InputHeight <= 0 || c.InputWidth <= 0 {
		return fmt.Errorf("input size must be > 0 (got %dx%d)", c.InputHeight, c.InputWidth)
	}
	if c.BackboneWidth <= 0 {
		c.BackboneWidth = 16
	}
	if c.OutputStride <= 0 {
		c.OutputStride = 4
	}
	if c.InputHeight%c.OutputStride != 0 || c.InputWidth%c.OutputStride != 0 {
		return fmt.Errorf("input size %dx%d not divisible by output_stride %d", c.InputHeight, c.InputWidth, c.OutputStride)
	}
	if c.CheckpointPath == "" {
		c.CheckpointPath = DefaultCheckpointPath
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 10
	}
	if c.Device == "" {
		c.Device = "auto"
	}
	if c.Logging.Mode == "" {
		c.Logging.Mode = "dev"
	}
	if c.Tracking.Project == "" {
		c.Tracking.Project = "centralized"
	}
	if len(c.Tracking.Backends) == 0 {
		c.Tracking.Backends = []string{"log"}
	}
	return nil
}
