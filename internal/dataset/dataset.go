package dataset

import (
	"fmt"

	"segforge/internal/tensor"
)

// Sample is a decoded training example.
type Sample struct {
	Key   string
	Image *tensor.Tensor // (C, H, W), normalized
	Label []int
	// LabelShape is (H, W) for label maps and empty for a single class id.
	LabelShape []int
}

// Dataset is an indexable collection of samples belonging to one client.
type Dataset interface {
	Name() string
	Len() int
	Get(i int) (Sample, error)
}

// Memory is a Dataset over samples already held in memory.
type Memory struct {
	name    string
	samples []Sample
}

// NewMemory wraps samples without copying them.
func NewMemory(name string, samples []Sample) *Memory {
	return &Memory{name: name, samples: samples}
}

func (m *Memory) Name() string { return m.name }
func (m *Memory) Len() int     { return len(m.samples) }

func (m *Memory) Get(i int) (Sample, error) {
	if i < 0 || i >= len(m.samples) {
		return Sample{}, fmt.Errorf("dataset %s: index %d out of range [0,%d)", m.name, i, len(m.samples))
	}
	return m.samples[i], nil
}
