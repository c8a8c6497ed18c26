package model

import (
	"errors"

	"segforge/internal/tensor"
)

// ErrNotImplemented is returned for model names without an implementation.
var ErrNotImplemented = errors.New("model: not implemented")

// Parameter is a named trainable tensor with its gradient buffer.
type Parameter struct {
	Name         string
	Shape        []int
	Data         []float64
	Grad         []float64
	RequiresGrad bool
}

// NewParameter allocates a zeroed parameter that requires gradients.
func NewParameter(name string, shape ...int) *Parameter {
	n := tensor.Volume(shape)
	return &Parameter{
		Name:         name,
		Shape:        append([]int(nil), shape...),
		Data:         make([]float64, n),
		Grad:         make([]float64, n),
		RequiresGrad: true,
	}
}

// ZeroGrad clears the gradient buffer.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Module is anything that owns parameters.
type Module interface {
	Parameters() []*Parameter
}

// SetRequiresGrad toggles gradient tracking on every parameter of m.
func SetRequiresGrad(m Module, enabled bool) {
	for _, p := range m.Parameters() {
		p.RequiresGrad = enabled
	}
}

// AnyRequiresGrad reports whether at least one parameter of m is trainable.
func AnyRequiresGrad(m Module) bool {
	for _, p := range m.Parameters() {
		if p.RequiresGrad {
			return true
		}
	}
	return false
}

// Output is what a forward pass returns. Classification models fill Tensor,
// segmentation models fill Named with at least "out".
type Output struct {
	Tensor *tensor.Tensor
	Named  map[string]*tensor.Tensor
}

// Model is a backbone followed by a classifier head.
type Model interface {
	Module
	Forward(x *tensor.Tensor) (Output, error)
	// Backward propagates the gradient of the primary output and accumulates
	// parameter gradients. It must follow a Forward in training mode.
	Backward(grad *tensor.Tensor) error
	Train()
	Eval()
	Training() bool
	Backbone() Module
	Classifier() Module
	NumClasses() int
}
