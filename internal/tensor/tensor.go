package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch reports tensors whose shapes cannot be combined.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major float64 tensor.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, Volume(shape))}
}

// FromSlice wraps data with the given shape.
func FromSlice(data []float64, shape ...int) (*Tensor, error) {
	if Volume(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Volume returns the number of elements described by shape.
func Volume(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Size returns the element count.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Clone deep-copies t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// Inner returns the product of dimensions after the first two.
func (t *Tensor) Inner() int {
	n := 1
	for _, d := range t.Shape[2:] {
		n *= d
	}
	return n
}

// ArgMaxDim1 reduces a (N, K, ...) tensor over K and returns N*prod(...) indices
// in row-major order.
func (t *Tensor) ArgMaxDim1() ([]int, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("%w: argmax over dim 1 of shape %v", ErrShapeMismatch, t.Shape)
	}
	n, k, inner := t.Shape[0], t.Shape[1], t.Inner()
	out := make([]int, n*inner)
	for b := 0; b < n; b++ {
		base := b * k * inner
		for p := 0; p < inner; p++ {
			best := 0
			bestVal := t.Data[base+p]
			for c := 1; c < k; c++ {
				if v := t.Data[base+c*inner+p]; v > bestVal {
					best, bestVal = c, v
				}
			}
			out[b*inner+p] = best
		}
	}
	return out, nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
