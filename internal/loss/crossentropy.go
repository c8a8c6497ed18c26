package loss

import (
	"errors"
	"fmt"
	"math"

	"segforge/internal/tensor"
)

// CrossEntropy is softmax cross-entropy over dim 1 with reduction "none".
// Elements labelled IgnoreIndex produce zero loss and zero gradient.
type CrossEntropy struct {
	IgnoreIndex int

	probs  []float64
	labels []int
	shape  []int
}

func NewCrossEntropy(ignoreIndex int) *CrossEntropy {
	return &CrossEntropy{IgnoreIndex: ignoreIndex}
}

// Forward returns one loss per (batch, location) in row-major order.
func (ce *CrossEntropy) Forward(logits *tensor.Tensor, labels []int) ([]float64, error) {
	if len(logits.Shape) < 2 {
		return nil, fmt.Errorf("%w: logits %v", tensor.ErrShapeMismatch, logits.Shape)
	}
	n, k, inner := logits.Shape[0], logits.Shape[1], logits.Inner()
	if len(labels) != n*inner {
		return nil, fmt.Errorf("%w: %d labels for logits %v", tensor.ErrShapeMismatch, len(labels), logits.Shape)
	}
	probs := make([]float64, len(logits.Data))
	losses := make([]float64, n*inner)
	col := make([]float64, k)
	for b := 0; b < n; b++ {
		base := b * k * inner
		for p := 0; p < inner; p++ {
			for c := 0; c < k; c++ {
				col[c] = logits.Data[base+c*inner+p]
			}
			sm := softmax(col)
			for c := 0; c < k; c++ {
				probs[base+c*inner+p] = sm[c]
			}
			label := labels[b*inner+p]
			if label == ce.IgnoreIndex {
				continue
			}
			if label < 0 || label >= k {
				return nil, fmt.Errorf("loss: label %d out of range [0,%d)", label, k)
			}
			losses[b*inner+p] = -math.Log(math.Max(sm[label], 1e-12))
		}
	}
	ce.probs = probs
	ce.labels = labels
	ce.shape = append(ce.shape[:0], logits.Shape...)
	return losses, nil
}

// Backward returns d(sum_i weights[i]*loss[i]) / d logits.
func (ce *CrossEntropy) Backward(weights []float64) (*tensor.Tensor, error) {
	if ce.probs == nil {
		return nil, errors.New("loss: backward before forward")
	}
	if len(weights) != len(ce.labels) {
		return nil, fmt.Errorf("%w: %d weights for %d losses", tensor.ErrShapeMismatch, len(weights), len(ce.labels))
	}
	grad := tensor.New(ce.shape...)
	n, k := ce.shape[0], ce.shape[1]
	inner := len(ce.labels) / n
	for b := 0; b < n; b++ {
		base := b * k * inner
		for p := 0; p < inner; p++ {
			i := b*inner + p
			label := ce.labels[i]
			w := weights[i]
			if label == ce.IgnoreIndex || w == 0 {
				continue
			}
			for c := 0; c < k; c++ {
				g := ce.probs[base+c*inner+p]
				if c == label {
					g -= 1
				}
				grad.Data[base+c*inner+p] = w * g
			}
		}
	}
	return grad, nil
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		out[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range out {
		out[i] *= inv
	}
	return out
}
