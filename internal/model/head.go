package model

import (
	"errors"
	"fmt"
	"math/rand"

	"segforge/internal/tensor"
)

// Head is the trainable classifier. In dense mode it is a 1x1 convolution
// applied at every location; otherwise features are globally average pooled
// and fed to a linear layer.
type Head struct {
	features int
	classes  int
	dense    bool

	Weight *Parameter // (classes, features)
	Bias   *Parameter // (classes)

	feats *tensor.Tensor
}

func newHead(features, classes int, dense bool, rng *rand.Rand) *Head {
	h := &Head{
		features: features,
		classes:  classes,
		dense:    dense,
		Weight:   NewParameter("classifier.weight", classes, features),
		Bias:     NewParameter("classifier.bias", classes),
	}
	for i := range h.Weight.Data {
		h.Weight.Data[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return h
}

func (h *Head) Parameters() []*Parameter {
	return []*Parameter{h.Weight, h.Bias}
}

// Forward maps (N, F, h, w) to (N, K, h, w) in dense mode and (N, K) otherwise.
func (h *Head) Forward(feats *tensor.Tensor, keep bool) (*tensor.Tensor, error) {
	if len(feats.Shape) != 4 || feats.Shape[1] != h.features {
		return nil, fmt.Errorf("%w: head expects (N,%d,h,w), got %v", tensor.ErrShapeMismatch, h.features, feats.Shape)
	}
	n, inner := feats.Shape[0], feats.Inner()
	if keep {
		h.feats = feats
	} else {
		h.feats = nil
	}
	if h.dense {
		out := tensor.New(n, h.classes, feats.Shape[2], feats.Shape[3])
		for b := 0; b < n; b++ {
			for k := 0; k < h.classes; k++ {
				dst := out.Data[(b*h.classes+k)*inner : (b*h.classes+k+1)*inner]
				for p := range dst {
					dst[p] = h.Bias.Data[k]
				}
				for f := 0; f < h.features; f++ {
					wv := h.Weight.Data[k*h.features+f]
					src := feats.Data[(b*h.features+f)*inner : (b*h.features+f+1)*inner]
					for p, v := range src {
						dst[p] += wv * v
					}
				}
			}
		}
		return out, nil
	}

	pooled := globalPool(feats)
	out := tensor.New(n, h.classes)
	for b := 0; b < n; b++ {
		for k := 0; k < h.classes; k++ {
			sum := h.Bias.Data[k]
			for f := 0; f < h.features; f++ {
				sum += h.Weight.Data[k*h.features+f] * pooled[b*h.features+f]
			}
			out.Data[b*h.classes+k] = sum
		}
	}
	return out, nil
}

// Backward accumulates head gradients and returns the gradient with respect
// to the input features.
func (h *Head) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if h.feats == nil {
		return nil, errors.New("classifier: backward without a training forward pass")
	}
	feats := h.feats
	n, inner := feats.Shape[0], feats.Inner()
	gFeat := tensor.New(feats.Shape...)

	if h.dense {
		want := []int{n, h.classes, feats.Shape[2], feats.Shape[3]}
		if !tensor.SameShape(grad.Shape, want) {
			return nil, fmt.Errorf("%w: classifier grad %v, want %v", tensor.ErrShapeMismatch, grad.Shape, want)
		}
		for b := 0; b < n; b++ {
			for k := 0; k < h.classes; k++ {
				g := grad.Data[(b*h.classes+k)*inner : (b*h.classes+k+1)*inner]
				if h.Bias.RequiresGrad {
					sum := 0.0
					for _, v := range g {
						sum += v
					}
					h.Bias.Grad[k] += sum
				}
				for f := 0; f < h.features; f++ {
					src := feats.Data[(b*h.features+f)*inner : (b*h.features+f+1)*inner]
					dst := gFeat.Data[(b*h.features+f)*inner : (b*h.features+f+1)*inner]
					wv := h.Weight.Data[k*h.features+f]
					sum := 0.0
					for p, gv := range g {
						sum += gv * src[p]
						dst[p] += wv * gv
					}
					if h.Weight.RequiresGrad {
						h.Weight.Grad[k*h.features+f] += sum
					}
				}
			}
		}
		return gFeat, nil
	}

	if !tensor.SameShape(grad.Shape, []int{n, h.classes}) {
		return nil, fmt.Errorf("%w: classifier grad %v", tensor.ErrShapeMismatch, grad.Shape)
	}
	pooled := globalPool(feats)
	inv := 1.0 / float64(inner)
	for b := 0; b < n; b++ {
		for k := 0; k < h.classes; k++ {
			g := grad.Data[b*h.classes+k]
			if h.Bias.RequiresGrad {
				h.Bias.Grad[k] += g
			}
			for f := 0; f < h.features; f++ {
				if h.Weight.RequiresGrad {
					h.Weight.Grad[k*h.features+f] += g * pooled[b*h.features+f]
				}
				dst := gFeat.Data[(b*h.features+f)*inner : (b*h.features+f+1)*inner]
				d := h.Weight.Data[k*h.features+f] * g * inv
				for p := range dst {
					dst[p] += d
				}
			}
		}
	}
	return gFeat, nil
}

func globalPool(feats *tensor.Tensor) []float64 {
	n, c, inner := feats.Shape[0], feats.Shape[1], feats.Inner()
	out := make([]float64, n*c)
	for plane := range out {
		sum := 0.0
		for _, v := range feats.Data[plane*inner : (plane+1)*inner] {
			sum += v
		}
		out[plane] = sum / float64(inner)
	}
	return out
}
