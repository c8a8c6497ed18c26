package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"segforge/internal/tensor"
)

// ConvBackbone is a 3x3 convolution (zero padding) with ReLU followed by
// average pooling over pool x pool windows.
type ConvBackbone struct {
	inChannels int
	width      int
	pool       int

	Weight *Parameter // (width, inChannels, 3, 3)
	Bias   *Parameter // (width)

	input *tensor.Tensor
	pre   []float64
}

const kernel = 3

func newConvBackbone(inChannels, width, pool int, rng *rand.Rand) *ConvBackbone {
	b := &ConvBackbone{
		inChannels: inChannels,
		width:      width,
		pool:       pool,
		Weight:     NewParameter("backbone.conv.weight", width, inChannels, kernel, kernel),
		Bias:       NewParameter("backbone.conv.bias", width),
	}
	std := math.Sqrt(2.0 / float64(inChannels*kernel*kernel))
	for i := range b.Weight.Data {
		b.Weight.Data[i] = rng.NormFloat64() * std
	}
	return b
}

func (b *ConvBackbone) Parameters() []*Parameter {
	return []*Parameter{b.Weight, b.Bias}
}

// Forward maps (N, C, H, W) to (N, width, H/pool, W/pool).
func (b *ConvBackbone) Forward(x *tensor.Tensor, keep bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != b.inChannels {
		return nil, fmt.Errorf("%w: backbone expects (N,%d,H,W), got %v", tensor.ErrShapeMismatch, b.inChannels, x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if h%b.pool != 0 || w%b.pool != 0 {
		return nil, fmt.Errorf("%w: %dx%d not divisible by stride %d", tensor.ErrShapeMismatch, h, w, b.pool)
	}
	hw := h * w
	pre := make([]float64, n*b.width*hw)
	wt := b.Weight.Data
	for bi := 0; bi < n; bi++ {
		for f := 0; f < b.width; f++ {
			out := pre[(bi*b.width+f)*hw : (bi*b.width+f+1)*hw]
			for i := range out {
				out[i] = b.Bias.Data[f]
			}
			for ch := 0; ch < c; ch++ {
				in := x.Data[(bi*c+ch)*hw : (bi*c+ch+1)*hw]
				wBase := (f*c + ch) * kernel * kernel
				for ky := 0; ky < kernel; ky++ {
					for kx := 0; kx < kernel; kx++ {
						k := wt[wBase+ky*kernel+kx]
						if k == 0 {
							continue
						}
						dy, dx := ky-1, kx-1
						for y := 0; y < h; y++ {
							sy := y + dy
							if sy < 0 || sy >= h {
								continue
							}
							for xx := 0; xx < w; xx++ {
								sx := xx + dx
								if sx < 0 || sx >= w {
									continue
								}
								out[y*w+xx] += k * in[sy*w+sx]
							}
						}
					}
				}
			}
		}
	}

	oh, ow := h/b.pool, w/b.pool
	pooled := tensor.New(n, b.width, oh, ow)
	scale := 1.0 / float64(b.pool*b.pool)
	for plane := 0; plane < n*b.width; plane++ {
		src := pre[plane*hw : (plane+1)*hw]
		dst := pooled.Data[plane*oh*ow : (plane+1)*oh*ow]
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				if v := src[y*w+xx]; v > 0 {
					dst[(y/b.pool)*ow+xx/b.pool] += v * scale
				}
			}
		}
	}

	if keep {
		b.input = x
		b.pre = pre
	} else {
		b.input, b.pre = nil, nil
	}
	return pooled, nil
}

// Backward accumulates weight and bias gradients from the pooled-feature gradient.
func (b *ConvBackbone) Backward(grad *tensor.Tensor) error {
	if b.input == nil {
		return errors.New("backbone: backward without a training forward pass")
	}
	x := b.input
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/b.pool, w/b.pool
	if !tensor.SameShape(grad.Shape, []int{n, b.width, oh, ow}) {
		return fmt.Errorf("%w: backbone grad %v", tensor.ErrShapeMismatch, grad.Shape)
	}
	hw := h * w
	scale := 1.0 / float64(b.pool*b.pool)
	gPre := make([]float64, hw)
	for bi := 0; bi < n; bi++ {
		for f := 0; f < b.width; f++ {
			plane := bi*b.width + f
			pre := b.pre[plane*hw : (plane+1)*hw]
			g := grad.Data[plane*oh*ow : (plane+1)*oh*ow]
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					if pre[y*w+xx] > 0 {
						gPre[y*w+xx] = g[(y/b.pool)*ow+xx/b.pool] * scale
					} else {
						gPre[y*w+xx] = 0
					}
				}
			}
			if b.Bias.RequiresGrad {
				sum := 0.0
				for _, v := range gPre {
					sum += v
				}
				b.Bias.Grad[f] += sum
			}
			if !b.Weight.RequiresGrad {
				continue
			}
			for ch := 0; ch < c; ch++ {
				in := x.Data[(bi*c+ch)*hw : (bi*c+ch+1)*hw]
				wBase := (f*c + ch) * kernel * kernel
				for ky := 0; ky < kernel; ky++ {
					for kx := 0; kx < kernel; kx++ {
						dy, dx := ky-1, kx-1
						sum := 0.0
						for y := 0; y < h; y++ {
							sy := y + dy
							if sy < 0 || sy >= h {
								continue
							}
							for xx := 0; xx < w; xx++ {
								sx := xx + dx
								if sx < 0 || sx >= w {
									continue
								}
								sum += gPre[y*w+xx] * in[sy*w+sx]
							}
						}
						b.Weight.Grad[wBase+ky*kernel+kx] += sum
					}
				}
			}
		}
	}
	return nil
}
