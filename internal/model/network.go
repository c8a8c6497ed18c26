package model

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"segforge/internal/tensor"
)

// Options configures a Network built by New.
type Options struct {
	NumClasses   int
	InChannels   int
	Width        int
	OutputStride int
	Seed         int64
}

type kind int

const (
	segmentation kind = iota
	classification
)

var registry = map[string]kind{
	"deeplabv3_mobilenetv2": segmentation,
	"resnet18":              classification,
}

// Names lists the model names New accepts.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Network is a ConvBackbone followed by a Head. Segmentation networks return
// {"out": (N, K, H, W)} logits upsampled to the input size; classification
// networks return (N, K) logits.
type Network struct {
	name     string
	kind     kind
	stride   int
	classes  int
	training bool

	backbone *ConvBackbone
	head     *Head
}

// New builds the network registered under name.
func New(name string, opts Options) (*Network, error) {
	k, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotImplemented, name)
	}
	if opts.NumClasses <= 1 {
		return nil, fmt.Errorf("model: num classes must be > 1 (got %d)", opts.NumClasses)
	}
	if opts.InChannels <= 0 {
		opts.InChannels = 3
	}
	if opts.Width <= 0 {
		opts.Width = 16
	}
	if opts.OutputStride <= 0 {
		opts.OutputStride = 4
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	return &Network{
		name:     name,
		kind:     k,
		stride:   opts.OutputStride,
		classes:  opts.NumClasses,
		training: true,
		backbone: newConvBackbone(opts.InChannels, opts.Width, opts.OutputStride, rng),
		head:     newHead(opts.Width, opts.NumClasses, k == segmentation, rng),
	}, nil
}

// Name is the registry name the network was built from.
func (m *Network) Name() string { return m.name }

// NumClasses is the number of output classes.
func (m *Network) NumClasses() int { return m.classes }

// Train switches to training mode, where Forward keeps activations for Backward.
func (m *Network) Train() { m.training = true }

// Eval switches to evaluation mode.
func (m *Network) Eval() { m.training = false }

// Training reports whether the network is in training mode.
func (m *Network) Training() bool { return m.training }

// Backbone is the feature extractor.
func (m *Network) Backbone() Module { return m.backbone }

// Classifier is the head mapping features to class logits.
func (m *Network) Classifier() Module { return m.head }

// Parameters lists backbone parameters followed by classifier parameters.
func (m *Network) Parameters() []*Parameter {
	return append(m.backbone.Parameters(), m.head.Parameters()...)
}

// Forward runs the backbone and head. Activations are kept only in training mode.
func (m *Network) Forward(x *tensor.Tensor) (Output, error) {
	feats, err := m.backbone.Forward(x, m.training)
	if err != nil {
		return Output{}, err
	}
	logits, err := m.head.Forward(feats, m.training)
	if err != nil {
		return Output{}, err
	}
	if m.kind == classification {
		return Output{Tensor: logits}, nil
	}
	return Output{Named: map[string]*tensor.Tensor{"out": upsample(logits, m.stride)}}, nil
}

// Backward propagates grad of the primary output. The backbone is skipped
// when all of its parameters are frozen.
func (m *Network) Backward(grad *tensor.Tensor) error {
	if !m.training {
		return errors.New("model: backward in eval mode")
	}
	if m.kind == segmentation {
		grad = downsampleSum(grad, m.stride)
	}
	gFeat, err := m.head.Backward(grad)
	if err != nil {
		return err
	}
	if !AnyRequiresGrad(m.backbone) {
		return nil
	}
	return m.backbone.Backward(gFeat)
}

func upsample(x *tensor.Tensor, s int) *tensor.Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h*s, w*s
	out := tensor.New(n, c, oh, ow)
	for plane := 0; plane < n*c; plane++ {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		dst := out.Data[plane*oh*ow : (plane+1)*oh*ow]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				dst[y*ow+xx] = src[(y/s)*w+xx/s]
			}
		}
	}
	return out
}

// downsampleSum is the adjoint of nearest-neighbour upsample.
func downsampleSum(x *tensor.Tensor, s int) *tensor.Tensor {
	if len(x.Shape) != 4 || x.Shape[2]%s != 0 || x.Shape[3]%s != 0 {
		return x
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/s, w/s
	out := tensor.New(n, c, oh, ow)
	for plane := 0; plane < n*c; plane++ {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		dst := out.Data[plane*oh*ow : (plane+1)*oh*ow]
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				dst[(y/s)*ow+xx/s] += src[y*w+xx]
			}
		}
	}
	return out
}
