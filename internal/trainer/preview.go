package trainer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/fogleman/gg"

	"segforge/internal/dataset"
	"segforge/internal/tensor"
)

// CheckRandomSample predicts a random sample of the client dataset and
// writes a PNG of the image with the predicted classes blended on top at
// opacity alpha. It returns the sample key.
func (c *Centralized) CheckRandomSample(ctx context.Context, alpha float64, w io.Writer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.dataset.Len() == 0 {
		return "", errors.New("trainer: empty dataset")
	}
	if alpha < 0 || alpha > 1 {
		return "", fmt.Errorf("trainer: alpha %g outside [0,1]", alpha)
	}
	c.model.Eval()

	sample, err := c.dataset.Get(c.rng.Intn(c.dataset.Len()))
	if err != nil {
		return "", err
	}
	images, err := tensor.FromSlice(sample.Image.Data, append([]int{1}, sample.Image.Shape...)...)
	if err != nil {
		return "", err
	}
	outputs, err := c.GetOutputs(images)
	if err != nil {
		return "", err
	}
	preds, err := outputs.ArgMaxDim1()
	if err != nil {
		return "", err
	}

	base, err := dataset.NewTransform(c.cfg.InputHeight, c.cfg.InputWidth).Unnormalize(sample.Image)
	if err != nil {
		return "", err
	}
	bounds := base.Bounds()
	overlay := image.NewNRGBA(bounds)
	a := uint8(alpha*255 + 0.5)
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			cls := preds[0]
			if len(preds) == bounds.Dx()*bounds.Dy() {
				cls = preds[y*bounds.Dx()+x]
			}
			col := classColor(cls)
			col.A = a
			overlay.SetNRGBA(x, y, col)
		}
	}

	dc := gg.NewContextForRGBA(base)
	dc.DrawImage(overlay, 0, 0)
	if err := dc.EncodePNG(w); err != nil {
		return "", fmt.Errorf("trainer: encode preview: %w", err)
	}
	c.log.Info("preview written", "key", sample.Key, "alpha", alpha)
	return sample.Key, nil
}

// classColor is the PASCAL VOC bit-interleaved palette.
func classColor(cls int) color.NRGBA {
	var r, g, b uint8
	id := cls
	for shift := 7; shift >= 0 && id > 0; shift-- {
		r |= uint8(id&1) << shift
		g |= uint8((id>>1)&1) << shift
		b |= uint8((id>>2)&1) << shift
		id >>= 3
	}
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}
