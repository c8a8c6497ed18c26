package dataset

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"segforge/internal/tensor"
)

var (
	imageNetMean = [3]float64{0.485, 0.456, 0.406}
	imageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// Transform resizes decoded images to a fixed size and normalizes them
// with per-channel mean and std.
type Transform struct {
	Height int
	Width  int
	Mean   [3]float64
	Std    [3]float64
}

// NewTransform uses ImageNet statistics.
func NewTransform(height, width int) Transform {
	return Transform{Height: height, Width: width, Mean: imageNetMean, Std: imageNetStd}
}

// Image decodes raw and returns a (3, Height, Width) tensor.
func (t Transform) Image(raw []byte) (*tensor.Tensor, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("decode image: empty image")
	}
	dst := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := tensor.New(3, t.Height, t.Width)
	plane := t.Height * t.Width
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			off := dst.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float64(dst.Pix[off+c]) / 255.0
				out.Data[c*plane+y*t.Width+x] = (v - t.Mean[c]) / t.Std[c]
			}
		}
	}
	return out, nil
}

// Mask decodes a label map whose pixel values are class ids and resizes it
// with nearest-neighbour sampling. Paletted maps use the palette index.
func (t Transform) Mask(raw []byte) ([]int, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}
	gray := labelPlane(src)
	dst := image.NewGray(image.Rect(0, 0, t.Width, t.Height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), gray, gray.Bounds(), draw.Src, nil)

	labels := make([]int, t.Height*t.Width)
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			labels[y*t.Width+x] = int(dst.Pix[dst.PixOffset(x, y)])
		}
	}
	return labels, nil
}

func labelPlane(src image.Image) *image.Gray {
	switch m := src.(type) {
	case *image.Gray:
		return m
	case *image.Paletted:
		return &image.Gray{Pix: m.Pix, Stride: m.Stride, Rect: m.Rect}
	}
	b := src.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, _, _, _ := src.At(x, y).RGBA()
			out.SetGray(x, y, color.Gray{Y: uint8(r >> 8)})
		}
	}
	return out
}

// Unnormalize maps a normalized (3, H, W) tensor back to an RGBA image.
func (t Transform) Unnormalize(img *tensor.Tensor) (*image.RGBA, error) {
	if len(img.Shape) != 3 || img.Shape[0] != 3 {
		return nil, fmt.Errorf("%w: unnormalize expects (3,H,W), got %v", tensor.ErrShapeMismatch, img.Shape)
	}
	h, w := img.Shape[1], img.Shape[2]
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var px [3]uint8
			for c := 0; c < 3; c++ {
				v := img.Data[c*plane+y*w+x]*t.Std[c] + t.Mean[c]
				px[c] = clampByte(v * 255)
			}
			out.SetRGBA(x, y, color.RGBA{R: px[0], G: px[1], B: px[2], A: 255})
		}
	}
	return out, nil
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}
