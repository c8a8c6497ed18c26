package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"segforge/internal/tensor"
)

// LoaderOptions mirrors the usual data loader knobs.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	DropLast  bool
	Seed      int64
}

// Batch is a stacked minibatch.
type Batch struct {
	Keys       []string
	Images     *tensor.Tensor // (N, C, H, W)
	Labels     []int
	LabelShape []int // (N) or (N, H, W)
}

// Loader iterates a Dataset in minibatches. With Shuffle set the order is
// redrawn from a seeded source at the start of every pass.
type Loader struct {
	ds   Dataset
	opts LoaderOptions
	rng  *rand.Rand
}

// NewLoader validates opts and seeds the shuffle source from opts.Seed.
func NewLoader(ds Dataset, opts LoaderOptions) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("loader: nil dataset")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	return &Loader{ds: ds, opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}, nil
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() Dataset { return l.ds }

// Len is the number of batches per pass.
func (l *Loader) Len() int {
	n := l.ds.Len()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Each calls fn for every batch of one pass, stopping at the first error or
// when ctx is done.
func (l *Loader) Each(ctx context.Context, fn func(step int, b Batch) error) error {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	steps := l.Len()
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := (step + 1) * l.opts.BatchSize
		if end > len(order) {
			end = len(order)
		}
		batch, err := l.collate(order[step*l.opts.BatchSize : end])
		if err != nil {
			return err
		}
		if err := fn(step, batch); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) collate(indices []int) (Batch, error) {
	var (
		b          Batch
		imageShape []int
		labelShape []int
	)
	for i, idx := range indices {
		s, err := l.ds.Get(idx)
		if err != nil {
			return Batch{}, err
		}
		if i == 0 {
			imageShape = s.Image.Shape
			labelShape = s.LabelShape
			b.Images = tensor.New(append([]int{len(indices)}, imageShape...)...)
			b.LabelShape = append([]int{len(indices)}, labelShape...)
			b.Labels = make([]int, 0, len(indices)*len(s.Label))
		}
		if !tensor.SameShape(s.Image.Shape, imageShape) || !tensor.SameShape(s.LabelShape, labelShape) {
			return Batch{}, fmt.Errorf("%w: sample %s image %v label %v, batch expects %v %v",
				tensor.ErrShapeMismatch, s.Key, s.Image.Shape, s.LabelShape, imageShape, labelShape)
		}
		vol := s.Image.Size()
		copy(b.Images.Data[i*vol:(i+1)*vol], s.Image.Data)
		b.Labels = append(b.Labels, s.Label...)
		b.Keys = append(b.Keys, s.Key)
	}
	return b, nil
}
