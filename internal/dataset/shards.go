package dataset

import (
	"context"
	"errors"
	"fmt"
)

// Shards is a Dataset backed by WebDataset shards. Records are held encoded
// and decoded on Get.
type Shards struct {
	name      string
	records   []Record
	transform Transform
}

// OpenShards discovers every shard under roots and reads their records.
func OpenShards(ctx context.Context, name string, roots []string, transform Transform) (*Shards, error) {
	paths, err := DiscoverAll(roots)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("dataset %s: no shards under %v", name, roots)
	}
	ds := &Shards{name: name, transform: transform}
	for _, path := range paths {
		if err := ds.readShard(ctx, path); err != nil {
			return nil, fmt.Errorf("dataset %s: %s: %w", name, path, err)
		}
	}
	if len(ds.records) == 0 {
		return nil, fmt.Errorf("dataset %s: shards contain no samples", name)
	}
	return ds, nil
}

func (s *Shards) readShard(ctx context.Context, path string) error {
	records, errCh := StreamShard(ctx, path, defaultPendingCap)
	for rec := range records {
		s.records = append(s.records, rec)
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

func (s *Shards) Name() string { return s.name }
func (s *Shards) Len() int     { return len(s.records) }

func (s *Shards) Get(i int) (Sample, error) {
	if i < 0 || i >= len(s.records) {
		return Sample{}, fmt.Errorf("dataset %s: index %d out of range [0,%d)", s.name, i, len(s.records))
	}
	rec := s.records[i]
	img, err := s.transform.Image(rec.Image)
	if err != nil {
		return Sample{}, fmt.Errorf("sample %s: %w", rec.Key, err)
	}
	sample := Sample{Key: rec.Key, Image: img}
	if len(rec.Mask) > 0 {
		labels, err := s.transform.Mask(rec.Mask)
		if err != nil {
			return Sample{}, fmt.Errorf("sample %s: %w", rec.Key, err)
		}
		sample.Label = labels
		sample.LabelShape = []int{s.transform.Height, s.transform.Width}
		return sample, nil
	}
	sample.Label = []int{rec.Label}
	return sample, nil
}
