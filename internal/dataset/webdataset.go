package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Record is a paired, still-encoded entry from a WebDataset shard.
type Record struct {
	Key   string
	Image []byte
	// Mask holds an encoded label map for segmentation shards.
	Mask []byte
	// Label is the class id for classification shards; -1 when absent.
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const (
	defaultPendingCap = 1024
	maskSuffix        = ".mask.png"
)

// StreamShard streams paired records from the shard at path. An image
// (.jpg/.jpeg/.png) pairs with either a class label (.cls) or a label map
// (.mask.png) sharing its key. Records are sent when the shard moves to the
// next key; sidecars arriving after that are dropped.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Record, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Record)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)
		emitted := make(map[string]struct{})
		get := func(key string) *partial {
			if _, ok := emitted[key]; ok {
				// late sidecar for a sample already sent
				return &partial{}
			}
			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			return part
		}
		flush := func(key string) error {
			part := pending[key]
			if part == nil || !part.ready() {
				return nil
			}
			rec := Record{Key: key, Image: part.image, Mask: part.mask, Label: -1}
			if part.label != nil {
				rec.Label = *part.label
			}
			delete(pending, key)
			emitted[key] = struct{}{}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- rec:
				return nil
			}
		}
		var prev string

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			lower := strings.ToLower(name)

			var key string
			switch ext := filepath.Ext(lower); {
			case strings.HasSuffix(lower, maskSuffix):
				key = name[:len(name)-len(maskSuffix)]
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read mask %s: %w", name, err)
					return
				}
				get(key).mask = data
			case ext == ".jpg" || ext == ".jpeg" || ext == ".png":
				key = strings.TrimSuffix(name, filepath.Ext(name))
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read image %s: %w", name, err)
					return
				}
				get(key).image = data
			case ext == ".cls":
				key = strings.TrimSuffix(name, filepath.Ext(name))
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read label %s: %w", name, err)
					return
				}
				label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil {
					errCh <- fmt.Errorf("parse label %s: %w", name, err)
					return
				}
				get(key).label = &label
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			// A sample is sent once the shard moves on to another key, so
			// every sidecar of a contiguous sample lands in one record.
			if prev != "" && key != prev {
				if err := flush(prev); err != nil {
					errCh <- err
					return
				}
			}
			prev = key
		}

		keys := make([]string, 0, len(pending))
		for k := range pending {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := flush(k); err != nil {
				errCh <- err
				return
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	image []byte
	mask  []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && (p.label != nil || len(p.mask) > 0)
}
