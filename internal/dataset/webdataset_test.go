package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamShardPairsEntries(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, []entry{
		{"000001.jpg", []byte("jpeg")},
		{"000001.cls", []byte("3")},
		{"000002.png", []byte("png")},
		{"000002.mask.png", []byte("mask")},
		{"README", []byte("ignored")},
	})

	records := drain(t, shard, 4)
	require.Len(t, records, 2)
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	require.Equal(t, "000001", records[0].Key)
	require.Equal(t, 3, records[0].Label)
	require.Nil(t, records[0].Mask)

	require.Equal(t, "000002", records[1].Key)
	require.Equal(t, -1, records[1].Label)
	require.Equal(t, []byte("mask"), records[1].Mask)
}

func TestStreamShardKeepsEverySidecar(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, []entry{
		{"000001.jpg", []byte("jpeg")},
		{"000001.cls", []byte("7")},
		{"000001.mask.png", []byte("mask")},
		{"000002.jpg", []byte("jpeg")},
		{"000002.cls", []byte("1")},
	})

	records := drain(t, shard, 4)
	require.Len(t, records, 2)
	require.Equal(t, "000001", records[0].Key)
	require.Equal(t, 7, records[0].Label)
	require.Equal(t, []byte("mask"), records[0].Mask)
	require.Equal(t, "000002", records[1].Key)
}

func TestStreamShardDropsLateSidecar(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, []entry{
		{"000001.jpg", []byte("jpeg")},
		{"000001.cls", []byte("2")},
		{"000002.jpg", []byte("jpeg")},
		{"000001.mask.png", []byte("late")},
		{"000002.cls", []byte("0")},
	})

	records := drain(t, shard, 4)
	require.Len(t, records, 2)
	require.Equal(t, "000001", records[0].Key)
	require.Nil(t, records[0].Mask)
	require.Equal(t, "000002", records[1].Key)
	require.Equal(t, 0, records[1].Label)
}

func TestStreamShardIncomplete(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, []entry{{"000001.jpg", []byte("jpeg")}})

	records, errCh := StreamShard(context.Background(), shard, 4)
	for range records {
	}
	require.Error(t, <-errCh)
}

func TestStreamShardPendingOverflow(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	var entries []entry
	for i := 0; i < 4; i++ {
		entries = append(entries, entry{strconv.Itoa(i) + ".jpg", []byte("x")})
	}
	writeShard(t, shard, entries)

	records, errCh := StreamShard(context.Background(), shard, 2)
	for range records {
	}
	require.ErrorIs(t, <-errCh, ErrPendingOverflow)
}

func drain(t *testing.T, path string, pendingCap int) []Record {
	t.Helper()
	records, errCh := StreamShard(context.Background(), path, pendingCap)
	var out []Record
	for rec := range records {
		out = append(out, rec)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	return out
}

type entry struct {
	name string
	data []byte
}

func writeShard(t *testing.T, path string, entries []entry) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Size: int64(len(e.data)), Mode: 0o644}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// halfMask labels the left half 0 and the right half 1.
func halfMask(w, h int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			m.SetGray(x, y, color.Gray{Y: 1})
		}
	}
	return m
}
