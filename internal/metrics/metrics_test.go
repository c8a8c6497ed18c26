package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 1.2)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond, 0.8)
	snap := w.Snapshot()
	if math.Abs(snap.ImagesPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.ImagesPerSec)
	}
	if w.images != 0 || w.steps != 0 {
		t.Fatalf("window was not reset")
	}
	if snap.LastLoss != 0.8 {
		t.Fatalf("expected last loss 0.8, got %.2f", snap.LastLoss)
	}
	if math.Abs(snap.AvgLoss-1.0) > 1e-9 {
		t.Fatalf("expected avg loss 1.0, got %.4f", snap.AvgLoss)
	}
}

func TestStreamSegMetrics(t *testing.T) {
	m := NewStreamSegMetrics(3)
	require.NoError(t, m.Update(
		[]int{0, 0, 1, 1, 255, 2},
		[]int{0, 1, 1, 1, 0, 0},
	))
	r := m.Results()

	assert.Equal(t, int64(5), r.Samples)
	assert.InDelta(t, 3.0/5.0, r.OverallAcc, 1e-12)
	// per-class acc: 0 -> 1/2, 1 -> 2/2, 2 -> 0/1
	assert.InDelta(t, (0.5+1+0)/3, r.MeanAcc, 1e-12)
	// IoU: 0 -> 1/(2+2-1), 1 -> 2/(2+3-2), 2 -> 0/(1+0-0)
	assert.InDelta(t, 1.0/3, r.ClassIoU[0], 1e-12)
	assert.InDelta(t, 2.0/3, r.ClassIoU[1], 1e-12)
	assert.InDelta(t, 0, r.ClassIoU[2], 1e-12)
	assert.InDelta(t, (1.0/3+2.0/3)/3, r.MeanIoU, 1e-12)

	assert.Contains(t, m.String(), "Mean IoU")
	assert.Contains(t, r.Scalars("test/"), "test/miou")

	m.Reset()
	assert.Zero(t, m.Results().Samples)
}

func TestStreamSegMetricsLengthMismatch(t *testing.T) {
	m := NewStreamSegMetrics(2)
	require.Error(t, m.Update([]int{0}, []int{0, 1}))
}
