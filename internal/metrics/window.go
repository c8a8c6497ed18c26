package metrics

import "time"

// Window accumulates per-step timing and loss between two progress lines.
type Window struct {
	images  int
	data    time.Duration
	compute time.Duration
	steps   int
	lossSum float64
	last    float64
}

// Record adds one training step.
func (w *Window) Record(images int, dataTime, computeTime time.Duration, loss float64) {
	w.images += images
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
	w.last = loss
}

// Snapshot returns the aggregate since the previous snapshot and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, LastLoss: w.last}
	if total := w.data + w.compute; total > 0 {
		snap.ImagesPerSec = float64(w.images) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.AvgLoss = w.lossSum / float64(w.steps)
	}
	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	AvgLoss      float64
	LastLoss     float64
}
