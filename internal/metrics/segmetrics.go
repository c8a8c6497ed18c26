package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// StreamSegMetrics accumulates a confusion matrix over streamed predictions.
// Ground-truth values outside [0, NumClasses) (e.g. 255) are skipped.
type StreamSegMetrics struct {
	n         int
	confusion []int64 // row = truth, col = prediction
}

func NewStreamSegMetrics(numClasses int) *StreamSegMetrics {
	return &StreamSegMetrics{n: numClasses, confusion: make([]int64, numClasses*numClasses)}
}

// Update adds a batch of flattened labels and predictions.
func (m *StreamSegMetrics) Update(labels, preds []int) error {
	if len(labels) != len(preds) {
		return fmt.Errorf("metrics: %d labels vs %d predictions", len(labels), len(preds))
	}
	for i, y := range labels {
		if y < 0 || y >= m.n {
			continue
		}
		p := preds[i]
		if p < 0 || p >= m.n {
			return fmt.Errorf("metrics: prediction %d out of range [0,%d)", p, m.n)
		}
		m.confusion[y*m.n+p]++
	}
	return nil
}

func (m *StreamSegMetrics) Reset() {
	for i := range m.confusion {
		m.confusion[i] = 0
	}
}

// Results summarises the confusion matrix. Classes absent from both truth
// and predictions are left out of the means.
type Results struct {
	OverallAcc float64
	MeanAcc    float64
	MeanIoU    float64
	ClassIoU   map[int]float64
	Samples    int64
}

func (m *StreamSegMetrics) Results() Results {
	res := Results{ClassIoU: make(map[int]float64, m.n)}
	var diag int64
	rows := make([]int64, m.n)
	cols := make([]int64, m.n)
	for y := 0; y < m.n; y++ {
		for p := 0; p < m.n; p++ {
			v := m.confusion[y*m.n+p]
			rows[y] += v
			cols[p] += v
			res.Samples += v
		}
		diag += m.confusion[y*m.n+y]
	}
	if res.Samples == 0 {
		return res
	}
	res.OverallAcc = float64(diag) / float64(res.Samples)

	var accSum, iouSum float64
	var accN, iouN int
	for c := 0; c < m.n; c++ {
		tp := float64(m.confusion[c*m.n+c])
		if rows[c] > 0 {
			accSum += tp / float64(rows[c])
			accN++
		}
		union := float64(rows[c]+cols[c]) - tp
		if union > 0 {
			iou := tp / union
			res.ClassIoU[c] = iou
			iouSum += iou
			iouN++
		}
	}
	if accN > 0 {
		res.MeanAcc = accSum / float64(accN)
	}
	if iouN > 0 {
		res.MeanIoU = iouSum / float64(iouN)
	}
	return res
}

// Scalars flattens the results for an experiment tracker.
func (r Results) Scalars(prefix string) map[string]float64 {
	out := map[string]float64{
		prefix + "overall_acc": r.OverallAcc,
		prefix + "mean_acc":    r.MeanAcc,
		prefix + "miou":        r.MeanIoU,
	}
	for c, v := range r.ClassIoU {
		out[fmt.Sprintf("%siou_class_%d", prefix, c)] = v
	}
	return out
}

func (m *StreamSegMetrics) String() string {
	r := m.Results()
	var b strings.Builder
	fmt.Fprintf(&b, "Overall Acc: %.4f\nMean Acc: %.4f\nMean IoU: %.4f\n", r.OverallAcc, r.MeanAcc, r.MeanIoU)
	classes := make([]int, 0, len(r.ClassIoU))
	for c := range r.ClassIoU {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	for _, c := range classes {
		fmt.Fprintf(&b, "  class %d IoU: %.4f\n", c, r.ClassIoU[c])
	}
	return b.String()
}
