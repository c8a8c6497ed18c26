package loss

import "sort"

// Reduction turns per-element losses into a scalar. It also returns the
// weight of every element in that scalar, which is the upstream gradient
// for CrossEntropy.Backward.
type Reduction interface {
	Reduce(losses []float64, labels []int, batch int) (float64, []float64)
}

// MeanReduction averages the losses of non-ignored elements.
type MeanReduction struct {
	IgnoreIndex int
}

func (r MeanReduction) Reduce(losses []float64, labels []int, _ int) (float64, []float64) {
	weights := make([]float64, len(losses))
	count := 0
	for _, l := range labels {
		if l != r.IgnoreIndex {
			count++
		}
	}
	if count == 0 {
		return 0, weights
	}
	inv := 1.0 / float64(count)
	sum := 0.0
	for i, l := range losses {
		if labels[i] == r.IgnoreIndex {
			continue
		}
		sum += l
		weights[i] = inv
	}
	return sum * inv, weights
}

// HardNegativeMining keeps, for every batch item, the Perc fraction of
// elements with the highest loss and averages them.
type HardNegativeMining struct {
	Perc float64
}

func (r HardNegativeMining) Reduce(losses []float64, _ []int, batch int) (float64, []float64) {
	weights := make([]float64, len(losses))
	if batch <= 0 || len(losses) == 0 {
		return 0, weights
	}
	per := len(losses) / batch
	k := int(r.Perc * float64(per))
	if k < 1 {
		k = 1
	}
	if k > per {
		k = per
	}
	inv := 1.0 / float64(batch*k)
	idx := make([]int, per)
	sum := 0.0
	for b := 0; b < batch; b++ {
		row := losses[b*per : (b+1)*per]
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(i, j int) bool { return row[idx[i]] > row[idx[j]] })
		for _, i := range idx[:k] {
			sum += row[i]
			weights[b*per+i] = inv
		}
	}
	return sum * inv, weights
}
