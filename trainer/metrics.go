package trainer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/ulzee/icdbert/utils"
)

// EvalPrediction holds one eval batch: per-example logits (V x T) and the
// matching labels.
type EvalPrediction struct {
	Logits []*mat.Dense
	Labels [][]int
}

// ComputeMetrics scores one batch. It also returns the number of positions
// the metrics were computed over; the trainer averages batches with that
// weight.
type ComputeMetrics func(EvalPrediction) (map[string]float64, int)

// TopKMetrics flattens every (example, position) pair, drops positions whose
// label equals maskValue and reports top-n accuracy as "topNN" for each n.
func TopKMetrics(maskValue int, topns ...int) ComputeMetrics {
	names := make([]string, len(topns))
	for i, n := range topns {
		names[i] = fmt.Sprintf("top%02d", n)
	}
	return func(p EvalPrediction) (map[string]float64, int) {
		out := make(map[string]float64, len(topns))
		for _, name := range names {
			out[name] = 0
		}

		var labels []int
		var cols []mat.Vector
		for b, row := range p.Labels {
			for t, label := range row {
				if label == maskValue {
					continue
				}
				labels = append(labels, label)
				cols = append(cols, p.Logits[b].ColView(t))
			}
		}
		if len(labels) == 0 {
			return out, 0
		}

		V := cols[0].Len()
		where := mat.NewDense(V, len(cols), nil)
		for j, c := range cols {
			where.SetCol(j, mat.Col(nil, 0, c))
		}
		for i, acc := range utils.Accuracy(where, labels, topns) {
			out[names[i]] = acc
		}
		return out, len(labels)
	}
}
