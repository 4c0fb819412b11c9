package utils

import "gonum.org/v1/gonum/mat"

// LabelRank returns how many entries of column col outrank the entry at row
// label. Equal scores are ordered by lower row index first.
func LabelRank(logits mat.Matrix, col, label int) int {
	r, _ := logits.Dims()
	target := logits.At(label, col)
	rank := 0
	for i := 0; i < r; i++ {
		v := logits.At(i, col)
		if v > target || (v == target && i < label) {
			rank++
		}
	}
	return rank
}

// TopKHits counts, for every k in topk, the columns of logits (V x N) whose
// label is among the k highest scores.
func TopKHits(logits mat.Matrix, labels []int, topk []int) []int {
	_, n := logits.Dims()
	if n != len(labels) {
		panic("TopKHits: logits columns and labels differ")
	}
	hits := make([]int, len(topk))
	for col, label := range labels {
		rank := LabelRank(logits, col, label)
		for i, k := range topk {
			if rank < k {
				hits[i]++
			}
		}
	}
	return hits
}

// Accuracy returns the top-k accuracy (as a fraction) for each k in topk.
// With no columns every accuracy is 0.
func Accuracy(logits mat.Matrix, labels []int, topk []int) []float64 {
	out := make([]float64, len(topk))
	if len(labels) == 0 {
		return out
	}
	hits := TopKHits(logits, labels, topk)
	for i, h := range hits {
		out[i] = float64(h) / float64(len(labels))
	}
	return out
}
