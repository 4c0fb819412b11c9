package optimizations

import "math"

// LRSchedule returns the learning rate for the optimizer step that follows
// `step` completed steps. Warmup is linear from 0 to peak in every mode.
//
//	linear:   decays linearly to 0 at total
//	cosine:   half cosine to 0 at total
//	constant: stays at peak
func LRSchedule(kind string, step, warmup, total int, peak float64) float64 {
	if step < warmup {
		return peak * float64(step) / float64(max(1, warmup))
	}
	progress := float64(step-warmup) / float64(max(1, total-warmup))
	switch kind {
	case "linear":
		return peak * math.Max(0, 1-progress)
	case "cosine":
		if progress >= 1 {
			return 0
		}
		return peak * 0.5 * (1 + math.Cos(math.Pi*progress))
	default:
		return peak
	}
}
