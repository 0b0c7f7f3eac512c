package numerics

import "sort"

// Unique returns a sorted copy of xs with duplicate values removed. The
// input is left unmodified.
func Unique(xs []float64) []float64 {
	seen := make(map[float64]struct{}, len(xs))
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	sort.Float64s(out)
	return out
}
