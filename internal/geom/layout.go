// SPDX-License-Identifier: MIT

package geom

import "math"

const (
	// layoutBBoxDelta regenerates when the bounding-box diagonal changes by
	// more than this fraction.
	layoutBBoxDelta = 0.10

	// layoutResidualFrac regenerates when the mean nearest-point residual of
	// the candidate against the existing path exceeds this fraction of the
	// bounding-box diagonal.
	layoutResidualFrac = 0.08
)

// LayoutChanged reports whether candidate describes a different track layout
// than existing. Thresholds are deliberately conservative: a false "changed"
// regenerates a correct map, a false "unchanged" would refine a wrong one.
func LayoutChanged(existing, candidate []Point) bool {
	if len(existing) < 2 || len(candidate) < 2 {
		return false
	}
	lo1, hi1 := boundingBox(existing)
	lo2, hi2 := boundingBox(candidate)
	diag1 := Dist(lo1, hi1)
	diag2 := Dist(lo2, hi2)
	if diag1 <= 0 {
		return true
	}
	if math.Abs(diag2-diag1)/diag1 > layoutBBoxDelta {
		return true
	}

	// Mean nearest-point residual, sampled to bound the n*m scan.
	stride := len(candidate)/64 + 1
	var sum float64
	var count int
	for i := 0; i < len(candidate); i += stride {
		sum += nearestDistance(existing, candidate[i])
		count++
	}
	if count == 0 {
		return false
	}
	return sum/float64(count) > diag1*layoutResidualFrac
}

func nearestDistance(path []Point, p Point) float64 {
	best := math.Inf(1)
	for i := 0; i < len(path)-1; i++ {
		d, _ := pointSegment(p, path[i], path[i+1])
		if d < best {
			best = d
		}
	}
	return best
}
