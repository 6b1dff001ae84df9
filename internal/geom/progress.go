// SPDX-License-Identifier: MIT

package geom

import "math"

// hintWindow is the fraction of the lap searched around a progress hint.
const hintWindow = 0.15

// ProgressAt projects p onto the path and returns its track progress in
// [0,1): the arc length at the projection divided by the perimeter. When
// hasHint is true, only segments within ±hintWindow of hint are considered,
// which disambiguates parallel track sections. ok is false for degenerate
// paths or an empty hint window.
func ProgressAt(path []Point, arc []float64, p Point, hint float64, hasHint bool) (float64, bool) {
	if len(path) < 2 || len(arc) != len(path) {
		return 0, false
	}
	total := Perimeter(arc)
	if total <= 0 {
		return 0, false
	}

	best := math.Inf(1)
	bestProgress := 0.0
	found := false
	for i := 0; i < len(path)-1; i++ {
		segStart := arc[i] / total
		if hasHint && circularDelta(hint, segStart) > hintWindow {
			continue
		}
		d, t := pointSegment(p, path[i], path[i+1])
		if d < best {
			best = d
			along := arc[i] + t*(arc[i+1]-arc[i])
			bestProgress = along / total
			found = true
		}
	}
	if !found {
		return 0, false
	}
	if bestProgress >= 1 {
		bestProgress -= 1
	}
	return bestProgress, true
}

// ForwardDistance returns the forward distance from progress a to progress b
// around the loop, in [0,1).
func ForwardDistance(a, b float64) float64 {
	d := math.Mod(b-a, 1)
	if d < 0 {
		d += 1
	}
	return d
}

// circularDelta is the shortest distance between two progress values on the
// unit loop.
func circularDelta(a, b float64) float64 {
	d := math.Abs(math.Mod(a-b, 1))
	if d > 0.5 {
		d = 1 - d
	}
	return d
}

// pointSegment returns the distance from p to segment ab and the normalized
// position t of the projection along the segment.
func pointSegment(p, a, b Point) (float64, float64) {
	dx, dy := b.X-a.X, b.Y-a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return Dist(p, a), 0
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	proj := Point{X: a.X + t*dx, Y: a.Y + t*dy}
	return Dist(p, proj), t
}

// CircularMean averages progress values on the unit loop, so that samples
// straddling the start/finish line (e.g. 0.98 and 0.02) average near 0.
func CircularMean(progresses []float64) (float64, bool) {
	if len(progresses) == 0 {
		return 0, false
	}
	var sx, sy float64
	for _, p := range progresses {
		a := 2 * math.Pi * p
		sx += math.Cos(a)
		sy += math.Sin(a)
	}
	if sx == 0 && sy == 0 {
		return 0, false
	}
	mean := math.Atan2(sy, sx) / (2 * math.Pi)
	if mean < 0 {
		mean += 1
	}
	return mean, true
}
