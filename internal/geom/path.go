// SPDX-License-Identifier: MIT

package geom

const (
	// TargetPathPoints is the point count a built centerline is downsampled to.
	TargetPathPoints = 600

	// smoothWindow is the moving-average half window applied to a raw trace.
	smoothWindow = 3

	// outlierFactor rejects steps larger than this multiple of the median step.
	outlierFactor = 5.0

	// minTracePoints is the smallest trace that can seed a centerline.
	minTracePoints = 10
)

// FilterOutliers drops GPS samples whose step from the previous kept sample
// exceeds outlierFactor times the median step of the trace. The first sample
// is always kept.
func FilterOutliers(trace []Point) []Point {
	if len(trace) < 3 {
		return append([]Point(nil), trace...)
	}
	steps := make([]float64, 0, len(trace)-1)
	for i := 1; i < len(trace); i++ {
		steps = append(steps, Dist(trace[i-1], trace[i]))
	}
	limit := Median(steps) * outlierFactor
	if limit <= 0 {
		return append([]Point(nil), trace...)
	}
	out := make([]Point, 0, len(trace))
	out = append(out, trace[0])
	for i := 1; i < len(trace); i++ {
		if Dist(out[len(out)-1], trace[i]) <= limit {
			out = append(out, trace[i])
		}
	}
	return out
}

// Downsample reduces path to at most target points, keeping endpoints and
// picking evenly spaced indices in between.
func Downsample(path []Point, target int) []Point {
	if target < 2 || len(path) <= target {
		return append([]Point(nil), path...)
	}
	out := make([]Point, 0, target)
	step := float64(len(path)-1) / float64(target-1)
	for i := 0; i < target; i++ {
		out = append(out, path[int(float64(i)*step+0.5)])
	}
	return out
}

// Smooth applies a circular moving average with the given half window. The
// input is treated as a closed loop.
func Smooth(path []Point, halfWindow int) []Point {
	n := len(path)
	if n == 0 || halfWindow <= 0 {
		return append([]Point(nil), path...)
	}
	out := make([]Point, n)
	for i := 0; i < n; i++ {
		var sx, sy float64
		count := 0
		for d := -halfWindow; d <= halfWindow; d++ {
			p := path[((i+d)%n+n)%n]
			sx += p.X
			sy += p.Y
			count++
		}
		out[i] = Point{X: sx / float64(count), Y: sy / float64(count)}
	}
	return out
}

// CloseLoop snaps the last point onto the first so that path[0] == path[len-1]
// exactly. A trailing point already equal to the first is reused, not doubled.
func CloseLoop(path []Point) []Point {
	if len(path) < 3 {
		return append([]Point(nil), path...)
	}
	out := append([]Point(nil), path...)
	if out[len(out)-1] == out[0] {
		return out
	}
	// A loose end within half a step of the start is GPS jitter: snap it.
	// A larger gap is a real segment and gets a closing point appended.
	if Dist(out[len(out)-1], out[0]) < Dist(out[len(out)-2], out[len(out)-1])/2 {
		out[len(out)-1] = out[0]
		return out
	}
	return append(out, out[0])
}

// BuildCenterline derives a closed centerline from per-lap GPS traces. It
// filters outliers per trace, seeds from the densest surviving trace,
// downsamples, smooths and closes the loop. ok is false when no trace is
// usable; the caller keeps its prior path.
func BuildCenterline(traces [][]Point, target int) ([]Point, bool) {
	if target <= 0 {
		target = TargetPathPoints
	}
	var seed []Point
	for _, t := range traces {
		filtered := FilterOutliers(t)
		if len(filtered) < minTracePoints {
			continue
		}
		if len(filtered) > len(seed) {
			seed = filtered
		}
	}
	if seed == nil {
		return nil, false
	}
	path := Downsample(seed, target)
	path = Smooth(path, smoothWindow)
	path = CloseLoop(path)
	if len(path) < minTracePoints {
		return nil, false
	}
	return path, true
}
