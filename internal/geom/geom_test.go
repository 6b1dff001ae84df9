// SPDX-License-Identifier: MIT

package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// circle returns a closed circular path with the given point count.
func circle(n int, radius float64) []Point {
	pts := make([]Point, n+1)
	for i := 0; i <= n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = Point{X: radius * math.Cos(a), Y: radius * math.Sin(a)}
	}
	pts[n] = pts[0]
	return pts
}

func TestArcLengthsMonotone(t *testing.T) {
	path := circle(100, 1000)
	arc := ArcLengths(path)
	require.Len(t, arc, len(path))
	assert.Zero(t, arc[0])
	for i := 1; i < len(arc); i++ {
		assert.GreaterOrEqual(t, arc[i], arc[i-1])
	}
	assert.InDelta(t, 2*math.Pi*1000, Perimeter(arc), 25)
}

func TestPointAtInterpolates(t *testing.T) {
	path := []Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}, {X: 0, Y: 0}}
	arc := ArcLengths(path)

	assert.Equal(t, Point{X: 0, Y: 0}, PointAt(path, arc, 0))
	mid := PointAt(path, arc, 0.125)
	assert.InDelta(t, 5, mid.X, 1e-9)
	assert.InDelta(t, 0, mid.Y, 1e-9)

	// Progress wraps on both sides.
	assert.Equal(t, PointAt(path, arc, 0.25), PointAt(path, arc, 1.25))
	assert.Equal(t, PointAt(path, arc, 0.75), PointAt(path, arc, -0.25))
}

func TestProgressAtProjectsOntoPath(t *testing.T) {
	path := circle(200, 1000)
	arc := ArcLengths(path)

	// A point slightly outside the circle at angle 90° is a quarter lap in.
	p := Point{X: 0, Y: 1010}
	prog, ok := ProgressAt(path, arc, p, 0, false)
	require.True(t, ok)
	assert.InDelta(t, 0.25, prog, 0.01)
}

func TestProgressAtHintRestrictsSearch(t *testing.T) {
	path := circle(200, 1000)
	arc := ArcLengths(path)
	p := Point{X: 1000, Y: 0} // exactly at progress 0

	prog, ok := ProgressAt(path, arc, p, 0.0, true)
	require.True(t, ok)
	assert.Less(t, math.Min(prog, 1-prog), 0.01)

	// A hint on the far side of the lap excludes the true nearest segments,
	// so the projection lands inside the hint window instead.
	prog, ok = ProgressAt(path, arc, p, 0.5, true)
	require.True(t, ok)
	assert.InDelta(t, 0.5, prog, hintWindow+0.02)
}

func TestProgressAtDegenerate(t *testing.T) {
	_, ok := ProgressAt(nil, nil, Point{}, 0, false)
	assert.False(t, ok)
	_, ok = ProgressAt([]Point{{X: 1, Y: 1}}, []float64{0}, Point{}, 0, false)
	assert.False(t, ok)
}

func TestForwardDistanceWraps(t *testing.T) {
	assert.InDelta(t, 0.2, ForwardDistance(0.9, 0.1), 1e-9)
	assert.InDelta(t, 0.8, ForwardDistance(0.1, 0.9), 1e-9)
	assert.Zero(t, ForwardDistance(0.4, 0.4))
}

func TestCircularMeanStraddlesStartFinish(t *testing.T) {
	mean, ok := CircularMean([]float64{0.98, 0.02})
	require.True(t, ok)
	assert.Less(t, math.Min(mean, 1-mean), 0.001)

	_, ok = CircularMean(nil)
	assert.False(t, ok)
}

func TestFilterOutliersDropsSpikes(t *testing.T) {
	trace := make([]Point, 0, 21)
	for i := 0; i < 20; i++ {
		trace = append(trace, Point{X: float64(i * 10), Y: 0})
	}
	trace = append(trace[:10], append([]Point{{X: 5000, Y: 5000}}, trace[10:]...)...)

	out := FilterOutliers(trace)
	for _, p := range out {
		assert.NotEqual(t, Point{X: 5000, Y: 5000}, p)
	}
	assert.GreaterOrEqual(t, len(out), 19)
}

func TestBuildCenterlineProducesClosedLoop(t *testing.T) {
	raw := circle(900, 1000)
	// Light GPS jitter.
	for i := range raw {
		raw[i].X += math.Sin(float64(i)) * 2
		raw[i].Y += math.Cos(float64(i)) * 2
	}
	path, ok := BuildCenterline([][]Point{raw}, TargetPathPoints)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(path), minTracePoints)
	assert.Equal(t, path[0], path[len(path)-1], "centerline is a closed loop")
	assert.LessOrEqual(t, len(path), TargetPathPoints+1)

	arc := ArcLengths(path)
	for i := 1; i < len(arc); i++ {
		assert.GreaterOrEqual(t, arc[i], arc[i-1])
	}
}

func TestBuildCenterlineRejectsUnusableTraces(t *testing.T) {
	_, ok := BuildCenterline(nil, 0)
	assert.False(t, ok)
	_, ok = BuildCenterline([][]Point{{{X: 1, Y: 1}, {X: 2, Y: 2}}}, 0)
	assert.False(t, ok)
}

func TestLayoutChanged(t *testing.T) {
	base := circle(200, 1000)

	jittered := make([]Point, len(base))
	for i, p := range base {
		jittered[i] = Point{X: p.X + 3, Y: p.Y - 3}
	}
	assert.False(t, LayoutChanged(base, jittered), "small jitter is the same layout")

	scaled := make([]Point, len(base))
	for i, p := range base {
		scaled[i] = Point{X: p.X * 1.5, Y: p.Y * 1.5}
	}
	assert.True(t, LayoutChanged(base, scaled))

	shifted := make([]Point, len(base))
	for i, p := range base {
		shifted[i] = Point{X: p.X + 500, Y: p.Y}
	}
	assert.True(t, LayoutChanged(base, shifted), "same size, different place")
}

func TestPitSideVote(t *testing.T) {
	// Straight reference path along +X; points above it are on the left of
	// the direction of travel.
	path := []Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 200, Y: 0}}
	arc := ArcLengths(path)

	left := []Point{{X: 50, Y: 5}, {X: 100, Y: 6}, {X: 150, Y: 5}}
	side, share, ok := PitSideVote(path, arc, left)
	require.True(t, ok)
	assert.Equal(t, SideLeft, side)
	assert.Equal(t, 1.0, share)

	right := []Point{{X: 50, Y: -5}, {X: 100, Y: -6}}
	side, _, ok = PitSideVote(path, arc, right)
	require.True(t, ok)
	assert.Equal(t, SideRight, side)

	// Split vote below dominance is inconclusive.
	mixed := []Point{{X: 50, Y: 5}, {X: 100, Y: -5}}
	_, share, ok = PitSideVote(path, arc, mixed)
	assert.False(t, ok)
	assert.Less(t, share, sideDominance)
}

func TestAggregatePitProfile(t *testing.T) {
	samples := []PitStopSample{
		{EntryProgress: 0.90, ExitProgress: 0.05, Side: SideLeft, SideWeight: 0.9, LimitKPH: 78},
		{EntryProgress: 0.91, ExitProgress: 0.06, Side: SideLeft, SideWeight: 0.8, LimitKPH: 80},
	}
	_, ok := AggregatePitProfile(samples)
	require.False(t, ok, "needs at least %d stops", minPitSamples)

	samples = append(samples, PitStopSample{
		EntryProgress: 0.92, ExitProgress: 0.04, Side: SideRight, SideWeight: 0.7, LimitKPH: 82,
	})
	profile, ok := AggregatePitProfile(samples)
	require.True(t, ok)
	assert.Equal(t, 0.91, profile.EntryProgress)
	assert.Equal(t, 0.05, profile.ExitProgress)
	assert.Equal(t, SideLeft, profile.PitSide, "weighted majority wins")
	assert.Equal(t, 80.0, profile.SpeedLimitKPH)
	assert.Equal(t, 3, profile.SamplesCollected)
}

func TestCrossingsForLap(t *testing.T) {
	// 90-second lap around the circle, sampled once per second.
	trace := make([]TimedPoint, 91)
	for i := 0; i <= 90; i++ {
		a := 2 * math.Pi * float64(i) / 90
		trace[i] = TimedPoint{
			Point:  Point{X: 1000 * math.Cos(a), Y: 1000 * math.Sin(a)},
			Millis: int64(i * 1000),
		}
	}
	lap := SectorLap{
		DateStartMillis: 0,
		Duration:        90,
		Sector1:         30,
		Sector2:         30,
		Trace:           trace,
	}
	c, ok := CrossingsForLap(lap)
	require.True(t, ok)
	assert.InDelta(t, 1000, c.Start.X, 1)
	// One third of the lap is 120° around the circle.
	assert.InDelta(t, 1000*math.Cos(2*math.Pi/3), c.S12.X, 5)
	assert.InDelta(t, 1000*math.Sin(2*math.Pi/3), c.S12.Y, 5)

	_, ok = CrossingsForLap(SectorLap{Duration: 90, Sector1: 50, Sector2: 45, Trace: trace})
	assert.False(t, ok, "sector times exceeding the lap are rejected")
}

func TestDeriveSectorBoundaries(t *testing.T) {
	path := circle(200, 1000)
	arc := ArcLengths(path)

	mk := func(p float64) Point {
		a := 2 * math.Pi * p
		return Point{X: 1000 * math.Cos(a), Y: 1000 * math.Sin(a)}
	}
	crossings := []SectorCrossings{
		{Start: mk(0.995), S12: mk(0.33), S23: mk(0.66)},
		{Start: mk(0.005), S12: mk(0.34), S23: mk(0.67)},
	}
	b, ok := DeriveSectorBoundaries(path, arc, crossings)
	require.True(t, ok)
	assert.Less(t, math.Min(b.StartFinish, 1-b.StartFinish), 0.01, "crossings straddling the line average near 0")
	assert.InDelta(t, 0.335, b.Sector12, 0.01)
	assert.InDelta(t, 0.665, b.Sector23, 0.01)
}

func TestDetectCornersOnRoundedSquare(t *testing.T) {
	// A superellipse has four pronounced corners.
	n := 400
	path := make([]Point, n+1)
	for i := 0; i <= n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		sx, cx := math.Sin(a), math.Cos(a)
		path[i] = Point{
			X: 1000 * math.Copysign(math.Pow(math.Abs(cx), 0.5), cx),
			Y: 1000 * math.Copysign(math.Pow(math.Abs(sx), 0.5), sx),
		}
	}
	path[n] = path[0]
	arc := ArcLengths(path)

	corners, ok := DetectCorners(path, arc, 0)
	require.True(t, ok)
	require.NotEmpty(t, corners)

	// Numbered consecutively in track order from the start/finish line.
	for i, c := range corners {
		assert.Equal(t, i+1, c.Number)
		if i > 0 {
			assert.Greater(t,
				ForwardDistance(0, c.Progress),
				ForwardDistance(0, corners[i-1].Progress))
		}
	}
}

func TestMedian(t *testing.T) {
	assert.Zero(t, Median(nil))
	assert.Equal(t, 3.0, Median([]float64{5, 1, 3}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 2, 3}))
}
