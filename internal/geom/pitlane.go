// SPDX-License-Identifier: MIT

package geom

import "math"

const (
	// SideLeft and SideRight are relative to the direction of travel.
	SideLeft  = 1
	SideRight = -1

	// sideDominance is the minimum vote share for a per-stop side vote to
	// be accepted at all.
	sideDominance = 0.60

	// minPitSamples is the number of completed stops required before the
	// profile is aggregated.
	minPitSamples = 3

	// DefaultPitSpeedLimitKPH is assumed until a limit is detected.
	DefaultPitSpeedLimitKPH = 80

	// PitSpeedMarginKPH widens the detected limit when classifying pit-lane
	// travel speeds.
	PitSpeedMarginKPH = 5
)

// PitLaneProfile is the derived pit-lane geometry.
type PitLaneProfile struct {
	EntryProgress    float64 `json:"entryProgress"`
	ExitProgress     float64 `json:"exitProgress"`
	PitSide          int     `json:"pitSide"`
	SpeedLimitKPH    float64 `json:"pitLaneSpeedLimit"`
	SamplesCollected int     `json:"samplesCollected"`
}

// PitStopSample is the contribution of one completed pit stop.
type PitStopSample struct {
	EntryProgress float64
	ExitProgress  float64
	Side          int     // 0 when the per-stop vote was inconclusive
	SideWeight    float64 // dominance of the per-stop vote
	LimitKPH      float64 // observed pit-lane speed ceiling, 0 if unknown
}

// PitSideVote decides which side of the centerline the given pit-lane points
// lie on. Each point votes with the sign of the cross product of the local
// centerline tangent with the vector centerline→car, weighted by
// 1/(1+distance). The vote is accepted only when the winning share is at
// least sideDominance.
func PitSideVote(path []Point, arc []float64, carPoints []Point) (int, float64, bool) {
	if len(path) < 2 || len(arc) != len(path) || len(carPoints) == 0 {
		return 0, 0, false
	}
	var left, right float64
	for _, cp := range carPoints {
		i, t := nearestSegment(path, cp)
		if i < 0 {
			continue
		}
		a, b := path[i], path[i+1]
		proj := Point{X: a.X + t*(b.X-a.X), Y: a.Y + t*(b.Y-a.Y)}
		tx, ty := b.X-a.X, b.Y-a.Y
		vx, vy := cp.X-proj.X, cp.Y-proj.Y
		cross := tx*vy - ty*vx
		w := 1 / (1 + Dist(cp, proj))
		if cross > 0 {
			left += w
		} else if cross < 0 {
			right += w
		}
	}
	total := left + right
	if total == 0 {
		return 0, 0, false
	}
	share := math.Max(left, right) / total
	if share < sideDominance {
		return 0, share, false
	}
	if left > right {
		return SideLeft, share, true
	}
	return SideRight, share, true
}

// InfieldSide returns the side of the track centroid relative to the
// direction of travel at the given progress. It is a disambiguation
// heuristic only; the weighted vote wins on disagreement.
func InfieldSide(path []Point, arc []float64, progress float64) int {
	if len(path) < 2 || len(arc) != len(path) {
		return 0
	}
	total := Perimeter(arc)
	if total <= 0 {
		return 0
	}
	target := progress * total
	i := 0
	for i < len(arc)-2 && arc[i+1] < target {
		i++
	}
	a, b := path[i], path[i+1]
	c := centroid(path)
	tx, ty := b.X-a.X, b.Y-a.Y
	vx, vy := c.X-a.X, c.Y-a.Y
	cross := tx*vy - ty*vx
	switch {
	case cross > 0:
		return SideLeft
	case cross < 0:
		return SideRight
	default:
		return 0
	}
}

// AggregatePitProfile combines per-stop samples into a profile once at least
// minPitSamples stops have been seen: entry/exit as progress medians, the
// side by weighted majority, the limit as the median of observed limits.
func AggregatePitProfile(samples []PitStopSample) (PitLaneProfile, bool) {
	if len(samples) < minPitSamples {
		return PitLaneProfile{}, false
	}
	entries := make([]float64, 0, len(samples))
	exits := make([]float64, 0, len(samples))
	var limits []float64
	var left, right float64
	for _, s := range samples {
		entries = append(entries, s.EntryProgress)
		exits = append(exits, s.ExitProgress)
		if s.LimitKPH > 0 {
			limits = append(limits, s.LimitKPH)
		}
		switch s.Side {
		case SideLeft:
			left += s.SideWeight
		case SideRight:
			right += s.SideWeight
		}
	}
	side := 0
	if left > right {
		side = SideLeft
	} else if right > left {
		side = SideRight
	}
	limit := float64(DefaultPitSpeedLimitKPH)
	if len(limits) > 0 {
		limit = Median(limits)
	}
	return PitLaneProfile{
		EntryProgress:    Median(entries),
		ExitProgress:     Median(exits),
		PitSide:          side,
		SpeedLimitKPH:    limit,
		SamplesCollected: len(samples),
	}, true
}

func nearestSegment(path []Point, p Point) (int, float64) {
	best := math.Inf(1)
	bestIdx := -1
	bestT := 0.0
	for i := 0; i < len(path)-1; i++ {
		d, t := pointSegment(p, path[i], path[i+1])
		if d < best {
			best = d
			bestIdx = i
			bestT = t
		}
	}
	return bestIdx, bestT
}
