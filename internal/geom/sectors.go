// SPDX-License-Identifier: MIT

package geom

// SectorBoundaries are the track-progress values of the start/finish line and
// the two sector transitions, each in [0,1).
type SectorBoundaries struct {
	StartFinish float64 `json:"startFinish"`
	Sector12    float64 `json:"sector1_2"`
	Sector23    float64 `json:"sector2_3"`
}

// TimedPoint is a GPS sample with its capture time.
type TimedPoint struct {
	Point
	Millis int64
}

// SectorLap is one driver's fast lap with full sector times and its GPS
// trace, the raw material for boundary estimation.
type SectorLap struct {
	DateStartMillis int64
	Duration        float64 // seconds
	Sector1         float64
	Sector2         float64
	Trace           []TimedPoint
}

// SectorCrossings are the GPS coordinates at which one lap crossed the
// start/finish line and the two sector transitions.
type SectorCrossings struct {
	Start Point `json:"start"`
	S12   Point `json:"s1_2"`
	S23   Point `json:"s2_3"`
}

// CrossingsForLap estimates the crossing coordinates of one lap by sampling
// its trace at the time fractions of the sector times relative to lap
// duration. ok is false when the lap is incomplete or the trace does not
// cover the needed instants.
func CrossingsForLap(lap SectorLap) (SectorCrossings, bool) {
	if lap.Duration <= 0 || lap.Sector1 <= 0 || lap.Sector2 <= 0 || len(lap.Trace) < 2 {
		return SectorCrossings{}, false
	}
	if lap.Sector1+lap.Sector2 >= lap.Duration {
		return SectorCrossings{}, false
	}
	start, ok1 := traceAt(lap.Trace, lap.DateStartMillis)
	s12, ok2 := traceAt(lap.Trace, lap.DateStartMillis+int64(lap.Sector1*1000))
	s23, ok3 := traceAt(lap.Trace, lap.DateStartMillis+int64((lap.Sector1+lap.Sector2)*1000))
	if !ok1 || !ok2 || !ok3 {
		return SectorCrossings{}, false
	}
	return SectorCrossings{Start: start, S12: s12, S23: s23}, true
}

// traceAt linearly interpolates the trace at the given instant.
func traceAt(trace []TimedPoint, millis int64) (Point, bool) {
	if len(trace) == 0 {
		return Point{}, false
	}
	if millis <= trace[0].Millis {
		if trace[0].Millis-millis > 2000 {
			return Point{}, false
		}
		return trace[0].Point, true
	}
	for i := 1; i < len(trace); i++ {
		if trace[i].Millis >= millis {
			prev, next := trace[i-1], trace[i]
			span := next.Millis - prev.Millis
			if span <= 0 {
				return prev.Point, true
			}
			t := float64(millis-prev.Millis) / float64(span)
			return Point{
				X: prev.X + t*(next.X-prev.X),
				Y: prev.Y + t*(next.Y-prev.Y),
			}, true
		}
	}
	last := trace[len(trace)-1]
	if millis-last.Millis > 2000 {
		return Point{}, false
	}
	return last.Point, true
}

// DeriveSectorBoundaries projects per-lap crossings onto the reference path
// and returns the circular mean progress per boundary. ok is false when no
// crossing projects cleanly.
func DeriveSectorBoundaries(path []Point, arc []float64, crossings []SectorCrossings) (SectorBoundaries, bool) {
	var starts, s12s, s23s []float64
	for _, c := range crossings {
		if p, ok := ProgressAt(path, arc, c.Start, 0, false); ok {
			starts = append(starts, p)
		}
		if p, ok := ProgressAt(path, arc, c.S12, 0, false); ok {
			s12s = append(s12s, p)
		}
		if p, ok := ProgressAt(path, arc, c.S23, 0, false); ok {
			s23s = append(s23s, p)
		}
	}
	start, ok1 := CircularMean(starts)
	s12, ok2 := CircularMean(s12s)
	s23, ok3 := CircularMean(s23s)
	if !ok1 || !ok2 || !ok3 {
		return SectorBoundaries{}, false
	}
	return SectorBoundaries{StartFinish: start, Sector12: s12, Sector23: s23}, true
}
