// SPDX-License-Identifier: MIT

package state

import "github.com/pitwall-hq/pitwall/internal/geom"

// fastLapFactor accepts laps up to 107% of the session best.
const fastLapFactor = 1.07

// minTraceSamples is the smallest GPS trace considered usable for geometry.
const minTraceSamples = 10

// IsFastLap reports whether a completed lap qualifies as geometry input:
// within 107% of the session best, not a pit-out lap, and with enough GPS
// samples recorded during the lap. The 107% bound is inclusive.
func (s *Session) IsFastLap(l *Lap) bool {
	if l == nil || l.Duration == nil || *l.Duration <= 0 {
		return false
	}
	if l.IsPitOutLap {
		return false
	}
	if s.SessionBestLap <= 0 || *l.Duration > s.SessionBestLap*fastLapFactor {
		return false
	}
	return len(s.TraceForLap(l.Driver, l.Lap)) >= minTraceSamples
}

// TraceForLap returns the recorded GPS samples of one driver's lap.
func (s *Session) TraceForLap(driver, lap int) []geom.TimedPoint {
	byLap, ok := s.PositionHistory[driver]
	if !ok {
		return nil
	}
	return byLap[lap]
}

// FastLapTraces collects the GPS traces of all validated fast laps, the
// input set for centerline building.
func (s *Session) FastLapTraces() [][]geom.Point {
	var traces [][]geom.Point
	for _, l := range s.CompletedLaps {
		if !s.IsFastLap(l) {
			continue
		}
		timed := s.TraceForLap(l.Driver, l.Lap)
		pts := make([]geom.Point, len(timed))
		for i, tp := range timed {
			pts[i] = tp.Point
		}
		traces = append(traces, pts)
	}
	return traces
}

// SectorLaps returns, per driver, the fastest completed lap that carries all
// three sector times and a usable GPS trace. These are the inputs for sector
// boundary estimation.
func (s *Session) SectorLaps() []geom.SectorLap {
	bestByDriver := make(map[int]*Lap)
	for _, l := range s.CompletedLaps {
		if l.Duration == nil || l.Sector1 == nil || l.Sector2 == nil || l.Sector3 == nil {
			continue
		}
		if l.IsPitOutLap || l.DateStart == 0 {
			continue
		}
		if len(s.TraceForLap(l.Driver, l.Lap)) < minTraceSamples {
			continue
		}
		if cur, ok := bestByDriver[l.Driver]; !ok || *l.Duration < *cur.Duration {
			bestByDriver[l.Driver] = l
		}
	}
	laps := make([]geom.SectorLap, 0, len(bestByDriver))
	for _, l := range bestByDriver {
		laps = append(laps, geom.SectorLap{
			DateStartMillis: l.DateStart,
			Duration:        *l.Duration,
			Sector1:         *l.Sector1,
			Sector2:         *l.Sector2,
			Trace:           s.TraceForLap(l.Driver, l.Lap),
		})
	}
	return laps
}

// SectorAvailability describes how far sector derivation has progressed,
// used by the capability report.
type SectorAvailability struct {
	TotalLaps       int
	LapsWithSectors int
	DriversWithGPS  int
}

// SectorProgress summarises the sector-derivation inputs currently on hand.
func (s *Session) SectorProgress() SectorAvailability {
	var avail SectorAvailability
	avail.TotalLaps = len(s.CompletedLaps)
	drivers := make(map[int]bool)
	for _, l := range s.CompletedLaps {
		if l.Sector1 != nil && l.Sector2 != nil && l.Sector3 != nil {
			avail.LapsWithSectors++
		}
		if len(s.TraceForLap(l.Driver, l.Lap)) >= minTraceSamples {
			drivers[l.Driver] = true
		}
	}
	avail.DriversWithGPS = len(drivers)
	return avail
}
