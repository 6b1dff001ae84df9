// SPDX-License-Identifier: MIT

package state

import (
	"encoding/json"

	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/geom"
)

// Snapshot returns a deep copy of the session, safe to serialize or read
// outside the writer. The writer must not be mutating concurrently.
func (s *Session) Snapshot() *Session {
	if s == nil {
		return nil
	}
	out := *s

	out.Drivers = make(map[int]event.DriverInfo, len(s.Drivers))
	for k, v := range s.Drivers {
		out.Drivers[k] = v
	}
	out.PositionHistory = make(map[int]map[int][]geom.TimedPoint, len(s.PositionHistory))
	for d, byLap := range s.PositionHistory {
		cp := make(map[int][]geom.TimedPoint, len(byLap))
		for lap, pts := range byLap {
			cp[lap] = append([]geom.TimedPoint(nil), pts...)
		}
		out.PositionHistory[d] = cp
	}
	out.CurrentPosition = copyMap(s.CurrentPosition)
	out.CurrentLap = copyMap(s.CurrentLap)
	out.CompletedLaps = make(map[string]*Lap, len(s.CompletedLaps))
	for k, v := range s.CompletedLaps {
		lap := *v
		lap.Segments1 = append([]int(nil), v.Segments1...)
		lap.Segments2 = append([]int(nil), v.Segments2...)
		lap.Segments3 = append([]int(nil), v.Segments3...)
		out.CompletedLaps[k] = &lap
	}
	out.BestLap = copyMap(s.BestLap)
	out.RacePosition = copyMap(s.RacePosition)
	out.IntervalsByCar = copyMap(s.IntervalsByCar)
	out.Stints = make(map[int]*Stint, len(s.Stints))
	for k, v := range s.Stints {
		st := *v
		out.Stints[k] = &st
	}
	out.StintHistory = make(map[int][]Stint, len(s.StintHistory))
	for k, v := range s.StintHistory {
		out.StintHistory[k] = append([]Stint(nil), v...)
	}
	out.Pits = make(map[int]*PitState, len(s.Pits))
	for k, v := range s.Pits {
		pit := *v
		pit.LanePositions = append([]PitSample(nil), v.LanePositions...)
		pit.RecordedLaps = copyMap(v.RecordedLaps)
		if v.EntryPosition != nil {
			entry := *v.EntryPosition
			pit.EntryPosition = &entry
		}
		out.Pits[k] = &pit
	}
	out.CarData = copyMap(s.CarData)

	if s.Weather != nil {
		w := *s.Weather
		out.Weather = &w
	}
	out.WeatherHistory = append([]WeatherSample(nil), s.WeatherHistory...)
	out.RaceControl = append([]RaceControlMessage(nil), s.RaceControl...)
	out.Overtakes = append([]Overtake(nil), s.Overtakes...)
	out.TeamRadio = append([]TeamRadioCapture(nil), s.TeamRadio...)
	out.SessionData = append([]json.RawMessage(nil), s.SessionData...)

	out.BaselinePath = append([]geom.Point(nil), s.BaselinePath...)
	out.BaselineArc = append([]float64(nil), s.BaselineArc...)
	out.MultiviewerPath = append([]geom.Point(nil), s.MultiviewerPath...)
	out.MultiviewerArc = append([]float64(nil), s.MultiviewerArc...)
	out.Corners = append([]geom.Corner(nil), s.Corners...)
	out.SectorCrossings = append([]geom.SectorCrossings(nil), s.SectorCrossings...)
	out.PitSamples = append([]geom.PitStopSample(nil), s.PitSamples...)
	if s.SectorBounds != nil {
		sb := *s.SectorBounds
		out.SectorBounds = &sb
	}
	if s.PitProfile != nil {
		pp := *s.PitProfile
		out.PitProfile = &pp
	}

	out.DNFs = copyMap(s.DNFs)
	out.TimeoutDNFs = copyMap(s.TimeoutDNFs)
	out.TrackStalls = copyMap(s.TrackStalls)

	if s.LatestClock != nil {
		c := *s.LatestClock
		out.LatestClock = &c
	}
	return &out
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
