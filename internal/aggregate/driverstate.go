// SPDX-License-Identifier: MIT

// Package aggregate computes per-driver live state from the session model
// and runs retirement inference. It holds only presentation-side memory
// (previous progress, lap-transition instants); the session remains the
// single source of truth.
package aggregate

import (
	"math"
	"sort"

	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/geom"
	"github.com/pitwall-hq/pitwall/internal/state"
)

// lapSettleMillis is the window after a lap-counter transition during which
// GPS-derived lap progress is not trusted.
const lapSettleMillis = 1500

// highLapProgress marks "almost a full lap" progress readings seen right
// after a counter transition, i.e. GPS still on the previous lap.
const highLapProgress = 0.9

// DriverLiveState is one entry of the driver_states fan-out.
type DriverLiveState struct {
	DriverNumber int             `json:"driverNumber"`
	Position     int             `json:"position,omitempty"`
	Lap          int             `json:"lap"`
	X            float64         `json:"x"`
	Y            float64         `json:"y"`
	LastDuration *float64        `json:"lastLapDuration,omitempty"`
	Sector1      *float64        `json:"sector1,omitempty"`
	Sector2      *float64        `json:"sector2,omitempty"`
	Sector3      *float64        `json:"sector3,omitempty"`
	I1Speed      *float64        `json:"i1Speed,omitempty"`
	I2Speed      *float64        `json:"i2Speed,omitempty"`
	STSpeed      *float64        `json:"stSpeed,omitempty"`
	Segments1    []int           `json:"segments1,omitempty"`
	Segments2    []int           `json:"segments2,omitempty"`
	Segments3    []int           `json:"segments3,omitempty"`
	Compound     string          `json:"compound,omitempty"`
	TyreAge      int             `json:"tyreAge"`
	InPit        bool            `json:"inPit"`
	PitCount     int             `json:"pitCount"`
	SpeedKPH     float64         `json:"speed"`
	DRS          int             `json:"drs"`
	Gear         int             `json:"gear"`
	GapToLeader  event.GapValue  `json:"gapToLeader"`
	Interval     event.GapValue  `json:"intervalToAhead"`
	Retired      bool            `json:"retired"`
}

// Aggregator computes DriverLiveState arrays on the driver-state cadence.
type Aggregator struct {
	ReplayMode bool

	prevProgress map[int]float64
	hasProgress  map[int]bool
	prevLap      map[int]int
	lapChangedAt map[int]int64
}

// New returns an aggregator. ReplayMode switches segment arrays from
// pass-through to progress-based truncation.
func New(replayMode bool) *Aggregator {
	return &Aggregator{
		ReplayMode:   replayMode,
		prevProgress: make(map[int]float64),
		hasProgress:  make(map[int]bool),
		prevLap:      make(map[int]int),
		lapChangedAt: make(map[int]int64),
	}
}

// DriverStates computes one DriverLiveState per known driver, ordered by
// race position (unknown positions last, by driver number).
func (a *Aggregator) DriverStates(s *state.Session, nowMillis int64) []DriverLiveState {
	out := make([]DriverLiveState, 0, len(s.Drivers))
	for num := range s.Drivers {
		out = append(out, a.driverState(s, num, nowMillis))
	}
	sortStates(out)
	return out
}

func (a *Aggregator) driverState(s *state.Session, driver int, nowMillis int64) DriverLiveState {
	lap := s.CurrentLap[driver]
	if prev, ok := a.prevLap[driver]; !ok || lap != prev {
		a.prevLap[driver] = lap
		a.lapChangedAt[driver] = nowMillis
	}

	st := DriverLiveState{
		DriverNumber: driver,
		Position:     s.RacePosition[driver],
		Lap:          lap,
	}
	if pos, ok := s.CurrentPosition[driver]; ok {
		st.X, st.Y = pos.X, pos.Y
	}

	if last := latestCompletedLap(s, driver); last != nil {
		st.LastDuration = last.Duration
		st.Sector1 = last.Sector1
		st.Sector2 = last.Sector2
		st.Sector3 = last.Sector3
		st.I1Speed = last.I1Speed
		st.I2Speed = last.I2Speed
		st.STSpeed = last.STSpeed
	}
	if cur := s.CompletedLaps[state.LapKey(driver, lap)]; cur != nil {
		st.Segments1 = append([]int(nil), cur.Segments1...)
		st.Segments2 = append([]int(nil), cur.Segments2...)
		st.Segments3 = append([]int(nil), cur.Segments3...)
	}
	if a.ReplayMode {
		a.truncateSegments(s, driver, &st, nowMillis)
	}

	if stint := s.Stints[driver]; stint != nil {
		st.Compound = stint.Compound
		st.TyreAge = TyreAge(stint, lap)
	}
	if pit := s.Pits[driver]; pit != nil {
		st.InPit = pit.InPit
		st.PitCount = pit.Count
	}
	tel := s.CarData[driver]
	st.SpeedKPH = tel.SpeedKPH
	st.DRS = tel.DRS
	st.Gear = tel.Gear
	iv := s.IntervalsByCar[driver]
	st.GapToLeader = iv.GapToLeader
	st.Interval = iv.IntervalToAhead
	_, st.Retired = s.DNFs[driver]
	return st
}

// TyreAge prefers the upstream total-laps figure when present and otherwise
// derives the age from the stint's starting lap and starting age.
func TyreAge(stint *state.Stint, currentLap int) int {
	if stint == nil {
		return 0
	}
	if stint.TotalLaps != nil {
		return *stint.TotalLaps
	}
	run := currentLap - stint.LapStart
	if run < 0 {
		run = 0
	}
	return run + stint.TyreAgeAtStart
}

// truncateSegments zeroes segment entries the car has not reached yet. Live
// feeds deliver segments progressively, but replay applies whole lap records
// at once, so the display state must be reconstructed from track progress.
func (a *Aggregator) truncateSegments(s *state.Session, driver int, st *DriverLiveState, nowMillis int64) {
	if s.SectorBounds == nil || len(s.BaselinePath) < 2 {
		return
	}
	pos, ok := s.CurrentPosition[driver]
	if !ok {
		return
	}
	hint, hasHint := a.prevProgress[driver], a.hasProgress[driver]
	progress, ok := geom.ProgressAt(s.BaselinePath, s.BaselineArc, pos, hint, hasHint)
	if !ok {
		return
	}
	a.prevProgress[driver] = progress
	a.hasProgress[driver] = true

	lapProgress := geom.ForwardDistance(s.SectorBounds.StartFinish, progress)

	// Right after a lap-counter transition GPS may still read near the end
	// of the previous lap; showing lit segments there would be wrong both
	// ways, so clear everything until it settles.
	if nowMillis-a.lapChangedAt[driver] < lapSettleMillis && lapProgress > highLapProgress {
		zero(st.Segments1)
		zero(st.Segments2)
		zero(st.Segments3)
		return
	}

	b := s.SectorBounds
	s1End := geom.ForwardDistance(b.StartFinish, b.Sector12)
	s2End := geom.ForwardDistance(b.StartFinish, b.Sector23)

	TruncateLapSegments(st.Segments1, st.Segments2, st.Segments3, lapProgress, s1End, s2End)
}

// TruncateLapSegments lights segments up to the car's lap-relative progress:
// completed sectors keep their values, the current sector keeps the first
// ceil(fractionInSector×len) entries, sectors not yet reached are zeroed.
func TruncateLapSegments(s1, s2, s3 []int, lapProgress, s1End, s2End float64) {
	switch {
	case lapProgress < s1End:
		frac := 0.0
		if s1End > 0 {
			frac = lapProgress / s1End
		}
		truncate(s1, frac)
		zero(s2)
		zero(s3)
	case lapProgress < s2End:
		frac := 0.0
		if s2End > s1End {
			frac = (lapProgress - s1End) / (s2End - s1End)
		}
		truncate(s2, frac)
		zero(s3)
	default:
		frac := 0.0
		if s2End < 1 {
			frac = (lapProgress - s2End) / (1 - s2End)
		}
		truncate(s3, frac)
	}
}

func truncate(segs []int, frac float64) {
	if len(segs) == 0 {
		return
	}
	lit := int(math.Ceil(frac * float64(len(segs))))
	for i := lit; i < len(segs); i++ {
		segs[i] = 0
	}
}

func zero(segs []int) {
	for i := range segs {
		segs[i] = 0
	}
}

// latestCompletedLap returns the newest lap of the driver that carries a
// duration.
func latestCompletedLap(s *state.Session, driver int) *state.Lap {
	var best *state.Lap
	for _, l := range s.CompletedLaps {
		if l.Driver != driver || l.Duration == nil {
			continue
		}
		if best == nil || l.Lap > best.Lap {
			best = l
		}
	}
	return best
}

func sortStates(states []DriverLiveState) {
	// position 0 (unknown) sorts after all known positions
	rank := func(st DriverLiveState) int {
		if st.Position == 0 {
			return 1 << 20
		}
		return st.Position
	}
	sort.Slice(states, func(i, j int) bool {
		if rank(states[i]) != rank(states[j]) {
			return rank(states[i]) < rank(states[j])
		}
		return states[i].DriverNumber < states[j].DriverNumber
	})
}
