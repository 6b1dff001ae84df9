// SPDX-License-Identifier: MIT

package state

import (
	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/geom"
	"github.com/pitwall-hq/pitwall/internal/log"
)

// weatherHistorySpacingMillis thins the stored weather history.
const weatherHistorySpacingMillis = 5 * 60 * 1000

// ApplyDrivers merges the entrant list.
func (s *Session) ApplyDrivers(p event.DriversPayload) {
	for _, d := range p.Drivers {
		if d.Number == 0 {
			continue
		}
		existing, ok := s.Drivers[d.Number]
		if ok {
			// Progressive updates may omit fields already known.
			if d.Acronym == "" {
				d.Acronym = existing.Acronym
			}
			if d.FullName == "" {
				d.FullName = existing.FullName
			}
			if d.Team == "" {
				d.Team = existing.Team
			}
			if d.TeamColour == "" {
				d.TeamColour = existing.TeamColour
			}
			if d.HeadshotURL == "" {
				d.HeadshotURL = existing.HeadshotURL
			}
		}
		s.Drivers[d.Number] = d
	}
}

// ApplyLocation records a GPS sample: it becomes the driver's current
// position and is appended to the per-lap history. While the driver is in
// the pit lane the sample also feeds the pit-lane profile collector.
func (s *Session) ApplyLocation(driver int, p event.LocationPayload, millis int64) {
	pt := geom.Point{X: p.X, Y: p.Y}
	s.CurrentPosition[driver] = pt

	lap := s.CurrentLap[driver]
	byLap, ok := s.PositionHistory[driver]
	if !ok {
		byLap = make(map[int][]geom.TimedPoint)
		s.PositionHistory[driver] = byLap
	}
	byLap[lap] = append(byLap[lap], geom.TimedPoint{Point: pt, Millis: millis})

	if pit := s.Pits[driver]; pit != nil && pit.InPit {
		pit.LanePositions = append(pit.LanePositions, PitSample{
			Point:    pt,
			SpeedKPH: s.CarData[driver].SpeedKPH,
		})
	}
}

// ApplyLap upserts a lap record and advances the driver's current lap.
// CurrentLap is monotone: a late message for an earlier lap still upserts
// the record but never decreases the counter.
func (s *Session) ApplyLap(driver int, p event.LapPayload) {
	if p.Lap <= 0 {
		return
	}
	if p.Lap > s.CurrentLap[driver] {
		s.CurrentLap[driver] = p.Lap
	}
	if s.CurrentLap[driver] > s.LeaderLap {
		s.LeaderLap = s.CurrentLap[driver]
	}

	key := LapKey(driver, p.Lap)
	rec := s.CompletedLaps[key]
	if rec == nil {
		rec = &Lap{Driver: driver, Lap: p.Lap}
		s.CompletedLaps[key] = rec
	}
	mergeLap(rec, p)

	if rec.Duration != nil && *rec.Duration > 0 {
		d := *rec.Duration
		if best, ok := s.BestLap[driver]; !ok || d < best {
			s.BestLap[driver] = d
		}
		if s.SessionBestLap == 0 || d < s.SessionBestLap {
			s.SessionBestLap = d
		}
	}
}

// mergeLap folds a progressive update into an existing record. Present
// fields overwrite; absent fields keep what an earlier message delivered.
func mergeLap(rec *Lap, p event.LapPayload) {
	if p.Duration != nil {
		rec.Duration = p.Duration
	}
	if p.Sector1 != nil {
		rec.Sector1 = p.Sector1
	}
	if p.Sector2 != nil {
		rec.Sector2 = p.Sector2
	}
	if p.Sector3 != nil {
		rec.Sector3 = p.Sector3
	}
	if len(p.Segments1) > 0 {
		rec.Segments1 = p.Segments1
	}
	if len(p.Segments2) > 0 {
		rec.Segments2 = p.Segments2
	}
	if len(p.Segments3) > 0 {
		rec.Segments3 = p.Segments3
	}
	if p.I1Speed != nil {
		rec.I1Speed = p.I1Speed
	}
	if p.I2Speed != nil {
		rec.I2Speed = p.I2Speed
	}
	if p.STSpeed != nil {
		rec.STSpeed = p.STSpeed
	}
	if p.IsPitOutLap {
		rec.IsPitOutLap = true
	}
	if p.DateStart != 0 {
		rec.DateStart = p.DateStart
	}
}

// ApplyCarData stores the latest telemetry sample. Crossing the pit-exit
// speed threshold while flagged in-pit closes the pit visit and yields a
// pit-lane profile sample.
func (s *Session) ApplyCarData(driver int, p event.CarDataPayload) {
	cur := s.CarData[driver]
	if p.Speed != nil {
		cur.SpeedKPH = *p.Speed
	}
	if p.DRS != nil {
		cur.DRS = *p.DRS
	}
	if p.Gear != nil {
		cur.Gear = *p.Gear
	}
	s.CarData[driver] = cur

	if pit := s.Pits[driver]; pit != nil && pit.InPit && cur.SpeedKPH > s.PitExitSpeedKPH() {
		s.closePitVisit(driver, pit)
	}
}

// closePitVisit finalises an in-pit phase: the accumulated pit-lane
// positions are reduced to a profile sample and the pit flags reset.
func (s *Session) closePitVisit(driver int, pit *PitState) {
	pit.InPit = false
	pit.PitEntryLeaderLap = -1

	if len(s.BaselinePath) >= 2 && len(pit.LanePositions) > 0 {
		if sample, ok := s.pitProfileSample(pit); ok {
			s.PitSamples = append(s.PitSamples, sample)
			if profile, ok := geom.AggregatePitProfile(s.PitSamples); ok {
				// The centroid heuristic is a cross-check only; the
				// distance-weighted vote wins on disagreement.
				infield := geom.InfieldSide(s.BaselinePath, s.BaselineArc, profile.EntryProgress)
				if infield != 0 && profile.PitSide != 0 && infield != profile.PitSide {
					logger := log.WithComponent("state")
					logger.Warn().
						Str(log.FieldTrack, s.TrackName).
						Int("voted_side", profile.PitSide).
						Int("infield_side", infield).
						Msg("pit side vote disagrees with infield heuristic")
				}
				s.PitProfile = &profile
			}
		}
	}
	pit.LanePositions = nil
	pit.EntryPosition = nil
}

// pitProfileSample derives one profile sample from a completed stop: the
// tight entry/exit are the first and last pit-lane positions travelling
// between 10 km/h and the limit plus margin.
func (s *Session) pitProfileSample(pit *PitState) (geom.PitStopSample, bool) {
	ceiling := s.PitExitSpeedKPH()
	var lanePts []geom.Point
	var first, last *PitSample
	for i := range pit.LanePositions {
		sp := pit.LanePositions[i]
		lanePts = append(lanePts, sp.Point)
		if sp.SpeedKPH > 10 && sp.SpeedKPH <= ceiling {
			if first == nil {
				first = &pit.LanePositions[i]
			}
			last = &pit.LanePositions[i]
		}
	}
	if first == nil || last == nil {
		return geom.PitStopSample{}, false
	}
	entry, ok1 := geom.ProgressAt(s.BaselinePath, s.BaselineArc, first.Point, 0, false)
	exit, ok2 := geom.ProgressAt(s.BaselinePath, s.BaselineArc, last.Point, 0, false)
	if !ok1 || !ok2 {
		return geom.PitStopSample{}, false
	}
	var limit float64
	for _, sp := range pit.LanePositions {
		if sp.SpeedKPH > 10 && sp.SpeedKPH <= ceiling && sp.SpeedKPH > limit {
			limit = sp.SpeedKPH
		}
	}
	sample := geom.PitStopSample{EntryProgress: entry, ExitProgress: exit, LimitKPH: limit}
	if side, weight, ok := geom.PitSideVote(s.BaselinePath, s.BaselineArc, lanePts); ok {
		sample.Side = side
		sample.SideWeight = weight
	}
	return sample, true
}

// ApplyInterval stores the latest gaps.
func (s *Session) ApplyInterval(driver int, p event.IntervalPayload) {
	s.IntervalsByCar[driver] = Intervals{
		GapToLeader:     p.GapToLeader,
		IntervalToAhead: p.IntervalToAhead,
	}
}

// ApplyPit opens a pit visit for the driver. The fallback poller re-delivers
// the session's whole pit list and the broker may redeliver too, so a record
// already seen for its lap only refreshes the duration; it never inflates the
// stop count or re-arms the in-pit flag.
func (s *Session) ApplyPit(driver int, p event.PitPayload) {
	pit := s.Pits[driver]
	if pit == nil {
		pit = &PitState{PitEntryLeaderLap: -1, RecordedLaps: make(map[int]bool)}
		s.Pits[driver] = pit
	}
	if pit.RecordedLaps == nil {
		pit.RecordedLaps = make(map[int]bool)
	}
	redelivery := (p.LapNumber > 0 && pit.RecordedLaps[p.LapNumber]) ||
		(p.LapNumber == 0 && pit.InPit)
	if redelivery {
		if p.PitDuration != nil {
			pit.LastDuration = *p.PitDuration
		}
		return
	}
	if p.LapNumber > 0 {
		pit.RecordedLaps[p.LapNumber] = true
	}
	pit.Count++
	if p.PitDuration != nil {
		pit.LastDuration = *p.PitDuration
	}
	if !pit.InPit {
		pit.InPit = true
		pit.PitEntryLeaderLap = s.LeaderLap
		pit.LanePositions = nil
		if pos, ok := s.CurrentPosition[driver]; ok {
			entry := pos
			pit.EntryPosition = &entry
		}
	}
}

// ApplyStint installs the driver's current stint, closing out the previous
// one into history when the stint number advances.
func (s *Session) ApplyStint(driver int, p event.StintPayload, source event.Source) {
	cur := s.Stints[driver]
	if cur != nil && cur.StintNumber == p.StintNumber {
		// Progressive update of the same stint.
		if p.Compound != "" {
			cur.Compound = p.Compound
		}
		if p.LapStart > 0 {
			cur.LapStart = p.LapStart
		}
		if p.TyreAgeAtStart > 0 {
			cur.TyreAgeAtStart = p.TyreAgeAtStart
		}
		if p.TotalLaps != nil {
			cur.TotalLaps = p.TotalLaps
		}
		cur.Source = string(source)
		return
	}
	if cur != nil && p.StintNumber > cur.StintNumber {
		s.StintHistory[driver] = append(s.StintHistory[driver], *cur)
	}
	if cur != nil && p.StintNumber < cur.StintNumber {
		return // stale message for an already closed stint
	}
	s.Stints[driver] = &Stint{
		Compound:       p.Compound,
		StintNumber:    p.StintNumber,
		LapStart:       p.LapStart,
		TyreAgeAtStart: p.TyreAgeAtStart,
		TotalLaps:      p.TotalLaps,
		Source:         string(source),
	}
}

// ApplyPosition stores the race order for the driver.
func (s *Session) ApplyPosition(driver int, p event.PositionPayload) {
	if p.Position > 0 {
		s.RacePosition[driver] = p.Position
	}
}

// ApplyWeather merges a weather sample and appends to the history at
// weatherHistorySpacingMillis granularity.
func (s *Session) ApplyWeather(p event.WeatherPayload, millis int64) {
	w := Weather{}
	if s.Weather != nil {
		w = *s.Weather
	}
	if p.AirTemp != nil {
		w.AirTemp = *p.AirTemp
	}
	if p.TrackTemp != nil {
		w.TrackTemp = *p.TrackTemp
	}
	if p.Humidity != nil {
		w.Humidity = *p.Humidity
	}
	if p.Rainfall != nil {
		w.Rainfall = *p.Rainfall
	}
	if p.WindSpeed != nil {
		w.WindSpeed = *p.WindSpeed
	}
	if p.WindDir != nil {
		w.WindDir = *p.WindDir
	}
	if p.Pressure != nil {
		w.Pressure = *p.Pressure
	}
	s.Weather = &w

	if s.lastWeatherSaved == 0 || millis-s.lastWeatherSaved >= weatherHistorySpacingMillis {
		s.WeatherHistory = append(s.WeatherHistory, WeatherSample{Weather: w, Millis: millis})
		s.lastWeatherSaved = millis
	}
}

// ApplyRaceControl appends a race-control message and updates track status
// flags. A "retired" or "stopped" message names a permanent DNF, which also
// upgrades any timeout-based DNF for the same driver. Re-delivered messages
// (the fallback poller re-fetches the full message list) are dropped; the
// second return value is false for them so the caller does not re-broadcast.
func (s *Session) ApplyRaceControl(p event.RaceControlPayload, millis int64) (RaceControlMessage, bool) {
	msg := RaceControlMessage{
		Category: p.Category,
		Flag:     p.Flag,
		Scope:    p.Scope,
		Message:  p.Message,
		Lap:      p.Lap,
		Driver:   p.Driver,
		Millis:   millis,
	}
	if s.dupRaceControl(p.Message, millis) {
		return msg, false
	}
	s.RaceControl = append(s.RaceControl, msg)

	switch p.Flag {
	case "RED":
		s.ActiveRedFlag = true
	case "GREEN", "CLEAR", "CHEQUERED":
		s.ActiveRedFlag = false
		s.ActiveSafetyCar = false
	}
	switch p.Category {
	case "SafetyCar":
		s.ActiveSafetyCar = true
	}
	return msg, true
}

// dupRaceControl reports whether the message is a re-delivery. The log is
// append-only in timestamp order, so anything before the tail timestamp has
// been seen; at the tail timestamp the message text disambiguates batch
// siblings sharing one date.
func (s *Session) dupRaceControl(message string, millis int64) bool {
	n := len(s.RaceControl)
	if n == 0 {
		return false
	}
	tail := s.RaceControl[n-1].Millis
	if millis > tail {
		return false
	}
	if millis < tail {
		return true
	}
	for i := n - 1; i >= 0 && s.RaceControl[i].Millis == millis; i-- {
		if s.RaceControl[i].Message == message {
			return true
		}
	}
	return false
}

// MarkRaceControlDNF records a permanent retirement. Race-control DNFs are
// never reversed; a prior timeout DNF loses its reversible status.
func (s *Session) MarkRaceControlDNF(driver int, reason string) {
	s.DNFs[driver] = reason
	delete(s.TimeoutDNFs, driver)
	delete(s.TrackStalls, driver)
}

// MarkTimeoutDNF records a reversible retirement assumption.
func (s *Session) MarkTimeoutDNF(driver int, reason string) {
	if _, permanent := s.DNFs[driver]; permanent && !s.TimeoutDNFs[driver] {
		return
	}
	s.DNFs[driver] = reason
	s.TimeoutDNFs[driver] = true
}

// ClearTimeoutDNF reverses a timeout-based retirement if, and only if, it
// was never upgraded to a race-control DNF.
func (s *Session) ClearTimeoutDNF(driver int) {
	if !s.TimeoutDNFs[driver] {
		return
	}
	delete(s.DNFs, driver)
	delete(s.TimeoutDNFs, driver)
	delete(s.TrackStalls, driver)
}

// ApplyOvertake appends an overtake record, dropping re-deliveries the same
// way the race-control log does.
func (s *Session) ApplyOvertake(p event.OvertakePayload, millis int64) {
	if n := len(s.Overtakes); n > 0 {
		tail := s.Overtakes[n-1].Millis
		if millis < tail {
			return
		}
		if millis == tail {
			for i := n - 1; i >= 0 && s.Overtakes[i].Millis == millis; i-- {
				o := s.Overtakes[i]
				if o.OvertakingDriver == p.OvertakingDriver && o.OvertakenDriver == p.OvertakenDriver {
					return
				}
			}
		}
	}
	s.Overtakes = append(s.Overtakes, Overtake{
		OvertakingDriver: p.OvertakingDriver,
		OvertakenDriver:  p.OvertakenDriver,
		Position:         p.Position,
		Millis:           millis,
	})
}

// ApplyClock stores an upstream clock reading and its arrival time.
func (s *Session) ApplyClock(p event.ClockPayload, wallMillis int64) {
	clock := p
	s.LatestClock = &clock
	s.LastClockMillis = wallMillis
}

// ApplyLapCount stores the leader lap counter and the planned total.
func (s *Session) ApplyLapCount(p event.LapCountPayload) {
	if p.CurrentLap > s.LeaderLap {
		s.LeaderLap = p.CurrentLap
	}
	if p.TotalLaps > 0 {
		s.TotalLaps = p.TotalLaps
	}
}

// ApplyTeamRadio appends a team-radio capture.
func (s *Session) ApplyTeamRadio(driver int, p event.TeamRadioPayload, millis int64) {
	s.TeamRadio = append(s.TeamRadio, TeamRadioCapture{Driver: driver, URL: p.URL, Millis: millis})
}

// ApplySessionData stores an opaque session-data blob.
func (s *Session) ApplySessionData(p event.SessionDataPayload) {
	s.SessionData = append(s.SessionData, p.Raw)
}
