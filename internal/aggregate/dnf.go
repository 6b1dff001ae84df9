// SPDX-License-Identifier: MIT

package aggregate

import (
	"strings"

	"github.com/pitwall-hq/pitwall/internal/state"
)

const (
	// PitTimeoutLaps is how many leader laps a car may sit in the pit lane
	// before it is assumed retired.
	PitTimeoutLaps = 2

	// stallSpeedKPH is the ceiling below which a car on track counts as
	// stationary.
	stallSpeedKPH = 5.0

	// stallLeaderLaps is how many leader laps a stationary car is given
	// before it is assumed retired.
	stallLeaderLaps = 1
)

// Retirement reasons surfaced to clients.
const (
	ReasonPitTimeout = "assumed retired (stationary in pit lane)"
	ReasonTrackStall = "assumed retired (stopped on track)"
)

// CheckPitTimeouts runs on every lap-completion event: a car still in the
// pit lane two leader laps after it entered is assumed retired. The DNF is
// reversible; CheckPitExit clears it when the car moves again.
func CheckPitTimeouts(s *state.Session) {
	if !s.IsRace() {
		return
	}
	for driver, pit := range s.Pits {
		if !pit.InPit || pit.PitEntryLeaderLap < 0 {
			continue
		}
		if _, already := s.DNFs[driver]; already {
			continue
		}
		if s.LeaderLap-pit.PitEntryLeaderLap >= PitTimeoutLaps {
			s.MarkTimeoutDNF(driver, ReasonPitTimeout)
		}
	}
}

// CheckPitExit reverses a timeout DNF when the driver's speed rises above
// the pit-exit threshold. Race-control DNFs are permanent and unaffected.
func CheckPitExit(s *state.Session, driver int) {
	if !s.TimeoutDNFs[driver] {
		return
	}
	if s.CarData[driver].SpeedKPH > s.PitExitSpeedKPH() {
		s.ClearTimeoutDNF(driver)
	}
}

// CheckTrackStalls runs on lap-completion events: a car on track at walking
// pace for a full leader lap, outside the pit lane and outside a red flag,
// is assumed retired. Movement reverses the assumption via CheckStallRecovery.
func CheckTrackStalls(s *state.Session) {
	if !s.IsRace() || s.ActiveRedFlag {
		return
	}
	for driver := range s.Drivers {
		if pit := s.Pits[driver]; pit != nil && pit.InPit {
			continue
		}
		if _, permanent := s.DNFs[driver]; permanent && !s.TimeoutDNFs[driver] {
			continue
		}
		if s.CarData[driver].SpeedKPH > stallSpeedKPH {
			delete(s.TrackStalls, driver)
			continue
		}
		if _, hasPos := s.CurrentPosition[driver]; !hasPos {
			continue
		}
		stallLap, stalled := s.TrackStalls[driver]
		if !stalled {
			s.TrackStalls[driver] = s.LeaderLap
			continue
		}
		if s.LeaderLap-stallLap >= stallLeaderLaps {
			s.MarkTimeoutDNF(driver, ReasonTrackStall)
		}
	}
}

// CheckStallRecovery clears a stall-based DNF once the driver moves again.
func CheckStallRecovery(s *state.Session, driver int) {
	if !s.TimeoutDNFs[driver] {
		if _, tracked := s.TrackStalls[driver]; tracked && s.CarData[driver].SpeedKPH > stallSpeedKPH {
			delete(s.TrackStalls, driver)
		}
		return
	}
	if s.DNFs[driver] != ReasonTrackStall {
		return
	}
	if s.CarData[driver].SpeedKPH > stallSpeedKPH {
		s.ClearTimeoutDNF(driver)
	}
}

// ApplyRaceControlDNF inspects a race-control message for a permanent
// retirement. It returns true when the message named one.
func ApplyRaceControlDNF(s *state.Session, msg state.RaceControlMessage) bool {
	if msg.Driver == nil {
		return false
	}
	upper := strings.ToUpper(msg.Message)
	if !strings.Contains(upper, "RETIRED") && !strings.Contains(upper, "STOPPED") {
		return false
	}
	s.MarkRaceControlDNF(*msg.Driver, msg.Message)
	return true
}
