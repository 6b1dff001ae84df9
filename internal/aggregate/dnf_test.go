// SPDX-License-Identifier: MIT

package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/state"
)

func raceWithDriver(driver int) *state.Session {
	s := state.New(event.SessionPayload{SessionType: state.SessionTypeRace})
	s.ApplyDrivers(event.DriversPayload{Drivers: []event.DriverInfo{{Number: driver, Acronym: "TST"}}})
	return s
}

func TestPitTimeoutAndReversal(t *testing.T) {
	s := raceWithDriver(7)
	s.LeaderLap = 10
	s.ApplyPit(7, event.PitPayload{LapNumber: 10})
	require.Equal(t, 10, s.Pits[7].PitEntryLeaderLap)

	// One leader lap later: still within the grace.
	s.LeaderLap = 11
	CheckPitTimeouts(s)
	_, dnf := s.DNFs[7]
	assert.False(t, dnf)

	s.LeaderLap = 12
	CheckPitTimeouts(s)
	assert.Equal(t, ReasonPitTimeout, s.DNFs[7])
	assert.True(t, s.TimeoutDNFs[7])

	// The car rejoins: speed above the pit-exit threshold reverses it.
	s.ApplyCarData(7, event.CarDataPayload{Speed: f(s.PitExitSpeedKPH() + 10)})
	CheckPitExit(s, 7)
	_, dnf = s.DNFs[7]
	assert.False(t, dnf)
}

func TestPitTimeoutSkipsNonRaceSessions(t *testing.T) {
	s := state.New(event.SessionPayload{SessionType: state.SessionTypePractice})
	s.ApplyDrivers(event.DriversPayload{Drivers: []event.DriverInfo{{Number: 7}}})
	s.LeaderLap = 10
	s.ApplyPit(7, event.PitPayload{LapNumber: 10})
	s.LeaderLap = 20

	CheckPitTimeouts(s)
	assert.Empty(t, s.DNFs)
}

func TestTrackStallNeedsFullLeaderLap(t *testing.T) {
	s := raceWithDriver(20)
	s.ApplyLocation(20, event.LocationPayload{X: 1, Y: 1}, 0)
	s.ApplyCarData(20, event.CarDataPayload{Speed: f(0)})
	s.LeaderLap = 30

	CheckTrackStalls(s)
	_, dnf := s.DNFs[20]
	require.False(t, dnf, "first sighting only arms the stall counter")
	assert.Equal(t, 30, s.TrackStalls[20])

	s.LeaderLap = 31
	CheckTrackStalls(s)
	assert.Equal(t, ReasonTrackStall, s.DNFs[20])

	// Moving again clears it.
	s.ApplyCarData(20, event.CarDataPayload{Speed: f(120)})
	CheckStallRecovery(s, 20)
	_, dnf = s.DNFs[20]
	assert.False(t, dnf)
}

func TestTrackStallSuppressedUnderRedFlag(t *testing.T) {
	s := raceWithDriver(20)
	s.ApplyLocation(20, event.LocationPayload{X: 1, Y: 1}, 0)
	s.ApplyCarData(20, event.CarDataPayload{Speed: f(0)})
	s.ActiveRedFlag = true
	s.LeaderLap = 5

	CheckTrackStalls(s)
	s.LeaderLap = 9
	CheckTrackStalls(s)
	assert.Empty(t, s.DNFs, "everyone is stationary under a red flag")
}

func TestTrackStallIgnoresCarsInPit(t *testing.T) {
	s := raceWithDriver(20)
	s.ApplyLocation(20, event.LocationPayload{X: 1, Y: 1}, 0)
	s.ApplyPit(20, event.PitPayload{LapNumber: 5})
	s.LeaderLap = 5

	CheckTrackStalls(s)
	s.LeaderLap = 7
	CheckTrackStalls(s)
	_, stalled := s.TrackStalls[20]
	assert.False(t, stalled)
}

func TestRaceControlDNFOverridesTimeout(t *testing.T) {
	s := raceWithDriver(23)
	s.MarkTimeoutDNF(23, ReasonTrackStall)

	driver := 23
	applied := ApplyRaceControlDNF(s, state.RaceControlMessage{
		Driver:  &driver,
		Message: "CAR 23 (ALB) RETIRED",
	})
	require.True(t, applied)
	assert.Equal(t, "CAR 23 (ALB) RETIRED", s.DNFs[23])

	// Speed recovery must no longer reverse it.
	s.ApplyCarData(23, event.CarDataPayload{Speed: f(200)})
	CheckStallRecovery(s, 23)
	CheckPitExit(s, 23)
	assert.Equal(t, "CAR 23 (ALB) RETIRED", s.DNFs[23])
}

func TestRaceControlDNFRequiresDriverAndKeyword(t *testing.T) {
	s := raceWithDriver(23)
	assert.False(t, ApplyRaceControlDNF(s, state.RaceControlMessage{Message: "CAR 23 RETIRED"}))

	driver := 23
	assert.False(t, ApplyRaceControlDNF(s, state.RaceControlMessage{
		Driver:  &driver,
		Message: "TRACK LIMITS WARNING CAR 23",
	}))
	assert.Empty(t, s.DNFs)
}
