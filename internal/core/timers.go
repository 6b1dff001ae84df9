// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"sort"
	"time"

	"github.com/pitwall-hq/pitwall/internal/broadcast"
	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/geom"
	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/metrics"
	"github.com/pitwall-hq/pitwall/internal/state"
)

// CarPosition is one entry of the positions fan-out.
type CarPosition struct {
	DriverNumber int     `json:"driverNumber"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
}

// sessionStateBody is the session_state fan-out payload.
type sessionStateBody struct {
	Weather     *state.Weather             `json:"weather,omitempty"`
	RaceControl []state.RaceControlMessage `json:"raceControlMessages"`
	Overtakes   []state.Overtake           `json:"overtakes"`
}

// clockFrame is the clock fan-out payload.
type clockFrame struct {
	RemainingMillis int64   `json:"remainingMs"`
	Running         bool    `json:"running"`
	ServerTS        int64   `json:"serverTs"`
	Speed           float64 `json:"speed"`
}

// positionsTick emits the current GPS of every located car. When a
// high-fidelity display path is available the raw GPS is projected onto it
// through track progress, with the previous progress as search hint.
func (c *Core) positionsTick() {
	s := c.session
	if s == nil {
		return
	}
	display := len(s.MultiviewerPath) >= 2 && len(s.BaselinePath) >= 2

	out := make([]CarPosition, 0, len(s.CurrentPosition))
	for _, driver := range sortedDrivers(s.CurrentPosition) {
		pos := s.CurrentPosition[driver]
		p := pos
		if display {
			prog, ok := geom.ProgressAt(s.BaselinePath, s.BaselineArc, pos,
				c.prevProgress[driver], c.hasProgress[driver])
			if ok {
				c.prevProgress[driver] = prog
				c.hasProgress[driver] = true
				p = geom.PointAt(s.MultiviewerPath, s.MultiviewerArc, prog)
			}
		}
		out = append(out, CarPosition{DriverNumber: driver, X: p.X, Y: p.Y})
	}
	if len(out) == 0 {
		return
	}
	c.bc.Broadcast(broadcast.RoomLive, broadcast.EventPositions, out)
}

// driverStatesTick emits the aggregated per-driver states and the slow
// session-wide state.
func (c *Core) driverStatesTick() {
	s := c.session
	if s == nil || c.agg == nil {
		return
	}
	states := c.agg.DriverStates(s, c.clock.Now().UnixMilli())
	c.bc.Broadcast(broadcast.RoomLive, broadcast.EventDriverStates, states)
	c.bc.Broadcast(broadcast.RoomLive, broadcast.EventSessionState, sessionStateBody{
		Weather:     s.Weather,
		RaceControl: s.RaceControl,
		Overtakes:   s.Overtakes,
	})
}

// fallbackClockTick synthesizes clock frames while the upstream clock is
// silent, and enforces the session window.
func (c *Core) fallbackClockTick() {
	s := c.session
	if s == nil {
		return
	}
	now := c.clock.Now()
	if !s.DateEnd.IsZero() && now.After(s.DateEnd) {
		c.endSession("session window passed")
		return
	}
	if s.LastClockMillis > 0 && now.UnixMilli()-s.LastClockMillis <= clockSilence.Milliseconds() {
		return
	}
	remaining := s.DateEnd.UnixMilli() - now.UnixMilli()
	if remaining < 0 {
		remaining = 0
	}
	c.emitClock(remaining, !s.ActiveRedFlag)
}

func (c *Core) emitClock(remaining int64, running bool) {
	c.bc.Broadcast(broadcast.RoomLive, broadcast.EventClock, clockFrame{
		RemainingMillis: remaining,
		Running:         running,
		ServerTS:        c.clock.Now().UnixMilli(),
		Speed:           1,
	})
}

func (c *Core) emitDrivers(s *state.Session) {
	out := make([]event.DriverInfo, 0, len(s.Drivers))
	for _, num := range sortedDrivers(s.Drivers) {
		out = append(out, s.Drivers[num])
	}
	c.bc.Broadcast(broadcast.RoomLive, broadcast.EventDrivers, out)
}

// progressiveSaveTick persists a snapshot off the writer. A failed write
// only logs; the next tick retries with fresher state anyway.
func (c *Core) progressiveSaveTick() {
	s := c.session
	if s == nil {
		return
	}
	snap := s.Snapshot()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := c.store.SaveSession(ctx, snap)
		metrics.IncPersist("session", err)
		if err != nil {
			c.logger.Error().Err(err).Int64(log.FieldSessionKey, snap.SessionKey).
				Msg("progressive save failed")
		}
	}()
}

// sortedDrivers returns map keys in ascending driver-number order so the
// fan-out payloads are deterministic.
func sortedDrivers[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
