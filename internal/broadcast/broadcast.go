// SPDX-License-Identifier: MIT

// Package broadcast fans events out to connected WebSocket clients. The
// Broadcast call is non-blocking: slow subscribers lose messages rather
// than stalling the core, while order per (room, event) is preserved for
// every subscriber that keeps up.
package broadcast

// Rooms used by the core.
const (
	RoomLive = "live"
)

// Event names pushed to clients.
const (
	EventSession      = "session"
	EventDrivers      = "drivers"
	EventTrackmap     = "trackmap"
	EventPositions    = "positions"
	EventDriverStates = "driver_states"
	EventSessionState = "session_state"
	EventRaceControl  = "race_control"
	EventClock        = "clock"
	EventDemoStatus   = "demo_status"
	EventCapability   = "capability"
)

// Broadcaster is the outbound push contract. Implementations must not
// block the caller.
type Broadcaster interface {
	Broadcast(room, event string, payload any)
}
