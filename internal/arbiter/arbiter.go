// SPDX-License-Identifier: MIT

// Package arbiter suppresses overlapping upstream sources based on
// freshness: when SignalR has delivered a topic recently, the slower
// MQTT-side equivalent is dropped.
package arbiter

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/normalize"
)

// FreshnessWindow is how long a SignalR topic counts as live.
const FreshnessWindow = 15 * time.Second

// suppressed maps the event types arbitration applies to onto the SignalR
// topic that owns them. All other MQTT topics are MQTT-exclusive and always
// pass.
var suppressed = map[event.Type]string{
	event.TypeStint:       normalize.SRTimingAppData,
	event.TypeInterval:    normalize.SRTimingData,
	event.TypeWeather:     normalize.SRWeatherData,
	event.TypeRaceControl: normalize.SRRaceControlMessages,
}

// Arbiter tracks SignalR topic freshness. It is owned by the writer; stale
// reads are tolerable but writes must be serialized.
type Arbiter struct {
	clock    clockwork.Clock
	lastSeen map[string]time.Time
}

// New returns an arbiter using the given clock.
func New(clock clockwork.Clock) *Arbiter {
	return &Arbiter{
		clock:    clock,
		lastSeen: make(map[string]time.Time),
	}
}

// NoteSignalR records that a SignalR topic delivered data.
func (a *Arbiter) NoteSignalR(topic string) {
	a.lastSeen[topic] = a.clock.Now()
}

// Allow reports whether the event may mutate state. SignalR and replay
// events always pass; MQTT events of an arbitrated type pass only when the
// owning SignalR topic has been silent for at least the freshness window.
func (a *Arbiter) Allow(ev event.Event) bool {
	if ev.Source != event.SourceMQTT {
		return true
	}
	topic, arbitrated := suppressed[ev.Type]
	if !arbitrated {
		return true
	}
	seen, ok := a.lastSeen[topic]
	if !ok {
		return true
	}
	return a.clock.Now().Sub(seen) >= FreshnessWindow
}

// SignalRFresh reports whether any SignalR topic delivered within the
// freshness window, the signal the capability report uses.
func (a *Arbiter) SignalRFresh() bool {
	now := a.clock.Now()
	for _, seen := range a.lastSeen {
		if now.Sub(seen) < FreshnessWindow {
			return true
		}
	}
	return false
}

// LastSeen returns when the given SignalR topic last delivered, or false
// when it never has.
func (a *Arbiter) LastSeen(topic string) (time.Time, bool) {
	t, ok := a.lastSeen[topic]
	return t, ok
}
