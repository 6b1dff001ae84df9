// SPDX-License-Identifier: MIT

package core

import (
	"encoding/json"
	"strings"

	"github.com/pitwall-hq/pitwall/internal/aggregate"
	"github.com/pitwall-hq/pitwall/internal/broadcast"
	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/metrics"
	"github.com/pitwall-hq/pitwall/internal/normalize"
	"github.com/pitwall-hq/pitwall/internal/persist"
	"github.com/pitwall-hq/pitwall/internal/state"
)

// OnMQTT ingests one raw MQTT message. Safe to call from any goroutine.
func (c *Core) OnMQTT(topic string, payload []byte) {
	now := c.clock.Now().UnixMilli()
	data := append([]byte(nil), payload...)
	c.Submit(func() { c.handleMQTT(topic, data, now) })
}

// OnPolled ingests a REST fallback response. The payload shapes match the
// MQTT topics but a polled response must not refresh the MQTT grace
// window, or the poller would satisfy its own freshness check and go back
// to sleep.
func (c *Core) OnPolled(topic string, payload []byte) {
	now := c.clock.Now().UnixMilli()
	data := append([]byte(nil), payload...)
	c.Submit(func() { c.handlePolled(topic, data, now) })
}

// OnSignalR ingests one SignalR topic update. Safe to call from any
// goroutine.
func (c *Core) OnSignalR(topic string, payload []byte) {
	now := c.clock.Now().UnixMilli()
	data := append([]byte(nil), payload...)
	c.Submit(func() { c.handleSignalR(topic, data, now) })
}

func (c *Core) handleMQTT(topic string, data []byte, now int64) {
	c.mqttSeen[topic] = now
	c.ingestRaw(topic, data, now, "mqtt")
}

func (c *Core) handlePolled(topic string, data []byte, now int64) {
	c.ingestRaw(topic, data, now, "rest")
}

func (c *Core) ingestRaw(topic string, data []byte, now int64, transport string) {
	c.record(topic, data, now)
	events, err := normalize.MQTT(topic, data, now)
	if err != nil {
		metrics.IncMalformed(transport)
		c.logger.Debug().Err(err).Str(log.FieldTopic, topic).
			Str("transport", transport).Msg("malformed payload")
		return
	}
	c.dispatch(events)
}

func (c *Core) handleSignalR(topic string, data []byte, now int64) {
	c.arb.NoteSignalR(topic)
	events, err := c.sr.Apply(topic, json.RawMessage(data), now, event.SourceSignalR)
	if err != nil {
		metrics.IncMalformed("signalr")
		c.logger.Debug().Err(err).Str(log.FieldTopic, topic).Msg("malformed signalr payload")
		return
	}
	c.dispatch(events)
}

func (c *Core) dispatch(events []event.Event) {
	for _, ev := range events {
		if !c.arb.Allow(ev) {
			metrics.IncIngest(string(ev.Type), string(ev.Source), "suppressed")
			continue
		}
		metrics.IncIngest(string(ev.Type), string(ev.Source), "applied")
		c.applyEvent(ev)
	}
}

func (c *Core) applyEvent(ev event.Event) {
	if p, ok := ev.Payload.(event.SessionPayload); ok {
		c.handleSessionEvent(p, ev.Source)
		return
	}
	s := c.session
	if s == nil {
		return
	}

	switch p := ev.Payload.(type) {
	case event.DriversPayload:
		s.ApplyDrivers(p)
		c.emitDrivers(s)
	case event.LocationPayload:
		s.ApplyLocation(ev.Driver, p, ev.TimestampMillis)
	case event.LapPayload:
		c.applyLap(s, ev.Driver, p)
	case event.CarDataPayload:
		s.ApplyCarData(ev.Driver, p)
		aggregate.CheckPitExit(s, ev.Driver)
		aggregate.CheckStallRecovery(s, ev.Driver)
	case event.IntervalPayload:
		s.ApplyInterval(ev.Driver, p)
	case event.PitPayload:
		s.ApplyPit(ev.Driver, p)
	case event.StintPayload:
		s.ApplyStint(ev.Driver, p, ev.Source)
	case event.PositionPayload:
		s.ApplyPosition(ev.Driver, p)
	case event.WeatherPayload:
		s.ApplyWeather(p, ev.TimestampMillis)
	case event.RaceControlPayload:
		msg, applied := s.ApplyRaceControl(p, ev.TimestampMillis)
		if applied {
			aggregate.ApplyRaceControlDNF(s, msg)
			c.bc.Broadcast(broadcast.RoomLive, broadcast.EventRaceControl, msg)
		}
	case event.OvertakePayload:
		s.ApplyOvertake(p, ev.TimestampMillis)
	case event.ClockPayload:
		s.ApplyClock(p, c.clock.Now().UnixMilli())
		c.emitClock(p.RemainingMillis, p.Running)
	case event.LapCountPayload:
		s.ApplyLapCount(p)
	case event.TeamRadioPayload:
		s.ApplyTeamRadio(ev.Driver, p, ev.TimestampMillis)
	case event.SessionDataPayload:
		s.ApplySessionData(p)
	case event.UnknownPayload:
		c.logger.Debug().Str(log.FieldTopic, p.Topic).Msg("unknown upstream topic")
	}
}

// applyLap runs the per-lap hooks: retirement inference and the incremental
// geometry build on validated fast laps.
func (c *Core) applyLap(s *state.Session, driver int, p event.LapPayload) {
	s.ApplyLap(driver, p)
	aggregate.CheckPitTimeouts(s)
	aggregate.CheckTrackStalls(s)

	rec := s.CompletedLaps[state.LapKey(driver, p.Lap)]
	if rec == nil || !s.IsFastLap(rec) {
		return
	}
	if len(s.TraceForLap(driver, p.Lap)) == 0 {
		return
	}
	c.rebuildGeometry(s)
}

// record buffers the raw message for replay storage. Telemetry-rate topics
// are thinned to one sample per second to respect the size cap.
func (c *Core) record(topic string, data []byte, now int64) {
	if !c.cfg.RecordSessions || c.session == nil || c.replayMode {
		return
	}
	if sampledTopic(topic) {
		if now-c.lastSampled[topic] < telemetrySampleMillis {
			return
		}
		c.lastSampled[topic] = now
	}
	c.recording = append(c.recording, persist.ReplayMessage{
		Topic:           topic,
		Data:            json.RawMessage(data),
		TimestampMillis: now,
	})
}

func sampledTopic(topic string) bool {
	return strings.HasSuffix(topic, "car_data") || strings.HasSuffix(topic, "position")
}
