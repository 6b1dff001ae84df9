// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pitwall-hq/pitwall/internal/arbiter"
	"github.com/pitwall-hq/pitwall/internal/broadcast"
	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/normalize"
	"github.com/pitwall-hq/pitwall/internal/persist"
	"github.com/pitwall-hq/pitwall/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const baseMillis = 1_700_000_000_000

func fp(v float64) *float64 { return &v }

type recEvent struct {
	Room    string
	Event   string
	Payload any
}

type recBroadcaster struct {
	mu     sync.Mutex
	events []recEvent
}

func (b *recBroadcaster) Broadcast(room, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recEvent{room, event, payload})
}

func (b *recBroadcaster) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (b *recBroadcaster) last(event string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].Event == event {
			return b.events[i].Payload, true
		}
	}
	return nil, false
}

type memStore struct {
	mu        sync.Mutex
	sessions  map[int64]*state.Session
	replays   map[int64]*persist.ReplayDoc
	trackmaps map[string]*persist.TrackmapDoc
	upserts   int
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  map[int64]*state.Session{},
		replays:   map[int64]*persist.ReplayDoc{},
		trackmaps: map[string]*persist.TrackmapDoc{},
	}
}

func (m *memStore) GetTrackmap(_ context.Context, name string) (*persist.TrackmapDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.trackmaps[name]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return doc, nil
}

func (m *memStore) UpsertTrackmap(_ context.Context, name string, up persist.TrackmapUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	m.trackmaps[name] = &persist.TrackmapDoc{TrackName: name, Path: up.Path}
	return nil
}

func (m *memStore) SaveSession(_ context.Context, snap *state.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[snap.SessionKey] = snap
	return nil
}

func (m *memStore) LoadSession(_ context.Context, key int64) (*state.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return s, nil
}

func (m *memStore) SaveReplay(_ context.Context, doc *persist.ReplayDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replays[doc.SessionKey] = doc
	return nil
}

func (m *memStore) LoadReplay(_ context.Context, key int64) (*persist.ReplayDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.replays[key]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return doc, nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) savedSession(key int64) *state.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

func (m *memStore) savedReplay(key int64) *persist.ReplayDoc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replays[key]
}

type harness struct {
	c     *Core
	clock *clockwork.FakeClock
	bc    *recBroadcaster
	store *memStore
}

func newHarness(t *testing.T, mut func(*Config)) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(baseMillis))
	bc := &recBroadcaster{}
	store := newMemStore()
	cfg := Config{Store: store, Broadcaster: bc, Clock: clock}
	if mut != nil {
		mut(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return &harness{c: c, clock: clock, bc: bc, store: store}
}

// barrier waits until the writer has drained everything submitted so far.
func (h *harness) barrier() {
	_ = h.c.submitWait(func() error { return nil })
}

func (h *harness) dispatch(evs ...event.Event) {
	h.c.Submit(func() { h.c.dispatch(evs) })
	h.barrier()
}

func (h *harness) inspect(fn func(s *state.Session)) {
	_ = h.c.submitWait(func() error {
		fn(h.c.session)
		return nil
	})
}

func ev(typ event.Type, driver int, src event.Source, p event.Payload) event.Event {
	return event.Event{Type: typ, Driver: driver, Source: src, TimestampMillis: baseMillis, Payload: p}
}

func racePayload(key int64) event.SessionPayload {
	return event.SessionPayload{
		SessionKey:  key,
		MeetingKey:  1260,
		TrackName:   "Monza",
		SessionType: "race",
		SessionName: "Race",
		DateEnd:     baseMillis + 2*3600*1000,
	}
}

func (h *harness) startSession(t *testing.T, p event.SessionPayload) {
	t.Helper()
	h.c.Submit(func() { h.c.handleSessionEvent(p, event.SourceMQTT) })
	h.barrier()
	require.Equal(t, PhaseActive, h.c.CurrentPhase())
}

func TestSessionStartAndEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.startSession(t, racePayload(9400))

	payload, ok := h.bc.last(broadcast.EventSession)
	require.True(t, ok)
	body := payload.(sessionEventBody)
	assert.True(t, body.Active)
	assert.Equal(t, "Monza", body.TrackName)
	assert.Equal(t, "race", body.SessionType)

	ended := racePayload(9400)
	ended.Ended = true
	h.c.Submit(func() { h.c.handleSessionEvent(ended, event.SourceMQTT) })
	h.barrier()

	assert.Equal(t, PhaseIdle, h.c.CurrentPhase())
	payload, _ = h.bc.last(broadcast.EventSession)
	assert.False(t, payload.(sessionEventBody).Active)

	// The closing snapshot is flushed off the writer.
	require.Eventually(t, func() bool { return h.store.savedSession(9400) != nil },
		time.Second, 5*time.Millisecond)
}

func TestNewSessionKeySupersedes(t *testing.T) {
	h := newHarness(t, nil)
	h.startSession(t, racePayload(9400))
	h.startSession(t, racePayload(9401))

	h.inspect(func(s *state.Session) {
		assert.Equal(t, int64(9401), s.SessionKey)
	})
	require.Eventually(t, func() bool { return h.store.savedSession(9400) != nil },
		time.Second, 5*time.Millisecond)
}

func TestSessionNotStartedBeforeWindow(t *testing.T) {
	h := newHarness(t, nil)
	p := racePayload(9400)
	p.DateStart = baseMillis + time.Hour.Milliseconds()
	h.c.Submit(func() { h.c.handleSessionEvent(p, event.SourceMQTT) })
	h.barrier()
	assert.Equal(t, PhaseIdle, h.c.CurrentPhase())
}

func TestSourceArbitration(t *testing.T) {
	h := newHarness(t, nil)
	h.startSession(t, racePayload(9400))

	h.dispatch(ev(event.TypeStint, 1, event.SourceMQTT,
		event.StintPayload{StintNumber: 1, Compound: "SOFT"}))
	h.inspect(func(s *state.Session) {
		require.NotNil(t, s.Stints[1])
		assert.Equal(t, 1, s.Stints[1].StintNumber)
	})

	// A fresh SignalR delivery of the owning topic suppresses the MQTT side.
	h.c.Submit(func() { h.c.arb.NoteSignalR(normalize.SRTimingAppData) })
	h.dispatch(ev(event.TypeStint, 1, event.SourceMQTT,
		event.StintPayload{StintNumber: 2, Compound: "HARD"}))
	h.inspect(func(s *state.Session) {
		assert.Equal(t, 1, s.Stints[1].StintNumber, "MQTT stint dropped while SignalR owns the topic")
	})

	// Once the window has elapsed MQTT takes over again.
	h.clock.Advance(arbiter.FreshnessWindow)
	h.dispatch(ev(event.TypeStint, 1, event.SourceMQTT,
		event.StintPayload{StintNumber: 2, Compound: "HARD"}))
	h.inspect(func(s *state.Session) {
		assert.Equal(t, 2, s.Stints[1].StintNumber)
	})
}

func TestFallbackClock(t *testing.T) {
	h := newHarness(t, nil)
	h.startSession(t, racePayload(9400))

	// No upstream clock yet: the fallback synthesizes a frame.
	h.c.Submit(func() { h.c.fallbackClockTick() })
	h.barrier()
	require.Equal(t, 1, h.bc.count(broadcast.EventClock))
	payload, _ := h.bc.last(broadcast.EventClock)
	frame := payload.(clockFrame)
	assert.True(t, frame.Running)
	assert.Equal(t, 2*time.Hour.Milliseconds(), frame.RemainingMillis)

	// An upstream clock frame passes through and silences the fallback.
	h.dispatch(ev(event.TypeClock, 0, event.SourceSignalR,
		event.ClockPayload{RemainingMillis: 3_000_000, Running: true}))
	require.Equal(t, 2, h.bc.count(broadcast.EventClock))

	h.c.Submit(func() { h.c.fallbackClockTick() })
	h.barrier()
	assert.Equal(t, 2, h.bc.count(broadcast.EventClock), "upstream clock is fresh")

	// After the silence threshold the fallback takes over again. The 5 s
	// session ticker may have fired during the advance as well, so only the
	// lower bound is deterministic.
	h.clock.Advance(16 * time.Second)
	h.c.Submit(func() { h.c.fallbackClockTick() })
	h.barrier()
	assert.GreaterOrEqual(t, h.bc.count(broadcast.EventClock), 3)
}

func TestSessionWindowEnforced(t *testing.T) {
	h := newHarness(t, nil)
	p := racePayload(9400)
	p.DateEnd = baseMillis + time.Minute.Milliseconds()
	h.startSession(t, p)

	h.clock.Advance(61 * time.Second)
	h.c.Submit(func() { h.c.fallbackClockTick() })
	h.barrier()

	assert.Equal(t, PhaseIdle, h.c.CurrentPhase())
	require.Eventually(t, func() bool { return h.store.savedSession(9400) != nil },
		time.Second, 5*time.Millisecond)
}

func TestPositionsFanOut(t *testing.T) {
	h := newHarness(t, nil)
	h.startSession(t, racePayload(9400))

	h.dispatch(
		ev(event.TypeLocation, 44, event.SourceMQTT, event.LocationPayload{X: 300, Y: 400}),
		ev(event.TypeLocation, 1, event.SourceMQTT, event.LocationPayload{X: 100, Y: 200}),
	)
	h.c.Submit(func() { h.c.positionsTick() })
	h.barrier()

	payload, ok := h.bc.last(broadcast.EventPositions)
	require.True(t, ok)
	out := payload.([]CarPosition)
	require.Len(t, out, 2)
	assert.Equal(t, CarPosition{DriverNumber: 1, X: 100, Y: 200}, out[0])
	assert.Equal(t, CarPosition{DriverNumber: 44, X: 300, Y: 400}, out[1])
}

func TestGeometryRebuildOnFastLap(t *testing.T) {
	h := newHarness(t, nil)
	h.startSession(t, racePayload(9400))

	// Open lap 1 so the GPS samples land on it.
	h.dispatch(ev(event.TypeLap, 1, event.SourceMQTT, event.LapPayload{Lap: 1}))

	const n = 64
	trace := make([]event.Event, n)
	for i := range trace {
		ang := 2 * math.Pi * float64(i) / n
		trace[i] = ev(event.TypeLocation, 1, event.SourceMQTT,
			event.LocationPayload{X: 1000 * math.Cos(ang), Y: 1000 * math.Sin(ang)})
	}
	h.dispatch(trace...)

	// The completing lap validates as a fast lap and triggers the rebuild.
	h.dispatch(ev(event.TypeLap, 1, event.SourceMQTT, event.LapPayload{Lap: 1, Duration: fp(90)}))

	h.inspect(func(s *state.Session) {
		assert.Equal(t, 1, s.PathVersion)
		assert.GreaterOrEqual(t, len(s.BaselinePath), 10)
		assert.Equal(t, 1, s.LapsProcessed)
	})
	payload, ok := h.bc.last(broadcast.EventTrackmap)
	require.True(t, ok)
	body := payload.(TrackmapBody)
	assert.Equal(t, 1, body.PathVersion)
	assert.Equal(t, "Monza", body.TrackName)
}

func TestReplayLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	doc := &persist.ReplayDoc{
		SessionKey:       9300,
		CircuitKey:       1255,
		TrackName:        "Spa",
		SessionName:      "Race",
		SessionEndMillis: baseMillis + time.Hour.Milliseconds(),
	}
	require.NoError(t, h.c.BeginReplay(doc))
	require.Equal(t, PhaseActive, h.c.CurrentPhase())
	h.inspect(func(s *state.Session) {
		assert.Equal(t, state.SessionTypeDemo, s.SessionType)
	})

	// Replay injections bypass arbitration even while SignalR looks fresh.
	h.c.Submit(func() { h.c.arb.NoteSignalR(normalize.SRWeatherData) })
	h.c.InjectReplay("v1/weather", json.RawMessage(`{"air_temperature":25}`), baseMillis)
	h.barrier()
	h.inspect(func(s *state.Session) {
		require.NotNil(t, s.Weather)
		assert.Equal(t, 25.0, s.Weather.AirTemp)
	})

	h.c.EndReplay()
	h.barrier()
	assert.Equal(t, PhaseIdle, h.c.CurrentPhase())
	assert.Nil(t, h.store.savedSession(9300), "demo sessions are never persisted")
}

func TestRecordingThinsTelemetry(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.RecordSessions = true })
	h.startSession(t, racePayload(9400))

	h.c.OnMQTT("v1/weather", []byte(`{"air_temperature":25}`))
	h.c.OnMQTT("v1/car_data", []byte(`[{"driver_number":1,"speed":250}]`))
	h.c.OnMQTT("v1/car_data", []byte(`[{"driver_number":1,"speed":251}]`))
	h.barrier()

	ended := racePayload(9400)
	ended.Ended = true
	h.c.Submit(func() { h.c.handleSessionEvent(ended, event.SourceMQTT) })
	h.barrier()

	require.Eventually(t, func() bool { return h.store.savedReplay(9400) != nil },
		time.Second, 5*time.Millisecond)
	rec := h.store.savedReplay(9400)
	require.Len(t, rec.Messages, 2, "second car_data sample inside the same second is thinned")
	assert.Equal(t, "v1/weather", rec.Messages[0].Topic)
	assert.Equal(t, "v1/car_data", rec.Messages[1].Topic)
}

func TestMQTTFreshness(t *testing.T) {
	h := newHarness(t, nil)
	h.c.OnMQTT("v1/weather", []byte(`{"air_temperature":25}`))
	h.barrier()

	assert.True(t, h.c.MQTTFresh("v1/weather", time.Minute))
	assert.False(t, h.c.MQTTFresh("v1/laps", time.Minute))

	h.clock.Advance(2 * time.Minute)
	assert.False(t, h.c.MQTTFresh("v1/weather", time.Minute))
}

func TestPolledPayloadDoesNotRefreshMQTTGrace(t *testing.T) {
	h := newHarness(t, nil)
	h.startSession(t, racePayload(9400))

	h.c.OnPolled("v1/car_data", []byte(`[{"driver_number":1,"speed":250}]`))
	h.barrier()

	// The polled payload applies to state like any other delivery.
	h.inspect(func(s *state.Session) {
		assert.Equal(t, 250.0, s.CarData[1].SpeedKPH)
	})
	// But only a genuine broker delivery counts as MQTT coverage; otherwise
	// the poller's own responses would satisfy its grace check and put it
	// back to sleep while MQTT is still silent.
	assert.False(t, h.c.MQTTFresh("v1/car_data", time.Minute))

	h.c.OnMQTT("v1/car_data", []byte(`[{"driver_number":1,"speed":251}]`))
	h.barrier()
	assert.True(t, h.c.MQTTFresh("v1/car_data", time.Minute))
}

func TestCapabilityReport(t *testing.T) {
	h := newHarness(t, nil)
	h.startSession(t, racePayload(9400))
	h.c.SetTransportStatus(TransportMQTT, true, "")
	h.c.SetTransportStatus(TransportSignalR, false, "negotiate failed")
	h.barrier()

	h.c.Submit(func() { h.c.capabilityReport() })
	h.barrier()

	payload, ok := h.bc.last(broadcast.EventCapability)
	require.True(t, ok)
	report := payload.(CapabilityReport)
	assert.True(t, report.MQTTConnected)
	assert.False(t, report.SignalRConnected)
	assert.Equal(t, "negotiate failed", report.SignalRReason)
	assert.Equal(t, "pending", report.TrackMapSource)
}
