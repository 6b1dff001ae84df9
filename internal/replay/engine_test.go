// SPDX-License-Identifier: MIT

package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pitwall-hq/pitwall/internal/persist"
	"github.com/pitwall-hq/pitwall/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu      sync.Mutex
	replays map[int64]*persist.ReplayDoc

	// LoadReplay for blockKey waits on gate, simulating a slow fetch.
	blockKey int64
	gate     chan struct{}
}

func (s *fakeStore) LoadReplay(ctx context.Context, key int64) (*persist.ReplayDoc, error) {
	if s.gate != nil && key == s.blockKey {
		// Deliberately ignores ctx so the fetch outlives a supersession
		// and the caller has to rely on its generation check.
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.replays[key]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return doc, nil
}

func (s *fakeStore) SaveReplay(ctx context.Context, doc *persist.ReplayDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replays == nil {
		s.replays = map[int64]*persist.ReplayDoc{}
	}
	s.replays[doc.SessionKey] = doc
	return nil
}

func (s *fakeStore) GetTrackmap(context.Context, string) (*persist.TrackmapDoc, error) {
	return nil, persist.ErrNotFound
}
func (s *fakeStore) UpsertTrackmap(context.Context, string, persist.TrackmapUpdate) error {
	return nil
}
func (s *fakeStore) SaveSession(context.Context, *state.Session) error { return nil }
func (s *fakeStore) LoadSession(context.Context, int64) (*state.Session, error) {
	return nil, persist.ErrNotFound
}
func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close() error               { return nil }

type fakePipeline struct {
	mu       sync.Mutex
	begun    []int64
	injected []string
	ended    int
}

func (p *fakePipeline) BeginReplay(doc *persist.ReplayDoc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begun = append(p.begun, doc.SessionKey)
	return nil
}

func (p *fakePipeline) InjectReplay(topic string, _ json.RawMessage, _ int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injected = append(p.injected, topic)
}

func (p *fakePipeline) EndReplay() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended++
}

func (p *fakePipeline) endedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

func (p *fakePipeline) injectedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.injected)
}

func (p *fakePipeline) begunKeys() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.begun...)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []struct {
		Event   string
		Payload any
	}
}

func (b *fakeBroadcaster) Broadcast(_, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, struct {
		Event   string
		Payload any
	}{event, payload})
}

func (b *fakeBroadcaster) phases() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events {
		if e.Event != "demo_status" {
			continue
		}
		if st, ok := e.Payload.(Status); ok {
			out = append(out, st.Phase)
		}
	}
	return out
}

func (b *fakeBroadcaster) hasClockEvent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.Event == "clock" {
			return true
		}
	}
	return false
}

func locationMsg(ts int64, drivers ...int) persist.ReplayMessage {
	rows := make([]map[string]any, len(drivers))
	for i, d := range drivers {
		rows[i] = map[string]any{"driver_number": d, "x": 1, "y": 1}
	}
	buf, _ := json.Marshal(rows)
	return persist.ReplayMessage{Topic: "v1/location", Data: buf, TimestampMillis: ts}
}

// recording has a three-message preamble that puts five cars on track,
// then two timed messages one session-second apart.
func recording(key int64) *persist.ReplayDoc {
	return &persist.ReplayDoc{
		SessionKey:       key,
		TrackName:        "Monza",
		SessionEndMillis: 10_000,
		Messages: []persist.ReplayMessage{
			{Topic: "v1/sessions", Data: json.RawMessage(`{}`), TimestampMillis: 0},
			{Topic: "v1/drivers", Data: json.RawMessage(`[]`), TimestampMillis: 0},
			locationMsg(500, 1, 2, 3, 4, 5),
			{Topic: "v1/laps", Data: json.RawMessage(`{}`), TimestampMillis: 1000},
			locationMsg(2000, 1),
		},
	}
}

func TestStartPlaysToEnd(t *testing.T) {
	store := &fakeStore{replays: map[int64]*persist.ReplayDoc{9100: recording(9100)}}
	pipe := &fakePipeline{}
	bc := &fakeBroadcaster{}
	clock := clockwork.NewFakeClock()
	eng := New(store, pipe, bc, clock, "")

	// Speed 40 turns one 50 ms tick into two seconds of session time,
	// enough to drain both timed messages.
	require.NoError(t, eng.Start(context.Background(), 9100, 40))
	clock.BlockUntil(1)
	clock.Advance(TickInterval)

	require.Eventually(t, func() bool { return pipe.endedCount() == 1 },
		time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{9100}, pipe.begunKeys())
	assert.Equal(t, 5, pipe.injectedCount(), "preamble plus both timed messages")
	assert.Equal(t, []string{PhaseFetching, PhaseReady, PhaseEnded}, bc.phases())
	assert.True(t, bc.hasClockEvent(), "synthesized countdown goes straight to clients")
}

func TestStartDefaultsSpeed(t *testing.T) {
	store := &fakeStore{replays: map[int64]*persist.ReplayDoc{9100: recording(9100)}}
	pipe := &fakePipeline{}
	bc := &fakeBroadcaster{}
	clock := clockwork.NewFakeClock()
	eng := New(store, pipe, bc, clock, "")

	require.NoError(t, eng.Start(context.Background(), 9100, 0))
	clock.BlockUntil(1)

	bc.mu.Lock()
	first := bc.events[0].Payload.(Status)
	bc.mu.Unlock()
	assert.Equal(t, DefaultSpeed, first.Speed)

	eng.Stop()
	require.Eventually(t, func() bool { return pipe.endedCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestStartMissingRecording(t *testing.T) {
	eng := New(&fakeStore{}, &fakePipeline{}, &fakeBroadcaster{}, clockwork.NewFakeClock(), "")
	err := eng.Start(context.Background(), 404, 0)
	assert.ErrorIs(t, err, persist.ErrNotFound)
}

func TestStartEmptyRecording(t *testing.T) {
	store := &fakeStore{replays: map[int64]*persist.ReplayDoc{1: {SessionKey: 1}}}
	eng := New(store, &fakePipeline{}, &fakeBroadcaster{}, clockwork.NewFakeClock(), "")
	err := eng.Start(context.Background(), 1, 0)
	assert.ErrorContains(t, err, "empty")
}

func TestSupersededStartNeverTouchesPipeline(t *testing.T) {
	gate := make(chan struct{})
	store := &fakeStore{
		replays: map[int64]*persist.ReplayDoc{
			9100: recording(9100),
			9200: recording(9200),
		},
		blockKey: 9100,
		gate:     gate,
	}
	pipe := &fakePipeline{}
	bc := &fakeBroadcaster{}
	clock := clockwork.NewFakeClock()
	eng := New(store, pipe, bc, clock, "")

	// First start stalls inside the store fetch.
	done := make(chan error, 1)
	go func() { done <- eng.Start(context.Background(), 9100, 4) }()
	require.Eventually(t, func() bool { return eng.Generation() == 1 },
		time.Second, time.Millisecond)

	// Second start supersedes it before the fetch lands.
	require.NoError(t, eng.Start(context.Background(), 9200, 4))
	close(gate)
	require.NoError(t, <-done, "a superseded start exits quietly")

	assert.Equal(t, []int64{9200}, pipe.begunKeys(),
		"only the winning generation reaches the pipeline")

	eng.Stop()
	require.Eventually(t, func() bool { return pipe.endedCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestStopAnnouncesAndTearsDown(t *testing.T) {
	store := &fakeStore{replays: map[int64]*persist.ReplayDoc{9100: recording(9100)}}
	pipe := &fakePipeline{}
	bc := &fakeBroadcaster{}
	clock := clockwork.NewFakeClock()
	eng := New(store, pipe, bc, clock, "")

	require.NoError(t, eng.Start(context.Background(), 9100, 4))
	clock.BlockUntil(1)
	eng.Stop()

	require.Eventually(t, func() bool { return pipe.endedCount() == 1 },
		time.Second, 5*time.Millisecond)
	phases := bc.phases()
	assert.Equal(t, PhaseStopped, phases[len(phases)-1])
}

func TestDiskCache(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{replays: map[int64]*persist.ReplayDoc{9100: recording(9100)}}
	pipe := &fakePipeline{}
	clock := clockwork.NewFakeClock()
	eng := New(store, pipe, &fakeBroadcaster{}, clock, dir)

	require.NoError(t, eng.Start(context.Background(), 9100, 4))
	clock.BlockUntil(1)
	_, err := os.Stat(filepath.Join(dir, fmt.Sprintf("replay_%d.json", 9100)))
	assert.NoError(t, err, "store hit is written back to the cache")
	eng.Stop()
	require.Eventually(t, func() bool { return pipe.endedCount() == 1 },
		time.Second, 5*time.Millisecond)

	// A second engine with an empty store serves the cached recording.
	pipe2 := &fakePipeline{}
	clock2 := clockwork.NewFakeClock()
	eng2 := New(&fakeStore{}, pipe2, &fakeBroadcaster{}, clock2, dir)
	require.NoError(t, eng2.Start(context.Background(), 9100, 4))
	clock2.BlockUntil(1)
	eng2.Stop()
	require.Eventually(t, func() bool { return pipe2.endedCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{9100}, pipe2.begunKeys())
}
