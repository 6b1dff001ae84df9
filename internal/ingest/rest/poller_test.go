// SPDX-License-Identifier: MIT

package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	polled   map[string][][]byte
	statuses []bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{polled: map[string][][]byte{}}
}

func (s *fakeSink) OnPolled(topic string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled[topic] = append(s.polled[topic], payload)
}

func (s *fakeSink) SetTransportStatus(_ string, connected bool, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, connected)
}

func (s *fakeSink) polledCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.polled[topic])
}

func (s *fakeSink) lastStatus() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return false, false
	}
	return s.statuses[len(s.statuses)-1], true
}

type fakeFresh struct{ fresh atomic.Bool }

func (f *fakeFresh) MQTTFresh(string, time.Duration) bool { return f.fresh.Load() }

func TestPollerTakesOverWhenMQTTSilent(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "latest", r.URL.Query().Get("session_key"))
		_, _ = w.Write([]byte(`{"air_temperature":25}`))
	}))
	defer srv.Close()

	sink := newFakeSink()
	fresh := &fakeFresh{}
	clock := clockwork.NewFakeClock()
	p, err := New(Config{
		BaseURL:   srv.URL,
		Endpoints: []Endpoint{{Topic: "weather", Interval: time.Minute}},
		Clock:     clock,
	}, sink, fresh)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	clock.BlockUntil(1)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return sink.polledCount("v1/weather") == 1 },
		time.Second, 5*time.Millisecond)
	on, ok := sink.lastStatus()
	require.True(t, ok)
	assert.True(t, on, "fallback polling is reported active")

	// MQTT comes back: the next tick goes quiet and the status drops.
	fresh.fresh.Store(true)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		on, ok := sink.lastStatus()
		return ok && !on
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.polledCount("v1/weather"))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPollerSkipsWhileFresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected while MQTT is fresh")
	}))
	defer srv.Close()

	sink := newFakeSink()
	fresh := &fakeFresh{}
	fresh.fresh.Store(true)
	clock := clockwork.NewFakeClock()
	p, err := New(Config{
		BaseURL:   srv.URL,
		Endpoints: []Endpoint{{Topic: "weather", Interval: time.Minute}},
		Clock:     clock,
	}, sink, fresh)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	clock.BlockUntil(1)
	clock.Advance(3 * time.Minute)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, sink.polledCount("v1/weather"))
}

func TestCurrentSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions", r.URL.Path)
		_, _ = w.Write([]byte(`[{"session_key":9500,"circuit_short_name":"Monza","session_type":"Race"}]`))
	}))
	defer srv.Close()

	sink := newFakeSink()
	p, err := New(Config{BaseURL: srv.URL}, sink, &fakeFresh{})
	require.NoError(t, err)

	sp, err := p.CurrentSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sp)
	assert.Equal(t, int64(9500), sp.SessionKey)
	assert.Equal(t, "Monza", sp.TrackName)
	assert.Equal(t, "race", sp.SessionType)
}

func TestCurrentSessionUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(Config{BaseURL: srv.URL}, newFakeSink(), &fakeFresh{})
	require.NoError(t, err)
	_, err = p.CurrentSession(context.Background())
	assert.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, newFakeSink(), &fakeFresh{})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://x"}, nil, &fakeFresh{})
	assert.Error(t, err)
}
