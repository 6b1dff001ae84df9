// SPDX-License-Identifier: MIT

package signalr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	updates  map[string][]string
	statuses []bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{updates: map[string][]string{}}
}

func (s *fakeSink) OnSignalR(topic string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[topic] = append(s.updates[topic], string(payload))
}

func (s *fakeSink) SetTransportStatus(_ string, connected bool, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, connected)
}

func (s *fakeSink) topicPayloads(topic string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.updates[topic]...)
}

func newTestClient(t *testing.T, baseURL string, sink Sink) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL}, sink)
	require.NoError(t, err)
	return c
}

func TestHandleFrame(t *testing.T) {
	sink := newFakeSink()
	c := newTestClient(t, "http://unused", sink)

	// R carries initial state per topic.
	c.handleFrame([]byte(`{"R":{"DriverList":{"1":{"RacingNumber":"1"}}}}`))
	require.Len(t, sink.topicPayloads("DriverList"), 1)

	// M batches carry feed invocations; non-feed methods are skipped.
	c.handleFrame([]byte(`{"M":[
		{"H":"Streaming","M":"feed","A":["TimingData",{"Lines":{}},"2026-08-23T14:00:00Z"]},
		{"H":"Streaming","M":"other","A":["TimingData",{}]}
	]}`))
	payloads := sink.topicPayloads("TimingData")
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"Lines":{}}`, payloads[0])

	// Undecodable frames and short argument lists are ignored.
	c.handleFrame([]byte(`{not json`))
	c.handleFrame([]byte(`{"M":[{"H":"Streaming","M":"feed","A":["TimingData"]}]}`))
	assert.Len(t, sink.topicPayloads("TimingData"), 1)
}

func TestNegotiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/negotiate", r.URL.Path)
		assert.Equal(t, "1.5", r.URL.Query().Get("clientProtocol"))
		assert.Contains(t, r.URL.Query().Get("connectionData"), "Streaming")
		_, _ = w.Write([]byte(`{"ConnectionToken":"tok-123"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, newFakeSink())
	token, err := c.negotiate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}

func TestNegotiateEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, newFakeSink())
	_, err := c.negotiate(context.Background())
	assert.ErrorContains(t, err, "empty connection token")
}

func TestConnectAndStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/negotiate", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ConnectionToken":"tok"}`))
	})
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("connectionToken"))
		assert.Equal(t, "webSockets", r.URL.Query().Get("transport"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// The first client message is the hub subscription.
		var sub map[string]any
		require.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, "Streaming", sub["H"])
		assert.Equal(t, "Subscribe", sub["M"])

		require.NoError(t, conn.WriteJSON(map[string]any{
			"R": map[string]json.RawMessage{"Heartbeat": []byte(`{"Utc":"2026-08-23T14:00:00Z"}`)},
		}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := newFakeSink()
	c := newTestClient(t, srv.URL, sink)

	err := c.connectAndStream(context.Background())
	assert.ErrorIs(t, err, errStreamEnded)

	require.Len(t, sink.topicPayloads("Heartbeat"), 1)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.statuses, 2)
	assert.True(t, sink.statuses[0], "connected on subscribe")
	assert.False(t, sink.statuses[1], "dropped when the server hangs up")
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, newFakeSink())
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "https://x"}, nil)
	assert.Error(t, err)
}
