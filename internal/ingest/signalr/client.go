// SPDX-License-Identifier: MIT

// Package signalr implements the proprietary live-timing client: an HTTPS
// negotiate handshake followed by a WebSocket stream of batched topic
// updates. Retries are a flat 60 seconds; after three consecutive failures
// the transport declares itself unavailable and the fallback paths take
// over.
package signalr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/metrics"
	"github.com/pitwall-hq/pitwall/internal/normalize"
)

const (
	hubName       = "Streaming"
	retryInterval = 60 * time.Second
	maxAttempts   = 3

	negotiateTimeout = 10 * time.Second
	readLimit        = 1 << 20
)

// Sink receives raw topic updates; implemented by the core.
type Sink interface {
	OnSignalR(topic string, payload []byte)
	SetTransportStatus(transport string, connected bool, reason string)
}

// Config for the live-timing connection.
type Config struct {
	// BaseURL is the https endpoint root, e.g. https://livetiming.example.com/signalr
	BaseURL string

	HTTPClient *http.Client
}

// Client drives negotiate-connect-stream cycles.
type Client struct {
	cfg    Config
	sink   Sink
	logger zerolog.Logger
	dialer *websocket.Dialer
}

// New validates the config.
func New(cfg Config, sink Sink) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("signalr: BaseURL is required")
	}
	if sink == nil {
		return nil, errors.New("signalr: sink is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: negotiateTimeout}
	}
	return &Client{
		cfg:    cfg,
		sink:   sink,
		logger: log.WithComponent("ingest.signalr"),
		dialer: &websocket.Dialer{HandshakeTimeout: negotiateTimeout},
	}, nil
}

// Run streams until ctx is done or the transport gives up. Giving up is not
// an error for the daemon: the freshness arbitration and fallback clock
// carry on without this source.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	var lastErr error
	for {
		err := c.connectAndStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errStreamEnded) {
			// a stream that was up resets the failure budget
			attempts = 0
			lastErr = err
			continue
		}
		attempts++
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempts).Msg("connection attempt failed")
		if attempts >= maxAttempts {
			reason := fmt.Sprintf("unavailable (%v)", lastErr)
			c.logger.Error().Str(log.FieldReason, reason).Msg("giving up, using fallback clock")
			c.sink.SetTransportStatus("signalr", false, reason)
			metrics.SetUpstreamConnected("signalr", false)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// errStreamEnded marks a connection that was established and later dropped.
var errStreamEnded = errors.New("signalr: stream ended")

type negotiateResponse struct {
	ConnectionToken string `json:"ConnectionToken"`
}

// serverMessage is the wire shape: R carries the initial state map, M the
// incremental feed batches.
type serverMessage struct {
	R map[string]json.RawMessage `json:"R"`
	M []hubInvocation            `json:"M"`
}

type hubInvocation struct {
	Hub    string            `json:"H"`
	Method string            `json:"M"`
	Args   []json.RawMessage `json:"A"`
}

func (c *Client) connectAndStream(ctx context.Context) error {
	token, err := c.negotiate(ctx)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}

	conn, err := c.dial(ctx, token)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := c.subscribe(conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.logger.Info().Msg("connected")
	metrics.SetUpstreamConnected("signalr", true)
	c.sink.SetTransportStatus("signalr", true, "")

	// close the socket when ctx ends so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(readLimit)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			metrics.SetUpstreamConnected("signalr", false)
			c.sink.SetTransportStatus("signalr", false, "stream dropped")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn().Err(err).Msg("stream dropped")
			return errStreamEnded
		}
		c.handleFrame(data)
	}
}

func (c *Client) negotiate(ctx context.Context) (string, error) {
	connData := url.QueryEscape(`[{"name":"` + hubName + `"}]`)
	u := fmt.Sprintf("%s/negotiate?connectionData=%s&clientProtocol=1.5", c.cfg.BaseURL, connData)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var neg negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&neg); err != nil {
		return "", err
	}
	if neg.ConnectionToken == "" {
		return "", errors.New("empty connection token")
	}
	return neg.ConnectionToken, nil
}

func (c *Client) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	case "http":
		base.Scheme = "ws"
	}
	base.Path += "/connect"
	q := base.Query()
	q.Set("transport", "webSockets")
	q.Set("connectionToken", token)
	q.Set("connectionData", `[{"name":"`+hubName+`"}]`)
	q.Set("clientProtocol", "1.5")
	base.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, base.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	sub := map[string]any{
		"H": hubName,
		"M": "Subscribe",
		"A": []any{normalize.SignalRTopics},
		"I": 1,
	}
	return conn.WriteJSON(sub)
}

// handleFrame fans one wire frame out per topic: the R map delivers initial
// state, M batches deliver feed invocations with [topic, data, timestamp]
// argument triples.
func (c *Client) handleFrame(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.IncMalformed("signalr")
		c.logger.Debug().Err(err).Msg("undecodable frame")
		return
	}
	for topic, payload := range msg.R {
		c.sink.OnSignalR(topic, payload)
	}
	for _, inv := range msg.M {
		if inv.Method != "feed" || len(inv.Args) < 2 {
			continue
		}
		var topic string
		if err := json.Unmarshal(inv.Args[0], &topic); err != nil {
			continue
		}
		c.sink.OnSignalR(topic, inv.Args[1])
	}
}
