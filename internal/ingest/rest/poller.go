// SPDX-License-Identifier: MIT

// Package rest polls the upstream HTTP API as a fallback when the MQTT
// stream is not delivering. Each endpoint has its own cadence and only
// activates after a per-topic grace period with no MQTT data; a shared rate
// limiter keeps the total request rate polite.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/normalize"
)

const (
	// GracePeriod is how long a topic must be silent on MQTT before
	// polling takes over for it.
	GracePeriod = 15 * time.Second

	requestTimeout = 8 * time.Second

	// maxBodyBytes bounds one polled response.
	maxBodyBytes = 4 << 20
)

// Endpoint is one polled topic with its cadence.
type Endpoint struct {
	Topic    string
	Interval time.Duration
}

// DefaultEndpoints lists the topics this service owns polling quota for.
var DefaultEndpoints = []Endpoint{
	{normalize.TopicCarData, 2 * time.Second},
	{normalize.TopicIntervals, 4 * time.Second},
	{normalize.TopicPosition, 4 * time.Second},
	{normalize.TopicPit, 10 * time.Second},
	{normalize.TopicStints, 10 * time.Second},
	{normalize.TopicRaceControl, 5 * time.Second},
	{normalize.TopicWeather, 60 * time.Second},
	{normalize.TopicOvertakes, 10 * time.Second},
}

// Sink receives polled payloads; implemented by the core.
type Sink interface {
	OnPolled(topic string, payload []byte)
	SetTransportStatus(transport string, connected bool, reason string)
}

// Freshness tells the poller whether MQTT is already covering a topic.
type Freshness interface {
	MQTTFresh(topic string, window time.Duration) bool
}

// Config for the fallback poller.
type Config struct {
	BaseURL    string
	Endpoints  []Endpoint
	HTTPClient *http.Client
	Clock      clockwork.Clock

	// RequestsPerSecond bounds the aggregate request rate. Defaults to 4.
	RequestsPerSecond float64
}

// Poller runs one loop per endpoint.
type Poller struct {
	cfg     Config
	sink    Sink
	fresh   Freshness
	clock   clockwork.Clock
	limiter *rate.Limiter
	logger  zerolog.Logger

	active atomic.Int32
}

// New validates the config.
func New(cfg Config, sink Sink, fresh Freshness) (*Poller, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rest: BaseURL is required")
	}
	if sink == nil || fresh == nil {
		return nil, errors.New("rest: sink and freshness source are required")
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = DefaultEndpoints
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 4
	}
	return &Poller{
		cfg:     cfg,
		sink:    sink,
		fresh:   fresh,
		clock:   cfg.Clock,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 2),
		logger:  log.WithComponent("ingest.rest"),
	}, nil
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ep := range p.cfg.Endpoints {
		g.Go(func() error { return p.pollLoop(ctx, ep) })
	}
	return g.Wait()
}

func (p *Poller) pollLoop(ctx context.Context, ep Endpoint) error {
	ticker := p.clock.NewTicker(ep.Interval)
	defer ticker.Stop()
	polling := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
		if p.fresh.MQTTFresh("v1/"+ep.Topic, GracePeriod) {
			if polling {
				polling = false
				p.noteActive(-1)
			}
			continue
		}
		if !polling {
			polling = true
			p.noteActive(1)
			p.logger.Info().Str(log.FieldTopic, ep.Topic).Msg("mqtt silent, polling")
		}
		if err := p.pollOnce(ctx, ep.Topic); err != nil && ctx.Err() == nil {
			p.logger.Debug().Err(err).Str(log.FieldTopic, ep.Topic).Msg("poll failed")
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, topic string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := p.get(ctx, fmt.Sprintf("%s/%s?session_key=latest", p.cfg.BaseURL, topic))
	if err != nil {
		return err
	}
	p.sink.OnPolled("v1/"+topic, body)
	return nil
}

func (p *Poller) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// noteActive tracks how many topics are actively being polled; the
// capability report shows fallback polling as on while any are.
func (p *Poller) noteActive(delta int32) {
	n := p.active.Add(delta)
	p.sink.SetTransportStatus("rest", n > 0, "")
}

// CurrentSession implements the core's session finder on the same API.
func (p *Poller) CurrentSession(ctx context.Context) (*event.SessionPayload, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := p.get(ctx, fmt.Sprintf("%s/%s?session_key=latest", p.cfg.BaseURL, normalize.TopicSessions))
	if err != nil {
		return nil, err
	}
	events, err := normalize.MQTT("v1/"+normalize.TopicSessions, body, p.clock.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if sp, ok := ev.Payload.(event.SessionPayload); ok {
			return &sp, nil
		}
	}
	return nil, nil
}
