// SPDX-License-Identifier: MIT

// Package core runs the session controller: a single writer that owns the
// session state. Adapters, timers and the replay engine all submit work
// through one mailbox; everything the writer publishes outward is either a
// snapshot or a value built inside the writer.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pitwall-hq/pitwall/internal/aggregate"
	"github.com/pitwall-hq/pitwall/internal/arbiter"
	"github.com/pitwall-hq/pitwall/internal/broadcast"
	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/geom"
	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/normalize"
	"github.com/pitwall-hq/pitwall/internal/persist"
	"github.com/pitwall-hq/pitwall/internal/state"
)

// Timer cadences of the active session.
const (
	positionInterval        = 100 * time.Millisecond
	driverStateInterval     = time.Second
	fallbackClockInterval   = 5 * time.Second
	progressiveSaveInterval = 30 * time.Second
	sessionPollInterval     = 60 * time.Second
	capabilityDelay         = 17 * time.Second

	// clockSilence is how long the upstream clock may be quiet before the
	// fallback clock synthesizes frames.
	clockSilence = 15 * time.Second

	multiviewerTimeout = 5 * time.Second

	// telemetrySampleMillis thins recorded car_data/position traffic to 1 Hz.
	telemetrySampleMillis = 1000

	defaultMailboxSize = 1024
)

// Phase is the controller lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseActive
	PhaseEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseEnding:
		return "ending"
	default:
		return "idle"
	}
}

// TrackFetcher retrieves a high-fidelity display path, best effort.
type TrackFetcher interface {
	FetchTrack(ctx context.Context, trackName string) ([]geom.Point, error)
}

// SessionFinder asks upstream whether a session is in progress right now.
type SessionFinder interface {
	CurrentSession(ctx context.Context) (*event.SessionPayload, error)
}

// TrackOverride carries operator-supplied per-track hints.
type TrackOverride struct {
	Rotation         float64
	PitSpeedLimitKPH float64
}

// Config wires the controller's collaborators.
type Config struct {
	Store       persist.Store
	Broadcaster broadcast.Broadcaster
	Clock       clockwork.Clock

	// Fetcher, Finder and Override are optional collaborators.
	Fetcher  TrackFetcher
	Finder   SessionFinder
	Override func(trackName string) (TrackOverride, bool)

	// RecordSessions buffers raw messages for replay storage.
	RecordSessions bool

	MailboxSize int
}

type transportStatus struct {
	Connected bool
	Reason    string
}

// Core is the single-writer session controller.
type Core struct {
	store  persist.Store
	bc     broadcast.Broadcaster
	clock  clockwork.Clock
	cfg    Config
	logger zerolog.Logger

	mailbox chan func()
	quit    chan struct{}

	// Everything below is owned by the writer goroutine.
	runCtx        context.Context
	phase         Phase
	session       *state.Session
	agg           *aggregate.Aggregator
	sr            *normalize.SignalR
	arb           *arbiter.Arbiter
	replayMode    bool
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	override      TrackOverride

	prevProgress map[int]float64
	hasProgress  map[int]bool

	trackFromStore bool

	recording   []persist.ReplayMessage
	lastSampled map[string]int64
	mqttSeen    map[string]int64

	transports map[string]transportStatus
}

// New validates the config and returns an idle controller. Run must be
// called before any ingest path submits work.
func New(cfg Config) (*Core, error) {
	if cfg.Store == nil {
		return nil, errors.New("core: Store is required")
	}
	if cfg.Broadcaster == nil {
		return nil, errors.New("core: Broadcaster is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	c := &Core{
		store:      cfg.Store,
		bc:         cfg.Broadcaster,
		clock:      cfg.Clock,
		cfg:        cfg,
		logger:     log.WithComponent("core"),
		mailbox:    make(chan func(), cfg.MailboxSize),
		quit:       make(chan struct{}),
		arb:        arbiter.New(cfg.Clock),
		sr:         normalize.NewSignalR(),
		transports: make(map[string]transportStatus),
		mqttSeen:   make(map[string]int64),
	}
	return c, nil
}

// Run executes the writer loop until ctx is canceled. It is the only
// goroutine that touches the session.
func (c *Core) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.quit)

	if c.cfg.Finder != nil {
		c.every(ctx, sessionPollInterval, nil, c.pollSession)
		// kick an immediate poll so startup recovery does not wait a minute
		c.pollSession()
	}

	for {
		select {
		case <-ctx.Done():
			if c.session != nil {
				c.endSession("shutdown")
			}
			return ctx.Err()
		case fn := <-c.mailbox:
			fn()
		}
	}
}

// Submit queues fn for the writer. It blocks when the mailbox is full and
// gives up once the controller has stopped.
func (c *Core) Submit(fn func()) {
	select {
	case c.mailbox <- fn:
	case <-c.quit:
	}
}

// submitWait runs fn on the writer and returns its result.
func (c *Core) submitWait(fn func() error) error {
	done := make(chan error, 1)
	c.Submit(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-c.quit:
		return errors.New("core: stopped")
	}
}

// every submits fn on each tick until ctx is done. When sess is non-nil the
// tick is dropped once that session is no longer the active one.
func (c *Core) every(ctx context.Context, interval time.Duration, sess *state.Session, fn func()) {
	go func() {
		ticker := c.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.Submit(func() {
					if sess != nil && c.session != sess {
						return
					}
					fn()
				})
			}
		}
	}()
}

// SetTransportStatus records upstream connectivity for the capability
// report. Adapters call it from their own goroutines.
func (c *Core) SetTransportStatus(transport string, connected bool, reason string) {
	c.Submit(func() {
		c.transports[transport] = transportStatus{Connected: connected, Reason: reason}
	})
}

// MQTTFresh reports whether the topic delivered over MQTT within the
// window. The REST fallback poller uses this for its per-topic grace
// period.
func (c *Core) MQTTFresh(topic string, window time.Duration) bool {
	fresh := false
	_ = c.submitWait(func() error {
		if ts, ok := c.mqttSeen[topic]; ok {
			fresh = c.clock.Now().UnixMilli()-ts < window.Milliseconds()
		}
		return nil
	})
	return fresh
}

// CurrentPhase reports the lifecycle phase, for tests and the readiness
// endpoint.
func (c *Core) CurrentPhase() Phase {
	var p Phase
	_ = c.submitWait(func() error {
		p = c.phase
		return nil
	})
	return p
}
