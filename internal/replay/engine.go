// SPDX-License-Identifier: MIT

// Package replay plays a stored session recording back through the live
// pipeline. A generation counter guards every asynchronous step so that a
// superseded start can never touch the pipeline again.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pitwall-hq/pitwall/internal/broadcast"
	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/metrics"
	"github.com/pitwall-hq/pitwall/internal/persist"
)

// Playback phases pushed to clients as demo_status events.
const (
	PhaseFetching = "fetching"
	PhaseReady    = "ready"
	PhaseStopped  = "stopped"
	PhaseEnded    = "ended"
)

const (
	// TickInterval is the playback advance cadence.
	TickInterval = 50 * time.Millisecond

	// DefaultSpeed is the session-time multiplier when none is requested.
	DefaultSpeed = 4.0

	// minDriversOnTrack ends the fast-forward preamble.
	minDriversOnTrack = 5

	// clock frames go straight to clients, once per session-time second
	clockEmitMillis = 1000
)

// Pipeline is what the engine drives: the session controller running in
// demo mode. Begin must set up the demo session before any Inject call;
// End tears it down.
type Pipeline interface {
	BeginReplay(doc *persist.ReplayDoc) error
	InjectReplay(topic string, data json.RawMessage, timestampMillis int64)
	EndReplay()
}

// Status is the demo_status payload.
type Status struct {
	Phase      string  `json:"phase"`
	SessionKey int64   `json:"sessionKey"`
	Speed      float64 `json:"speed,omitempty"`
}

// Engine loads recordings and replays them at a speed multiplier.
type Engine struct {
	store    persist.Store
	pipeline Pipeline
	bc       broadcast.Broadcaster
	clock    clockwork.Clock
	cacheDir string
	logger   zerolog.Logger

	generation atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New returns an idle engine. cacheDir may be empty to disable the disk
// cache.
func New(store persist.Store, pipeline Pipeline, bc broadcast.Broadcaster, clock clockwork.Clock, cacheDir string) *Engine {
	return &Engine{
		store:    store,
		pipeline: pipeline,
		bc:       bc,
		clock:    clock,
		cacheDir: cacheDir,
		logger:   log.WithComponent("replay"),
	}
}

// Generation returns the current generation counter.
func (e *Engine) Generation() int64 { return e.generation.Load() }

// Start begins playback of the stored session. Any playback already running
// is superseded: its generation goes stale and it exits on its next check.
func (e *Engine) Start(ctx context.Context, sessionKey int64, speed float64) error {
	if speed <= 0 {
		speed = DefaultSpeed
	}
	gen := e.generation.Add(1)
	metrics.ReplayGeneration.Set(float64(gen))

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	logger := e.logger.With().Int64(log.FieldSessionKey, sessionKey).Int64(log.FieldGeneration, gen).Logger()
	e.emitStatus(sessionKey, PhaseFetching, speed)

	doc, err := e.loadRecording(runCtx, sessionKey)
	if err != nil {
		cancel()
		return fmt.Errorf("load replay %d: %w", sessionKey, err)
	}
	if e.stale(gen) {
		cancel()
		return nil
	}
	if len(doc.Messages) == 0 {
		cancel()
		return errors.New("replay recording is empty")
	}

	if err := e.pipeline.BeginReplay(doc); err != nil {
		cancel()
		return fmt.Errorf("begin replay session: %w", err)
	}
	metrics.SetSessionActive("replay", true)
	logger.Info().Int("messages", len(doc.Messages)).Float64("speed", speed).Msg("replay starting")

	go e.run(runCtx, gen, doc, speed)
	return nil
}

// Stop ends the current playback, if any. The playback goroutine observes
// the cancellation, announces the stopped phase and tears the demo session
// down. The generation stays put so the goroutine is still the owner.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()
}

func (e *Engine) stale(gen int64) bool { return e.generation.Load() != gen }

func (e *Engine) run(ctx context.Context, gen int64, doc *persist.ReplayDoc, speed float64) {
	defer func() {
		if !e.stale(gen) {
			metrics.SetSessionActive("replay", false)
			e.pipeline.EndReplay()
		}
	}()

	// Fast-forward the preamble instantly until enough cars are on track.
	next := e.fastForward(gen, doc)
	if next < 0 {
		return
	}
	e.emitStatus(doc.SessionKey, PhaseReady, speed)
	if next >= len(doc.Messages) {
		// the whole recording fit in the preamble
		e.emitStatus(doc.SessionKey, PhaseEnded, 0)
		return
	}

	base := doc.Messages[next].TimestampMillis
	startReal := e.clock.Now()
	lastClockEmit := int64(0)

	ticker := e.clock.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if !e.stale(gen) {
				e.emitStatus(doc.SessionKey, PhaseStopped, 0)
			}
			return
		case <-ticker.Chan():
		}
		if e.stale(gen) {
			return
		}

		elapsed := e.clock.Now().Sub(startReal)
		sessionTime := base + int64(float64(elapsed.Milliseconds())*speed)

		for next < len(doc.Messages) && doc.Messages[next].TimestampMillis <= sessionTime {
			m := doc.Messages[next]
			e.pipeline.InjectReplay(m.Topic, m.Data, m.TimestampMillis)
			next++
		}

		if sessionTime-lastClockEmit >= clockEmitMillis {
			lastClockEmit = sessionTime
			e.emitClock(doc, sessionTime)
		}

		if next >= len(doc.Messages) {
			e.emitStatus(doc.SessionKey, PhaseEnded, 0)
			e.logger.Info().Int64(log.FieldGeneration, gen).Msg("replay ended")
			return
		}
	}
}

// fastForward injects messages instantly until at least minDriversOnTrack
// distinct drivers have reported a location, then returns the index of the
// first unplayed message. Returns -1 when superseded mid-scan.
func (e *Engine) fastForward(gen int64, doc *persist.ReplayDoc) int {
	located := make(map[int]struct{})
	for i, m := range doc.Messages {
		if e.stale(gen) {
			return -1
		}
		e.pipeline.InjectReplay(m.Topic, m.Data, m.TimestampMillis)
		countLocated(m, located)
		if len(located) >= minDriversOnTrack {
			return i + 1
		}
	}
	// short recording, play whatever is left in real time
	return len(doc.Messages)
}

// countLocated scans a location message for driver numbers.
func countLocated(m persist.ReplayMessage, located map[int]struct{}) {
	if !strings.HasSuffix(m.Topic, "location") {
		return
	}
	var rows []struct {
		Driver int `json:"driver_number"`
	}
	if err := json.Unmarshal(m.Data, &rows); err != nil {
		return
	}
	for _, r := range rows {
		if r.Driver > 0 {
			located[r.Driver] = struct{}{}
		}
	}
}

// emitClock sends a synthesized countdown directly to clients. Replay
// clocks never pass through the normalizer.
func (e *Engine) emitClock(doc *persist.ReplayDoc, sessionTime int64) {
	remaining := doc.SessionEndMillis - sessionTime
	if remaining < 0 {
		remaining = 0
	}
	e.bc.Broadcast(broadcast.RoomLive, broadcast.EventClock, map[string]any{
		"remainingMs": remaining,
		"running":     remaining > 0,
	})
}

func (e *Engine) emitStatus(sessionKey int64, phase string, speed float64) {
	e.bc.Broadcast(broadcast.RoomLive, broadcast.EventDemoStatus, Status{
		Phase:      phase,
		SessionKey: sessionKey,
		Speed:      speed,
	})
	e.logger.Debug().Str(log.FieldPhase, phase).Int64(log.FieldSessionKey, sessionKey).Msg("replay phase")
}
