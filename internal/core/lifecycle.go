// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"errors"
	"time"

	"github.com/pitwall-hq/pitwall/internal/aggregate"
	"github.com/pitwall-hq/pitwall/internal/broadcast"
	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/geom"
	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/metrics"
	"github.com/pitwall-hq/pitwall/internal/normalize"
	"github.com/pitwall-hq/pitwall/internal/persist"
	"github.com/pitwall-hq/pitwall/internal/state"
)

// sessionEventBody is the session broadcast payload.
type sessionEventBody struct {
	Active      bool   `json:"active"`
	TrackName   string `json:"trackName,omitempty"`
	SessionType string `json:"sessionType,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
}

// handleSessionEvent drives the Idle/Active/Ending transitions.
func (c *Core) handleSessionEvent(p event.SessionPayload, src event.Source) {
	now := c.clock.Now()

	if c.session != nil {
		if p.SessionKey == c.session.SessionKey {
			if p.DateEnd > 0 {
				c.session.DateEnd = time.UnixMilli(p.DateEnd)
			}
			if p.Ended || (p.DateEnd > 0 && now.After(time.UnixMilli(p.DateEnd))) {
				c.endSession("upstream declared end")
			}
			return
		}
		// a new key supersedes the active session synchronously
		c.endSession("superseded by new session")
	}

	if p.Ended {
		return
	}
	if p.DateEnd > 0 && now.After(time.UnixMilli(p.DateEnd)) {
		return
	}
	if p.DateStart > 0 && now.Before(time.UnixMilli(p.DateStart)) {
		c.logger.Debug().Int64(log.FieldSessionKey, p.SessionKey).
			Str(log.FieldSource, string(src)).Msg("session not started yet")
		return
	}
	c.startSession(p, false)
}

func (c *Core) startSession(p event.SessionPayload, replayMode bool) {
	sess := state.New(p)
	if replayMode {
		sess.SessionType = state.SessionTypeDemo
	}

	c.session = sess
	c.replayMode = replayMode
	c.agg = aggregate.New(replayMode)
	c.sr = normalize.NewSignalR()
	c.prevProgress = make(map[int]float64)
	c.hasProgress = make(map[int]bool)
	c.recording = nil
	c.lastSampled = make(map[string]int64)
	c.trackFromStore = false
	c.phase = PhaseActive

	c.override = TrackOverride{}
	if c.cfg.Override != nil {
		if ov, ok := c.cfg.Override(sess.TrackName); ok {
			c.override = ov
			if ov.PitSpeedLimitKPH > 0 {
				sess.PitProfile = &geom.PitLaneProfile{SpeedLimitKPH: ov.PitSpeedLimitKPH}
			}
		}
	}

	ctx, cancel := context.WithCancel(c.runCtx)
	c.sessionCtx, c.sessionCancel = ctx, cancel

	kind := "live"
	if replayMode {
		kind = "replay"
	}
	metrics.SetSessionActive(kind, true)
	logger := log.WithSession("core", sess.SessionKey)
	logger.Info().
		Str(log.FieldTrack, sess.TrackName).
		Str("session_type", sess.SessionType).
		Str("session_name", sess.SessionName).
		Msg("session started")

	c.bc.Broadcast(broadcast.RoomLive, broadcast.EventSession, sessionEventBody{
		Active:      true,
		TrackName:   sess.TrackName,
		SessionType: sess.SessionType,
		SessionName: sess.SessionName,
	})

	c.loadStoredTrackmap(ctx, sess)
	c.fetchMultiviewer(ctx, sess)

	c.every(ctx, positionInterval, sess, c.positionsTick)
	c.every(ctx, driverStateInterval, sess, c.driverStatesTick)
	c.every(ctx, fallbackClockInterval, sess, c.fallbackClockTick)
	if !replayMode {
		c.every(ctx, progressiveSaveInterval, sess, c.progressiveSaveTick)
	}
	c.after(ctx, capabilityDelay, sess, c.capabilityReport)
}

// after schedules a one-shot writer callback tied to the session lifecycle.
func (c *Core) after(ctx context.Context, d time.Duration, sess *state.Session, fn func()) {
	go func() {
		timer := c.clock.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.Chan():
			c.Submit(func() {
				if c.session == sess {
					fn()
				}
			})
		}
	}()
}

func (c *Core) endSession(reason string) {
	sess := c.session
	if sess == nil {
		return
	}
	c.phase = PhaseEnding
	replayMode := c.replayMode
	logger := log.WithSession("core", sess.SessionKey)
	logger.Info().Str(log.FieldReason, reason).Msg("session ending")

	c.sessionCancel()

	if !replayMode {
		snap := sess.Snapshot()
		recording := c.recording
		c.recording = nil
		go c.finalPersist(snap, recording)
	}

	kind := "live"
	if replayMode {
		kind = "replay"
	}
	metrics.SetSessionActive(kind, false)
	c.bc.Broadcast(broadcast.RoomLive, broadcast.EventSession, sessionEventBody{Active: false})

	c.session = nil
	c.agg = nil
	c.replayMode = false
	c.phase = PhaseIdle
}

// finalPersist flushes the closing snapshot, the trackmap upsert and the
// replay recording. Runs off the writer; failures only log.
func (c *Core) finalPersist(snap *state.Session, recording []persist.ReplayMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := c.store.SaveSession(ctx, snap)
	metrics.IncPersist("session", err)
	if err != nil {
		c.logger.Error().Err(err).Int64(log.FieldSessionKey, snap.SessionKey).
			Msg("final session save failed")
	}

	if len(snap.BaselinePath) > 0 {
		err = c.store.UpsertTrackmap(ctx, snap.TrackName, trackmapUpdateFrom(snap))
		metrics.IncPersist("trackmap", err)
		if err != nil {
			c.logger.Error().Err(err).Str(log.FieldTrack, snap.TrackName).
				Msg("trackmap upsert failed")
		}
	}

	if len(recording) > 0 {
		doc := &persist.ReplayDoc{
			SessionKey:       snap.SessionKey,
			CircuitKey:       snap.MeetingKey,
			TrackName:        snap.TrackName,
			SessionName:      snap.SessionName,
			SessionEndMillis: snap.DateEnd.UnixMilli(),
			DriverCount:      len(snap.Drivers),
			Messages:         recording,
			CreatedAt:        time.Now().UTC(),
		}
		err = c.store.SaveReplay(ctx, doc)
		metrics.IncPersist("replay", err)
		if err != nil {
			c.logger.Error().Err(err).Int64(log.FieldSessionKey, snap.SessionKey).
				Msg("replay save failed")
		}
	}
}

// pollSession asks upstream for an in-progress session and also enforces
// the active session's time window.
func (c *Core) pollSession() {
	if c.session != nil {
		if !c.session.DateEnd.IsZero() && c.clock.Now().After(c.session.DateEnd) {
			c.endSession("session window passed")
		}
	}
	if c.cfg.Finder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.runCtx, 10*time.Second)
		defer cancel()
		p, err := c.cfg.Finder.CurrentSession(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Debug().Err(err).Msg("session poll failed")
			}
			return
		}
		if p == nil {
			return
		}
		ev := *p
		c.Submit(func() { c.handleSessionEvent(ev, event.SourceMQTT) })
	}()
}
