// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"errors"
	"time"

	"github.com/pitwall-hq/pitwall/internal/broadcast"
	"github.com/pitwall-hq/pitwall/internal/geom"
	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/metrics"
	"github.com/pitwall-hq/pitwall/internal/persist"
	"github.com/pitwall-hq/pitwall/internal/state"
)

// TrackmapBody is the trackmap fan-out payload.
type TrackmapBody struct {
	TrackName          string                 `json:"trackName"`
	Path               []geom.Point           `json:"path"`
	PathVersion        int                    `json:"pathVersion"`
	TotalLapsProcessed int                    `json:"totalLapsProcessed"`
	Corners            []geom.Corner          `json:"corners,omitempty"`
	SectorBoundaries   *geom.SectorBoundaries `json:"sectorBoundaries,omitempty"`
	PitLaneProfile     *geom.PitLaneProfile   `json:"pitLaneProfile,omitempty"`
	RotationOverride   float64                `json:"rotationOverride"`
}

// loadStoredTrackmap adopts a previously persisted layout so clients get a
// map before the first fast lap. In replay mode a map built from a
// different session is skipped: GPS coordinate systems differ between
// sessions of the same circuit.
func (c *Core) loadStoredTrackmap(ctx context.Context, sess *state.Session) {
	go func() {
		loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		doc, err := c.store.GetTrackmap(loadCtx, sess.TrackName)
		if err != nil {
			if !errors.Is(err, persist.ErrNotFound) {
				c.logger.Warn().Err(err).Str(log.FieldTrack, sess.TrackName).
					Msg("stored trackmap load failed")
			}
			return
		}
		c.Submit(func() {
			if c.session != sess || len(doc.Path) < 2 {
				return
			}
			if c.replayMode && doc.LatestSessionKey != sess.SessionKey {
				c.logger.Debug().Str(log.FieldTrack, sess.TrackName).
					Msg("stored trackmap from another session, rebuilding from replay data")
				return
			}
			// live data may have produced a map while the load ran
			if sess.PathVersion > 0 {
				return
			}
			sess.BaselinePath = doc.Path
			sess.BaselineArc = geom.ArcLengths(doc.Path)
			sess.MultiviewerPath = doc.MultiviewerPath
			sess.MultiviewerArc = geom.ArcLengths(doc.MultiviewerPath)
			sess.Corners = doc.Corners
			sess.SectorBounds = doc.SectorBoundaries
			if doc.PitLaneProfile != nil {
				sess.PitProfile = doc.PitLaneProfile
			}
			sess.PathVersion = doc.ArcVersion
			sess.LapsProcessed = doc.TotalLapsProcessed
			if c.override.Rotation == 0 {
				c.override.Rotation = doc.RotationOverride
			}
			c.trackFromStore = true
			metrics.GeometryPathVersion.Set(float64(sess.PathVersion))
			c.emitTrackmap(sess)
		})
	}()
}

// fetchMultiviewer pulls the high-fidelity display path, best effort.
func (c *Core) fetchMultiviewer(ctx context.Context, sess *state.Session) {
	if c.cfg.Fetcher == nil {
		return
	}
	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, multiviewerTimeout)
		defer cancel()
		pts, err := c.cfg.Fetcher.FetchTrack(fetchCtx, sess.TrackName)
		if err != nil {
			c.logger.Debug().Err(err).Str(log.FieldTrack, sess.TrackName).
				Msg("multiviewer fetch failed, GPS path remains the display layer")
			return
		}
		if len(pts) < 2 {
			return
		}
		c.Submit(func() {
			if c.session != sess {
				return
			}
			sess.MultiviewerPath = pts
			sess.MultiviewerArc = geom.ArcLengths(pts)
			c.emitTrackmap(sess)
		})
	}()
}

// rebuildGeometry recomputes the centerline and its derived layers from all
// validated fast laps. Any step that cannot produce a valid output leaves
// the prior result in place.
func (c *Core) rebuildGeometry(s *state.Session) {
	start := time.Now()
	traces := s.FastLapTraces()
	path, ok := geom.BuildCenterline(traces, geom.TargetPathPoints)
	if !ok {
		return
	}

	if c.trackFromStore && len(s.BaselinePath) > 1 && !geom.LayoutChanged(s.BaselinePath, path) {
		// stored layout still matches; keep refining only the derived layers
		s.LapsProcessed = len(traces)
		c.deriveSectorBoundaries(s)
		c.deriveCorners(s)
		return
	}
	if c.trackFromStore {
		// a genuinely different layout invalidates progress-based layers
		s.SectorBounds = nil
		s.Corners = nil
	}

	s.BaselinePath = path
	s.BaselineArc = geom.ArcLengths(path)
	s.PathVersion++
	s.LapsProcessed = len(traces)
	c.trackFromStore = false
	metrics.GeometryPathVersion.Set(float64(s.PathVersion))

	c.deriveSectorBoundaries(s)
	c.deriveCorners(s)
	c.emitTrackmap(s)
	metrics.GeometryBuildDuration.Observe(time.Since(start).Seconds())
}

func (c *Core) deriveSectorBoundaries(s *state.Session) {
	laps := s.SectorLaps()
	crossings := make([]geom.SectorCrossings, 0, len(laps))
	for _, lap := range laps {
		if cr, ok := geom.CrossingsForLap(lap); ok {
			crossings = append(crossings, cr)
		}
	}
	if len(crossings) == 0 {
		return
	}
	s.SectorCrossings = crossings
	if b, ok := geom.DeriveSectorBoundaries(s.BaselinePath, s.BaselineArc, crossings); ok {
		s.SectorBounds = &b
	}
}

func (c *Core) deriveCorners(s *state.Session) {
	startFinish := 0.0
	if s.SectorBounds != nil {
		startFinish = s.SectorBounds.StartFinish
	}
	if corners, ok := geom.DetectCorners(s.BaselinePath, s.BaselineArc, startFinish); ok {
		s.Corners = corners
	}
}

func (c *Core) emitTrackmap(s *state.Session) {
	c.bc.Broadcast(broadcast.RoomLive, broadcast.EventTrackmap, TrackmapBody{
		TrackName:          s.TrackName,
		Path:               s.BaselinePath,
		PathVersion:        s.PathVersion,
		TotalLapsProcessed: s.LapsProcessed,
		Corners:            s.Corners,
		SectorBoundaries:   s.SectorBounds,
		PitLaneProfile:     s.PitProfile,
		RotationOverride:   c.override.Rotation,
	})
}

// trackmapUpdateFrom converts the closing snapshot into the progressive
// trackmap upsert.
func trackmapUpdateFrom(snap *state.Session) persist.TrackmapUpdate {
	return persist.TrackmapUpdate{
		Path:               snap.BaselinePath,
		MultiviewerPath:    snap.MultiviewerPath,
		Corners:            snap.Corners,
		SectorBoundaries:   snap.SectorBounds,
		PitLaneProfile:     snap.PitProfile,
		MeetingKey:         snap.MeetingKey,
		SessionKey:         snap.SessionKey,
		TotalLapsProcessed: snap.LapsProcessed,
	}
}
