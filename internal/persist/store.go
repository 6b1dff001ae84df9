// SPDX-License-Identifier: MIT

// Package persist stores trackmap documents, session snapshots and replay
// recordings. Two backends implement the same Store contract: an embedded
// Badger database (default) and Redis.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pitwall-hq/pitwall/internal/geom"
	"github.com/pitwall-hq/pitwall/internal/state"
)

const (
	// SessionTTL evicts progressive session snapshots.
	SessionTTL = 30 * 24 * time.Hour

	// ReplayKeyOffset namespaces replay documents away from live sessions.
	ReplayKeyOffset = 1_000_000

	// DefaultReplayMaxBytes caps a stored replay recording.
	DefaultReplayMaxBytes = 6 << 20
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("persist: not found")

// TrackmapArchive is a per-year snapshot of a superseded layout.
type TrackmapArchive struct {
	Path               []geom.Point `json:"path"`
	TotalLapsProcessed int          `json:"totalLapsProcessed"`
	Year               int          `json:"year"`
	ArchivedAt         time.Time    `json:"archivedAt"`
}

// TrackmapDoc is the stored per-track geometry document.
type TrackmapDoc struct {
	TrackName          string                 `json:"trackName"`
	Path               []geom.Point           `json:"path"`
	ArcVersion         int                    `json:"arcVersion"`
	MultiviewerPath    []geom.Point           `json:"multiviewerPath,omitempty"`
	Corners            []geom.Corner          `json:"corners,omitempty"`
	SectorBoundaries   *geom.SectorBoundaries `json:"sectorBoundaries,omitempty"`
	PitLaneProfile     *geom.PitLaneProfile   `json:"pitLaneProfile,omitempty"`
	MeetingKeys        []int64                `json:"meetingKeys"`
	LatestSessionKey   int64                  `json:"latestSessionKey"`
	TotalLapsProcessed int                    `json:"totalLapsProcessed"`
	RotationOverride   float64                `json:"rotationOverride"`
	History            []TrackmapArchive      `json:"history,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// TrackmapUpdate is one progressive trackmap upsert. Nil slices and nil
// pointers leave the stored value untouched.
type TrackmapUpdate struct {
	Path               []geom.Point
	MultiviewerPath    []geom.Point
	Corners            []geom.Corner
	SectorBoundaries   *geom.SectorBoundaries
	PitLaneProfile     *geom.PitLaneProfile
	MeetingKey         int64
	SessionKey         int64
	TotalLapsProcessed int
}

// ReplayMessage is one buffered raw upstream message.
type ReplayMessage struct {
	Topic           string          `json:"topic"`
	Data            json.RawMessage `json:"data"`
	TimestampMillis int64           `json:"timestamp"`
}

// ReplayDoc is a stored session recording.
type ReplayDoc struct {
	SessionKey       int64           `json:"sessionKey"`
	CircuitKey       int64           `json:"circuitKey"`
	TrackName        string          `json:"trackName"`
	SessionName      string          `json:"sessionName"`
	SessionEndMillis int64           `json:"sessionEndTs"`
	DriverCount      int             `json:"driverCount"`
	Messages         []ReplayMessage `json:"messages"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Store is the document-store contract. Writes are atomic per key.
type Store interface {
	GetTrackmap(ctx context.Context, trackName string) (*TrackmapDoc, error)
	UpsertTrackmap(ctx context.Context, trackName string, up TrackmapUpdate) error
	SaveSession(ctx context.Context, snap *state.Session) error
	LoadSession(ctx context.Context, sessionKey int64) (*state.Session, error)
	SaveReplay(ctx context.Context, doc *ReplayDoc) error
	LoadReplay(ctx context.Context, sessionKey int64) (*ReplayDoc, error)
	Ping(ctx context.Context) error
	Close() error
}

// applyTrackmapUpdate folds an update into a stored document. A path from a
// previous year is archived under history before it is overwritten, keeping
// one snapshot per season.
func applyTrackmapUpdate(doc *TrackmapDoc, trackName string, up TrackmapUpdate, now time.Time) {
	if doc.TrackName == "" {
		doc.TrackName = trackName
		doc.CreatedAt = now
	}
	if len(up.Path) > 0 {
		if len(doc.Path) > 0 && doc.UpdatedAt.Year() < now.Year() {
			doc.History = append(doc.History, TrackmapArchive{
				Path:               doc.Path,
				TotalLapsProcessed: doc.TotalLapsProcessed,
				Year:               doc.UpdatedAt.Year(),
				ArchivedAt:         now,
			})
		}
		doc.Path = up.Path
	}
	if len(up.MultiviewerPath) > 0 {
		doc.MultiviewerPath = up.MultiviewerPath
	}
	if len(up.Corners) > 0 {
		doc.Corners = up.Corners
	}
	if up.SectorBoundaries != nil {
		doc.SectorBoundaries = up.SectorBoundaries
	}
	if up.PitLaneProfile != nil {
		doc.PitLaneProfile = up.PitLaneProfile
	}
	if up.MeetingKey != 0 && !containsKey(doc.MeetingKeys, up.MeetingKey) {
		doc.MeetingKeys = append(doc.MeetingKeys, up.MeetingKey)
	}
	if up.SessionKey != 0 {
		doc.LatestSessionKey = up.SessionKey
	}
	if up.TotalLapsProcessed > 0 {
		doc.TotalLapsProcessed = up.TotalLapsProcessed
	}
	doc.ArcVersion++
	doc.UpdatedAt = now
}

func containsKey(keys []int64, k int64) bool {
	for _, v := range keys {
		if v == k {
			return true
		}
	}
	return false
}

// TrimReplayMessages drops messages from the tail until the serialized
// form fits the byte budget. The preamble (session info, driver list,
// initial state) lives at the front and must survive.
func TrimReplayMessages(msgs []ReplayMessage, maxBytes int) []ReplayMessage {
	if maxBytes <= 0 {
		maxBytes = DefaultReplayMaxBytes
	}
	total := 0
	for i, m := range msgs {
		size := len(m.Topic) + len(m.Data) + 32 // field overhead estimate
		if total+size > maxBytes {
			return msgs[:i]
		}
		total += size
	}
	return msgs
}
