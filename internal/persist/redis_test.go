// SPDX-License-Identifier: MIT

package persist

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/geom"
	"github.com/pitwall-hq/pitwall/internal/state"
)

func openTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisTrackmapUpsert(t *testing.T) {
	s, _ := openTestRedis(t)
	ctx := context.Background()

	_, err := s.GetTrackmap(ctx, "Spa")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertTrackmap(ctx, "Spa", TrackmapUpdate{
		Path:       []geom.Point{{X: 1}, {X: 2}},
		MeetingKey: 1255,
	}))
	require.NoError(t, s.UpsertTrackmap(ctx, "Spa", TrackmapUpdate{
		Corners:    []geom.Corner{{Number: 1, Progress: 0.02}},
		MeetingKey: 1255,
	}))

	doc, err := s.GetTrackmap(ctx, "Spa")
	require.NoError(t, err)
	assert.Len(t, doc.Path, 2)
	assert.Len(t, doc.Corners, 1)
	assert.Equal(t, []int64{1255}, doc.MeetingKeys)
	assert.Equal(t, 2, doc.ArcVersion)
}

func TestRedisSessionTTL(t *testing.T) {
	s, mr := openTestRedis(t)
	ctx := context.Background()

	snap := state.New(event.SessionPayload{SessionKey: 9300, TrackName: "Spa"})
	require.NoError(t, s.SaveSession(ctx, snap))

	loaded, err := s.LoadSession(ctx, 9300)
	require.NoError(t, err)
	assert.Equal(t, "Spa", loaded.TrackName)

	// Snapshots expire after the retention window.
	mr.FastForward(SessionTTL)
	_, err = s.LoadSession(ctx, 9300)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisReplayRoundTrip(t *testing.T) {
	s, mr := openTestRedis(t)
	ctx := context.Background()

	doc := &ReplayDoc{
		SessionKey:  9300,
		TrackName:   "Spa",
		DriverCount: 20,
		Messages: []ReplayMessage{
			{Topic: "v1/drivers", Data: json.RawMessage(`[]`), TimestampMillis: 5},
		},
	}
	require.NoError(t, s.SaveReplay(ctx, doc))
	assert.True(t, mr.Exists("replay:1009300"), "replay key is offset away from live sessions")

	loaded, err := s.LoadReplay(ctx, 9300)
	require.NoError(t, err)
	assert.Equal(t, 20, loaded.DriverCount)
	require.Len(t, loaded.Messages, 1)

	_, err = s.LoadReplay(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisPing(t *testing.T) {
	s, mr := openTestRedis(t)
	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
