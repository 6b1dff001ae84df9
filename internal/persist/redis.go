// SPDX-License-Identifier: MIT

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/state"
)

// RedisStore is the shared-deployment backend. Keys mirror the Badger
// layout; trackmap upserts use WATCH so concurrent writers cannot lose
// a progressive update.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// OpenRedis connects using a redis:// URI and verifies the connection.
func OpenRedis(ctx context.Context, uri string) (*RedisStore, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("persist.redis")
	logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to redis")
	return &RedisStore{client: client, logger: logger}, nil
}

// NewRedisStore wraps an existing client; used by tests with miniredis.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, logger: log.WithComponent("persist.redis")}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) GetTrackmap(ctx context.Context, trackName string) (*TrackmapDoc, error) {
	val, err := s.client.Get(ctx, string(trackKey(trackName))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out TrackmapDoc
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisStore) UpsertTrackmap(ctx context.Context, trackName string, up TrackmapUpdate) error {
	key := string(trackKey(trackName))
	txf := func(tx *redis.Tx) error {
		var doc TrackmapDoc
		val, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			if err := json.Unmarshal(val, &doc); err != nil {
				return err
			}
		case errors.Is(err, redis.Nil):
			// first sighting of this track
		default:
			return err
		}
		applyTrackmapUpdate(&doc, trackName, up, time.Now().UTC())
		buf, err := json.Marshal(&doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, 0)
			return nil
		})
		return err
	}
	// Retry on write conflict a few times before surfacing the error.
	for i := 0; i < 3; i++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("trackmap upsert for %s lost the watch race", trackName)
}

func (s *RedisStore) SaveSession(ctx context.Context, snap *state.Session) error {
	buf, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, string(sessionKey(snap.SessionKey)), buf, SessionTTL).Err()
}

func (s *RedisStore) LoadSession(ctx context.Context, key int64) (*state.Session, error) {
	val, err := s.client.Get(ctx, string(sessionKey(key))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out state.Session
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisStore) SaveReplay(ctx context.Context, doc *ReplayDoc) error {
	doc.Messages = TrimReplayMessages(doc.Messages, DefaultReplayMaxBytes)
	buf, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, string(replayKey(doc.SessionKey)), buf, SessionTTL).Err()
}

func (s *RedisStore) LoadReplay(ctx context.Context, key int64) (*ReplayDoc, error) {
	val, err := s.client.Get(ctx, string(replayKey(key))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out ReplayDoc
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var _ Store = (*RedisStore)(nil)
