// SPDX-License-Identifier: MIT

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/state"
)

// BadgerStore is the embedded default backend.
// Keys: "track:<name>" (JSON), "sess:<key>" (JSON, TTL),
// "replay:<key+offset>" (JSON, TTL).
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
}

// OpenBadger opens or creates the database at path.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db, logger: log.WithComponent("persist.badger")}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: closed")
	}
	return nil
}

func trackKey(name string) []byte { return []byte("track:" + name) }

func sessionKey(key int64) []byte { return []byte(fmt.Sprintf("sess:%d", key)) }

func replayKey(key int64) []byte {
	return []byte(fmt.Sprintf("replay:%d", key+ReplayKeyOffset))
}

func (s *BadgerStore) GetTrackmap(ctx context.Context, trackName string) (*TrackmapDoc, error) {
	var out TrackmapDoc
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(trackKey(trackName))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertTrackmap performs a read-modify-write inside a single transaction so
// concurrent session ends cannot lose a progressive update.
func (s *BadgerStore) UpsertTrackmap(ctx context.Context, trackName string, up TrackmapUpdate) error {
	key := trackKey(trackName)
	return s.db.Update(func(txn *badger.Txn) error {
		var doc TrackmapDoc
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// first sighting of this track
		default:
			return err
		}
		applyTrackmapUpdate(&doc, trackName, up, time.Now().UTC())
		buf, err := json.Marshal(&doc)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
}

func (s *BadgerStore) SaveSession(ctx context.Context, snap *state.Session) error {
	buf, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	entry := badger.NewEntry(sessionKey(snap.SessionKey), buf).WithTTL(SessionTTL)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) LoadSession(ctx context.Context, key int64) (*state.Session, error) {
	var out state.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) SaveReplay(ctx context.Context, doc *ReplayDoc) error {
	doc.Messages = TrimReplayMessages(doc.Messages, DefaultReplayMaxBytes)
	buf, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	entry := badger.NewEntry(replayKey(doc.SessionKey), buf).WithTTL(SessionTTL)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) LoadReplay(ctx context.Context, key int64) (*ReplayDoc, error) {
	var out ReplayDoc
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(replayKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

var _ Store = (*BadgerStore)(nil)
