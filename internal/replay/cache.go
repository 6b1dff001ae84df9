// SPDX-License-Identifier: MIT

package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/persist"
)

// loadRecording prefers the local disk cache over the store. A store hit is
// written back to the cache so the next start is instant.
func (e *Engine) loadRecording(ctx context.Context, sessionKey int64) (*persist.ReplayDoc, error) {
	if doc, ok := e.readCache(sessionKey); ok {
		return doc, nil
	}
	doc, err := e.store.LoadReplay(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	e.writeCache(doc)
	return doc, nil
}

func (e *Engine) cachePath(sessionKey int64) string {
	return filepath.Join(e.cacheDir, fmt.Sprintf("replay_%d.json", sessionKey))
}

func (e *Engine) readCache(sessionKey int64) (*persist.ReplayDoc, bool) {
	if e.cacheDir == "" {
		return nil, false
	}
	buf, err := os.ReadFile(e.cachePath(sessionKey))
	if err != nil {
		return nil, false
	}
	var doc persist.ReplayDoc
	if err := json.Unmarshal(buf, &doc); err != nil {
		e.logger.Warn().Err(err).Int64(log.FieldSessionKey, sessionKey).Msg("replay cache corrupt, ignoring")
		return nil, false
	}
	return &doc, true
}

// writeCache is best effort; the write is atomic so a crash can never leave
// a half-written recording behind.
func (e *Engine) writeCache(doc *persist.ReplayDoc) {
	if e.cacheDir == "" {
		return
	}
	if err := os.MkdirAll(e.cacheDir, 0o755); err != nil {
		e.logger.Warn().Err(err).Msg("replay cache dir not writable")
		return
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := renameio.WriteFile(e.cachePath(doc.SessionKey), buf, 0o644); err != nil {
		e.logger.Warn().Err(err).Msg("replay cache write failed")
	}
}
