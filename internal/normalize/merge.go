// SPDX-License-Identifier: MIT

// Package normalize converts upstream messages into the source-agnostic
// event schema. Translation is pure except for the SignalR per-topic
// accumulator, which is the only place accumulation happens.
package normalize

import (
	"strconv"
	"strings"
	"time"
)

// DeepMerge folds src into dst: maps merge recursively, scalars and arrays
// replace. dst is mutated and returned.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = DeepMerge(dm, sm)
				continue
			}
			dst[k] = DeepMerge(make(map[string]any, len(sm)), sm)
			continue
		}
		dst[k] = v
	}
	return dst
}

// ParseISOMillis parses an upstream ISO timestamp into unix milliseconds.
// Returns 0 when the string is empty or unparseable.
func ParseISOMillis(s string) int64 {
	if s == "" {
		return 0
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// getMap walks nested maps by key path.
func getMap(m map[string]any, path ...string) (map[string]any, bool) {
	cur := m
	for _, k := range path {
		next, ok := cur[k].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// getString returns a string value at the key, tolerating numbers.
func getString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// getFloat parses a numeric value that may arrive as a number or a string.
func getFloat(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case string:
		if v == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// getInt parses an integer value that may arrive as a number or a string.
func getInt(m map[string]any, key string) (int, bool) {
	f, ok := getFloat(m, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// getBool parses a boolean value that may arrive as a bool, a number, or a
// "0"/"1"/"true" string.
func getBool(m map[string]any, key string) (bool, bool) {
	switch v := m[key].(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true, true
		case "0", "false", "no", "":
			return false, true
		}
	}
	return false, false
}

// parseClockRemaining parses "H:MM:SS" or "MM:SS" into milliseconds.
func parseClockRemaining(s string) (int64, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	var total int64
	for _, p := range parts {
		n, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, false
		}
		total = total*60 + int64(n)
	}
	return total * 1000, true
}
