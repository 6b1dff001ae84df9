// SPDX-License-Identifier: MIT

package persist

import (
	"context"
	"fmt"
	"strings"
)

// Open selects a backend from a storage URI.
//
//	badger:///var/lib/pitwall  (default when the scheme is missing)
//	redis://localhost:6379/0
func Open(ctx context.Context, uri string) (Store, error) {
	switch {
	case uri == "":
		return nil, fmt.Errorf("storage uri is empty")
	case strings.HasPrefix(uri, "redis://"), strings.HasPrefix(uri, "rediss://"):
		return OpenRedis(ctx, uri)
	case strings.HasPrefix(uri, "badger://"):
		return OpenBadger(strings.TrimPrefix(uri, "badger://"))
	case strings.Contains(uri, "://"):
		return nil, fmt.Errorf("unknown storage scheme in %q", uri)
	default:
		// bare path
		return OpenBadger(uri)
	}
}
