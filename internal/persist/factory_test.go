// SPDX-License-Identifier: MIT

package persist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, "")
	assert.Error(t, err)

	_, err = Open(ctx, "postgres://localhost/pitwall")
	assert.ErrorContains(t, err, "unknown storage scheme")

	dir := filepath.Join(t.TempDir(), "db")
	s, err := Open(ctx, "badger://"+dir)
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	// A bare path defaults to badger.
	s, err = Open(ctx, filepath.Join(t.TempDir(), "db2"))
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())
}
