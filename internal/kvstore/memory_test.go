package kvstore

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStoreWithClock(func() time.Time { return now })

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "tx:1", []byte("a"), 0))
	require.NoError(t, s.Set(ctx, "tx:2", []byte("b"), time.Minute))
	require.NoError(t, s.Set(ctx, "pref:theme", []byte("dark"), 0))

	v, err := s.Get(ctx, "tx:1")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), v)

	// Returned slices are copies.
	v[0] = 'z'
	v, _ = s.Get(ctx, "tx:1")
	require.Equal(t, []byte("a"), v)

	keys, err := s.Keys(ctx, "tx:")
	require.NoError(t, err)
	sort.Strings(keys)
	require.Equal(t, []string{"tx:1", "tx:2"}, keys)

	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, "tx:2")
	require.ErrorIs(t, err, ErrNotFound)
	keys, _ = s.Keys(ctx, "tx:")
	require.Equal(t, []string{"tx:1"}, keys)

	require.NoError(t, s.Delete(ctx, "tx:1"))
	_, err = s.Get(ctx, "tx:1")
	require.ErrorIs(t, err, ErrNotFound)
}
