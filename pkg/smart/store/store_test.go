package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k1", []byte(`{"serverUrl":"https://x"}`)))
	got, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"serverUrl":"https://x"}`, string(got))

	// upsert replaces
	require.NoError(t, s.Set(ctx, "k1", []byte(`{"serverUrl":"https://y"}`)))
	got, _, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"serverUrl":"https://y"}`, string(got))

	existed, err := s.Unset(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Unset(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, existed)
}
