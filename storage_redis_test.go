package healthsync

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set HEALTHSYNC_TEST_REDIS_URL (e.g. redis://localhost:6379/15) to run.
func TestRedisStorage(t *testing.T) {
	url := os.Getenv("HEALTHSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HEALTHSYNC_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := OpenRedisStorage(ctx, url, "healthsync-test-"+uuid.NewString())
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get(ctx, keyPendingActions)
	require.NoError(t, err)
	assert.False(t, ok)

	q := NewQueue(ctx, s, nil)
	id, err := q.Enqueue(ctx, ActionUpdateProfile, map[string]string{"name": "Ada"})
	require.NoError(t, err)
	require.NoError(t, NewCache(s, nil).Set(ctx, "profile", map[string]string{"name": "Ada"}))

	actions := NewQueue(ctx, s, nil).List()
	require.Len(t, actions, 1)
	assert.Equal(t, id, actions[0].ID)

	keys, err := s.Keys(ctx, CacheKeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{CacheKeyPrefix + "profile"}, keys)

	require.NoError(t, s.Set(ctx, "a*b", []byte("1")))
	require.NoError(t, s.Set(ctx, "axb", []byte("1")))
	keys, err = s.Keys(ctx, "a*")
	require.NoError(t, err)
	assert.Equal(t, []string{"a*b"}, keys)
	require.NoError(t, s.Remove(ctx, "a*b"))
	require.NoError(t, s.Remove(ctx, "axb"))

	q.Clear(ctx)
	NewCache(s, nil).Remove(ctx, "profile")
	keys, err = s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestOpenRedisStorageBadURL(t *testing.T) {
	_, err := OpenRedisStorage(context.Background(), "postgres://nope", "x")
	require.Error(t, err)
}

func TestGlobEscaper(t *testing.T) {
	assert.Equal(t, `ns:cache\*`, globEscaper.Replace("ns:cache*"))
	assert.Equal(t, `\?\[ab\]\\`, globEscaper.Replace(`?[ab]\`))
	assert.Equal(t, "plain:key", globEscaper.Replace("plain:key"))
}
