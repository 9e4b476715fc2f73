package healthsync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage(t *testing.T) {
	ctx := context.Background()

	backends := map[string]func(t *testing.T) Storage{
		"memory": func(*testing.T) Storage { return NewMemoryStorage() },
		"sqlite": func(t *testing.T) Storage {
			s, err := OpenSQLiteStorage(ctx, filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	// e.g. HEALTHSYNC_TEST_MYSQL_DSN="root:pw@tcp(localhost:3306)/healthsync_test"
	if dsn := os.Getenv("HEALTHSYNC_TEST_MYSQL_DSN"); dsn != "" {
		backends["mysql"] = func(t *testing.T) Storage {
			s, err := OpenMySQLStorage(ctx, dsn)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "k", []byte(`{"a":1}`)))
			require.NoError(t, s.Set(ctx, "k", []byte(`{"a":2}`)))
			v, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, `{"a":2}`, string(v))

			require.NoError(t, s.Remove(ctx, "k"))
			require.NoError(t, s.Remove(ctx, "k"))
			_, ok, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSQLiteStorage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	t.Run("persists across reopen", func(t *testing.T) {
		s, err := OpenSQLiteStorage(ctx, path)
		require.NoError(t, err)
		q := NewQueue(ctx, s, nil)
		id, err := q.Enqueue(ctx, ActionCancelAppointment, map[string]string{"id": "a1"})
		require.NoError(t, err)
		require.NoError(t, NewCache(s, nil).Set(ctx, "appointments", []string{"a1"}))
		require.NoError(t, s.Close())

		s, err = OpenSQLiteStorage(ctx, path)
		require.NoError(t, err)
		defer s.Close()

		actions := NewQueue(ctx, s, nil).List()
		require.Len(t, actions, 1)
		assert.Equal(t, id, actions[0].ID)

		raw, ok := NewCache(s, nil).Get(ctx, "appointments")
		require.True(t, ok)
		assert.JSONEq(t, `["a1"]`, string(raw))
	})

	t.Run("lists keys by prefix", func(t *testing.T) {
		s, err := OpenSQLiteStorage(ctx, filepath.Join(t.TempDir(), "keys.db"))
		require.NoError(t, err)
		defer s.Close()

		for _, k := range []string{CacheKeyPrefix + "profile", keyPendingActions, CacheKeyPrefix + "appointments"} {
			require.NoError(t, s.Set(ctx, k, []byte("1")))
		}
		keys, err := s.Keys(ctx, CacheKeyPrefix)
		require.NoError(t, err)
		assert.Equal(t, []string{CacheKeyPrefix + "appointments", CacheKeyPrefix + "profile"}, keys)
	})

	t.Run("lists keys by a non-ASCII prefix", func(t *testing.T) {
		s, err := OpenSQLiteStorage(ctx, filepath.Join(t.TempDir(), "utf8.db"))
		require.NoError(t, err)
		defer s.Close()

		for _, k := range []string{"médecin:1", "médecin:2", "médical", "medecin:3"} {
			require.NoError(t, s.Set(ctx, k, []byte("1")))
		}
		keys, err := s.Keys(ctx, "médecin:")
		require.NoError(t, err)
		assert.Equal(t, []string{"médecin:1", "médecin:2"}, keys)
	})

	t.Run("memory storage copies values", func(t *testing.T) {
		m := NewMemoryStorage()
		in := []byte("abc")
		require.NoError(t, m.Set(ctx, "k", in))
		in[0] = 'X'
		out, _, _ := m.Get(ctx, "k")
		assert.Equal(t, "abc", string(out))
	})
}

func TestOpenMySQLStorageBadDSN(t *testing.T) {
	_, err := OpenMySQLStorage(context.Background(), "not a dsn")
	require.Error(t, err)
}
