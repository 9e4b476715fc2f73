package healthsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimisticStore(t *testing.T) {
	prior := Record{"status": "booked"}
	local := Record{"status": "cancelled"}

	t.Run("confirm resolves against the server record", func(t *testing.T) {
		s := NewOptimisticStore()
		u := s.Begin("a1", prior, local)
		assert.Equal(t, UpdatePending, u.State)
		assert.Equal(t, local, u.Value)

		u, err := s.Confirm("a1", Record{"status": "cancelled", "refund": true}, ServerWins)
		require.NoError(t, err)
		assert.Equal(t, UpdateConfirmed, u.State)
		assert.Equal(t, true, u.Value["refund"])
	})

	t.Run("rollback restores prior", func(t *testing.T) {
		s := NewOptimisticStore()
		s.Begin("a1", prior, local)
		u, err := s.Rollback("a1")
		require.NoError(t, err)
		assert.Equal(t, UpdateRolledBack, u.State)
		assert.Equal(t, prior, u.Value)
	})

	t.Run("unknown ids", func(t *testing.T) {
		s := NewOptimisticStore()
		_, err := s.Confirm("nope", nil, ServerWins)
		require.ErrorIs(t, err, ErrUnknownUpdate)
		_, err = s.Rollback("nope")
		require.ErrorIs(t, err, ErrUnknownUpdate)

		s.Begin("a1", prior, local)
		s.Forget("a1")
		_, ok := s.Get("a1")
		assert.False(t, ok)
	})
}

func TestApplyOptimistic(t *testing.T) {
	ctx := context.Background()
	req := func(call func(context.Context) (Record, error)) OptimisticRequest {
		return OptimisticRequest{
			ID:       "a1",
			Prior:    Record{"status": "booked"},
			Local:    Record{"status": "cancelled"},
			Strategy: Merge,
			Call:     call,
			Action:   ActionCancelAppointment,
			Payload:  map[string]string{"id": "a1"},
		}
	}

	t.Run("online success confirms", func(t *testing.T) {
		e, q, _ := newTestEngine(t, true, stubExecutors(&callLog{}, nil))
		store := NewOptimisticStore()
		u, err := e.ApplyOptimistic(ctx, store, req(func(context.Context) (Record, error) {
			return Record{"status": "cancelled", "cancelledBy": "patient"}, nil
		}))
		require.NoError(t, err)
		assert.Equal(t, UpdateConfirmed, u.State)
		assert.Equal(t, Record{"status": "cancelled", "cancelledBy": "patient"}, u.Value)
		assert.Zero(t, q.Len())
	})

	t.Run("online failure rolls back", func(t *testing.T) {
		e, _, _ := newTestEngine(t, true, stubExecutors(&callLog{}, nil))
		store := NewOptimisticStore()
		callErr := errors.New("appointment already started")
		u, err := e.ApplyOptimistic(ctx, store, req(func(context.Context) (Record, error) {
			return nil, callErr
		}))
		require.ErrorIs(t, err, callErr)
		assert.Equal(t, UpdateRolledBack, u.State)
		assert.Equal(t, Record{"status": "booked"}, u.Value)
	})

	t.Run("offline queues and stays pending", func(t *testing.T) {
		e, q, _ := newTestEngine(t, false, stubExecutors(&callLog{}, nil))
		store := NewOptimisticStore()
		called := false
		u, err := e.ApplyOptimistic(ctx, store, req(func(context.Context) (Record, error) {
			called = true
			return nil, nil
		}))
		require.NoError(t, err)
		assert.False(t, called)
		assert.Equal(t, UpdatePending, u.State)
		require.Equal(t, 1, q.Len())
		assert.Equal(t, ActionCancelAppointment, q.List()[0].Type)
	})

	t.Run("offline with an unknown action rolls back", func(t *testing.T) {
		e, _, _ := newTestEngine(t, false, stubExecutors(&callLog{}, nil))
		r := req(nil)
		r.Action = ActionType("bogus")
		u, err := e.ApplyOptimistic(ctx, NewOptimisticStore(), r)
		require.ErrorIs(t, err, ErrUnknownActionType)
		assert.Equal(t, UpdateRolledBack, u.State)
	})
}
