package healthsync

import (
	"context"
	"fmt"
	"sync"
)

// UpdateState is the lifecycle of an optimistic update.
type UpdateState string

const (
	UpdatePending    UpdateState = "pending"
	UpdateConfirmed  UpdateState = "confirmed"
	UpdateRolledBack UpdateState = "rolled-back"
)

// OptimisticUpdate is a local change shown before the server confirmed it.
type OptimisticUpdate struct {
	ID    string
	State UpdateState
	Prior Record
	Local Record
	// Value is what the UI should show: Local while pending, the resolved
	// record once confirmed, Prior after a rollback.
	Value Record
}

// OptimisticStore tracks optimistic updates by id.
type OptimisticStore struct {
	mu      sync.Mutex
	updates map[string]*OptimisticUpdate
}

func NewOptimisticStore() *OptimisticStore {
	return &OptimisticStore{updates: make(map[string]*OptimisticUpdate)}
}

// Begin records a pending update, replacing any earlier one for id.
func (s *OptimisticStore) Begin(id string, prior, local Record) OptimisticUpdate {
	u := &OptimisticUpdate{ID: id, State: UpdatePending, Prior: prior, Local: local, Value: local}
	s.mu.Lock()
	s.updates[id] = u
	s.mu.Unlock()
	return *u
}

// Confirm settles a pending update against the server's record.
func (s *OptimisticStore) Confirm(id string, remote Record, strategy Strategy) (OptimisticUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[id]
	if !ok {
		return OptimisticUpdate{}, fmt.Errorf("%w: %s", ErrUnknownUpdate, id)
	}
	value, err := Resolve(u.Local, remote, strategy)
	if err != nil {
		return *u, err
	}
	u.State = UpdateConfirmed
	u.Value = value
	return *u, nil
}

// Rollback restores the prior value of a pending update.
func (s *OptimisticStore) Rollback(id string) (OptimisticUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[id]
	if !ok {
		return OptimisticUpdate{}, fmt.Errorf("%w: %s", ErrUnknownUpdate, id)
	}
	u.State = UpdateRolledBack
	u.Value = u.Prior
	return *u, nil
}

func (s *OptimisticStore) Get(id string) (OptimisticUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[id]
	if !ok {
		return OptimisticUpdate{}, false
	}
	return *u, true
}

// Forget drops a settled update.
func (s *OptimisticStore) Forget(id string) {
	s.mu.Lock()
	delete(s.updates, id)
	s.mu.Unlock()
}

// OptimisticRequest describes one optimistic mutation.
type OptimisticRequest struct {
	ID       string
	Prior    Record
	Local    Record
	Strategy Strategy
	// Call performs the mutation online and returns the server's record.
	Call func(ctx context.Context) (Record, error)
	// Action and Payload are queued when offline.
	Action  ActionType
	Payload any
}

// ApplyOptimistic shows req.Local at once. Online, it calls the server and
// confirms or rolls back. Offline, it queues the action and leaves the
// update pending.
func (e *SyncEngine) ApplyOptimistic(ctx context.Context, store *OptimisticStore, req OptimisticRequest) (OptimisticUpdate, error) {
	store.Begin(req.ID, req.Prior, req.Local)

	if !e.net.IsOnline() {
		if _, err := e.QueueAction(ctx, req.Action, req.Payload); err != nil {
			u, _ := store.Rollback(req.ID)
			return u, err
		}
		u, _ := store.Get(req.ID)
		return u, nil
	}

	remote, err := req.Call(ctx)
	if err != nil {
		u, _ := store.Rollback(req.ID)
		e.log.WithError(err).WithField("update_id", req.ID).Info("optimistic update rolled back")
		return u, err
	}
	return store.Confirm(req.ID, remote, req.Strategy)
}
