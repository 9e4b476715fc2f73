package healthsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Queue is the durable FIFO of pending actions. The in-memory list is the
// source of truth; every mutation rewrites the persisted copy. When storage
// fails the queue keeps working from memory for the rest of the session.
type Queue struct {
	storage Storage
	log     logrus.FieldLogger
	now     func() time.Time

	mu      sync.Mutex
	actions []PendingAction
	ids     map[string]struct{}
}

// NewQueue loads any persisted actions from storage. A missing or corrupt
// record starts an empty queue.
func NewQueue(ctx context.Context, storage Storage, log logrus.FieldLogger) *Queue {
	q := &Queue{
		storage: storage,
		log:     componentLogger(log, "queue"),
		now:     time.Now,
		ids:     make(map[string]struct{}),
	}

	data, ok, err := storage.Get(ctx, keyPendingActions)
	switch {
	case err != nil:
		q.log.WithError(err).Warn("load pending actions failed; starting empty")
	case ok:
		var actions []PendingAction
		if err := json.Unmarshal(data, &actions); err != nil {
			q.log.WithError(err).Warn("pending actions record is corrupt; starting empty")
			break
		}
		for _, a := range actions {
			if _, dup := q.ids[a.ID]; dup {
				continue
			}
			q.ids[a.ID] = struct{}{}
			q.actions = append(q.actions, a)
		}
	}
	return q
}

// Enqueue appends a new action and returns its id. The only error is an
// unknown action type or an unencodable payload.
func (q *Queue) Enqueue(ctx context.Context, typ ActionType, payload any) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownActionType, typ)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", typ, err)
	}

	q.mu.Lock()
	now := q.now()
	id := q.newID(typ, now)
	q.actions = append(q.actions, PendingAction{
		ID:         id,
		Type:       typ,
		Payload:    raw,
		EnqueuedAt: now.UTC(),
	})
	q.ids[id] = struct{}{}
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{"action_id": id, "type": typ}).Debug("action enqueued")
	return id, nil
}

// newID builds <type>_<millis>_<suffix>, regenerating on the (unlikely)
// collision with a live id.
func (q *Queue) newID(typ ActionType, now time.Time) string {
	for {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
		id := fmt.Sprintf("%s_%d_%s", typ, now.UnixMilli(), suffix)
		if _, taken := q.ids[id]; !taken {
			return id
		}
	}
}

// List returns a copy of the queued actions, oldest first.
func (q *Queue) List() []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingAction, len(q.actions))
	copy(out, q.actions)
	return out
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Get returns one action by id.
func (q *Queue) Get(id string) (PendingAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.ID == id {
			return a, true
		}
	}
	return PendingAction{}, false
}

// Remove deletes the action with the given id. Removing an absent id is a no-op.
func (q *Queue) Remove(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			delete(q.ids, id)
			q.persistLocked(ctx)
			return
		}
	}
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = nil
	q.ids = make(map[string]struct{})
	if err := q.storage.Remove(ctx, keyPendingActions); err != nil {
		q.log.WithError(err).Warn("clear pending actions failed; queue cleared in memory only")
	}
}

// Update applies patch to the action in place, keeping its position.
// It reports whether the action was found.
func (q *Queue) Update(ctx context.Context, id string, patch ActionPatch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.actions {
		if q.actions[i].ID != id {
			continue
		}
		if patch.Retries != nil {
			q.actions[i].Retries = *patch.Retries
		}
		if patch.LastError != nil {
			q.actions[i].LastError = *patch.LastError
		}
		q.persistLocked(ctx)
		return true
	}
	return false
}

func (q *Queue) persistLocked(ctx context.Context) {
	data, err := json.Marshal(q.actions)
	if err != nil {
		q.log.WithError(err).Error("encode pending actions")
		return
	}
	if err := q.storage.Set(ctx, keyPendingActions, data); err != nil {
		q.log.WithError(err).WithField("pending", len(q.actions)).
			Warn("persist pending actions failed; queue is memory-only until the next successful write")
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(payload)
	}
}
