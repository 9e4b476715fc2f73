package healthsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Connectivity reports whether the device is online.
type Connectivity interface {
	IsOnline() bool
}

// AuthStatus reports whether a user is signed in.
type AuthStatus interface {
	IsAuthenticated() bool
}

// EngineOptions wires a SyncEngine to its collaborators.
type EngineOptions struct {
	Config    SyncConfig
	Queue     *Queue
	Cache     *Cache
	Storage   Storage
	Network   Connectivity
	Auth      AuthStatus
	Executors map[ActionType]Executor
	Logger    logrus.FieldLogger
}

// ============================================================================
// SyncEngine
// ============================================================================

// SyncEngine drains the pending-action queue against the backend and serves
// cache-backed reads.
type SyncEngine struct {
	cfg       SyncConfig
	queue     *Queue
	cache     *Cache
	storage   Storage
	net       Connectivity
	auth      AuthStatus
	executors map[ActionType]Executor
	log       logrus.FieldLogger
	now       func() time.Time

	syncing atomic.Bool

	hookMu    sync.RWMutex
	onDropped func(ActionError)
}

// NewSyncEngine fails with ErrMissingExecutor when any action type has no
// executor.
func NewSyncEngine(opts EngineOptions) (*SyncEngine, error) {
	for _, typ := range ActionTypes {
		if opts.Executors[typ] == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingExecutor, typ)
		}
	}
	opts.Config.defaults()
	return &SyncEngine{
		cfg:       opts.Config,
		queue:     opts.Queue,
		cache:     opts.Cache,
		storage:   opts.Storage,
		net:       opts.Network,
		auth:      opts.Auth,
		executors: opts.Executors,
		log:       componentLogger(opts.Logger, "sync"),
		now:       time.Now,
	}, nil
}

// OnActionDropped registers a hook called for every action dropped after
// reaching the retry ceiling.
func (e *SyncEngine) OnActionDropped(fn func(ActionError)) {
	e.hookMu.Lock()
	e.onDropped = fn
	e.hookMu.Unlock()
}

// Sync drains a snapshot of the queue sequentially. It returns the zero
// result without doing anything when signed out, offline, or when another
// drain is running. Caller cancellation does not stop a drain in progress.
func (e *SyncEngine) Sync(ctx context.Context) SyncResult {
	if !e.auth.IsAuthenticated() || !e.net.IsOnline() {
		return SyncResult{}
	}
	if !e.syncing.CompareAndSwap(false, true) {
		e.log.Debug("sync already in progress")
		return SyncResult{}
	}
	defer e.syncing.Store(false)

	ctx = context.WithoutCancel(ctx)
	actions := e.queue.List()
	result := SyncResult{Errors: []ActionError{}}
	e.log.WithField("pending", len(actions)).Debug("sync started")

	for _, action := range actions {
		err := e.execute(ctx, action)
		if err == nil {
			e.queue.Remove(ctx, action.ID)
			result.Processed++
			continue
		}
		if errors.Is(err, ErrNotConnected) {
			msg := err.Error()
			e.queue.Update(ctx, action.ID, ActionPatch{LastError: &msg})
			result.Deferred++
			e.log.WithField("action_id", action.ID).Debug("realtime link down; action deferred")
			continue
		}

		retries := action.Retries + 1
		msg := err.Error()
		fields := logrus.Fields{"action_id": action.ID, "type": action.Type, "retries": retries}
		if retries >= e.cfg.MaxRetries {
			e.queue.Remove(ctx, action.ID)
			result.Failed++
			dropped := ActionError{ActionID: action.ID, Type: action.Type, Error: msg}
			result.Errors = append(result.Errors, dropped)
			e.log.WithFields(fields).WithError(err).Warn("action dropped after max retries")
			e.notifyDropped(dropped)
			continue
		}
		e.queue.Update(ctx, action.ID, ActionPatch{Retries: &retries, LastError: &msg})
		e.log.WithFields(fields).WithError(err).Info("action failed; will retry")
	}

	e.stampLastSync(ctx)
	result.Success = result.Failed == 0
	e.log.WithFields(logrus.Fields{
		"processed": result.Processed,
		"failed":    result.Failed,
		"deferred":  result.Deferred,
	}).Info("sync finished")
	return result
}

func (e *SyncEngine) execute(ctx context.Context, action PendingAction) (err error) {
	exec := e.executors[action.Type]
	if exec == nil {
		return fmt.Errorf("%w: %s", ErrMissingExecutor, action.Type)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return exec(ctx, action.Payload)
}

func (e *SyncEngine) notifyDropped(ae ActionError) {
	e.hookMu.RLock()
	fn := e.onDropped
	e.hookMu.RUnlock()
	if fn != nil {
		fn(ae)
	}
}

func (e *SyncEngine) stampLastSync(ctx context.Context) {
	stamp := e.now().UTC().Format(time.RFC3339Nano)
	if err := e.storage.Set(ctx, keyLastSync, []byte(stamp)); err != nil {
		e.log.WithError(err).Warn("persist last sync time failed")
	}
}

// IsSyncing reports whether a drain is running.
func (e *SyncEngine) IsSyncing() bool { return e.syncing.Load() }

// LastSync returns the time of the last completed drain, or nil.
func (e *SyncEngine) LastSync(ctx context.Context) *time.Time {
	data, ok, err := e.storage.Get(ctx, keyLastSync)
	if err != nil {
		e.log.WithError(err).Warn("read last sync time failed")
		return nil
	}
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return nil
	}
	return &t
}

// Stats returns the number of pending actions and the last sync time.
func (e *SyncEngine) Stats(ctx context.Context) SyncStats {
	return SyncStats{
		PendingActions: e.queue.Len(),
		LastSync:       e.LastSync(ctx),
	}
}

// QueueAction records a mutation for later delivery.
func (e *SyncEngine) QueueAction(ctx context.Context, typ ActionType, payload any) (string, error) {
	return e.queue.Enqueue(ctx, typ, payload)
}

// ============================================================================
// Cache-backed reads
// ============================================================================

// CacheRead fetches fresh data when online and caches it. When the fetch
// fails or the device is offline it falls back to the cached value. With no
// cached value the fetch error, or ErrCacheMiss when offline, is returned.
func (e *SyncEngine) CacheRead(ctx context.Context, key string, fetch func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	if e.net.IsOnline() {
		data, err := fetch(ctx)
		if err == nil {
			raw, err := encodePayload(data)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", key, err)
			}
			if err := e.cache.Set(ctx, key, raw); err != nil {
				e.log.WithError(err).WithField("key", key).Warn("cache fresh data failed")
			}
			return raw, nil
		}
		if cached, ok := e.cache.Get(ctx, key); ok {
			e.log.WithError(err).WithField("key", key).Info("fetch failed; serving cached data")
			return cached, nil
		}
		return nil, err
	}

	if cached, ok := e.cache.Get(ctx, key); ok {
		return cached, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
}

// CacheReadAs is CacheRead with a typed result.
func CacheReadAs[T any](ctx context.Context, e *SyncEngine, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := e.CacheRead(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

// Cached returns the cached value for key and whether it is younger than
// the configured stale time.
func (e *SyncEngine) Cached(ctx context.Context, key string) (data json.RawMessage, fresh bool, ok bool) {
	entry, ok := e.cache.Entry(ctx, key)
	if !ok {
		return nil, false, false
	}
	data = append(json.RawMessage(nil), entry.Data...)
	return data, !entry.Stale(e.now(), e.cfg.StaleAfter), true
}

// ResolveConflict resolves a local/remote pair with strategy.
func (e *SyncEngine) ResolveConflict(local, remote Record, strategy Strategy) (Record, error) {
	return Resolve(local, remote, strategy)
}
