package healthsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Meta events delivered through the same registry as server events.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnect        = "reconnect"
	EventReconnectFailed  = "reconnect_failed"
	EventError            = "error"
)

// Control frames handled by the transport itself.
const (
	frameAck          = "ack"
	frameUnauthorized = "unauthorized"
	framePing         = "ping"
)

// ============================================================================
// Transport Collaborators
// ============================================================================

// Dialer opens one authenticated connection. A handshake the server rejects
// for the credential returns an error wrapping ErrUnauthorized.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one open connection. WriteEnvelope must be safe for concurrent use.
// ReadEnvelope returns an error wrapping ErrServerDisconnect when the server
// closed the connection on purpose.
type Conn interface {
	ReadEnvelope(ctx context.Context) (Envelope, error)
	WriteEnvelope(ctx context.Context, env Envelope) error
	Close(reason string) error
}

// ============================================================================
// Transport
// ============================================================================

// Transport owns the single realtime connection: its lifecycle, automatic
// reconnection, keep-alive, request/ack correlation and the listener registry.
//
// Handlers run on the read goroutine. A handler must not block on Emit, since
// the ack it waits for is read by that same goroutine.
type Transport struct {
	cfg       TransportConfig
	dialer    Dialer
	auth      Authenticator
	log       logrus.FieldLogger
	listeners *listenerRegistry

	// dialMu serializes close-then-open so at most one connection exists.
	dialMu sync.Mutex

	mu           sync.Mutex
	state        ConnectionState
	conn         Conn
	connCancel   context.CancelFunc
	intentional  bool
	reconnecting bool
	disposed     bool
	appState     AppState

	pendingMu sync.Mutex
	pending   map[string]chan ackResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ackResult struct {
	payload json.RawMessage
	err     error
}

// NewTransport creates a disconnected transport.
func NewTransport(cfg TransportConfig, dialer Dialer, auth Authenticator, log logrus.FieldLogger) *Transport {
	cfg.defaults()
	log = componentLogger(log, "realtime")
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:       cfg,
		dialer:    dialer,
		auth:      auth,
		log:       log,
		listeners: newListenerRegistry(log),
		state:     StateDisconnected,
		appState:  AppActive,
		pending:   make(map[string]chan ackResult),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether the transport is connected.
func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

// Initialize connects using the current credential. It is a no-op when
// already connected. When the first dial fails the error is returned and
// automatic reconnection continues in the background.
func (t *Transport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport disposed", ErrNotConnected)
	}
	if t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	t.intentional = false
	t.mu.Unlock()

	token, err := t.auth.Credential(ctx)
	if err == nil && token == "" {
		err = ErrNoCredential
	} else if err != nil {
		err = fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if err != nil {
		t.setState(StateError)
		t.log.WithError(err).Warn("cannot connect without a credential")
		return err
	}

	err = t.connect(ctx, token, false)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnauthorized):
		t.goTracked(func() { t.handleUnauthorized(t.ctx) })
	default:
		t.scheduleReconnect(false)
	}
	return err
}

// connect dials a new connection, first closing the current one when
// replace is set. Without replace an existing connection is kept.
func (t *Transport) connect(ctx context.Context, token string, replace bool) error {
	fresh, err := t.dial(ctx, token, replace)
	if err != nil {
		if !errors.Is(err, ErrNotConnected) {
			t.listeners.dispatch(EventConnectError, messagePayload(err.Error()))
		}
		return err
	}
	if fresh {
		t.listeners.dispatch(EventConnect, nil)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, token string, replace bool) (bool, error) {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	if !replace && t.IsConnected() {
		return false, nil
	}
	t.closeCurrent("reconnecting")

	t.mu.Lock()
	if t.intentional || t.disposed {
		t.mu.Unlock()
		return false, fmt.Errorf("%w: disconnected by client", ErrNotConnected)
	}
	t.state = StateConnecting
	t.mu.Unlock()
	t.log.Debug("connecting")

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	conn, err := t.dialer.Dial(dialCtx, token)
	cancel()
	if err != nil {
		t.mu.Lock()
		if !t.intentional && !t.disposed {
			t.state = StateError
		}
		t.mu.Unlock()
		t.log.WithError(err).Warn("connect failed")
		return false, fmt.Errorf("dial: %w", err)
	}
	if err := t.attach(conn); err != nil {
		return false, err
	}
	return true, nil
}

// attach installs conn as the current connection and starts its read and
// heartbeat goroutines.
func (t *Transport) attach(conn Conn) error {
	t.mu.Lock()
	if t.intentional || t.disposed {
		t.state = StateDisconnected
		t.mu.Unlock()
		conn.Close("client disconnect")
		return fmt.Errorf("%w: disconnected by client", ErrNotConnected)
	}
	connCtx, cancel := context.WithCancel(t.ctx)
	t.conn = conn
	t.connCancel = cancel
	t.state = StateConnected
	t.wg.Add(2)
	t.mu.Unlock()

	go t.readLoop(connCtx, conn)
	go t.heartbeat(connCtx, conn)

	t.log.Info("connected")
	return nil
}

// closeCurrent closes the current connection without emitting events.
func (t *Transport) closeCurrent(reason string) {
	t.mu.Lock()
	conn, cancel := t.conn, t.connCancel
	t.conn, t.connCancel = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(reason); err != nil {
			t.log.WithError(err).Debug("close connection")
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn Conn) {
	defer t.wg.Done()
	for {
		env, err := conn.ReadEnvelope(ctx)
		if err != nil {
			t.connectionLost(conn, err)
			return
		}
		t.handleEnvelope(env)
	}
}

func (t *Transport) heartbeat(ctx context.Context, conn Conn) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteEnvelope(ctx, Envelope{Type: framePing}); err != nil && ctx.Err() == nil {
				t.log.WithError(err).Debug("heartbeat write failed")
			}
		}
	}
}

func (t *Transport) handleEnvelope(env Envelope) {
	switch env.Type {
	case frameAck:
		t.resolvePending(env)
	case frameUnauthorized:
		t.goTracked(func() { t.handleUnauthorized(t.ctx) })
	default:
		t.listeners.dispatch(env.Type, env.Payload)
	}
}

// connectionLost runs when the read side of conn fails. A connection we
// closed ourselves is no longer current and is ignored.
func (t *Transport) connectionLost(conn Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	cancel := t.connCancel
	t.conn, t.connCancel = nil, nil
	t.state = StateDisconnected
	stopped := t.intentional || t.disposed
	t.mu.Unlock()

	cancel()
	conn.Close("connection lost")
	t.failPending(ErrNotConnected)

	serverClosed := errors.Is(err, ErrServerDisconnect)
	t.log.WithError(err).WithField("server_closed", serverClosed).Info("disconnected")
	reason := "transport close"
	if serverClosed {
		reason = "server disconnect"
	}
	t.listeners.dispatch(EventDisconnect, reasonPayload(reason))

	if stopped {
		return
	}
	// The server does not retry a disconnect it initiated; reconnect at once.
	t.scheduleReconnect(serverClosed)
}

// scheduleReconnect starts the background reconnect loop unless one is
// already running or reconnection is disabled.
func (t *Transport) scheduleReconnect(immediate bool) {
	if t.cfg.DisableReconnect {
		return
	}
	t.mu.Lock()
	if t.reconnecting || t.intentional || t.disposed {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		err := t.retryConnect(immediate)
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
		if errors.Is(err, ErrUnauthorized) {
			t.handleUnauthorized(t.ctx)
		}
	}()
}

func (t *Transport) retryConnect(immediate bool) error {
	for attempt := 1; attempt <= t.cfg.MaxReconnectAttempts; attempt++ {
		delay := t.cfg.reconnectDelay(attempt)
		if immediate && attempt == 1 {
			delay = 0
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-t.ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}

		t.mu.Lock()
		done := t.intentional || t.disposed || t.state == StateConnected
		t.mu.Unlock()
		if done {
			return nil
		}

		t.log.WithField("attempt", attempt).Debug("reconnect attempt")
		t.listeners.dispatch(EventReconnectAttempt, attemptPayload(attempt))

		token, err := t.auth.Credential(t.ctx)
		if err != nil || token == "" {
			t.setState(StateError)
			t.log.WithError(err).Warn("credential gone; stopping reconnection")
			return nil
		}
		err = t.connect(t.ctx, token, false)
		if err == nil {
			t.log.WithField("attempt", attempt).Info("reconnected")
			t.listeners.dispatch(EventReconnect, attemptPayload(attempt))
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
	}

	t.setState(StateError)
	t.log.WithField("attempts", t.cfg.MaxReconnectAttempts).Error("reconnection failed")
	t.listeners.dispatch(EventReconnectFailed, nil)
	return nil
}

// handleUnauthorized refreshes the credential and reconnects with it. A
// failed refresh, or a refreshed credential that is rejected again, ends in a
// final disconnect with no further retry.
func (t *Transport) handleUnauthorized(ctx context.Context) {
	t.log.Warn("credential rejected; refreshing")
	token, err := t.auth.Refresh(ctx)
	if err == nil && token == "" {
		err = ErrNoCredential
	}
	if err != nil {
		t.giveUp(fmt.Errorf("credential refresh failed: %w", err))
		return
	}

	err = t.connect(ctx, token, true)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthorized):
		t.giveUp(fmt.Errorf("refreshed credential rejected: %w", err))
	case errors.Is(err, ErrNotConnected):
	default:
		t.scheduleReconnect(false)
	}
}

func (t *Transport) giveUp(err error) {
	t.log.WithError(err).Error("authentication failed; disconnecting")
	t.Disconnect()
	t.listeners.dispatch(EventError, messagePayload(err.Error()))
}

func (t *Transport) setState(s ConnectionState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// goTracked runs fn on a goroutine that Dispose waits for.
func (t *Transport) goTracked(fn func()) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// ============================================================================
// Requests
// ============================================================================

// Emit sends event and waits for its acknowledgement. It returns
// ErrAckTimeout when no ack arrives within the ack timeout and *AckError when
// the server acknowledges with an error.
func (t *Transport) Emit(ctx context.Context, event string, data any) (json.RawMessage, error) {
	payload, err := encodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}

	requestID := uuid.NewString()
	ch := make(chan ackResult, 1)
	t.pendingMu.Lock()
	t.pending[requestID] = ch
	t.pendingMu.Unlock()
	defer t.dropPending(requestID)

	if err := t.write(ctx, Envelope{Type: event, Payload: payload, RequestID: requestID}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			var ackErr *AckError
			if errors.As(res.err, &ackErr) {
				ackErr.Event = event
			}
			return nil, res.err
		}
		return res.payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrAckTimeout, event)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes event without waiting for an acknowledgement.
func (t *Transport) Send(ctx context.Context, event string, data any) error {
	payload, err := encodePayload(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return t.write(ctx, Envelope{Type: event, Payload: payload})
}

func (t *Transport) write(ctx context.Context, env Envelope) error {
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	if err := conn.WriteEnvelope(ctx, env); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

// resolvePending delivers an ack to its waiting Emit. Acks for requests that
// already timed out are dropped.
func (t *Transport) resolvePending(env Envelope) {
	t.pendingMu.Lock()
	ch, ok := t.pending[env.RequestID]
	if ok {
		delete(t.pending, env.RequestID)
	}
	t.pendingMu.Unlock()

	if !ok {
		t.log.WithField("request_id", env.RequestID).Debug("dropping late ack")
		return
	}
	if env.Error != "" {
		ch <- ackResult{err: &AckError{Message: env.Error}}
		return
	}
	ch <- ackResult{payload: env.Payload}
}

func (t *Transport) dropPending(requestID string) {
	t.pendingMu.Lock()
	delete(t.pending, requestID)
	t.pendingMu.Unlock()
}

func (t *Transport) failPending(err error) {
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan ackResult)
	t.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}

// ============================================================================
// Listeners
// ============================================================================

// On registers h for event and returns a function that removes it.
func (t *Transport) On(event string, h Handler) func() {
	return t.listeners.add(event, h, false)
}

// Once registers h for the next occurrence of event only.
func (t *Transport) Once(event string, h Handler) func() {
	return t.listeners.add(event, h, true)
}

// Off removes every handler for event.
func (t *Transport) Off(event string) {
	t.listeners.removeAll(event)
}

// ListenerCount returns the number of handlers registered for event.
func (t *Transport) ListenerCount(event string) int {
	return t.listeners.count(event)
}

// ============================================================================
// Lifecycle
// ============================================================================

// UpdatePresence announces the user's presence status.
func (t *Transport) UpdatePresence(ctx context.Context, status string) error {
	return t.Send(ctx, EventPresenceUpdate, map[string]string{"status": status})
}

// HandleAppState reacts to the host app moving between foreground and
// background.
func (t *Transport) HandleAppState(ctx context.Context, state AppState) error {
	t.mu.Lock()
	prev := t.appState
	t.appState = state
	t.mu.Unlock()

	switch state {
	case AppBackground:
		if t.IsConnected() {
			return t.UpdatePresence(ctx, PresenceAway)
		}
	case AppActive:
		if prev == AppActive && t.IsConnected() {
			return nil
		}
		if !t.IsConnected() {
			if err := t.Initialize(ctx); err != nil {
				return err
			}
		}
		return t.UpdatePresence(ctx, PresenceOnline)
	}
	return nil
}

// Disconnect closes the connection and stops automatic reconnection until
// the next Initialize.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.intentional = true
	conn, cancel := t.conn, t.connCancel
	t.conn, t.connCancel = nil, nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.failPending(ErrNotConnected)
	if conn == nil {
		return
	}
	if err := conn.Close("client disconnect"); err != nil {
		t.log.WithError(err).Debug("close connection")
	}
	t.log.Info("disconnected by client")
	t.listeners.dispatch(EventDisconnect, reasonPayload("client disconnect"))
}

// Dispose disconnects, releases every listener and waits for background
// goroutines. It must not be called from a handler.
func (t *Transport) Dispose() {
	t.Disconnect()
	t.mu.Lock()
	t.disposed = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()

	t.listeners.mu.Lock()
	t.listeners.events = make(map[string][]listenerEntry)
	t.listeners.mu.Unlock()
}

func messagePayload(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"message": msg})
	return b
}

func reasonPayload(reason string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"reason": reason})
	return b
}

func attemptPayload(attempt int) json.RawMessage {
	b, _ := json.Marshal(map[string]int{"attempt": attempt})
	return b
}
