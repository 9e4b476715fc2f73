package healthsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake connection
// ============================================================================

type fakeConn struct {
	in     chan Envelope
	out    chan Envelope
	closed chan struct{}

	pings atomic.Int32

	mu          sync.Mutex
	readErr     error
	closeReason string
	once        sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Envelope, 16),
		out:    make(chan Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return Envelope{}, c.readErr
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) WriteEnvelope(ctx context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	if env.Type == framePing {
		c.pings.Add(1)
		return nil
	}
	select {
	case c.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(reason string) error {
	c.shut(errors.New("closed by client"), reason)
	return nil
}

func (c *fakeConn) shut(readErr error, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.readErr = readErr
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)
	})
}

// drop simulates the server or network ending the connection.
func (c *fakeConn) drop(err error) { c.shut(err, "") }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(typ string, payload any) {
	raw, _ := json.Marshal(payload)
	c.in <- Envelope{Type: typ, Payload: raw}
}

// next returns the next non-heartbeat frame the client wrote.
func (c *fakeConn) next(t *testing.T, timeout time.Duration) Envelope {
	t.Helper()
	select {
	case env := <-c.out:
		return env
	case <-time.After(timeout):
		t.Errorf("no frame written within %s", timeout)
		return Envelope{}
	}
}

// ============================================================================
// Fake dialer
// ============================================================================

type fakeDialer struct {
	mu        sync.Mutex
	tokens    []string
	conns     []*fakeConn
	errs      []error
	alwaysErr error
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.alwaysErr != nil {
		return nil, d.alwaysErr
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) failNext(errs ...error) {
	d.mu.Lock()
	d.errs = append(d.errs, errs...)
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) dialedTokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i += len(d.conns)
	}
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// ============================================================================
// Fake auth and connectivity
// ============================================================================

type fakeAuth struct {
	mu           sync.Mutex
	token        string
	refreshed    string
	refreshErr   error
	refreshCalls int
}

func (a *fakeAuth) Credential(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token, nil
}

func (a *fakeAuth) Refresh(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshCalls++
	if a.refreshErr != nil {
		return "", a.refreshErr
	}
	a.token = a.refreshed
	return a.token, nil
}

func (a *fakeAuth) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token != ""
}

func (a *fakeAuth) refreshes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshCalls
}

type staticNetwork bool

func (n staticNetwork) IsOnline() bool { return bool(n) }

// ============================================================================
// Mock storage
// ============================================================================

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	b, _ := args.Get(0).([]byte)
	return b, args.Bool(1), args.Error(2)
}

func (m *mockStorage) Set(ctx context.Context, key string, value []byte) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *mockStorage) Remove(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

// ============================================================================
// Helpers
// ============================================================================

func testTransportConfig() TransportConfig {
	return TransportConfig{
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    30 * time.Millisecond,
		ConnectTimeout:       time.Second,
		HeartbeatInterval:    20 * time.Millisecond,
		AckTimeout:           150 * time.Millisecond,
	}
}

func newTestTransport(t *testing.T, cfg TransportConfig, auth Authenticator) (*Transport, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	tr := NewTransport(cfg, d, auth, nil)
	t.Cleanup(tr.Dispose)
	return tr, d
}

// recorder collects event payloads for a transport event.
type recorder struct {
	mu     sync.Mutex
	events []json.RawMessage
}

func record(tr *Transport, event string) *recorder {
	r := &recorder{}
	tr.On(event, func(p json.RawMessage) {
		r.mu.Lock()
		r.events = append(r.events, p)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
