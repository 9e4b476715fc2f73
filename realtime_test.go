package healthsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Initialize
// ============================================================================

func TestTransportInitialize(t *testing.T) {
	ctx := context.Background()

	t.Run("connects with the current credential", func(t *testing.T) {
		tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
		connects := record(tr, EventConnect)

		require.NoError(t, tr.Initialize(ctx))
		assert.Equal(t, StateConnected, tr.State())
		assert.True(t, tr.IsConnected())
		assert.Equal(t, []string{"tok"}, d.dialedTokens())
		assert.Equal(t, 1, connects.count())
	})

	t.Run("already connected is a no-op", func(t *testing.T) {
		tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
		require.NoError(t, tr.Initialize(ctx))
		require.NoError(t, tr.Initialize(ctx))
		assert.Equal(t, 1, d.dials())
	})

	t.Run("no credential", func(t *testing.T) {
		tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{})
		err := tr.Initialize(ctx)
		require.ErrorIs(t, err, ErrNoCredential)
		assert.Equal(t, StateError, tr.State())
		assert.Equal(t, 0, d.dials())
	})

	t.Run("first dial failure is returned while retrying in the background", func(t *testing.T) {
		tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
		d.failNext(errors.New("connection refused"))
		connectErrors := record(tr, EventConnectError)
		reconnects := record(tr, EventReconnect)

		err := tr.Initialize(ctx)
		require.Error(t, err)
		assert.Equal(t, 1, connectErrors.count())

		eventually(t, tr.IsConnected, "transport should reconnect")
		assert.Equal(t, 1, reconnects.count())
		assert.JSONEq(t, `{"attempt":1}`, string(reconnects.last()))
	})

	t.Run("disposed transport refuses to connect", func(t *testing.T) {
		d := &fakeDialer{}
		tr := NewTransport(testTransportConfig(), d, &fakeAuth{token: "tok"}, nil)
		tr.Dispose()
		require.ErrorIs(t, tr.Initialize(ctx), ErrNotConnected)
		assert.Equal(t, 0, d.dials())
	})
}

// ============================================================================
// Emit / Send
// ============================================================================

func TestTransportEmit(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves with the ack payload", func(t *testing.T) {
		tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
		require.NoError(t, tr.Initialize(ctx))
		conn := d.conn(0)

		go func() {
			req := conn.next(t, time.Second)
			conn.in <- Envelope{Type: frameAck, RequestID: req.RequestID, Payload: json.RawMessage(`{"id":"m1"}`)}
		}()

		ack, err := tr.Emit(ctx, EventChatMessage, map[string]string{"roomId": "r1"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"m1"}`, string(ack))
	})

	t.Run("error ack", func(t *testing.T) {
		tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
		require.NoError(t, tr.Initialize(ctx))
		conn := d.conn(0)

		go func() {
			req := conn.next(t, time.Second)
			conn.in <- Envelope{Type: frameAck, RequestID: req.RequestID, Error: "room is closed"}
		}()

		_, err := tr.Emit(ctx, EventJoinRoom, map[string]string{"roomId": "r1"})
		var ackErr *AckError
		require.ErrorAs(t, err, &ackErr)
		assert.Equal(t, EventJoinRoom, ackErr.Event)
		assert.Equal(t, "room is closed", ackErr.Message)
	})

	t.Run("times out and drops the late ack", func(t *testing.T) {
		tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
		require.NoError(t, tr.Initialize(ctx))
		conn := d.conn(0)

		_, err := tr.Emit(ctx, EventJoinRoom, nil)
		require.ErrorIs(t, err, ErrAckTimeout)

		late := conn.next(t, time.Second)
		conn.in <- Envelope{Type: frameAck, RequestID: late.RequestID}

		go func() {
			req := conn.next(t, time.Second)
			conn.in <- Envelope{Type: frameAck, RequestID: req.RequestID, Payload: json.RawMessage(`"ok"`)}
		}()
		ack, err := tr.Emit(ctx, EventJoinRoom, nil)
		require.NoError(t, err)
		assert.Equal(t, `"ok"`, string(ack))
	})

	t.Run("not connected", func(t *testing.T) {
		tr, _ := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
		_, err := tr.Emit(ctx, EventJoinRoom, nil)
		require.ErrorIs(t, err, ErrNotConnected)
		require.ErrorIs(t, tr.Send(ctx, EventTyping, nil), ErrNotConnected)
	})

	t.Run("pending emits fail when the connection drops", func(t *testing.T) {
		cfg := testTransportConfig()
		cfg.AckTimeout = 5 * time.Second
		cfg.DisableReconnect = true
		tr, d := newTestTransport(t, cfg, &fakeAuth{token: "tok"})
		require.NoError(t, tr.Initialize(ctx))
		conn := d.conn(0)

		go func() {
			conn.next(t, time.Second)
			conn.drop(errors.New("network down"))
		}()
		_, err := tr.Emit(ctx, EventJoinRoom, nil)
		require.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("send writes without a request id", func(t *testing.T) {
		tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
		require.NoError(t, tr.Initialize(ctx))

		require.NoError(t, tr.Send(ctx, EventTyping, TypingState{RoomID: "r1", IsTyping: true}))
		env := d.conn(0).next(t, time.Second)
		assert.Equal(t, EventTyping, env.Type)
		assert.Empty(t, env.RequestID)
		assert.JSONEq(t, `{"roomId":"r1","userId":"","isTyping":true}`, string(env.Payload))
	})
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestTransportHeartbeat(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
	require.NoError(t, tr.Initialize(context.Background()))
	conn := d.conn(0)

	eventually(t, func() bool { return conn.pings.Load() >= 2 }, "heartbeat should ping while connected")

	tr.Disconnect()
	stopped := conn.pings.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, conn.pings.Load(), "heartbeat must stop on disconnect")
}

func TestTransportReconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("server disconnect reconnects at once", func(t *testing.T) {
		cfg := testTransportConfig()
		cfg.ReconnectBaseDelay = time.Hour
		cfg.ReconnectMaxDelay = time.Hour
		tr, d := newTestTransport(t, cfg, &fakeAuth{token: "tok"})
		disconnects := record(tr, EventDisconnect)
		require.NoError(t, tr.Initialize(ctx))

		d.conn(0).drop(fmt.Errorf("%w: going away", ErrServerDisconnect))

		eventually(t, func() bool { return d.connCount() == 2 && tr.IsConnected() }, "should reconnect without backoff")
		assert.Equal(t, 1, disconnects.count())
		assert.JSONEq(t, `{"reason":"server disconnect"}`, string(disconnects.last()))
	})

	t.Run("transport loss backs off and retries", func(t *testing.T) {
		tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
		attempts := record(tr, EventReconnectAttempt)
		reconnects := record(tr, EventReconnect)
		require.NoError(t, tr.Initialize(ctx))

		d.failNext(errors.New("refused"), errors.New("refused"))
		d.conn(0).drop(errors.New("read: connection reset"))

		eventually(t, func() bool { return reconnects.count() == 1 }, "should reconnect")
		assert.Equal(t, 3, attempts.count())
		assert.JSONEq(t, `{"attempt":3}`, string(reconnects.last()))
		assert.True(t, d.conn(0).isClosed())
		assert.Equal(t, StateConnected, tr.State())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		cfg := testTransportConfig()
		cfg.MaxReconnectAttempts = 2
		tr, d := newTestTransport(t, cfg, &fakeAuth{token: "tok"})
		failed := record(tr, EventReconnectFailed)
		require.NoError(t, tr.Initialize(ctx))

		d.mu.Lock()
		d.alwaysErr = errors.New("refused")
		d.mu.Unlock()
		d.conn(0).drop(errors.New("reset"))

		eventually(t, func() bool { return failed.count() == 1 }, "should report reconnect_failed")
		assert.Equal(t, StateError, tr.State())
		assert.Equal(t, 3, d.dials())
	})

	t.Run("disabled reconnection stays disconnected", func(t *testing.T) {
		cfg := testTransportConfig()
		cfg.DisableReconnect = true
		tr, d := newTestTransport(t, cfg, &fakeAuth{token: "tok"})
		require.NoError(t, tr.Initialize(ctx))

		d.conn(0).drop(errors.New("reset"))
		eventually(t, func() bool { return tr.State() == StateDisconnected }, "should disconnect")
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, d.dials())
	})

	t.Run("at most one connection at a time", func(t *testing.T) {
		tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
		require.NoError(t, tr.Initialize(ctx))
		d.conn(0).drop(fmt.Errorf("%w: restart", ErrServerDisconnect))

		eventually(t, func() bool { return d.connCount() == 2 && tr.IsConnected() }, "should reconnect")
		assert.True(t, d.conn(0).isClosed())
		assert.False(t, d.conn(1).isClosed())
	})
}

func TestTransportDisconnect(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
	disconnects := record(tr, EventDisconnect)
	require.NoError(t, tr.Initialize(context.Background()))

	tr.Disconnect()
	assert.Equal(t, StateDisconnected, tr.State())
	assert.True(t, d.conn(0).isClosed())
	assert.Equal(t, 1, disconnects.count())
	assert.JSONEq(t, `{"reason":"client disconnect"}`, string(disconnects.last()))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dials(), "client disconnect must not reconnect")

	require.NoError(t, tr.Initialize(context.Background()))
	assert.True(t, tr.IsConnected())
}

// ============================================================================
// Unauthorized
// ============================================================================

func TestTransportUnauthorized(t *testing.T) {
	ctx := context.Background()

	t.Run("handshake rejection refreshes and reconnects", func(t *testing.T) {
		auth := &fakeAuth{token: "old", refreshed: "new"}
		tr, d := newTestTransport(t, testTransportConfig(), auth)
		d.failNext(fmt.Errorf("%w: token expired", ErrUnauthorized))

		err := tr.Initialize(ctx)
		require.ErrorIs(t, err, ErrUnauthorized)

		eventually(t, tr.IsConnected, "should connect with refreshed token")
		assert.Equal(t, []string{"old", "new"}, d.dialedTokens())
		assert.Equal(t, 1, auth.refreshes())
	})

	t.Run("failed refresh disconnects for good", func(t *testing.T) {
		auth := &fakeAuth{token: "old", refreshErr: errors.New("refresh token revoked")}
		tr, d := newTestTransport(t, testTransportConfig(), auth)
		errorsSeen := record(tr, EventError)
		d.failNext(fmt.Errorf("%w: token expired", ErrUnauthorized))

		require.ErrorIs(t, tr.Initialize(ctx), ErrUnauthorized)

		eventually(t, func() bool { return errorsSeen.count() == 1 }, "should emit error")
		assert.Equal(t, StateDisconnected, tr.State())
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, d.dials())
	})

	t.Run("server event while connected", func(t *testing.T) {
		auth := &fakeAuth{token: "old", refreshed: "new"}
		tr, d := newTestTransport(t, testTransportConfig(), auth)
		require.NoError(t, tr.Initialize(ctx))

		d.conn(0).in <- Envelope{Type: frameUnauthorized}

		eventually(t, func() bool { return d.connCount() == 2 && tr.IsConnected() }, "should reconnect")
		assert.Equal(t, []string{"old", "new"}, d.dialedTokens())
		assert.True(t, d.conn(0).isClosed())
	})
}

// ============================================================================
// App state
// ============================================================================

func TestTransportHandleAppState(t *testing.T) {
	ctx := context.Background()
	tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
	require.NoError(t, tr.Initialize(ctx))

	require.NoError(t, tr.HandleAppState(ctx, AppBackground))
	env := d.conn(0).next(t, time.Second)
	assert.Equal(t, EventPresenceUpdate, env.Type)
	assert.JSONEq(t, `{"status":"away"}`, string(env.Payload))

	tr.Disconnect()
	require.NoError(t, tr.HandleAppState(ctx, AppActive))
	assert.True(t, tr.IsConnected())
	env = d.conn(1).next(t, time.Second)
	assert.JSONEq(t, `{"status":"online"}`, string(env.Payload))
}

// ============================================================================
// Listeners
// ============================================================================

func TestTransportListeners(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig(), &fakeAuth{token: "tok"})
	require.NoError(t, tr.Initialize(context.Background()))
	conn := d.conn(0)

	got := make(chan string, 8)
	unsub := tr.On("notification", func(p json.RawMessage) { got <- "on:" + string(p) })
	tr.Once("notification", func(p json.RawMessage) { got <- "once:" + string(p) })
	assert.Equal(t, 2, tr.ListenerCount("notification"))

	conn.push("notification", 1)
	assert.Equal(t, "on:1", <-got)
	assert.Equal(t, "once:1", <-got)
	assert.Equal(t, 1, tr.ListenerCount("notification"))

	conn.push("notification", 2)
	assert.Equal(t, "on:2", <-got)

	unsub()
	unsub()
	assert.Equal(t, 0, tr.ListenerCount("notification"))

	tr.On("typing", func(json.RawMessage) {})
	tr.On("typing", func(json.RawMessage) {})
	tr.Off("typing")
	assert.Equal(t, 0, tr.ListenerCount("typing"))
}
