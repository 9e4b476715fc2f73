package healthsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// WSDialer
// ============================================================================

// WSDialer dials the realtime endpoint over WebSocket. The credential goes in
// the Authorization header; the server answers with a "connected" or
// "unauthorized" frame before any other traffic.
type WSDialer struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

// NewWSDialer derives the endpoint from the API base URL unless wsURL is set.
func NewWSDialer(baseURL, wsURL string) *WSDialer {
	if wsURL == "" {
		wsURL = strings.Replace(strings.TrimRight(baseURL, "/"), "https://", "wss://", 1)
		wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
		wsURL += "/ws"
	}
	return &WSDialer{URL: wsURL, ReadLimit: 1 << 20}
}

func (d *WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	opts := &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	}
	c, resp, err := websocket.Dial(ctx, d.URL, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}

	var first Envelope
	if err := wsjson.Read(ctx, c, &first); err != nil {
		c.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read handshake frame: %w", err)
	}
	switch first.Type {
	case "connected":
		return &wsConn{c: c}, nil
	case frameUnauthorized:
		c.Close(websocket.StatusPolicyViolation, "unauthorized")
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, first.Error)
	default:
		c.Close(websocket.StatusProtocolError, "unexpected handshake frame")
		return nil, fmt.Errorf("expected 'connected', got '%s'", first.Type)
	}
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return Envelope{}, fmt.Errorf("%w: %v", ErrServerDisconnect, err)
			}
			return Envelope{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			continue
		}
		return env, nil
	}
}

func (w *wsConn) WriteEnvelope(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, w.c, env)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}
