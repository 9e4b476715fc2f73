package healthsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoCredential      = errors.New("no authentication credential available")
	ErrNotConnected      = errors.New("realtime transport not connected")
	ErrAckTimeout        = errors.New("realtime emit timed out waiting for ack")
	ErrUnauthorized      = errors.New("realtime handshake unauthorized")
	ErrServerDisconnect  = errors.New("server closed the realtime connection")
	ErrUnknownActionType = errors.New("unknown action type")
	ErrMissingExecutor   = errors.New("no executor registered for action type")
	ErrCacheMiss         = errors.New("no cached data available")
	ErrMissingTimestamp  = errors.New("record has no comparable timestamp")
	ErrUnknownStrategy   = errors.New("unknown conflict resolution strategy")
	ErrUnknownUpdate     = errors.New("unknown optimistic update")
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.Status, e.Message)
}

// Transient reports whether retrying the request may succeed.
func (e *APIError) Transient() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// AckError is an error-shaped acknowledgement from the realtime server.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Message)
}
