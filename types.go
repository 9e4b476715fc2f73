package healthsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Pending Actions
// ============================================================================

// ActionType identifies the kind of mutation a PendingAction carries.
type ActionType string

const (
	ActionSendMessage       ActionType = "send-message"
	ActionCreateAppointment ActionType = "create-appointment"
	ActionUpdateAppointment ActionType = "update-appointment"
	ActionCancelAppointment ActionType = "cancel-appointment"
	ActionUpdateProfile     ActionType = "update-profile"
	ActionMarkMessageRead   ActionType = "mark-message-read"
)

// ActionTypes lists every action type the queue accepts.
var ActionTypes = []ActionType{
	ActionSendMessage,
	ActionCreateAppointment,
	ActionUpdateAppointment,
	ActionCancelAppointment,
	ActionUpdateProfile,
	ActionMarkMessageRead,
}

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// PendingAction is a queued mutation not yet confirmed by the server.
type PendingAction struct {
	ID         string          `json:"id"`
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Retries    int             `json:"retries"`
	LastError  string          `json:"lastError,omitempty"`
}

// ActionPatch updates the bookkeeping fields of a queued action. Nil fields
// are left untouched.
type ActionPatch struct {
	Retries   *int
	LastError *string
}

// ActionError pairs a dropped action with the error that dropped it.
type ActionError struct {
	ActionID string     `json:"actionId"`
	Type     ActionType `json:"type,omitempty"`
	Error    string     `json:"error"`
}

// SyncResult is the outcome of one drain of the queue. Deferred counts
// actions left queued because the realtime link was down; they keep their
// retry count.
type SyncResult struct {
	Success   bool          `json:"success"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Deferred  int           `json:"deferred"`
	Errors    []ActionError `json:"errors"`
}

// SyncStats summarizes the engine's persisted state.
type SyncStats struct {
	PendingActions int        `json:"pendingActions"`
	LastSync       *time.Time `json:"lastSync,omitempty"`
}

// ============================================================================
// Cache
// ============================================================================

// CacheEntry is one cached value with its write stamp.
type CacheEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int64           `json:"version"`
}

// Stale reports whether the entry is older than maxAge at now.
func (e *CacheEntry) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.Timestamp) > maxAge
}

// ============================================================================
// Realtime
// ============================================================================

// ConnectionState is the realtime connection state.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// AppState is the host application's lifecycle state.
type AppState string

const (
	AppActive     AppState = "active"
	AppBackground AppState = "background"
)

// Envelope is the wire format for every realtime frame.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
	PresenceAway    = "away"
)

// ChatMessage is an inbound or outbound chat message.
type ChatMessage struct {
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Role      string `json:"role,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Delivered bool   `json:"delivered,omitempty"`
	Read      bool   `json:"read,omitempty"`
}

// TypingState is a typing indicator for one user in one room.
type TypingState struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Role     string `json:"role,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceState is the last known presence of one user.
type PresenceState struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Notification is an inbound notification.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
	Read      bool            `json:"read"`
}
