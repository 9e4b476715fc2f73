package healthsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Executor performs one queued action against the backend.
type Executor func(ctx context.Context, payload json.RawMessage) error

// DefaultExecutors maps every action type to its REST or realtime call.
func DefaultExecutors(api *APIClient, rt Realtime) map[ActionType]Executor {
	return map[ActionType]Executor{
		ActionSendMessage: func(ctx context.Context, payload json.RawMessage) error {
			var req map[string]any
			if err := json.Unmarshal(payload, &req); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			if ts, _ := req["timestamp"].(string); ts == "" {
				req["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
			}
			_, err := rt.Emit(ctx, EventChatMessage, req)
			return err
		},
		ActionCreateAppointment: func(ctx context.Context, payload json.RawMessage) error {
			return api.CreateAppointment(ctx, payload)
		},
		ActionUpdateAppointment: func(ctx context.Context, payload json.RawMessage) error {
			id, err := payloadString(payload, "id")
			if err != nil {
				return err
			}
			return api.UpdateAppointment(ctx, id, payload)
		},
		ActionCancelAppointment: func(ctx context.Context, payload json.RawMessage) error {
			id, err := payloadString(payload, "id")
			if err != nil {
				return err
			}
			return api.CancelAppointment(ctx, id)
		},
		ActionUpdateProfile: func(ctx context.Context, payload json.RawMessage) error {
			return api.UpdateProfile(ctx, payload)
		},
		ActionMarkMessageRead: func(ctx context.Context, payload json.RawMessage) error {
			id, err := payloadString(payload, "messageId")
			if err != nil {
				return err
			}
			return rt.Send(ctx, EventMessageRead, messageReceipt(id, time.Now()))
		},
	}
}

func payloadString(payload json.RawMessage, field string) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	v, _ := m[field].(string)
	if v == "" {
		return "", errors.New("payload is missing " + field)
	}
	return v, nil
}
