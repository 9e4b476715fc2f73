package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/unifiedhealth/healthsync"
)

func TestRenderStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("signed out", func(t *testing.T) {
		out := renderStatus(statusView{}, newStyles())
		assert.Contains(t, out, "(default)")
		assert.Contains(t, out, "(not set)")
		assert.Contains(t, out, "healthsync init")
		assert.NotContains(t, out, "Pending actions")
	})

	t.Run("with session", func(t *testing.T) {
		last := now.Add(-90 * time.Second)
		out := renderStatus(statusView{
			BaseURL:      "https://api.example.com",
			AccessToken:  "eyJhbGciOiJIUzI1NiJ9.payload.sig",
			RefreshToken: true,
			Stats:        &healthsync.SyncStats{PendingActions: 2, LastSync: &last},
			Online:       true,
			Now:          now,
		}, newStyles())

		assert.Contains(t, out, "https://api.example.com")
		assert.Contains(t, out, "eyJhbG...")
		assert.NotContains(t, out, "payload")
		assert.Contains(t, out, "Pending actions:")
		assert.Contains(t, out, "2")
		assert.Contains(t, out, "1m30s ago")
		assert.Contains(t, out, "reachable")
	})

	t.Run("never synced and offline", func(t *testing.T) {
		out := renderStatus(statusView{
			AccessToken: "eyJhbGciOiJIUzI1NiJ9.payload.sig",
			Stats:       &healthsync.SyncStats{},
		}, newStyles())
		assert.Contains(t, out, "never")
		assert.Contains(t, out, "unreachable")
	})
}
