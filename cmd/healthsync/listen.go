package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/unifiedhealth/healthsync"
)

var listenRooms []string

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().StringSliceVar(&listenRooms, "room", nil, "Chat room to join (repeatable)")
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect and print realtime events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		t := s.app.Transport
		for _, event := range []string{
			healthsync.EventConnect,
			healthsync.EventDisconnect,
			healthsync.EventReconnect,
			healthsync.EventReconnectFailed,
			healthsync.EventError,
		} {
			event := event
			t.On(event, func(payload json.RawMessage) {
				fmt.Fprintf(out, "[%s] %s\n", event, string(payload))
			})
		}

		ch := s.app.Channels
		ch.Presence().OnChange(func(p healthsync.PresenceState) {
			fmt.Fprintf(out, "[presence] %s is %s\n", p.UserID, p.Status)
		})
		ch.Notifications().OnNotification(func(n healthsync.Notification) {
			fmt.Fprintf(out, "[notification] %s: %s\n", n.Title, n.Message)
		})

		if err := t.Initialize(ctx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "connect failed, retrying in background: %v\n", err)
		}
		s.app.Start(ctx)
		// Connectivity transitions drive queue replay and reconnection.
		go s.app.Network.Watch(ctx, healthsync.NewHTTPProber(s.app.API.BaseURL()), 15*time.Second)

		for _, id := range listenRooms {
			room := ch.Chat(id)
			room.OnMessage(func(m healthsync.ChatMessage) {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.RoomID, m.UserID, m.Message)
			})
			if err := room.Join(ctx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "join %s: %v\n", id, err)
			}
		}

		<-ctx.Done()
		return nil
	},
}
