package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/unifiedhealth/healthsync"
)

var queueListOutput string

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueListCmd.Flags().StringVarP(&queueListOutput, "output", "o", "text", "Output format: text, json or yaml")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		return writeActions(cmd.OutOrStdout(), s.app.Queue.List(), queueListOutput)
	},
}

// yamlAction is a PendingAction with its payload decoded, so YAML output
// shows the payload as a mapping instead of bytes.
type yamlAction struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	Payload    any    `yaml:"payload,omitempty"`
	EnqueuedAt string `yaml:"enqueuedAt"`
	Retries    int    `yaml:"retries"`
	LastError  string `yaml:"lastError,omitempty"`
}

func writeActions(w io.Writer, actions []healthsync.PendingAction, format string) error {
	switch format {
	case "json":
		if actions == nil {
			actions = []healthsync.PendingAction{}
		}
		b, err := json.MarshalIndent(actions, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(b))
		return nil
	case "yaml":
		out := make([]yamlAction, 0, len(actions))
		for _, a := range actions {
			ya := yamlAction{
				ID:         a.ID,
				Type:       string(a.Type),
				EnqueuedAt: a.EnqueuedAt.UTC().Format(time.RFC3339),
				Retries:    a.Retries,
				LastError:  a.LastError,
			}
			if len(a.Payload) > 0 {
				if err := json.Unmarshal(a.Payload, &ya.Payload); err != nil {
					return fmt.Errorf("decode payload of %s: %w", a.ID, err)
				}
			}
			out = append(out, ya)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		if len(actions) == 0 {
			fmt.Fprintln(w, "No pending actions.")
			return nil
		}
		for _, a := range actions {
			fmt.Fprintf(w, "%s  %-20s retries=%d  queued=%s\n",
				a.ID, a.Type, a.Retries, a.EnqueuedAt.Local().Format(time.RFC3339))
			if a.LastError != "" {
				fmt.Fprintf(w, "    last error: %s\n", a.LastError)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q (valid: text, json, yaml)", format)
	}
}

var queueAddCmd = &cobra.Command{
	Use:   "add <type> <payload-json>",
	Short: "Queue an action for the next sync",
	Long:  "Queue an action for the next sync.\nTypes: " + actionTypeList() + "\nExample: healthsync queue add cancel-appointment '{\"id\":\"apt-1\"}'",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := json.RawMessage(args[1])
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := s.app.Engine.QueueAction(cmd.Context(), healthsync.ActionType(args[0]), payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", id)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every pending action",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		n := s.app.Queue.Len()
		s.app.Queue.Clear(context.WithoutCancel(cmd.Context()))
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d pending action(s)\n", n)
		return nil
	},
}

func actionTypeList() string {
	names := make([]string, len(healthsync.ActionTypes))
	for i, t := range healthsync.ActionTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
