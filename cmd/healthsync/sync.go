package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var syncJSON bool

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Output raw JSON")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending actions against the server",
	Long:  "Probe connectivity, connect the realtime transport, and drain the offline queue once.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if !s.probe(ctx) {
			return fmt.Errorf("server unreachable; %d action(s) remain queued", s.app.Queue.Len())
		}
		// Chat messages go over the realtime connection.
		if err := s.app.Transport.Initialize(ctx); err != nil {
			s.log.WithError(err).Warn("realtime connect failed; message actions stay queued")
		}

		result := s.app.Engine.Sync(ctx)
		out := cmd.OutOrStdout()
		if syncJSON {
			b, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(out, string(b))
			return nil
		}
		fmt.Fprintf(out, "Processed: %d\n", result.Processed)
		fmt.Fprintf(out, "Dropped:   %d\n", result.Failed)
		fmt.Fprintf(out, "Deferred:  %d\n", result.Deferred)
		fmt.Fprintf(out, "Remaining: %d\n", s.app.Queue.Len())
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  %s (%s): %s\n", e.ActionID, e.Type, e.Error)
		}
		return nil
	},
}
