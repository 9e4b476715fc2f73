package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queue and connectivity status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		view := statusView{
			BaseURL:      cfg.Default.BaseURL,
			AccessToken:  cfg.Auth.AccessToken,
			RefreshToken: cfg.Auth.RefreshToken != "",
			Now:          time.Now(),
		}
		if cfg.Auth.AccessToken != "" {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			stats := s.app.Engine.Stats(cmd.Context())
			view.Stats = &stats
			view.Online = s.probe(cmd.Context())
		}

		fmt.Fprintln(cmd.OutOrStdout(), renderStatus(view, newStyles()))
		return nil
	},
}
