package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unifiedhealth/healthsync"
)

var (
	initRefreshToken string
	initBaseURL      string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initRefreshToken, "refresh-token", "", "Refresh token used when the access token is rejected")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL (default "+healthsync.DefaultBaseURL+")")
}

var initCmd = &cobra.Command{
	Use:   "init <access-token>",
	Short: "Store session tokens in ~/.healthsync/config.toml",
	Long:  "Initialize the HealthSync CLI by storing your session tokens in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.AccessToken = args[0]
		if initRefreshToken != "" {
			cfg.Auth.RefreshToken = initRefreshToken
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = healthsync.DefaultBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Tokens saved to %s\n", path)
		return nil
	},
}
