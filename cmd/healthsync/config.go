package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as written")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage HealthSync configuration",
	Long:  "View or modify the HealthSync CLI configuration stored in ~/.healthsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print every setting with the value the engine will use and where it comes from:\n" +
		"the config file, a HEALTHSYNC_* environment variable, or the built-in default.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			return printConfigFile(cmd.OutOrStdout())
		}
		raw, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		effective, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return writeEffectiveConfig(cmd.OutOrStdout(), raw, effective)
	},
}

func printConfigFile(w io.Writer) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(w, "No configuration file found. Run 'healthsync init <access-token>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// writeEffectiveConfig prints one "key value source" row per setting. Tokens
// are masked.
func writeEffectiveConfig(w io.Writer, raw, effective *Config) error {
	withDefaults := *effective
	lib := effective.libraryConfig().WithDefaults()
	withDefaults.Default.BaseURL = lib.BaseURL
	withDefaults.Transport = lib.Transport
	withDefaults.Sync = lib.Sync
	withDefaults.Default.LogLevel = valueOrDefault(effective.Default.LogLevel, "warn")
	statePath, err := resolveStatePath(effective)
	if err != nil {
		return err
	}
	withDefaults.Default.StatePath = statePath

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range configKeys {
		value := k.get(&withDefaults)
		source := "default"
		switch {
		case k.get(effective) != k.get(raw):
			source = "env"
		case k.get(raw) != "":
			source = "file"
		}
		switch {
		case value == "":
			value = "(unset)"
		case strings.HasPrefix(k.name, "auth."):
			value = maskKey(value)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", k.name, value, source)
	}
	return tw.Flush()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: healthsync config set sync.auto_sync_interval 1m",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		k, _ := lookupConfigKey(key)
		shown := k.get(cfg)
		if strings.HasPrefix(key, "auth.") {
			shown = maskKey(shown)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		return nil
	},
}
