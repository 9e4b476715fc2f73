package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unifiedhealth/healthsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.healthsync/config.toml.
type Config struct {
	Default   ConfigDefault              `toml:"default" mapstructure:"default"`
	Auth      ConfigAuth                 `toml:"auth" mapstructure:"auth"`
	Transport healthsync.TransportConfig `toml:"transport,omitempty" mapstructure:"transport"`
	Sync      healthsync.SyncConfig      `toml:"sync,omitempty" mapstructure:"sync"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url" mapstructure:"base_url"`
	LogLevel  string `toml:"log_level,omitempty" mapstructure:"log_level"`
	StatePath string `toml:"state_path,omitempty" mapstructure:"state_path"`
}

// ConfigAuth holds the session tokens.
type ConfigAuth struct {
	AccessToken  string `toml:"access_token" mapstructure:"access_token"`
	RefreshToken string `toml:"refresh_token,omitempty" mapstructure:"refresh_token"`
}

// libraryConfig converts the CLI config to the library's.
func (c *Config) libraryConfig() healthsync.Config {
	return healthsync.Config{
		BaseURL:   c.Default.BaseURL,
		Transport: c.Transport,
		Sync:      c.Sync,
	}
}

// ============================================================================
// Config helpers
// ============================================================================

// configDirOverride replaces ~/.healthsync, for tests.
var configDirOverride string

// configDir returns the path to ~/.healthsync, creating it if needed.
func configDir() (string, error) {
	dir := configDirOverride
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".healthsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file as written, without environment
// overrides. A missing file yields a zero Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// envKeys are the settings HEALTHSYNC_* variables may override.
var envKeys = []string{
	"default.base_url",
	"default.log_level",
	"default.state_path",
	"auth.access_token",
	"auth.refresh_token",
}

// loadConfig returns the effective configuration: the file, overridden by
// HEALTHSYNC_SECTION_FIELD environment variables.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("HEALTHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		v.SetDefault(key, "")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configKey is one settable field, addressed as "section.field".
type configKey struct {
	name string
	// get renders the field, "" when unset.
	get func(*Config) string
	set func(*Config, string) error
}

func stringKey(name string, field func(*Config) *string) configKey {
	return configKey{
		name: name,
		get:  func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

func intKey(name string, least int, field func(*Config) *int) configKey {
	return configKey{
		name: name,
		get: func(c *Config) string {
			if n := *field(c); n != 0 {
				return strconv.Itoa(n)
			}
			return ""
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("expected an integer, got %q", v)
			}
			if n < least {
				return fmt.Errorf("must be at least %d, got %d", least, n)
			}
			*field(c) = n
			return nil
		},
	}
}

func durationKey(name string, field func(*Config) *time.Duration) configKey {
	return configKey{
		name: name,
		get: func(c *Config) string {
			if d := *field(c); d != 0 {
				return d.String()
			}
			return ""
		},
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("expected a duration like 30s, got %q", v)
			}
			if d <= 0 {
				return fmt.Errorf("duration must be positive, got %s", d)
			}
			*field(c) = d
			return nil
		},
	}
}

func boolKey(name string, field func(*Config) *bool) configKey {
	return configKey{
		name: name,
		get: func(c *Config) string {
			if *field(c) {
				return "true"
			}
			return ""
		},
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("expected true or false, got %q", v)
			}
			*field(c) = b
			return nil
		},
	}
}

// configKeys lists every field `config set` accepts, in display order.
var configKeys = []configKey{
	{
		name: "default.base_url",
		get:  func(c *Config) string { return c.Default.BaseURL },
		set: func(c *Config, v string) error {
			u, err := url.Parse(v)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("base_url must be an http(s) URL, got %q", v)
			}
			c.Default.BaseURL = strings.TrimRight(v, "/")
			return nil
		},
	},
	{
		name: "default.log_level",
		get:  func(c *Config) string { return c.Default.LogLevel },
		set: func(c *Config, v string) error {
			if _, err := logrus.ParseLevel(v); err != nil {
				return err
			}
			c.Default.LogLevel = v
			return nil
		},
	},
	stringKey("default.state_path", func(c *Config) *string { return &c.Default.StatePath }),
	stringKey("auth.access_token", func(c *Config) *string { return &c.Auth.AccessToken }),
	stringKey("auth.refresh_token", func(c *Config) *string { return &c.Auth.RefreshToken }),
	stringKey("transport.url", func(c *Config) *string { return &c.Transport.URL }),
	boolKey("transport.disable_reconnect", func(c *Config) *bool { return &c.Transport.DisableReconnect }),
	intKey("transport.max_reconnect_attempts", 1, func(c *Config) *int { return &c.Transport.MaxReconnectAttempts }),
	durationKey("transport.reconnect_base_delay", func(c *Config) *time.Duration { return &c.Transport.ReconnectBaseDelay }),
	durationKey("transport.reconnect_max_delay", func(c *Config) *time.Duration { return &c.Transport.ReconnectMaxDelay }),
	durationKey("transport.connect_timeout", func(c *Config) *time.Duration { return &c.Transport.ConnectTimeout }),
	durationKey("transport.heartbeat_interval", func(c *Config) *time.Duration { return &c.Transport.HeartbeatInterval }),
	durationKey("transport.ack_timeout", func(c *Config) *time.Duration { return &c.Transport.AckTimeout }),
	intKey("sync.max_retries", 1, func(c *Config) *int { return &c.Sync.MaxRetries }),
	durationKey("sync.auto_sync_interval", func(c *Config) *time.Duration { return &c.Sync.AutoSyncInterval }),
	durationKey("sync.reconnect_delay", func(c *Config) *time.Duration { return &c.Sync.ReconnectDelay }),
	durationKey("sync.stale_after", func(c *Config) *time.Duration { return &c.Sync.StaleAfter }),
}

func lookupConfigKey(key string) (configKey, error) {
	section, _, ok := strings.Cut(key, ".")
	if !ok {
		return configKey{}, fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	known := false
	for _, k := range configKeys {
		if k.name == key {
			return k, nil
		}
		known = known || strings.HasPrefix(k.name, section+".")
	}
	if !known {
		return configKey{}, fmt.Errorf("unknown config section %q (valid: default, auth, transport, sync)", section)
	}
	return configKey{}, fmt.Errorf("unknown key %q", key)
}

// setConfigValue validates value and stores it under key (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	if err := k.set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "healthsync",
	Short: "HealthSync offline queue and realtime CLI",
	Long:  "Command-line interface for the HealthSync engine.\nInspect and drain the offline queue, read the cache, and watch realtime events.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
