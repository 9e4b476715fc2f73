package healthsync

import "time"

// ============================================================================
// Configuration
// ============================================================================

// Config configures an App.
type Config struct {
	BaseURL   string          `toml:"base_url" mapstructure:"base_url"`
	Transport TransportConfig `toml:"transport" mapstructure:"transport"`
	Sync      SyncConfig      `toml:"sync" mapstructure:"sync"`
}

// TransportConfig configures the realtime transport.
type TransportConfig struct {
	// URL is the websocket endpoint. Derived from BaseURL when empty.
	URL                  string        `toml:"url,omitempty" mapstructure:"url"`
	DisableReconnect     bool          `toml:"disable_reconnect,omitempty" mapstructure:"disable_reconnect"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts,omitempty" mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `toml:"reconnect_base_delay,omitempty" mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `toml:"reconnect_max_delay,omitempty" mapstructure:"reconnect_max_delay"`
	ConnectTimeout       time.Duration `toml:"connect_timeout,omitempty" mapstructure:"connect_timeout"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval,omitempty" mapstructure:"heartbeat_interval"`
	AckTimeout           time.Duration `toml:"ack_timeout,omitempty" mapstructure:"ack_timeout"`
}

func (c *TransportConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
}

// reconnectDelay is linear in the attempt number and capped.
func (c *TransportConfig) reconnectDelay(attempt int) time.Duration {
	d := c.ReconnectBaseDelay * time.Duration(attempt)
	if d > c.ReconnectMaxDelay {
		d = c.ReconnectMaxDelay
	}
	return d
}

// SyncConfig configures the sync engine and its app-level triggers.
type SyncConfig struct {
	MaxRetries       int           `toml:"max_retries,omitempty" mapstructure:"max_retries"`
	AutoSyncInterval time.Duration `toml:"auto_sync_interval,omitempty" mapstructure:"auto_sync_interval"`
	ReconnectDelay   time.Duration `toml:"reconnect_delay,omitempty" mapstructure:"reconnect_delay"`
	StaleAfter       time.Duration `toml:"stale_after,omitempty" mapstructure:"stale_after"`
}

func (c *SyncConfig) defaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.AutoSyncInterval == 0 {
		c.AutoSyncInterval = 30 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 5 * time.Minute
	}
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.Transport.defaults()
	c.Sync.defaults()
}

// WithDefaults returns c with every unset field filled in.
func (c Config) WithDefaults() Config {
	c.defaults()
	return c
}
