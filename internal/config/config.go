package config

import "time"

// ViewerConfig is the root configuration for a viewer instance.
type ViewerConfig struct {
	Feed    FeedConfig    `yaml:"feed"`
	Display DisplayConfig `yaml:"display"`
	Log     LogConfig     `yaml:"log"`
}

// FeedConfig holds feed connection settings.
type FeedConfig struct {
	URL                  string        `yaml:"url"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	MessageBufferSize    int           `yaml:"message_buffer_size"`
}

// DisplayConfig holds viewer-side settings.
type DisplayConfig struct {
	Coins        []string `yaml:"coins"`         // Coins to watch (e.g. ["BTC", "ETH"])
	SettingsPath string   `yaml:"settings_path"` // SQLite file for durable viewer settings
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
