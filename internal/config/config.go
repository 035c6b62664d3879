// Package config loads and validates event relay configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/inventahq/eventrelay/internal/session"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Bus     BusConfig     `mapstructure:"bus"`
	Session SessionConfig `mapstructure:"session"`
	Relay   RelayConfig   `mapstructure:"relay"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BusConfig governs tenant channel lifecycle.
type BusConfig struct {
	IdleGrace     time.Duration `mapstructure:"idle_grace"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SessionConfig sets the per-subscriber queue bound and overflow policy.
type SessionConfig struct {
	QueueSize      int    `mapstructure:"queue_size"`
	OverflowPolicy string `mapstructure:"overflow_policy"`
}

// RelayConfig enables the cross-process Redis bridge when RedisURL is
// set. ChannelPrefix must match what publishers in other processes use.
type RelayConfig struct {
	RedisURL      string `mapstructure:"redis_url"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// Policy converts the configured overflow policy string.
func (c SessionConfig) Policy() session.Policy {
	return session.Policy(c.OverflowPolicy)
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EVENTRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("bus.idle_grace", "5m")
	v.SetDefault("bus.sweep_interval", "1m")
	v.SetDefault("session.queue_size", 256)
	v.SetDefault("session.overflow_policy", string(session.PolicyDropOldest))
	v.SetDefault("relay.channel_prefix", "tenant-events::")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Bus.IdleGrace <= 0 {
		return fmt.Errorf("bus.idle_grace must be > 0")
	}
	if c.Bus.SweepInterval <= 0 {
		return fmt.Errorf("bus.sweep_interval must be > 0")
	}
	if c.Session.QueueSize <= 0 {
		return fmt.Errorf("session.queue_size must be > 0")
	}
	switch c.Session.Policy() {
	case session.PolicyDropOldest, session.PolicyDisconnect:
	default:
		return fmt.Errorf("session.overflow_policy must be %q or %q",
			session.PolicyDropOldest, session.PolicyDisconnect)
	}
	if c.Relay.RedisURL != "" && c.Relay.ChannelPrefix == "" {
		return fmt.Errorf("relay.channel_prefix must be set when relay.redis_url is set")
	}
	return nil
}
