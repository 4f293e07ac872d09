package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/stationd/internal/logger"
	"github.com/loykin/stationd/internal/poller"
	"github.com/loykin/stationd/internal/stream"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Remote  RemoteConfig    `toml:"remote" mapstructure:"remote"`
	Stream  StreamConfig    `toml:"stream" mapstructure:"stream"`
	Poll    PollConfig      `toml:"poll" mapstructure:"poll"`
	Server  ServerConfig    `toml:"server" mapstructure:"server"`
	Log     logger.Config   `toml:"log" mapstructure:"log"`
	Store   StoreConfig     `toml:"store" mapstructure:"store"`
	History []HistoryConfig `toml:"history" mapstructure:"history"`
}

// RemoteConfig points at the station service.
type RemoteConfig struct {
	BaseURL    string        `toml:"base_url" mapstructure:"base_url"`
	WsURL      string        `toml:"ws_url" mapstructure:"ws_url"`
	Timeout    time.Duration `toml:"timeout" mapstructure:"timeout"`
	Insecure   bool          `toml:"insecure" mapstructure:"insecure"`
	CACert     string        `toml:"ca_cert" mapstructure:"ca_cert"`
	ClientCert string        `toml:"client_cert" mapstructure:"client_cert"`
	ClientKey  string        `toml:"client_key" mapstructure:"client_key"`
}

// StreamConfig tunes the event-stream connection monitor.
type StreamConfig struct {
	HandshakeTimeout time.Duration `toml:"handshake_timeout" mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `toml:"write_timeout" mapstructure:"write_timeout"`
	PingInterval     time.Duration `toml:"ping_interval" mapstructure:"ping_interval"`
	InitialBackoff   time.Duration `toml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `toml:"max_backoff" mapstructure:"max_backoff"`
}

// PollConfig tunes snapshot polling and the fallback poller.
type PollConfig struct {
	Interval         time.Duration `toml:"interval" mapstructure:"interval"`
	FallbackInterval time.Duration `toml:"fallback_interval" mapstructure:"fallback_interval"`
	ActivationDelay  time.Duration `toml:"activation_delay" mapstructure:"activation_delay"`
}

// ServerConfig configures the local operator API.
type ServerConfig struct {
	Addr     string `toml:"addr" mapstructure:"addr"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	Metrics  bool   `toml:"metrics" mapstructure:"metrics"`
}

// StoreConfig selects the last-known-state store.
type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// HistoryConfig selects one run-history sink.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// Load parses a TOML config file and applies defaults.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	fc.applyDefaults()
	if err := fc.validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if fc.Remote.BaseURL == "" {
		fc.Remote.BaseURL = "http://localhost:9180/api"
	}
	if fc.Remote.Timeout <= 0 {
		fc.Remote.Timeout = 10 * time.Second
	}
	if fc.Server.Addr == "" {
		fc.Server.Addr = ":8080"
	}
	if fc.Server.BasePath == "" {
		fc.Server.BasePath = "/api"
	}
}

func (fc *FileConfig) validate() error {
	if fc.Remote.WsURL == "" {
		return fmt.Errorf("remote.ws_url is required")
	}
	if fc.Poll.FallbackInterval > 0 && fc.Poll.Interval > 0 &&
		fc.Poll.FallbackInterval >= fc.Poll.Interval {
		return fmt.Errorf("poll.fallback_interval must be shorter than poll.interval")
	}
	return nil
}

// StreamSettings converts config to the monitor's settings.
func (fc *FileConfig) StreamSettings() stream.Settings {
	s := stream.DefaultSettings(fc.Remote.WsURL)
	if fc.Stream.HandshakeTimeout > 0 {
		s.HandshakeTimeout = fc.Stream.HandshakeTimeout
	}
	if fc.Stream.WriteTimeout > 0 {
		s.WriteTimeout = fc.Stream.WriteTimeout
	}
	if fc.Stream.PingInterval > 0 {
		s.PingInterval = fc.Stream.PingInterval
	}
	if fc.Stream.InitialBackoff > 0 {
		s.InitialBackoff = fc.Stream.InitialBackoff
	}
	if fc.Stream.MaxBackoff > 0 {
		s.MaxBackoff = fc.Stream.MaxBackoff
	}
	return s
}

// PollSettings converts config to the poller's settings.
func (fc *FileConfig) PollSettings() poller.Settings {
	s := poller.DefaultSettings()
	if fc.Poll.Interval > 0 {
		s.Interval = fc.Poll.Interval
	}
	if fc.Poll.FallbackInterval > 0 {
		s.FallbackInterval = fc.Poll.FallbackInterval
	}
	if fc.Poll.ActivationDelay > 0 {
		s.ActivationDelay = fc.Poll.ActivationDelay
	}
	return s
}
