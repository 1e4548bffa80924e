// Package config loads server configuration from the environment, with an
// optional .env file for development. Priority: process env > .env > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable of the session core.
type Config struct {
	// Server
	Addr              string `env:"WS_ADDR" envDefault:":9176"`
	MaxConnections    int    `env:"WS_MAX_CONNECTIONS" envDefault:"256"`
	ConnRate          int    `env:"WS_CONN_RATE" envDefault:"5"`
	ConnBurst         int    `env:"WS_CONN_BURST" envDefault:"10"`
	LegacyEventsAlias bool   `env:"WS_LEGACY_EVENTS_ALIAS" envDefault:"false"`

	// Heartbeats (seconds, as advertised to clients in server.welcome)
	HeartbeatSec        int `env:"WS_HEARTBEAT_SEC" envDefault:"5"`
	HeartbeatTimeoutSec int `env:"WS_HEARTBEAT_TIMEOUT_SEC" envDefault:"15"`

	// Resume window
	ResumeTTLSec    int `env:"WS_RESUME_TTL" envDefault:"10"`
	ResumeMaxEvents int `env:"WS_RESUME_MAX_EVENTS" envDefault:"500"`

	// Per-connection delivery
	MaxInFlight       int   `env:"WS_MAX_IN_FLIGHT" envDefault:"64"`
	MaxMsgBytes       int64 `env:"WS_MAX_MSG_BYTES" envDefault:"131072"`
	ClientEventBuffer int   `env:"CLIENT_EVENT_BUFFER" envDefault:"300"`
	DrainDeadlineMS   int   `env:"WS_DRAIN_DEADLINE_MS" envDefault:"3000"`

	// Inbound abuse limits
	ClientMsgRate  int `env:"WS_CLIENT_MSG_RATE" envDefault:"20"`
	ClientMsgBurst int `env:"WS_CLIENT_MSG_BURST" envDefault:"60"`

	// Per-session commit log bounds
	SessionMaxCommits int    `env:"SESSION_MAX_COMMITS" envDefault:"100"`
	SessionMaxBytes   int64  `env:"SESSION_MAX_SIZE_BYTES" envDefault:"1048576"`
	SessionMaxAgeSec  int    `env:"SESSION_MAX_AGE_SECONDS" envDefault:"3600"`
	SessionLogDir     string `env:"SESSION_LOG_DIR" envDefault:""`

	// Session admission and shutdown
	MaxSessions     int `env:"SESSION_MAX" envDefault:"8"`
	MaxCUDASessions int `env:"MAX_CUDA_SESSIONS" envDefault:"1"`
	StopDeadlineMS  int `env:"SESSION_STOP_DEADLINE_MS" envDefault:"5000"`

	// Producer ingest bus (disabled when empty)
	NATSURL string `env:"NATS_URL" envDefault:""`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env (when present) and the environment,
// then validates it. The logger is optional.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate range-checks the configuration.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.ConnRate < 1 || c.ConnBurst < c.ConnRate {
		return fmt.Errorf("WS_CONN_RATE/WS_CONN_BURST invalid: rate=%d burst=%d", c.ConnRate, c.ConnBurst)
	}
	if c.HeartbeatSec < 1 {
		return fmt.Errorf("WS_HEARTBEAT_SEC must be > 0, got %d", c.HeartbeatSec)
	}
	if c.HeartbeatTimeoutSec <= c.HeartbeatSec {
		return fmt.Errorf("WS_HEARTBEAT_TIMEOUT_SEC (%d) must exceed WS_HEARTBEAT_SEC (%d)",
			c.HeartbeatTimeoutSec, c.HeartbeatSec)
	}
	if c.ResumeTTLSec < 1 {
		return fmt.Errorf("WS_RESUME_TTL must be > 0, got %d", c.ResumeTTLSec)
	}
	if c.ResumeMaxEvents < 1 {
		return fmt.Errorf("WS_RESUME_MAX_EVENTS must be > 0, got %d", c.ResumeMaxEvents)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("WS_MAX_IN_FLIGHT must be > 0, got %d", c.MaxInFlight)
	}
	if c.MaxMsgBytes < 1024 {
		return fmt.Errorf("WS_MAX_MSG_BYTES must be >= 1024, got %d", c.MaxMsgBytes)
	}
	if c.ClientEventBuffer < c.MaxInFlight {
		return fmt.Errorf("CLIENT_EVENT_BUFFER (%d) must hold at least one delivery window (%d)",
			c.ClientEventBuffer, c.MaxInFlight)
	}
	if c.ClientMsgRate < 1 || c.ClientMsgBurst < c.ClientMsgRate {
		return fmt.Errorf("client message limits invalid: rate=%d burst=%d", c.ClientMsgRate, c.ClientMsgBurst)
	}
	if c.SessionMaxCommits < 1 {
		return fmt.Errorf("SESSION_MAX_COMMITS must be > 0, got %d", c.SessionMaxCommits)
	}
	if c.SessionMaxBytes < 1 {
		return fmt.Errorf("SESSION_MAX_SIZE_BYTES must be > 0, got %d", c.SessionMaxBytes)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("SESSION_MAX must be > 0, got %d", c.MaxSessions)
	}
	if c.MaxCUDASessions < 0 {
		return fmt.Errorf("MAX_CUDA_SESSIONS must be >= 0, got %d", c.MaxCUDASessions)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Duration accessors for the integer-valued environment knobs.

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

func (c *Config) ResumeTTL() time.Duration {
	return time.Duration(c.ResumeTTLSec) * time.Second
}

func (c *Config) DrainDeadline() time.Duration {
	return time.Duration(c.DrainDeadlineMS) * time.Millisecond
}

func (c *Config) StopDeadline() time.Duration {
	return time.Duration(c.StopDeadlineMS) * time.Millisecond
}

func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeSec) * time.Second
}

// LogConfig emits the structured startup record.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("conn_rate", c.ConnRate).
		Int("conn_burst", c.ConnBurst).
		Bool("legacy_events_alias", c.LegacyEventsAlias).
		Int("heartbeat_sec", c.HeartbeatSec).
		Int("heartbeat_timeout_sec", c.HeartbeatTimeoutSec).
		Int("resume_ttl_sec", c.ResumeTTLSec).
		Int("resume_max_events", c.ResumeMaxEvents).
		Int("max_in_flight", c.MaxInFlight).
		Int64("max_msg_bytes", c.MaxMsgBytes).
		Int("client_event_buffer", c.ClientEventBuffer).
		Int("drain_deadline_ms", c.DrainDeadlineMS).
		Int("session_max_commits", c.SessionMaxCommits).
		Int64("session_max_size_bytes", c.SessionMaxBytes).
		Int("session_max_age_sec", c.SessionMaxAgeSec).
		Str("session_log_dir", c.SessionLogDir).
		Int("max_sessions", c.MaxSessions).
		Int("max_cuda_sessions", c.MaxCUDASessions).
		Int("stop_deadline_ms", c.StopDeadlineMS).
		Str("nats_url", c.NATSURL).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
