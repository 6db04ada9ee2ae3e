// Package config loads operator console settings from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config carries every tunable of the coordinator and its transports.
type Config struct {
	// ApplicationID scopes the console: the coordinator tracks the live
	// sessions of exactly one application.
	ApplicationID string

	// ChannelURL is the websocket endpoint of the push channel.
	ChannelURL string

	// DirectoryBaseURL is the base URL of the session directory REST API.
	DirectoryBaseURL string
	DirectoryAPIKey  string
	DirectoryTimeout time.Duration

	// StalenessWindow is how long a session may go without activity before
	// the reaper evicts it.
	StalenessWindow time.Duration
	// ReaperInterval is the reaper tick cadence. Coarser than the window on
	// purpose: worst-case staleness is window + interval.
	ReaperInterval time.Duration
	// EndedGraceDelay postpones removal on conversation-ended so a trailing
	// activity event cannot resurrect the entry.
	EndedGraceDelay time.Duration

	// Websocket timeouts.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// LoadFromEnv reads CONSOLE_* variables with defaults.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		ApplicationID:    strings.TrimSpace(os.Getenv("CONSOLE_APPLICATION_ID")),
		ChannelURL:       envOr("CONSOLE_CHANNEL_URL", "ws://127.0.0.1:8080/v1/events"),
		DirectoryBaseURL: envOr("CONSOLE_DIRECTORY_URL", "http://127.0.0.1:8080"),
		DirectoryAPIKey:  strings.TrimSpace(os.Getenv("CONSOLE_DIRECTORY_API_KEY")),
		DirectoryTimeout: envDurationOr("CONSOLE_DIRECTORY_TIMEOUT", 15*time.Second),
		StalenessWindow:  envDurationOr("CONSOLE_STALENESS_WINDOW", 2*time.Minute),
		ReaperInterval:   envDurationOr("CONSOLE_REAPER_INTERVAL", 30*time.Second),
		EndedGraceDelay:  envDurationOr("CONSOLE_ENDED_GRACE_DELAY", 3*time.Second),
		HandshakeTimeout: envDurationOr("CONSOLE_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		WriteTimeout:     envDurationOr("CONSOLE_WS_WRITE_TIMEOUT", 5*time.Second),
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	if c.ApplicationID == "" {
		return fmt.Errorf("CONSOLE_APPLICATION_ID is required")
	}
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("staleness window must be positive")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("reaper interval must be positive")
	}
	if c.EndedGraceDelay < 0 {
		return fmt.Errorf("ended grace delay must not be negative")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
