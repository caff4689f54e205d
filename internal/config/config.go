// Package config loads scan's layered configuration: defaults, an optional
// scan.yaml, SCAN_* environment variables and command-line flags, in
// increasing precedence.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"scan/internal/logging"
	"scan/internal/observability"
	"scan/internal/output"
	"scan/internal/stream"
)

const (
	DefaultBaseURL    = "http://localhost:8787"
	DefaultTimeout    = 30 * time.Second
	DefaultWidth      = 100
	DefaultCacheSize  = 64
	DefaultLogLevel   = "info"
	DefaultReplayAddr = ":8787"
)

// Config is the fully resolved configuration.
type Config struct {
	Server  ServerConfig                `mapstructure:"server"`
	Render  RenderConfig                `mapstructure:"render"`
	UI      UIConfig                    `mapstructure:"ui"`
	Log     LogConfig                   `mapstructure:"log"`
	Decode  DecodeConfig                `mapstructure:"decode"`
	Metrics observability.MetricsConfig `mapstructure:"metrics"`
	Tracing observability.TracingConfig `mapstructure:"tracing"`
	Replay  ReplayConfig                `mapstructure:"replay"`
}

// ServerConfig locates the research backend.
type ServerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	StreamPath     string        `mapstructure:"stream_path"`
	ChatStreamPath string        `mapstructure:"chat_stream_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type RenderConfig struct {
	// Engine is "glamour" or "term".
	Engine    string `mapstructure:"engine"`
	Width     int    `mapstructure:"width"`
	Style     string `mapstructure:"style"`
	CacheSize int    `mapstructure:"cache_size"`
}

type UIConfig struct {
	// TUI selects the full-screen interface when stdout is a terminal.
	TUI bool `mapstructure:"tui"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Dir overrides the log directory; empty uses $SCAN_LOG_DIR or ~/.scan.
	Dir string `mapstructure:"dir"`
}

type DecodeConfig struct {
	RepairJSON bool `mapstructure:"repair_json"`
}

// ReplayConfig drives `scan replay`.
type ReplayConfig struct {
	Addr string `mapstructure:"addr"`
	// Script is a YAML script path; empty serves the built-in demo.
	Script string `mapstructure:"script"`
	// Store is "memory", a directory, or a postgres:// URL.
	Store string `mapstructure:"store"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	obs := observability.DefaultConfig()
	return Config{
		Server: ServerConfig{
			BaseURL:        DefaultBaseURL,
			StreamPath:     stream.DefaultStreamPath,
			ChatStreamPath: stream.DefaultChatStreamPath,
			Timeout:        DefaultTimeout,
		},
		Render:  RenderConfig{Engine: output.EngineGlamour, Width: DefaultWidth, Style: "auto", CacheSize: DefaultCacheSize},
		UI:      UIConfig{TUI: true},
		Log:     LogConfig{Level: DefaultLogLevel},
		Metrics: obs.Metrics,
		Tracing: obs.Tracing,
		Replay:  ReplayConfig{Addr: DefaultReplayAddr, Store: "memory"},
	}
}

// Validate rejects configurations the client cannot run with.
func (c Config) Validate() error {
	base, err := url.Parse(strings.TrimSpace(c.Server.BaseURL))
	if err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return fmt.Errorf("server.base_url %q must be an http or https url", c.Server.BaseURL)
	}
	if base.Host == "" {
		return fmt.Errorf("server.base_url %q has no host", c.Server.BaseURL)
	}
	if !strings.HasPrefix(c.Server.StreamPath, "/") {
		return fmt.Errorf("server.stream_path %q must start with /", c.Server.StreamPath)
	}
	if !strings.HasPrefix(c.Server.ChatStreamPath, "/") || !strings.Contains(c.Server.ChatStreamPath, "{id}") {
		return fmt.Errorf("server.chat_stream_path %q must start with / and contain {id}", c.Server.ChatStreamPath)
	}
	if c.Server.Timeout < 0 {
		return fmt.Errorf("server.timeout must not be negative")
	}
	if c.Render.Engine != output.EngineGlamour && c.Render.Engine != output.EngineTerm {
		return fmt.Errorf("render.engine %q is not glamour or term", c.Render.Engine)
	}
	if c.Render.Width <= 0 {
		return fmt.Errorf("render.width must be positive, got %d", c.Render.Width)
	}
	if c.Render.CacheSize <= 0 {
		return fmt.Errorf("render.cache_size must be positive, got %d", c.Render.CacheSize)
	}
	if !validLevel(c.Log.Level) {
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.Metrics.Enabled && (c.Metrics.PrometheusPort < 0 || c.Metrics.PrometheusPort > 65535) {
		return fmt.Errorf("metrics.port %d is out of range", c.Metrics.PrometheusPort)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "zipkin":
		default:
			return fmt.Errorf("tracing.exporter %q is not otlp or zipkin", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate %v must be within [0, 1]", c.Tracing.SampleRate)
		}
	}
	return nil
}

// LogLevel converts log.level for the logging package.
func (c Config) LogLevel() logging.Level { return logging.ParseLevel(c.Log.Level) }

// Markdown returns the renderer options for output to a terminal or not.
func (c Config) Markdown(terminal bool) output.MarkdownOptions {
	return output.MarkdownOptions{
		Engine:    c.Render.Engine,
		Width:     c.Render.Width,
		Style:     c.Render.Style,
		CacheSize: c.Render.CacheSize,
		Terminal:  terminal,
	}
}

// StreamClient returns the stream client settings.
func (c Config) StreamClient() stream.ClientConfig {
	return stream.ClientConfig{
		BaseURL:        c.Server.BaseURL,
		StreamPath:     c.Server.StreamPath,
		ChatStreamPath: c.Server.ChatStreamPath,
		HeaderTimeout:  c.Server.Timeout,
	}
}

func validLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
