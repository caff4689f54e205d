package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"scan/internal/chatapi"
	"scan/internal/config"
	"scan/internal/logging"
	"scan/internal/observability"
	"scan/internal/output"
	"scan/internal/session"
	"scan/internal/stream"
)

// Container holds the dependencies shared by every command.
type Container struct {
	Config   config.Config
	Meta     config.Metadata
	Logger   logging.Logger
	Metrics  *observability.MetricsCollector
	Tracer   *observability.TracerProvider
	Decoder  *stream.Decoder
	Streams  *stream.Client
	Chats    *chatapi.Client
	Markdown *output.CachedMarkdownRenderer
	Terminal bool
	// Width is the render width, the terminal's unless configured.
	Width    int
}

// buildContainer wires the clients for cfg. out decides whether rendering
// targets a terminal.
func buildContainer(cfg config.Config, meta config.Metadata, out io.Writer) (*Container, error) {
	if err := logging.Configure(logging.Options{Dir: cfg.Log.Dir, Level: cfg.LogLevel()}); err != nil {
		// The console never shows log lines, so a missing log file only
		// loses diagnostics.
		_ = logging.Configure(logging.Options{Level: cfg.LogLevel(), Output: io.Discard})
	}
	logger := logging.NewComponentLogger("CLI")
	if meta.File() != "" {
		logger.Debug("loaded config from %s", meta.File())
	}

	metrics, err := observability.NewMetricsCollector(cfg.Metrics, logging.NewComponentLogger("Metrics"))
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	tracer, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		_ = metrics.Shutdown(context.Background())
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	decoder := stream.NewDecoder(
		stream.WithRepair(cfg.Decode.RepairJSON),
		stream.WithObserver(metrics),
		stream.WithLogger(logging.NewComponentLogger("Decoder")),
	)
	streams, err := stream.NewClient(cfg.StreamClient(), logging.NewComponentLogger("StreamClient"))
	if err != nil {
		return nil, err
	}
	chats, err := chatapi.NewClient(chatapi.Config{BaseURL: cfg.Server.BaseURL}, logging.NewComponentLogger("ChatAPI"))
	if err != nil {
		return nil, err
	}

	terminal := output.IsTerminal(out)
	width := cfg.Render.Width
	if terminal && meta.Source("render.width") == config.SourceDefault {
		width = output.DetectWidth(out)
	}
	mdOpts := cfg.Markdown(terminal)
	mdOpts.Width = width
	markdown, err := output.NewMarkdownRenderer(mdOpts)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:   cfg,
		Meta:     meta,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
		Decoder:  decoder,
		Streams:  streams,
		Chats:    chats,
		Markdown: markdown,
		Terminal: terminal,
		Width:    width,
	}, nil
}

// NewController builds a stream controller on the shared clients.
func (c *Container) NewController() *session.Controller {
	return session.NewController(session.Config{
		Opener:   c.Streams,
		Decoder:  c.Decoder,
		Renderer: c.Markdown,
		Metrics:  c.Metrics,
		Tracer:   c.Tracer,
		Logger:   logging.NewComponentLogger("StreamController"),
	})
}

// NewManager builds a turn manager around controller. An empty chatID
// streams single queries without persistence.
func (c *Container) NewManager(chatID string, controller *session.Controller) *session.Manager {
	cfg := session.ManagerConfig{
		ChatID:     chatID,
		Controller: controller,
		Renderer:   c.Markdown,
		Tracer:     c.Tracer,
		Logger:     logging.NewComponentLogger("TurnManager"),
	}
	if chatID != "" {
		cfg.Store = c.Chats
	}
	return session.NewManager(cfg)
}

// Cleanup flushes telemetry and closes the log file.
func (c *Container) Cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var firstErr error
	if err := c.Tracer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := c.Metrics.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := logging.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
