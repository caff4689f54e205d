package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "scan/internal/errors"
	"scan/internal/logging"
)

const (
	DefaultStreamPath     = "/stream"
	DefaultChatStreamPath = "/chat/{id}/stream"
)

// Request identifies one stream session.
type Request struct {
	// ChatID selects the chat endpoint; empty means the single-query endpoint.
	ChatID string
	// Query is sent as q on the single-query endpoint. The chat endpoint
	// reads the query from the chat's latest user message.
	Query string
	// Context carries the user's clarification answers.
	Context string
}

// Conn is one open event stream.
type Conn interface {
	// Next blocks for the next raw event. Any error ends the stream.
	Next() (RawEvent, error)
	// Close aborts the stream; it is safe to call more than once.
	Close() error
}

// Opener opens stream connections.
type Opener interface {
	Open(ctx context.Context, req Request) (Conn, error)
}

// ClientConfig configures the HTTP stream client.
type ClientConfig struct {
	BaseURL        string
	StreamPath     string
	ChatStreamPath string
	// HeaderTimeout bounds the wait for response headers. The body itself
	// is long-lived and has no deadline.
	HeaderTimeout time.Duration
	HTTPClient    *http.Client
}

// Client opens SSE streams against the scan backend.
type Client struct {
	base           *url.URL
	streamPath     string
	chatStreamPath string
	headerTimeout  time.Duration
	http           *http.Client
	logger         logging.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig, logger logging.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	streamPath := cfg.StreamPath
	if streamPath == "" {
		streamPath = DefaultStreamPath
	}
	chatStreamPath := cfg.ChatStreamPath
	if chatStreamPath == "" {
		chatStreamPath = DefaultChatStreamPath
	}
	if logger == nil {
		logger = logging.NewComponentLogger("StreamClient")
	}
	return &Client{
		base:           base,
		streamPath:     streamPath,
		chatStreamPath: chatStreamPath,
		headerTimeout:  cfg.HeaderTimeout,
		http:           httpClient,
		logger:         logger,
	}, nil
}

// URL resolves the stream endpoint for req.
func (c *Client) URL(req Request) string {
	params := url.Values{}
	var path string
	if req.ChatID != "" {
		path = strings.ReplaceAll(c.chatStreamPath, "{id}", url.PathEscape(req.ChatID))
	} else {
		path = c.streamPath
		params.Set("q", req.Query)
	}
	if req.Context != "" {
		params.Set("context", req.Context)
	}

	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + path
	u.RawQuery = params.Encode()
	return u.String()
}

// Open issues the stream request and returns once headers arrive.
func (c *Client) Open(ctx context.Context, req Request) (Conn, error) {
	target := c.URL(req)
	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	var headerTimer *time.Timer
	if c.headerTimeout > 0 {
		headerTimer = time.AfterFunc(c.headerTimeout, cancel)
	}

	c.logger.Debug("opening stream %s", target)
	resp, err := c.http.Do(httpReq)
	if headerTimer != nil && !headerTimer.Stop() {
		cancel()
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("open stream: %w", context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, apperrors.FromResponse(http.MethodGet, target, resp.StatusCode, string(body))
	}

	return &httpConn{
		body:   resp.Body,
		reader: NewSSEReader(resp.Body),
		cancel: cancel,
	}, nil
}

type httpConn struct {
	body   io.ReadCloser
	reader *SSEReader
	cancel context.CancelFunc
	once   sync.Once
}

func (c *httpConn) Next() (RawEvent, error) {
	return c.reader.Next()
}

func (c *httpConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.body.Close()
	})
	return err
}
