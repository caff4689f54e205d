package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	apperrors "scan/internal/errors"
	"scan/internal/history"
	"scan/internal/logging"
)

// ErrEmptyMessage is returned for blank message content.
var ErrEmptyMessage = errors.New("message is empty")

// ChatTypeResearch is the classification that opens a chat.
const ChatTypeResearch = "research"

// Chat is the result of classifying a new query.
type Chat struct {
	ID string
	// Type is the backend classification; only research queries get a chat.
	Type string
	// URL is the chat path or, for other classifications, the redirect target.
	URL string
}

// IsResearch reports whether the query opened a chat.
func (c Chat) IsResearch() bool { return c.Type == ChatTypeResearch && c.ID != "" }

// Config configures the chat API client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Retry      apperrors.RetryConfig
}

// Client talks to the chat persistence endpoints.
type Client struct {
	base   *url.URL
	http   *http.Client
	retry  apperrors.RetryConfig
	logger logging.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logging.NewComponentLogger("ChatAPI")
	}
	return &Client{base: base, http: httpClient, retry: cfg.Retry, logger: logger}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

type searchResponse struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// CreateChat submits the opening query. The backend classifies it and, for
// research queries, creates a chat whose first message is the query.
func (c *Client) CreateChat(ctx context.Context, query string) (Chat, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Chat{}, ErrEmptyMessage
	}
	target := c.endpoint("/search", url.Values{"q": {query}})

	return apperrors.RetryWithResult(ctx, c.retry, c.logger, func(ctx context.Context) (Chat, error) {
		var resp searchResponse
		if err := c.do(ctx, http.MethodGet, target, nil, &resp); err != nil {
			return Chat{}, err
		}
		chat := Chat{Type: resp.Type, URL: resp.URL}
		if resp.Type == ChatTypeResearch {
			id, err := ChatIDFromPath(resp.URL)
			if err != nil {
				return Chat{}, &apperrors.PermanentError{Err: err, Message: "backend returned an invalid chat url"}
			}
			chat.ID = id
		}
		c.logger.Debug("query classified as %q -> %s", resp.Type, resp.URL)
		return chat, nil
	})
}

// SubmitMessage appends a user message to a chat.
func (c *Client) SubmitMessage(ctx context.Context, chatID, content string) (history.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return history.Message{}, ErrEmptyMessage
	}
	if err := ValidateChatID(chatID); err != nil {
		return history.Message{}, err
	}
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return history.Message{}, fmt.Errorf("encode message: %w", err)
	}
	target := c.endpoint("/chat/"+chatID+"/message", nil)

	return apperrors.RetryWithResult(ctx, c.retry, c.logger, func(ctx context.Context) (history.Message, error) {
		var msg history.Message
		if err := c.do(ctx, http.MethodPost, target, body, &msg); err != nil {
			return history.Message{}, err
		}
		msg.Role = history.RoleUser
		return msg, nil
	})
}

// Messages lists a chat's persisted messages in order.
func (c *Client) Messages(ctx context.Context, chatID string) ([]history.Message, error) {
	if err := ValidateChatID(chatID); err != nil {
		return nil, err
	}
	target := c.endpoint("/chat/"+chatID+"/messages", nil)

	return apperrors.RetryWithResult(ctx, c.retry, c.logger, func(ctx context.Context) ([]history.Message, error) {
		var messages []history.Message
		if err := c.do(ctx, http.MethodGet, target, nil, &messages); err != nil {
			return nil, err
		}
		return messages, nil
	})
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, maxResponseBytes)
	if err != nil {
		return fmt.Errorf("read %s response: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.FromResponse(method, target, resp.StatusCode, string(data))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &apperrors.PermanentError{Err: err, Message: fmt.Sprintf("decode %s response: %v", target, err)}
	}
	return nil
}

// ChatIDFromPath extracts the chat id from a "/chat/<uuid>" path or URL.
func ChatIDFromPath(path string) (string, error) {
	if u, err := url.Parse(path); err == nil {
		path = u.Path
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "chat" {
			if err := ValidateChatID(segments[i+1]); err != nil {
				return "", err
			}
			return segments[i+1], nil
		}
	}
	return "", fmt.Errorf("no chat id in %q", path)
}

// ValidateChatID checks that id is a UUID, the backend's chat key.
func ValidateChatID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid chat id %q: %w", id, err)
	}
	return nil
}

// maxResponseBytes caps a chat API response body.
const maxResponseBytes = 8 << 20

// readLimited reads r fully, failing instead of truncating when it holds
// more than limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(&io.LimitedReader{R: r, N: limit + 1})
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &apperrors.PermanentError{
			Err:     fmt.Errorf("response exceeds %d bytes", limit),
			Message: "the backend sent an oversized response",
		}
	}
	return data, nil
}
