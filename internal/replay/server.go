package replay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"scan/internal/chatstore"
	"scan/internal/history"
	"scan/internal/logging"
	"scan/internal/stream"
)

// Config wires a replay server.
type Config struct {
	Script Script
	Store  chatstore.Store
	Logger logging.Logger
	Debug  bool
	// Sleep waits between events. Tests replace it to run without delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Server is a scripted research backend.
type Server struct {
	script  Script
	store   chatstore.Store
	logger  logging.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	decoder *stream.Decoder
	engine  *gin.Engine
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	logger := logging.OrNop(cfg.Logger)
	if cfg.Store == nil {
		cfg.Store = chatstore.NewMemoryStore()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Cache-Control", "Last-Event-ID"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		script:  cfg.Script,
		store:   cfg.Store,
		logger:  logger,
		sleep:   cfg.Sleep,
		decoder: stream.NewDecoder(stream.WithLogger(logger)),
		engine:  engine,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.engine.GET(stream.DefaultStreamPath, s.handleStream)
	s.engine.GET("/search", s.handleSearch)

	chat := s.engine.Group("/chat/:id")
	chat.Use(s.requireChatID)
	{
		chat.GET("/stream", s.handleChatStream)
		chat.GET("/messages", s.handleMessages)
		chat.POST("/message", s.handleAddMessage)
	}
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve runs the server on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("replay backend listening on %s", listener.Addr())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown replay server: %w", err)
		}
		return nil
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) requireChatID(c *gin.Context) {
	if _, err := uuid.Parse(c.Param("id")); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Next()
}

func (s *Server) handleSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	wantsJSON := strings.Contains(c.GetHeader("Accept"), "application/json")
	if query == "" {
		if wantsJSON {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty query"})
			return
		}
		c.Redirect(http.StatusFound, "/")
		return
	}

	if target, ok := s.script.Redirect(query); ok {
		if wantsJSON {
			c.JSON(http.StatusOK, gin.H{"url": target})
			return
		}
		c.Redirect(http.StatusFound, target)
		return
	}

	chat, err := s.store.Create(c.Request.Context(), query)
	if err != nil {
		s.logger.Error("create chat failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
		return
	}
	chatURL := "/chat/" + chat.ID
	if wantsJSON {
		c.JSON(http.StatusOK, gin.H{"url": chatURL, "type": "research"})
		return
	}
	c.Redirect(http.StatusFound, chatURL)
}

type messageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleAddMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}

	msg, err := s.store.Append(c.Request.Context(), c.Param("id"), history.Message{Role: history.RoleUser, Content: content})
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": msg.ID, "content": content})
}

func (s *Server) handleMessages(c *gin.Context) {
	messages, err := s.store.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	if messages == nil {
		messages = []history.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chatstore.ErrChatNotFound), errors.Is(err, chatstore.ErrInvalidID):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, chatstore.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
	default:
		s.logger.Error("chat store error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// handleStream replays a turn for a single query without persistence.
func (s *Server) handleStream(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing q"})
		return
	}
	turn, ok := s.script.Select(query, c.Query("context"))
	if !ok {
		s.startSSE(c)
		s.writeEvent(c, stream.EventError, `{"error":"no scripted turn matches this query"}`)
		return
	}
	s.startSSE(c)
	s.replay(c, turn, nil)
}

// handleChatStream answers the chat's trailing user message and stores the
// reply once the turn is done. A chat with nothing to answer gets an empty
// stream.
func (s *Server) handleChatStream(c *gin.Context) {
	chatID := c.Param("id")
	messages, err := s.store.Messages(c.Request.Context(), chatID)
	s.startSSE(c)
	if err != nil || !history.NeedsStream(messages) {
		if err != nil && !errors.Is(err, chatstore.ErrChatNotFound) {
			s.logger.Warn("load chat %s: %v", chatID, err)
		}
		return
	}

	query := messages[len(messages)-1].Content
	turn, ok := s.script.Select(query, c.Query("context"))
	if !ok {
		s.writeEvent(c, stream.EventError, `{"error":"no scripted turn matches this query"}`)
		return
	}

	s.replay(c, turn, func(answer string, recorder *history.Recorder) {
		events, err := recorder.EventsJSON()
		if err != nil {
			s.logger.Error("encode events: %v", err)
			return
		}
		usage, err := recorder.UsageJSON()
		if err != nil {
			s.logger.Error("encode usage: %v", err)
			return
		}
		// The request may already be gone; the reply is still stored.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 5*time.Second)
		defer cancel()
		if _, err := s.store.Append(ctx, chatID, history.Message{
			Role:       history.RoleAssistant,
			Content:    answer,
			EventsJSON: string(events),
			UsageJSON:  string(usage),
		}); err != nil {
			s.logger.Error("store reply for chat %s: %v", chatID, err)
		}
	})
}

func (s *Server) startSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

// replay sends turn's events. onDone runs before the done event is written
// with the accumulated answer and event log.
func (s *Server) replay(c *gin.Context, turn Turn, onDone func(answer string, recorder *history.Recorder)) {
	ctx := c.Request.Context()
	var (
		recorder history.Recorder
		answer   strings.Builder
	)
	s.logger.Debug("replaying turn %q (%d events)", turn.Name, len(turn.Events))

	for _, ev := range turn.Events {
		delay := ev.Delay
		if delay == 0 {
			delay = s.script.Delay
		}
		if err := s.sleep(ctx, delay); err != nil {
			s.logger.Debug("client left during turn %q", turn.Name)
			return
		}
		if ev.Drop {
			s.logger.Debug("dropping connection for turn %q", turn.Name)
			return
		}

		data, err := ev.payload()
		if err != nil {
			s.logger.Error("%v", err)
			continue
		}
		if decoded, ok := s.decoder.Decode(ctx, stream.RawEvent{Name: ev.Event, Data: data}); ok {
			recorder.Record(decoded)
			if text, isText := decoded.(stream.TextEvent); isText {
				answer.WriteString(text.Text)
			}
			if _, isDone := decoded.(stream.DoneEvent); isDone && onDone != nil {
				onDone(answer.String(), &recorder)
			}
		}
		if !s.writeEvent(c, ev.Event, data) {
			return
		}
	}
}

func (s *Server) writeEvent(c *gin.Context, name, data string) bool {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := c.Writer.WriteString(b.String()); err != nil {
		s.logger.Debug("write %s event: %v", name, err)
		return false
	}
	c.Writer.Flush()
	return true
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
