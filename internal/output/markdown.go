package output

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strings"
	"sync"

	markdown "github.com/MichaelMure/go-term-markdown"
	"github.com/charmbracelet/glamour"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MarkdownRenderer turns markdown into terminal output. Render must depend
// only on its input.
type MarkdownRenderer interface {
	Render(string) (string, error)
}

const (
	EngineGlamour = "glamour"
	// EngineTerm renders with go-term-markdown, which ignores Style.
	EngineTerm = "term"
)

// MarkdownOptions configures the markdown renderer.
type MarkdownOptions struct {
	// Engine is EngineGlamour (the default) or EngineTerm.
	Engine string
	Width  int
	// Style is "auto", "dark", "light", "notty" or a glamour style path.
	// Empty picks auto on a terminal and dark otherwise.
	Style     string
	CacheSize int
	// Terminal reports whether output goes to a TTY.
	Terminal bool
}

const defaultRenderCacheSize = 64

// CachedMarkdownRenderer renders through glamour and memoizes results by
// buffer content, so re-rendering an unchanged answer is free.
type CachedMarkdownRenderer struct {
	mu       sync.Mutex
	opts     MarkdownOptions
	renderer MarkdownRenderer
	cache    *lru.Cache[[sha256.Size]byte, string]
}

// NewMarkdownRenderer builds the glamour renderer.
func NewMarkdownRenderer(opts MarkdownOptions) (*CachedMarkdownRenderer, error) {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultRenderCacheSize
	}
	renderer, err := buildRenderer(opts)
	if err != nil {
		return nil, err
	}
	return newCachedRenderer(opts, renderer)
}

// NewCachedRenderer wraps an existing renderer with the memo cache.
func NewCachedRenderer(renderer MarkdownRenderer, cacheSize int) (*CachedMarkdownRenderer, error) {
	if cacheSize <= 0 {
		cacheSize = defaultRenderCacheSize
	}
	return newCachedRenderer(MarkdownOptions{CacheSize: cacheSize}, renderer)
}

func newCachedRenderer(opts MarkdownOptions, renderer MarkdownRenderer) (*CachedMarkdownRenderer, error) {
	cache, err := lru.New[[sha256.Size]byte, string](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create render cache: %w", err)
	}
	return &CachedMarkdownRenderer{opts: opts, renderer: renderer, cache: cache}, nil
}

func buildRenderer(opts MarkdownOptions) (MarkdownRenderer, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Engine)) {
	case "", EngineGlamour:
		return buildGlamour(opts)
	case EngineTerm:
		return termMarkdown{width: opts.Width}, nil
	default:
		return nil, fmt.Errorf("unknown markdown engine %q", opts.Engine)
	}
}

// termMarkdown is the lighter go-term-markdown renderer.
type termMarkdown struct {
	width int
}

func (t termMarkdown) Render(in string) (string, error) {
	return string(markdown.Render(in, t.width, 0)), nil
}

func buildGlamour(opts MarkdownOptions) (MarkdownRenderer, error) {
	options := []glamour.TermRendererOption{
		glamour.WithWordWrap(opts.Width),
		glamour.WithPreservedNewLines(),
	}

	switch style := strings.TrimSpace(opts.Style); {
	case style == "" && os.Getenv("GLAMOUR_STYLE") != "":
		options = append(options, glamour.WithEnvironmentConfig())
	case style == "" || style == "auto":
		if opts.Terminal {
			options = append(options, glamour.WithAutoStyle())
		} else {
			options = append(options, glamour.WithStandardStyle("dark"))
		}
	case style == "dark" || style == "light" || style == "notty" || style == "ascii":
		options = append(options, glamour.WithStandardStyle(style))
	default:
		options = append(options, glamour.WithStylePath(style))
	}

	renderer, err := glamour.NewTermRenderer(options...)
	if err != nil {
		return nil, fmt.Errorf("create markdown renderer: %w", err)
	}
	return renderer, nil
}

// Render returns the rendered form of buffer. Failures fall back to the
// raw text so an answer is never lost.
func (r *CachedMarkdownRenderer) Render(buffer string) (string, error) {
	key := sha256.Sum256([]byte(buffer))
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}

	r.mu.Lock()
	rendered, err := r.renderer.Render(buffer)
	r.mu.Unlock()
	if err != nil {
		return buffer, err
	}

	rendered = strings.TrimRight(rendered, "\n") + "\n"
	r.cache.Add(key, rendered)
	return rendered, nil
}

// Resize rebuilds the glamour renderer for a new width and drops the cache.
// Renderers built with NewCachedRenderer keep their renderer.
func (r *CachedMarkdownRenderer) Resize(width int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if width <= 0 || width == r.opts.Width {
		return nil
	}
	if r.opts.Width == 0 {
		return nil
	}
	opts := r.opts
	opts.Width = width
	renderer, err := buildRenderer(opts)
	if err != nil {
		return err
	}
	r.opts = opts
	r.renderer = renderer
	r.cache.Purge()
	return nil
}

// Len returns the number of memoized renders.
func (r *CachedMarkdownRenderer) Len() int {
	return r.cache.Len()
}
