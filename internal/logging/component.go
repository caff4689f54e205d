package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "SCAN_LOG_DIR"

// Level is the minimum severity a component logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps "debug", "info", "warn" and "error" to a Level. Unknown
// values fall back to info.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// sink is the process-wide destination shared by every component logger.
type sink struct {
	mu    sync.Mutex
	out   io.Writer
	file  *os.File
	level Level
}

var defaultSink = &sink{level: LevelInfo}

// Options configures the shared sink.
type Options struct {
	// Dir holds scan.log. Empty means $SCAN_LOG_DIR, then ~/.scan.
	Dir   string
	Level Level
	// Output replaces the log file entirely when set.
	Output io.Writer
}

// Configure points every component logger at a new destination. It may be
// called before or after loggers are created.
func Configure(opts Options) error {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()

	if defaultSink.file != nil {
		_ = defaultSink.file.Close()
		defaultSink.file = nil
	}
	defaultSink.level = opts.Level

	if opts.Output != nil {
		defaultSink.out = opts.Output
		return nil
	}

	file, err := openLogFile(opts.Dir)
	if err != nil {
		defaultSink.out = nil
		return fmt.Errorf("open log file: %w", err)
	}
	defaultSink.file = file
	defaultSink.out = file
	return nil
}

// Close releases the log file, if any.
func Close() error {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()
	if defaultSink.file == nil {
		return nil
	}
	err := defaultSink.file.Close()
	defaultSink.file = nil
	defaultSink.out = nil
	return err
}

func openLogFile(dir string) (*os.File, error) {
	if strings.TrimSpace(dir) == "" {
		resolved, err := resolveLogDirectory()
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "scan.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".scan"), nil
}

// componentLogger tags each line with its component name.
type componentLogger struct {
	component string
	sink      *sink
}

// NewComponentLogger returns the application logger scoped to a component.
// Until Configure succeeds, output is discarded.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, sink: defaultSink}
}

// NewWriterLogger returns a component logger with its own destination,
// independent of Configure.
func NewWriterLogger(w io.Writer, component string, level Level) Logger {
	return &componentLogger{component: component, sink: &sink{out: w, level: level}}
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.out == nil || level < l.sink.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
	}

	component := l.component
	if component == "" {
		component = "scan"
	}

	// 2026-01-02 15:04:05 [INFO] [Component] file.go:12 - message
	fmt.Fprintf(l.sink.out, "%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		level, component, file, line,
		fmt.Sprintf(format, args...),
	)
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
