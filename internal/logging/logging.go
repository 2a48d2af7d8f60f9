// Package logging provides structured logging with slog for the rating
// study server and its tools.
//
// Features:
//   - JSON and text output formats
//   - Log levels (debug, info, warn, error)
//   - Per-connection attributes carried through context
//   - Redaction of secrets and platform participant identifiers
//   - Size and daily log rotation
//   - An append-only audit trail of stored and exported data
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// Redacted replaces the value of sensitive attributes.
const Redacted = "[REDACTED]"

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level

	// Format is the output format (text or JSON).
	Format Format

	// Output is "stdout", "stderr", "file" or "both" (stderr and file).
	Output string

	// FilePath is the log file used when Output includes a file.
	FilePath string

	// MaxSize is the size in megabytes that triggers rotation.
	MaxSize int64

	// MaxAge is the number of days rotated files are kept.
	MaxAge int

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool

	// AddSource adds source file and line to log entries.
	AddSource bool

	// Component is attached to every record as "component".
	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath("ratingstudy.log"),
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "ratingstudy",
	}
}

// defaultLogPath returns the platform-specific location for a log file.
func defaultLogPath(name string) string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "ratingstudy", name)
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "ratingstudy", "logs", name)
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "ratingstudy", name)
	}
}

// Logger wraps slog.Logger with the file rotator it writes to.
type Logger struct {
	*slog.Logger
	config  *Config
	rotator *FileRotator
	mu      sync.Mutex
	connSeq *atomic.Uint64
}

var defaultLogger atomic.Pointer[Logger]

// Default returns the process-wide logger, creating one from
// DefaultConfig on first use.
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l, err := New(DefaultConfig())
	if err != nil {
		l = &Logger{Logger: slog.Default(), config: DefaultConfig(), connSeq: new(atomic.Uint64)}
	}
	defaultLogger.CompareAndSwap(nil, l)
	return defaultLogger.Load()
}

// FromSlog wraps an existing slog logger. A nil logger discards.
func FromSlog(s *slog.Logger) *Logger {
	if s == nil {
		s = slog.New(slog.DiscardHandler)
	}
	return &Logger{Logger: s, config: DefaultConfig(), connSeq: new(atomic.Uint64)}
}

// SetDefault sets the process-wide logger and slog's default.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l.Logger)
}

// New creates a Logger writing to the outputs named in cfg.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Logger{config: cfg, connSeq: new(atomic.Uint64)}

	w, err := l.setupWriters()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}
	l.Logger = slog.New(NewHandler(w, cfg))
	return l, nil
}

// NewHandler builds the redacting slog handler described by cfg on w.
func NewHandler(w io.Writer, cfg *Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue(Redacted)
			}
			return a
		},
	}

	var h slog.Handler
	switch cfg.Format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	return h
}

func (l *Logger) setupWriters() (io.Writer, error) {
	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		rotator, err := NewFileRotator(l.config)
		if err != nil {
			return nil, err
		}
		l.rotator = rotator
		if strings.EqualFold(l.config.Output, "both") {
			return io.MultiWriter(os.Stderr, rotator), nil
		}
		return rotator, nil
	default:
		return os.Stderr, nil
	}
}

// sensitiveKeys are matched as substrings of lower-cased attribute keys.
// Platform identifiers are redacted because they can identify a person
// outside the study.
var sensitiveKeys = []string{
	"password", "secret", "token", "credential", "private",
	"auth", "cookie", "api_key", "apikey", "bearer", "hmac",
	"workerid", "prolific_pid", "participantid", "assignmentid",
}

func shouldRedact(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

func (l *Logger) derive(s *slog.Logger) *Logger {
	return &Logger{Logger: s, config: l.config, rotator: l.rotator, connSeq: l.connSeq}
}

// WithConnID returns a logger tagging records with a connection id.
func (l *Logger) WithConnID(id string) *Logger {
	return l.derive(l.Logger.With(slog.String("conn_id", id)))
}

// NewConnID returns a connection id unique within this process.
func (l *Logger) NewConnID() string {
	return fmt.Sprintf("c%06d", l.connSeq.Add(1))
}

// WithComponent returns a logger with a different component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(l.Logger.With(slog.String("component", name)))
}

// WithContext returns a logger carrying the connection id stored in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := ConnIDFromContext(ctx); id != "" {
		return l.WithConnID(id)
	}
	return l
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

type contextKey int

const connIDKey contextKey = iota

// ContextWithConnID returns a context carrying a connection id.
func ContextWithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// ConnIDFromContext extracts the connection id from ctx.
func ConnIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(connIDKey).(string); ok {
		return id
	}
	return ""
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString returns the string representation of a log level.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}
