package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// AuditEventType names an audit event.
type AuditEventType string

// Audit event types.
const (
	AuditSessionSaved  AuditEventType = "session_saved"
	AuditSessionFailed AuditEventType = "session_failed"
	AuditExport        AuditEventType = "export"
	AuditVerification  AuditEventType = "verification"
	AuditConfigReload  AuditEventType = "config_reload"
	AuditStartup       AuditEventType = "startup"
	AuditShutdown      AuditEventType = "shutdown"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	SessionID string         `json:"session_id,omitempty"`
	ConnID    string         `json:"conn_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditConfig configures an AuditLogger.
type AuditConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns the default audit trail configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		FilePath:   defaultLogPath("audit.log"),
		MaxSize:    50,
		MaxAge:     365,
		MaxBackups: 20,
		Compress:   true,
		Component:  "ratingstudy",
	}
}

// AuditLogger appends JSON audit events to a rotated file. Events are
// never redacted or filtered by level.
type AuditLogger struct {
	config  *AuditConfig
	rotator *FileRotator
	now     func() time.Time
	mu      sync.Mutex
}

// NewAuditLogger opens the audit trail described by cfg.
func NewAuditLogger(cfg *AuditConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return &AuditLogger{config: cfg, rotator: rotator, now: time.Now}, nil
}

// Log writes an event, filling in timestamp, component and connection id.
// A nil AuditLogger discards events.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.ConnID == "" {
		event.ConnID = ConnIDFromContext(ctx)
	}
	if event.Result == "" {
		event.Result = ResultSuccess
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if _, err := a.rotator.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogSession records the outcome of persisting a session.
func (a *AuditLogger) LogSession(ctx context.Context, sessionID string, trials int, err error) error {
	ev := AuditEvent{
		EventType: AuditSessionSaved,
		SessionID: sessionID,
		Details:   map[string]any{"trials": trials},
	}
	if err != nil {
		ev.EventType = AuditSessionFailed
		ev.Result = ResultFailure
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogExport records a CSV export.
func (a *AuditLogger) LogExport(ctx context.Context, path string, rows int, err error) error {
	ev := AuditEvent{
		EventType: AuditExport,
		Resource:  path,
		Details:   map[string]any{"rows": rows},
	}
	if err != nil {
		ev.Result = ResultFailure
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogVerification records a store integrity check.
func (a *AuditLogger) LogVerification(ctx context.Context, checked, corrupt int) error {
	ev := AuditEvent{
		EventType: AuditVerification,
		Details:   map[string]any{"checked": checked, "corrupt": corrupt},
	}
	if corrupt > 0 {
		ev.Result = ResultFailure
	}
	return a.Log(ctx, ev)
}

// LogConfigReload records a configuration reload.
func (a *AuditLogger) LogConfigReload(ctx context.Context, path string, err error) error {
	ev := AuditEvent{EventType: AuditConfigReload, Resource: path}
	if err != nil {
		ev.Result = ResultFailure
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogStartup records process start.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{EventType: AuditStartup, Details: details})
}

// LogShutdown records process shutdown.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{EventType: AuditShutdown, Details: map[string]any{"reason": reason}})
}

// Close flushes and closes the audit file.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	if err := a.rotator.Sync(); err != nil {
		a.rotator.Close()
		return err
	}
	return a.rotator.Close()
}
