package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashConfig configures a CrashHandler.
type CrashConfig struct {
	// Dir receives one JSON file per crash. Empty keeps reports in the log
	// only.
	Dir       string
	Version   string
	Component string
	Logger    *slog.Logger

	// OnCrash is called after the report is written.
	OnCrash func(CrashReport)
}

// DefaultCrashDir returns the platform-specific crash report directory.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(defaultLogPath("x")), "crashes")
}

// CrashHandler recovers panics in goroutines that must not take the
// process down, such as one participant connection.
type CrashHandler struct {
	cfg CrashConfig
	seq atomic.Uint64
	mu  sync.Mutex
}

// NewCrashHandler creates a CrashHandler, creating cfg.Dir if set.
func NewCrashHandler(cfg CrashConfig) *CrashHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Dir != "" {
		os.MkdirAll(cfg.Dir, 0750)
	}
	return &CrashHandler{cfg: cfg}
}

// Guard runs fn and recovers a panic from it, reporting it with info.
// It returns true if fn panicked.
func (h *CrashHandler) Guard(info map[string]any, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			h.HandlePanic(r, info)
		}
	}()
	fn()
	return false
}

// HandlePanic logs a crash report and writes it to the crash directory.
func (h *CrashHandler) HandlePanic(value any, info map[string]any) CrashReport {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.cfg.Version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(debug.Stack()),
		Component:    h.cfg.Component,
		Context:      info,
	}

	h.mu.Lock()
	path, err := h.writeReport(report)
	h.mu.Unlock()

	attrs := []any{"panic", report.PanicValue, "context", info}
	if path != "" {
		attrs = append(attrs, "report", path)
	}
	if err != nil {
		attrs = append(attrs, "report_error", err)
	}
	h.cfg.Logger.Error("recovered panic", attrs...)

	if h.cfg.OnCrash != nil {
		h.cfg.OnCrash(report)
	}
	return report
}

func (h *CrashHandler) writeReport(report CrashReport) (string, error) {
	if h.cfg.Dir == "" {
		return "", nil
	}
	name := fmt.Sprintf("crash-%s-%03d.json", report.Timestamp.Format("20060102-150405"), h.seq.Add(1))
	path := filepath.Join(h.cfg.Dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports reads the crash reports in the crash directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	if h.cfg.Dir == "" {
		return nil, nil
	}
	files, err := filepath.Glob(filepath.Join(h.cfg.Dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}
