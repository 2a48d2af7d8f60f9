package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"ratingstudy/internal/control"
	"ratingstudy/internal/logging"
	"ratingstudy/internal/security"
)

// ErrInvalidConfig is wrapped by every ValidationErrors value.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error { return ErrInvalidConfig }

// Fields returns the names of the invalid fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i, err := range e {
		fields[i] = err.Field
	}
	return fields
}

// ValidateConfig checks every section and returns all problems found.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateStore(&c.Store)...)
	errs = append(errs, validateStudy(&c.Study)...)
	errs = append(errs, validateLimits(&c.Limits)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Addr == "" {
		errs = append(errs, *RequiredFieldError("server.addr"))
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", s.Addr, err),
		})
	}
	if s.ReadHeaderTimeoutSec < 0 {
		errs = append(errs, ValidationError{Field: "server.read_header_timeout_sec", Message: "cannot be negative"})
	}
	if s.PingIntervalSec < 1 {
		errs = append(errs, *RangeError("server.ping_interval_sec", 1, "any"))
	}
	if s.ShutdownTimeoutSec < 1 {
		errs = append(errs, *RangeError("server.shutdown_timeout_sec", 1, "any"))
	}
	return errs
}

func validateStore(s *StoreConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("store.path"))
	}
	if s.Secret != "" {
		if err := security.ValidateKeyStrength([]byte(s.Secret)); err != nil {
			errs = append(errs, ValidationError{
				Field:   "store.secret",
				Message: fmt.Sprintf("must be at least %d bytes and not trivially weak", security.MinKeySize),
			})
		}
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "store.busy_timeout_ms", Message: "cannot be negative"})
	}
	return errs
}

func validateStudy(s *StudyConfig) ValidationErrors {
	var errs ValidationErrors

	if err := control.ValidateSet(s.Controls); err != nil {
		errs = append(errs, ValidationError{Field: "study.controls", Message: err.Error()})
	}
	if err := s.Stimulus.Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "study.stimulus", Message: err.Error()})
	}
	if s.ClientVersion == "" {
		errs = append(errs, *RequiredFieldError("study.client_version"))
	}
	if s.CompletionURL != "" {
		u, err := url.Parse(s.CompletionURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "study.completion_url",
				Message: fmt.Sprintf("must be an absolute http(s) URL, got %q", s.CompletionURL),
			})
		}
	}
	return errs
}

func validateLimits(l *LimitsConfig) ValidationErrors {
	var errs ValidationErrors

	if l.MaxConnections < 0 {
		errs = append(errs, ValidationError{Field: "limits.max_connections", Message: "cannot be negative"})
	}
	if l.MaxConnectionsPerIP < 0 {
		errs = append(errs, ValidationError{Field: "limits.max_connections_per_ip", Message: "cannot be negative"})
	}
	if l.MessagesPerSecond <= 0 {
		errs = append(errs, ValidationError{Field: "limits.messages_per_second", Message: "must be positive"})
	}
	if l.MessageBurst < 1 {
		errs = append(errs, *RangeError("limits.message_burst", 1, "any"))
	}
	if l.MaxMessageBytes < 512 {
		errs = append(errs, *RangeError("limits.max_message_bytes", 512, "any"))
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil || l.Format == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "max size must be at least 1 MB"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "max backups cannot be negative"})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_age_days", Message: "max age cannot be negative"})
	}
	return errs
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "required field is missing"}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("value must be between %v and %v", min, max)}
}
