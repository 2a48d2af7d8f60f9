// Package control models a single bounded-range response input (one slider
// on the rating screen) and the host events it raises.
//
// A Control carries no timing state. It is a value holder plus an event
// source; the trial controller feeds its events into the touch gate and the
// interaction tracker through the transition table in events.go.
package control

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidSpec  = errors.New("control: invalid spec")
	ErrOutOfRange   = errors.New("control: value out of range")
	ErrUnknownEvent = errors.New("control: unknown event")
)

// Spec describes one response control as configured for a trial.
type Spec struct {
	// ID identifies the control within a trial, e.g. "Q1".
	ID string `json:"id" toml:"id" yaml:"id"`

	// Prompt is the question shown above the control.
	Prompt string `json:"prompt" toml:"prompt" yaml:"prompt"`

	Min     int `json:"min" toml:"min" yaml:"min"`
	Max     int `json:"max" toml:"max" yaml:"max"`
	Default int `json:"default" toml:"default" yaml:"default"`
}

// Validate checks that s describes a usable range.
func (s Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidSpec)
	}
	if s.Min >= s.Max {
		return fmt.Errorf("%w: %s: min %d must be below max %d", ErrInvalidSpec, s.ID, s.Min, s.Max)
	}
	if s.Default < s.Min || s.Default > s.Max {
		return fmt.Errorf("%w: %s: default %d outside [%d, %d]", ErrInvalidSpec, s.ID, s.Default, s.Min, s.Max)
	}
	return nil
}

// Contains reports whether v lies in [Min, Max].
func (s Spec) Contains(v int) bool {
	return v >= s.Min && v <= s.Max
}

// Control is a live response control. It starts at Spec.Default.
type Control struct {
	spec  Spec
	value int
}

// New creates a control from a validated spec.
func New(spec Spec) (*Control, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Control{spec: spec, value: spec.Default}, nil
}

// ID returns the control identifier.
func (c *Control) ID() string { return c.spec.ID }

// Spec returns the control's configuration.
func (c *Control) Spec() Spec { return c.spec }

// Value returns the current value.
func (c *Control) Value() int { return c.value }

// Set updates the current value.
func (c *Control) Set(v int) error {
	if !c.spec.Contains(v) {
		return fmt.Errorf("%w: %s=%d not in [%d, %d]", ErrOutOfRange, c.spec.ID, v, c.spec.Min, c.spec.Max)
	}
	c.value = v
	return nil
}

// DefaultSpecs returns the four 1..7 rating questions used by the study.
func DefaultSpecs() []Spec {
	prompts := []string{
		"How attractive is this person?",
		"How tall is this person?",
		"How athletic is this person?",
		"How intelligent is this person?",
	}
	specs := make([]Spec, len(prompts))
	for i, p := range prompts {
		specs[i] = Spec{
			ID:      fmt.Sprintf("Q%d", i+1),
			Prompt:  p,
			Min:     1,
			Max:     7,
			Default: 4,
		}
	}
	return specs
}

// ValidateSet checks a whole trial's control set: at least one control,
// every spec valid, ids unique.
func ValidateSet(specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: no controls", ErrInvalidSpec)
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidSpec, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// IDs returns the identifiers of specs in order.
func IDs(specs []Spec) []string {
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}
	return ids
}
