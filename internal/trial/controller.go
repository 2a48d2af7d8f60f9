// Package trial orchestrates one rating trial: it owns the response
// controls, the touch gate and the interaction tracker, drives the submit
// affordance, and finalizes everything into a Result.
//
// State machine:
//
//	Loading -> Gated -> Submittable -> Finalized
//
// Aborted is a second terminal state used when the host goes away before
// submission. Both terminal states release every listener held by the trial.
//
// A Controller is not safe for concurrent use. The host delivers events for
// a trial from a single goroutine.
package trial

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ratingstudy/internal/control"
	"ratingstudy/internal/gate"
	"ratingstudy/internal/tracking"
)

// Errors
var (
	ErrNotAttached     = errors.New("trial: listeners not attached")
	ErrAlreadyAttached = errors.New("trial: already attached")
	ErrNotSatisfied    = errors.New("trial: submit before all controls were touched")
	ErrFinalized       = errors.New("trial: already finalized")
	ErrUnknownControl  = errors.New("trial: unknown control")
	ErrListenerPanic   = errors.New("trial: listener panicked on release")
)

// State is the controller lifecycle state.
type State int

const (
	StateLoading State = iota
	StateGated
	StateSubmittable
	StateFinalized
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateGated:
		return "gated"
	case StateSubmittable:
		return "submittable"
	case StateFinalized:
		return "finalized"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateAborted
}

// Affordance is the host's submit button and its advisory message.
type Affordance interface {
	SetSubmitEnabled(enabled bool)
	SetAdvisoryVisible(visible bool)
}

// Transition records one state change.
type Transition struct {
	From   State
	To     State
	At     time.Duration
	Reason string
}

// Options configures a Controller.
type Options struct {
	// Affordance receives gate updates. Nil discards them.
	Affordance Affordance

	// Logger is used for contract violations and lifecycle events.
	Logger *slog.Logger
}

// Controller runs one trial.
type Controller struct {
	id       string
	order    []string
	controls map[string]*control.Control

	gate    *gate.Gate
	tracker *tracking.Tracker
	scope   Scope

	affordance Affordance
	logger     *slog.Logger

	state    State
	onset    time.Duration
	lastAt   time.Duration
	hidden   int
	timeline []Transition
	result   *Result
}

// New builds a controller in the Loading state. A malformed or empty
// control set is rejected here rather than producing a gate that is
// trivially satisfied.
func New(id string, specs []control.Spec, opts Options) (*Controller, error) {
	if err := control.ValidateSet(specs); err != nil {
		return nil, fmt.Errorf("trial %s: %w", id, err)
	}

	ids := control.IDs(specs)
	g, err := gate.New(ids)
	if err != nil {
		return nil, fmt.Errorf("trial %s: %w", id, err)
	}
	tr, err := tracking.NewTracker(ids)
	if err != nil {
		return nil, fmt.Errorf("trial %s: %w", id, err)
	}

	controls := make(map[string]*control.Control, len(specs))
	for _, s := range specs {
		c, err := control.New(s)
		if err != nil {
			return nil, fmt.Errorf("trial %s: %w", id, err)
		}
		controls[s.ID] = c
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Controller{
		id:         id,
		order:      ids,
		controls:   controls,
		gate:       g,
		tracker:    tr,
		affordance: opts.Affordance,
		logger:     logger.With(slog.String("trial", id)),
		state:      StateLoading,
	}
	g.OnChange(c.applyGate)
	return c, nil
}

// ID returns the trial identifier.
func (c *Controller) ID() string { return c.id }

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Timeline returns the recorded state transitions.
func (c *Controller) Timeline() []Transition {
	return append([]Transition(nil), c.timeline...)
}

// Attach takes ownership of the host listeners and moves the trial from
// Loading to Gated. now is the display onset used for the response time.
func (c *Controller) Attach(now time.Duration, listeners ...Listener) error {
	if c.state != StateLoading {
		for _, l := range listeners {
			if l != nil {
				c.logRelease(releaseOne(l))
			}
		}
		return fmt.Errorf("%w: state %s", ErrAlreadyAttached, c.state)
	}
	for _, l := range listeners {
		c.logRelease(c.scope.Add(l))
	}
	c.onset = now
	c.lastAt = now
	c.transition(StateGated, now, "listeners attached")
	c.applyGate(c.gate.IsSatisfied())
	return nil
}

// Hold registers an additional listener for the remainder of the trial.
func (c *Controller) Hold(l Listener) {
	c.logRelease(c.scope.Add(l))
}

// Handle applies one host event according to the control transition table.
func (c *Controller) Handle(ev control.Event) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	ctl, ok := c.controls[ev.Control]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownControl, ev.Control)
	}
	class := control.Classify(ev.Kind)
	if class == control.ClassNone {
		return fmt.Errorf("%w: %v on %s", control.ErrUnknownEvent, ev.Kind, ev.Control)
	}
	c.lastAt = ev.At

	actions := control.Actions(class)
	if actions.Has(control.ActionSetValue) && ev.Value != nil {
		if err := ctl.Set(*ev.Value); err != nil {
			return err
		}
	}
	if actions.Has(control.ActionBegin) {
		if err := c.tracker.Begin(ev.Control, ev.At); err != nil {
			return err
		}
	}
	if actions.Has(control.ActionEnd) {
		if err := c.tracker.End(ev.Control, ev.At); err != nil {
			return err
		}
	}
	if actions.Has(control.ActionMarkTouched) {
		if _, err := c.gate.MarkTouched(ev.Control); err != nil {
			return err
		}
	}
	return nil
}

// Hide reacts to the page losing visibility: every open interval is closed
// at now so no time accrues while the subject is away.
func (c *Controller) Hide(now time.Duration) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	c.lastAt = now
	c.hidden++
	if id, ok := c.tracker.Active(); ok {
		c.logger.Debug("visibility lost with open interval", "control", id)
	}
	return c.tracker.EndAll(now)
}

// HiddenCount returns how many visibility losses the trial saw.
func (c *Controller) HiddenCount() int { return c.hidden }

// Satisfied reports whether every control has been touched.
func (c *Controller) Satisfied() bool { return c.gate.IsSatisfied() }

// Pending returns the controls not yet touched.
func (c *Controller) Pending() []string { return c.gate.Pending() }

// Values returns the current control values.
func (c *Controller) Values() map[string]int {
	out := make(map[string]int, len(c.controls))
	for id, ctl := range c.controls {
		out[id] = ctl.Value()
	}
	return out
}

// Durations returns the accumulated interaction time per control in ms.
func (c *Controller) Durations() map[string]int64 {
	return c.tracker.Snapshot()
}

// Submit finalizes the trial. It succeeds exactly once, and only when every
// control has been touched; the submit affordance is never enabled
// otherwise, so an unsatisfied submit is a host bug and is reported as one.
func (c *Controller) Submit(now time.Duration) (Result, error) {
	if err := c.checkLive(); err != nil {
		return Result{}, err
	}
	if !c.gate.IsSatisfied() {
		c.logger.Error("submit while gate unsatisfied", "pending", c.gate.Pending(), "state", c.state.String())
		return Result{}, fmt.Errorf("%w: pending %v", ErrNotSatisfied, c.gate.Pending())
	}

	c.lastAt = now
	if err := c.tracker.EndAll(now); err != nil {
		return Result{}, err
	}

	rt := float64(now-c.onset) / float64(time.Millisecond)
	if rt < 0 {
		rt = 0
	}
	res := Result{
		TrialID:               c.id,
		ControlValues:         c.Values(),
		DurationsMs:           c.tracker.Snapshot(),
		AllTouched:            c.gate.IsSatisfied(),
		BuiltinResponseTimeMs: rt,
	}
	c.result = &res

	c.finish(StateFinalized, now, "submitted")
	if c.affordance != nil {
		c.affordance.SetSubmitEnabled(false)
	}
	c.logger.Debug("trial finalized", "rt_ms", rt, "durations_ms", res.DurationsMs,
		"hidden", c.hidden, "clamped", c.tracker.Clamped())
	return res.Clone(), nil
}

// Result returns the finalized result, if any.
func (c *Controller) Result() (Result, bool) {
	if c.result == nil {
		return Result{}, false
	}
	return c.result.Clone(), true
}

// Abort ends the trial without a result, closing any open interval at the
// last observed host timestamp. It is a no-op on a terminal trial, so it is
// safe to defer.
func (c *Controller) Abort(reason string) {
	if c.state.Terminal() {
		return
	}
	if c.state != StateLoading {
		_ = c.tracker.EndAll(c.lastAt)
	}
	c.finish(StateAborted, c.lastAt, reason)
	c.logger.Warn("trial aborted", "reason", reason)
}

func (c *Controller) finish(to State, at time.Duration, reason string) {
	c.tracker.Freeze()
	c.gate.Freeze()
	c.logRelease(c.scope.Release())
	c.transition(to, at, reason)
}

func (c *Controller) logRelease(err error) {
	if err != nil {
		c.logger.Error("listener release failed", "error", err)
	}
}

func (c *Controller) checkLive() error {
	switch {
	case c.state == StateLoading:
		return ErrNotAttached
	case c.state.Terminal():
		return fmt.Errorf("%w: state %s", ErrFinalized, c.state)
	}
	return nil
}

// applyGate pushes the gate predicate to the affordance and advances
// Gated -> Submittable. Touch state only grows, so there is no way back.
func (c *Controller) applyGate(satisfied bool) {
	if c.state.Terminal() || c.state == StateLoading {
		return
	}
	if c.affordance != nil {
		c.affordance.SetSubmitEnabled(satisfied)
		c.affordance.SetAdvisoryVisible(!satisfied)
	}
	if satisfied && c.state == StateGated {
		c.transition(StateSubmittable, c.lastAt, "all controls touched")
	}
}

func (c *Controller) transition(to State, at time.Duration, reason string) {
	c.timeline = append(c.timeline, Transition{From: c.state, To: to, At: at, Reason: reason})
	c.state = to
}
