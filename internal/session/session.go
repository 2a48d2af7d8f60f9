// Package session sequences the trials of one participant's run, collects
// each trial's result in completion order and persists the whole run once
// when it ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ratingstudy/internal/control"
	"ratingstudy/internal/stimulus"
	"ratingstudy/internal/trial"
)

// DefaultClientVersion is stamped on payloads when none is configured.
const DefaultClientVersion = "v3"

// Errors
var (
	ErrClosed          = errors.New("session: closed")
	ErrPlanExhausted   = errors.New("session: no trials left")
	ErrTrialActive     = errors.New("session: previous trial still running")
	ErrNoActiveTrial   = errors.New("session: no active trial")
	ErrUnexpectedTrial = errors.New("session: result does not match active trial")
	ErrIncomplete      = errors.New("session: result has untouched controls")
)

// Persister stores a finished session payload.
type Persister interface {
	SavePayload(ctx context.Context, p *Payload) error
}

// Validator checks a payload before it is persisted.
type Validator interface {
	Validate(v any) error
}

// Options configures a Context.
type Options struct {
	ClientVersion string
	Persister     Persister
	Validator     Validator
	Logger        *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Record is one completed trial.
type Record struct {
	Stimulus stimulus.Stimulus
	Result   trial.Result
}

// Trial is a trial handed out by NextTrial.
type Trial struct {
	Index      int
	Stimulus   stimulus.Stimulus
	Block      stimulus.Block
	NewBlock   bool
	Controller *trial.Controller
}

// Outcome reports how Close went. A failed save is reported here and
// logged; the caller proceeds either way.
type Outcome struct {
	SessionID string
	Trials    int
	Saved     bool
	Err       error
}

// Context is the state of one participant's run.
type Context struct {
	mu sync.Mutex

	id          string
	participant Participant
	specs       []control.Spec
	plan        *stimulus.Plan
	cursor      *stimulus.Cursor
	startedAt   time.Time

	active  *Trial
	records []Record

	closed  bool
	outcome Outcome

	opts   Options
	logger *slog.Logger
}

// New creates a session over a plan. specs are validated here so that every
// trial in the session shares one well-formed control set.
func New(p Participant, specs []control.Spec, plan *stimulus.Plan, opts Options) (*Context, error) {
	if err := control.ValidateSet(specs); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if plan == nil {
		return nil, errors.New("session: nil plan")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = DefaultClientVersion
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	id := uuid.NewString()
	return &Context{
		id:          id,
		participant: p,
		specs:       append([]control.Spec(nil), specs...),
		plan:        plan,
		cursor:      plan.Cursor(),
		startedAt:   opts.Now(),
		opts:        opts,
		logger:      logger.With(slog.String("session", id)),
	}, nil
}

// ID returns the session id.
func (c *Context) ID() string { return c.id }

// Participant returns the participant metadata.
func (c *Context) Participant() Participant { return c.participant }

// Specs returns the control set used for every trial.
func (c *Context) Specs() []control.Spec {
	return append([]control.Spec(nil), c.specs...)
}

// Plan returns the session plan.
func (c *Context) Plan() *stimulus.Plan { return c.plan }

// NextTrial builds the controller for the next stimulus. The previous trial
// must have been submitted or aborted.
func (c *Context) NextTrial(opts trial.Options) (*Trial, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.active != nil {
		if !c.active.Controller.State().Terminal() {
			return nil, ErrTrialActive
		}
		c.active = nil
	}

	st, first, ok := c.cursor.Next()
	if !ok {
		return nil, ErrPlanExhausted
	}
	block, _ := c.cursor.Block()
	index := c.cursor.Index()

	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	ctl, err := trial.New(fmt.Sprintf("%s-%03d", c.id, index), c.specs, opts)
	if err != nil {
		return nil, err
	}

	c.active = &Trial{
		Index:      index,
		Stimulus:   st,
		Block:      block,
		NewBlock:   first,
		Controller: ctl,
	}
	return c.active, nil
}

// Active returns the running trial, if any.
func (c *Context) Active() (*Trial, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.active != nil
}

// SubmitResult records the finalized result of the active trial.
func (c *Context) SubmitResult(res trial.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.active == nil {
		return ErrNoActiveTrial
	}
	if res.TrialID != c.active.Controller.ID() {
		return fmt.Errorf("%w: got %q, want %q", ErrUnexpectedTrial, res.TrialID, c.active.Controller.ID())
	}
	if !res.AllTouched {
		return ErrIncomplete
	}

	c.records = append(c.records, Record{Stimulus: c.active.Stimulus, Result: res.Clone()})
	c.active = nil
	return nil
}

// AbortActive aborts the running trial, if any.
func (c *Context) AbortActive(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortActiveLocked(reason)
}

func (c *Context) abortActiveLocked(reason string) {
	if c.active == nil {
		return
	}
	c.active.Controller.Abort(reason)
	c.active = nil
}

// Records returns the completed trials in completion order.
func (c *Context) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}

// Done reports whether every planned trial has a result.
func (c *Context) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records) == c.plan.Len()
}

// Payload packs the session into its persisted form.
func (c *Context) Payload() *Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payloadLocked()
}

func (c *Context) payloadLocked() *Payload {
	p := &Payload{
		SessionID:     c.id,
		Participant:   c.participant,
		Controls:      control.IDs(c.specs),
		Trials:        make([]Row, 0, len(c.records)),
		ClientVersion: c.opts.ClientVersion,
		StartedAt:     c.startedAt.UTC(),
		CreatedAt:     c.opts.Now().UTC(),
	}
	for _, r := range c.records {
		p.Trials = append(p.Trials, NewRow(r))
	}
	return p
}

// Close ends the session: the running trial is aborted, the payload is
// validated and persisted once. Later calls return the first outcome.
func (c *Context) Close(ctx context.Context) Outcome {
	c.mu.Lock()
	if c.closed {
		out := c.outcome
		c.mu.Unlock()
		return out
	}
	c.abortActiveLocked("session closed")
	c.closed = true
	payload := c.payloadLocked()
	c.mu.Unlock()

	out := Outcome{SessionID: c.id, Trials: len(payload.Trials)}
	out.Err = c.persist(ctx, payload)
	out.Saved = out.Err == nil
	if out.Err != nil {
		c.logger.Error("session save failed", "error", out.Err, "trials", out.Trials)
	} else {
		c.logger.Info("session saved", "trials", out.Trials)
	}

	c.mu.Lock()
	c.outcome = out
	c.mu.Unlock()
	return out
}

func (c *Context) persist(ctx context.Context, p *Payload) error {
	if c.opts.Validator != nil {
		if err := c.opts.Validator.Validate(p); err != nil {
			return fmt.Errorf("validate payload: %w", err)
		}
	}
	if c.opts.Persister == nil {
		return nil
	}
	if err := c.opts.Persister.SavePayload(ctx, p); err != nil {
		return fmt.Errorf("persist payload: %w", err)
	}
	return nil
}
