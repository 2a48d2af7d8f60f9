package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ratingstudy/internal/control"
	"ratingstudy/internal/logging"
	"ratingstudy/internal/metrics"
	"ratingstudy/internal/session"
	"ratingstudy/internal/trial"
)

var errWrongPhase = errors.New("message not valid in current phase")

type phase int

const (
	phaseIdle  phase = iota
	phaseBlock       // block intro shown, waiting for ready
	phaseOnset       // trial sent, waiting for the image to be displayed
	phaseTrial       // listeners attached
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseBlock:
		return "block"
	case phaseOnset:
		return "onset"
	case phaseTrial:
		return "trial"
	case phaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// sender delivers frames to the client.
type sender interface {
	send(ServerMessage) error
}

// affordance records the submit button state pushed by the controller so
// that one gate frame is sent per client message.
type affordance struct {
	submit   bool
	advisory bool
	dirty    bool
}

func (a *affordance) SetSubmitEnabled(enabled bool) {
	if a.submit != enabled {
		a.submit = enabled
		a.dirty = true
	}
}

func (a *affordance) SetAdvisoryVisible(visible bool) {
	if a.advisory != visible {
		a.advisory = visible
		a.dirty = true
	}
}

// runner drives one session from a single connection. It is not safe for
// concurrent use; the connection's read loop owns it.
type runner struct {
	ctx         context.Context
	sess        *session.Context
	out         sender
	metrics     *metrics.StudyMetrics
	audit       *logging.AuditLogger
	logger      *slog.Logger
	saveTimeout time.Duration
	completion  string

	phase      phase
	cur        *session.Trial
	subscribed bool
	aff        *affordance
}

func (r *runner) start() (bool, error) {
	r.metrics.SessionStarted()
	r.logger.Info("session started",
		"session_id", r.sess.ID(),
		"participant_id", r.sess.Participant().ParticipantID,
		"trials", r.sess.Plan().Len())
	return r.advance()
}

// handle applies one client message. It reports true once the session has
// been saved and the connection can close.
func (r *runner) handle(m ClientMessage) (bool, error) {
	at := control.Millis(*m.T)
	switch m.Type {
	case MsgReady:
		return false, r.ready(at)
	case MsgEvent:
		return false, r.event(m, at)
	case MsgVisibility:
		return false, r.visibility(m.Hidden, at)
	case MsgSubmit:
		return r.submit(at)
	}
	return false, fmt.Errorf("%w: unknown type %q", errBadMessage, m.Type)
}

func (r *runner) ready(at time.Duration) error {
	switch r.phase {
	case phaseBlock:
		return r.showTrial()
	case phaseOnset:
		ctl := r.cur.Controller
		if err := ctl.Attach(at, trial.ListenerFunc(r.unsubscribe)); err != nil {
			return err
		}
		r.subscribed = true
		r.phase = phaseTrial
		return r.flushGate(true)
	}
	return fmt.Errorf("%w: ready in %s", errWrongPhase, r.phase)
}

func (r *runner) unsubscribe() {
	r.subscribed = false
}

func (r *runner) event(m ClientMessage, at time.Duration) error {
	if r.phase != phaseTrial || !r.subscribed {
		return fmt.Errorf("%w: event in %s", errWrongPhase, r.phase)
	}
	kind, err := control.ParseKind(m.Event)
	if err != nil {
		return err
	}
	err = r.cur.Controller.Handle(control.Event{
		Control: m.Control,
		Kind:    kind,
		At:      at,
		Value:   m.Value,
	})
	if ferr := r.flushGate(false); ferr != nil {
		return ferr
	}
	return err
}

func (r *runner) visibility(hidden bool, at time.Duration) error {
	if !hidden || r.phase != phaseTrial {
		return nil
	}
	if err := r.cur.Controller.Hide(at); err != nil {
		return err
	}
	r.metrics.VisibilityLost()
	return r.flushGate(false)
}

func (r *runner) submit(at time.Duration) (bool, error) {
	if r.phase != phaseTrial {
		return false, fmt.Errorf("%w: submit in %s", errWrongPhase, r.phase)
	}
	res, err := r.cur.Controller.Submit(at)
	if err != nil {
		if errors.Is(err, trial.ErrNotSatisfied) {
			r.metrics.PrematureSubmit()
			if ferr := r.flushGate(true); ferr != nil {
				return false, ferr
			}
		}
		return false, err
	}

	interact := make(map[string]time.Duration, len(res.DurationsMs))
	for id, ms := range res.DurationsMs {
		interact[id] = time.Duration(ms) * time.Millisecond
	}
	r.metrics.TrialFinalized(control.Millis(res.BuiltinResponseTimeMs), interact)

	if err := r.sess.SubmitResult(res); err != nil {
		return false, err
	}
	return r.advance()
}

// advance moves to the next trial, or saves the session when the plan is
// exhausted.
func (r *runner) advance() (bool, error) {
	r.aff = &affordance{}
	tr, err := r.sess.NextTrial(trial.Options{Affordance: r.aff, Logger: r.logger})
	if errors.Is(err, session.ErrPlanExhausted) {
		return r.finish()
	}
	if err != nil {
		return false, err
	}
	r.cur = tr
	r.subscribed = false

	if tr.NewBlock {
		r.phase = phaseBlock
		return false, r.out.send(ServerMessage{
			Type:  MsgBlock,
			Block: &BlockInfo{Label: tr.Block.Label, Intro: tr.Block.Intro},
		})
	}
	return false, r.showTrial()
}

func (r *runner) showTrial() error {
	r.phase = phaseOnset
	return r.out.send(ServerMessage{
		Type: MsgTrial,
		Trial: &TrialInfo{
			ID:       r.cur.Controller.ID(),
			Index:    r.cur.Index,
			Total:    r.sess.Plan().Len(),
			Block:    r.cur.Stimulus.Block,
			Image:    r.cur.Stimulus.Image,
			Controls: r.sess.Specs(),
		},
	})
}

func (r *runner) flushGate(force bool) error {
	if r.phase != phaseTrial || r.cur == nil {
		return nil
	}
	if !r.aff.dirty && !force {
		return nil
	}
	r.aff.dirty = false
	return r.out.send(ServerMessage{
		Type: MsgGate,
		Gate: &GateInfo{
			SubmitEnabled:   r.aff.submit,
			AdvisoryVisible: r.aff.advisory,
			Pending:         r.cur.Controller.Pending(),
		},
	})
}

func (r *runner) finish() (bool, error) {
	r.cur = nil
	if err := r.out.send(ServerMessage{Type: MsgSaving}); err != nil {
		r.abandon("connection lost before save")
		return true, err
	}
	out := r.close("completed")
	saved := out.Saved
	err := r.out.send(ServerMessage{
		Type:          MsgComplete,
		SessionID:     out.SessionID,
		Trials:        out.Trials,
		Saved:         &saved,
		CompletionURL: r.completion,
	})
	return true, err
}

// abandon ends the session early, keeping whatever trials were completed.
func (r *runner) abandon(reason string) {
	if r.phase == phaseDone {
		return
	}
	r.close(reason)
}

func (r *runner) close(reason string) session.Outcome {
	if r.cur != nil && !r.cur.Controller.State().Terminal() {
		r.metrics.TrialAborted()
		r.sess.AbortActive(reason)
	}
	r.phase = phaseDone

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.saveTimeout)
	defer cancel()
	start := time.Now()
	out := r.sess.Close(ctx)
	r.metrics.SessionEnded(out.Saved, time.Since(start))
	if err := r.audit.LogSession(r.ctx, out.SessionID, out.Trials, out.Err); err != nil {
		r.logger.Warn("audit write failed", "error", err)
	}
	r.logger.Info("session ended", "reason", reason, "trials", out.Trials, "saved", out.Saved)
	return out
}

// errorCode maps a runner error to the code reported to the client.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadMessage), errors.Is(err, control.ErrUnknownEvent):
		return CodeBadMessage
	case errors.Is(err, errWrongPhase),
		errors.Is(err, trial.ErrNotAttached),
		errors.Is(err, trial.ErrAlreadyAttached),
		errors.Is(err, trial.ErrFinalized):
		return CodeWrongPhase
	case errors.Is(err, trial.ErrUnknownControl):
		return CodeUnknownControl
	case errors.Is(err, control.ErrOutOfRange):
		return CodeOutOfRange
	case errors.Is(err, trial.ErrNotSatisfied):
		return CodeNotSatisfied
	default:
		return CodeInternal
	}
}
