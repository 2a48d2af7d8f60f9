// Package tracking measures active manipulation time per response control.
//
// The tracker keeps at most one open interval across all controls. Host
// events arrive in overlapping bursts (pointer-down, a stream of value
// changes, pointer-up), so Begin on an already-open control is a no-op and
// only the terminating End closes the interval. Engaging a second control
// pre-empts the first by closing it at the same timestamp.
package tracking

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Errors
var (
	ErrNoControls       = errors.New("tracking: no controls registered")
	ErrDuplicateControl = errors.New("tracking: duplicate control")
	ErrUnknownControl   = errors.New("tracking: unknown control")
	ErrFrozen           = errors.New("tracking: frozen")
)

// Tracker accumulates active-manipulation duration per control.
type Tracker struct {
	order       []string
	accumulated map[string]time.Duration

	// active is the control with an open interval, "" when none.
	active      string
	activeSince time.Duration

	frozen bool

	// clamped counts End calls whose timestamp preceded the open interval.
	clamped int
}

// NewTracker creates a tracker over the given control ids.
func NewTracker(ids []string) (*Tracker, error) {
	if len(ids) == 0 {
		return nil, ErrNoControls
	}
	t := &Tracker{
		order:       make([]string, 0, len(ids)),
		accumulated: make(map[string]time.Duration, len(ids)),
	}
	for _, id := range ids {
		if _, ok := t.accumulated[id]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateControl, id)
		}
		t.accumulated[id] = 0
		t.order = append(t.order, id)
	}
	return t, nil
}

// Begin opens an interval for id at now, first closing any interval open on
// another control. Begin on the already-active control does nothing.
func (t *Tracker) Begin(id string, now time.Duration) error {
	if t.frozen {
		return ErrFrozen
	}
	if _, ok := t.accumulated[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownControl, id)
	}
	if t.active == id {
		return nil
	}
	if t.active != "" {
		t.close(now)
	}
	t.active = id
	t.activeSince = now
	return nil
}

// End closes id's open interval at now. It does nothing if id is not active.
func (t *Tracker) End(id string, now time.Duration) error {
	if t.frozen {
		return ErrFrozen
	}
	if _, ok := t.accumulated[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownControl, id)
	}
	if t.active == id {
		t.close(now)
	}
	return nil
}

// EndAll closes whichever interval is open.
func (t *Tracker) EndAll(now time.Duration) error {
	if t.frozen {
		return ErrFrozen
	}
	if t.active != "" {
		t.close(now)
	}
	return nil
}

// close adds max(0, now-start) to the active control and clears it.
func (t *Tracker) close(now time.Duration) {
	var d time.Duration
	if now > t.activeSince {
		d = now - t.activeSince
	} else if now < t.activeSince {
		t.clamped++
	}
	if d < 0 {
		// Wrapped; the readings are too far apart to be a real interval.
		d = 0
		t.clamped++
	}
	t.accumulated[t.active] += d
	t.active = ""
	t.activeSince = 0
}

// Active returns the control with an open interval.
func (t *Tracker) Active() (string, bool) {
	return t.active, t.active != ""
}

// Duration returns the raw accumulated duration for id.
func (t *Tracker) Duration(id string) time.Duration {
	return t.accumulated[id]
}

// Snapshot returns accumulated durations in whole milliseconds, rounded to
// the nearest millisecond. Open intervals are not included.
func (t *Tracker) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(t.accumulated))
	for id, d := range t.accumulated {
		out[id] = roundMillis(d)
	}
	return out
}

// Total returns the sum of all accumulated durations.
func (t *Tracker) Total() time.Duration {
	var total time.Duration
	for _, d := range t.accumulated {
		total += d
	}
	return total
}

// Clamped returns how many intervals were clamped to zero due to clock skew.
func (t *Tracker) Clamped() int {
	return t.clamped
}

// Freeze makes the tracker read-only. Call EndAll first.
func (t *Tracker) Freeze() {
	t.frozen = true
}

// Frozen reports whether the tracker is read-only.
func (t *Tracker) Frozen() bool {
	return t.frozen
}

func roundMillis(d time.Duration) int64 {
	return int64(math.Round(float64(d) / float64(time.Millisecond)))
}
