// Package gate implements the per-trial touch gate: a one-way "engaged at
// least once" latch per control and the aggregate predicate that decides
// whether the trial may be submitted.
package gate

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrNoControls       = errors.New("gate: no controls registered")
	ErrDuplicateControl = errors.New("gate: duplicate control")
	ErrUnknownControl   = errors.New("gate: unknown control")
	ErrFrozen           = errors.New("gate: frozen")
)

// Gate tracks touch state for a fixed set of controls.
//
// Touch state only grows: once a control is marked it stays marked for the
// lifetime of the gate.
type Gate struct {
	order    []string
	touched  map[string]bool
	count    int
	frozen   bool
	onChange func(satisfied bool)
}

// New creates a gate over the given control ids. An empty set is rejected
// because it would make the gate trivially satisfied.
func New(ids []string) (*Gate, error) {
	if len(ids) == 0 {
		return nil, ErrNoControls
	}
	g := &Gate{
		order:   make([]string, 0, len(ids)),
		touched: make(map[string]bool, len(ids)),
	}
	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: empty id", ErrUnknownControl)
		}
		if _, ok := g.touched[id]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateControl, id)
		}
		g.touched[id] = false
		g.order = append(g.order, id)
	}
	return g, nil
}

// OnChange registers the observer invoked synchronously after every
// MarkTouched call with the current IsSatisfied value.
func (g *Gate) OnChange(fn func(satisfied bool)) {
	g.onChange = fn
}

// MarkTouched latches id as touched. Repeated calls are no-ops for the latch
// but still notify the observer.
func (g *Gate) MarkTouched(id string) (bool, error) {
	if g.frozen {
		return g.IsSatisfied(), ErrFrozen
	}
	was, ok := g.touched[id]
	if !ok {
		return g.IsSatisfied(), fmt.Errorf("%w: %q", ErrUnknownControl, id)
	}
	if !was {
		g.touched[id] = true
		g.count++
	}

	satisfied := g.IsSatisfied()
	if g.onChange != nil {
		g.onChange(satisfied)
	}
	return satisfied, nil
}

// IsSatisfied reports whether every registered control has been touched.
func (g *Gate) IsSatisfied() bool {
	return g.count == len(g.order)
}

// Touched reports whether id has been touched.
func (g *Gate) Touched(id string) bool {
	return g.touched[id]
}

// Pending returns the untouched control ids in registration order.
func (g *Gate) Pending() []string {
	var pending []string
	for _, id := range g.order {
		if !g.touched[id] {
			pending = append(pending, id)
		}
	}
	return pending
}

// Snapshot returns a copy of the touch state.
func (g *Gate) Snapshot() map[string]bool {
	out := make(map[string]bool, len(g.touched))
	for id, v := range g.touched {
		out[id] = v
	}
	return out
}

// Freeze makes the gate read-only.
func (g *Gate) Freeze() {
	g.frozen = true
}
