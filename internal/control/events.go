package control

import (
	"fmt"
	"strings"
	"time"
)

// Kind is a raw host event raised by a control.
type Kind int

const (
	KindUnknown Kind = iota

	// Engagement class.
	KindPointerDown
	KindMouseDown
	KindTouchStart
	KindKeyDown
	KindFocus

	// Value-change class.
	KindInput
	KindChange

	// Release class.
	KindPointerUp
	KindMouseUp
	KindTouchEnd
	KindKeyUp
	KindBlur
	KindPointerLeave
	KindMouseLeave
)

var kindNames = map[Kind]string{
	KindPointerDown:  "pointerdown",
	KindMouseDown:    "mousedown",
	KindTouchStart:   "touchstart",
	KindKeyDown:      "keydown",
	KindFocus:        "focus",
	KindInput:        "input",
	KindChange:       "change",
	KindPointerUp:    "pointerup",
	KindMouseUp:      "mouseup",
	KindTouchEnd:     "touchend",
	KindKeyUp:        "keyup",
	KindBlur:         "blur",
	KindPointerLeave: "pointerleave",
	KindMouseLeave:   "mouseleave",
}

// String returns the host event name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a host event name to a Kind.
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for k, v := range kindNames {
		if v == n {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

// Class groups event kinds by their effect on trial state.
type Class int

const (
	ClassNone Class = iota
	ClassEngage
	ClassValueChange
	ClassRelease
)

func (c Class) String() string {
	switch c {
	case ClassEngage:
		return "engage"
	case ClassValueChange:
		return "value-change"
	case ClassRelease:
		return "release"
	default:
		return "none"
	}
}

// Classify returns the class of an event kind.
func Classify(k Kind) Class {
	switch k {
	case KindPointerDown, KindMouseDown, KindTouchStart, KindKeyDown, KindFocus:
		return ClassEngage
	case KindInput, KindChange:
		return ClassValueChange
	case KindPointerUp, KindMouseUp, KindTouchEnd, KindKeyUp, KindBlur, KindPointerLeave, KindMouseLeave:
		return ClassRelease
	default:
		return ClassNone
	}
}

// Action is a bit set of state effects triggered by an event.
type Action uint8

const (
	ActionMarkTouched Action = 1 << iota
	ActionBegin
	ActionEnd
	ActionSetValue
)

// Has reports whether a includes b.
func (a Action) Has(b Action) bool { return a&b != 0 }

// transitions is the event-to-state-transition table.
var transitions = map[Class]Action{
	ClassEngage:      ActionMarkTouched | ActionBegin,
	ClassValueChange: ActionMarkTouched | ActionSetValue,
	ClassRelease:     ActionEnd,
}

// Actions returns the effects an event class has on trial state.
func Actions(c Class) Action {
	return transitions[c]
}

// Event is one host event on a control.
type Event struct {
	Control string
	Kind    Kind

	// At is the host clock reading when the event fired.
	At time.Duration

	// Value is the control value carried by value-change events.
	Value *int
}

// Millis converts a host clock reading in milliseconds to a Duration.
func Millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
