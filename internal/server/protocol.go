package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"ratingstudy/internal/control"
	"ratingstudy/internal/stimulus"
)

// Client message types.
const (
	MsgReady      = "ready"
	MsgEvent      = "event"
	MsgVisibility = "visibility"
	MsgSubmit     = "submit"
)

// Server message types.
const (
	MsgBlock    = "block"
	MsgTrial    = "trial"
	MsgGate     = "gate"
	MsgSaving   = "saving"
	MsgComplete = "complete"
	MsgError    = "error"
)

// Error codes carried by MsgError.
const (
	CodeBadMessage     = "bad_message"
	CodeWrongPhase     = "wrong_phase"
	CodeUnknownControl = "unknown_control"
	CodeOutOfRange     = "out_of_range"
	CodeNotSatisfied   = "not_satisfied"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)

var errBadMessage = errors.New("bad message")

// maxClientMillis bounds the page clock reading a client may send (about
// eleven days since page load).
const maxClientMillis = 1e9

// ClientMessage is a frame sent by the browser. T is the page clock
// (performance.now) in milliseconds when the event fired.
type ClientMessage struct {
	Type    string   `json:"type"`
	T       *float64 `json:"t,omitempty"`
	Control string   `json:"control,omitempty"`
	Event   string   `json:"event,omitempty"`
	Value   *int     `json:"value,omitempty"`
	Hidden  bool     `json:"hidden,omitempty"`
}

func decodeClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	switch m.Type {
	case MsgReady, MsgEvent, MsgVisibility, MsgSubmit:
	default:
		return m, fmt.Errorf("%w: unknown type %q", errBadMessage, m.Type)
	}
	if m.T == nil {
		return m, fmt.Errorf("%w: %s without t", errBadMessage, m.Type)
	}
	if t := *m.T; math.IsNaN(t) || t < 0 || t > maxClientMillis {
		return m, fmt.Errorf("%w: t %v outside [0, %v]", errBadMessage, t, maxClientMillis)
	}
	if m.Type == MsgEvent && m.Control == "" {
		return m, fmt.Errorf("%w: event without control", errBadMessage)
	}
	return m, nil
}

// ServerMessage is a frame sent to the browser. Only the fields relevant to
// Type are set.
type ServerMessage struct {
	Type string `json:"type"`

	Block *BlockInfo `json:"block,omitempty"`
	Trial *TrialInfo `json:"trial,omitempty"`
	Gate  *GateInfo  `json:"gate,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	Trials    int    `json:"trials,omitempty"`
	Saved     *bool  `json:"saved,omitempty"`

	CompletionURL string `json:"completionUrl,omitempty"`

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// BlockInfo announces the intro screen of a block.
type BlockInfo struct {
	Label string         `json:"label"`
	Intro stimulus.Intro `json:"intro"`
}

// TrialInfo describes the trial to render.
type TrialInfo struct {
	ID       string         `json:"id"`
	Index    int            `json:"index"`
	Total    int            `json:"total"`
	Block    string         `json:"block"`
	Image    string         `json:"image"`
	Controls []control.Spec `json:"controls"`
}

// GateInfo mirrors the submit affordance.
type GateInfo struct {
	SubmitEnabled   bool     `json:"submitEnabled"`
	AdvisoryVisible bool     `json:"advisoryVisible"`
	Pending         []string `json:"pending"`
}

func errorMessage(code string, err error) ServerMessage {
	return ServerMessage{Type: MsgError, Code: code, Error: err.Error()}
}
