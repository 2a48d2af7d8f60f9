package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Row is the persisted form of one trial.
type Row struct {
	TrialID      string `json:"trial_id"`
	Block        string `json:"block"`
	Image        string `json:"image"`
	Sex          string `json:"sex,omitempty"`
	FaceID       int    `json:"face_id,omitempty"`
	HeightLabel  string `json:"height_label,omitempty"`
	AttractLabel string `json:"attract_label,omitempty"`

	// RT is the page response time in milliseconds.
	RT float64 `json:"rt"`

	Responses  map[string]int   `json:"responses"`
	InteractMs map[string]int64 `json:"interact_ms"`
	AllTouched bool             `json:"all_touched"`
}

// NewRow flattens a record.
func NewRow(r Record) Row {
	res := r.Result.Clone()
	return Row{
		TrialID:      res.TrialID,
		Block:        r.Stimulus.Block,
		Image:        r.Stimulus.Image,
		Sex:          r.Stimulus.Meta.Sex,
		FaceID:       r.Stimulus.Meta.FaceID,
		HeightLabel:  r.Stimulus.Meta.HeightLabel,
		AttractLabel: r.Stimulus.Meta.AttractLabel,
		RT:           res.BuiltinResponseTimeMs,
		Responses:    res.ControlValues,
		InteractMs:   res.DurationsMs,
		AllTouched:   res.AllTouched,
	}
}

// Payload is everything persisted for a session.
type Payload struct {
	SessionID string `json:"session_id"`
	Participant
	Controls      []string  `json:"controls"`
	Trials        []Row     `json:"trials"`
	ClientVersion string    `json:"client_version"`
	StartedAt     time.Time `json:"startedAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// JSON serializes the payload.
func (p *Payload) JSON() ([]byte, error) {
	return json.Marshal(p)
}

// ParsePayload decodes a serialized payload.
func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}
