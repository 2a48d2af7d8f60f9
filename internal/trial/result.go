package trial

import (
	"encoding/json"
	"fmt"
)

// Result is the finalized record of one trial. It is built once on
// submission and never modified afterwards; maps are copies owned by the
// result.
type Result struct {
	TrialID               string           `json:"trialId"`
	ControlValues         map[string]int   `json:"controlValues"`
	DurationsMs           map[string]int64 `json:"durationsMs"`
	AllTouched            bool             `json:"allTouched"`
	BuiltinResponseTimeMs float64          `json:"builtinResponseTimeMs"`
}

// Value returns the final value of a control.
func (r Result) Value(id string) (int, bool) {
	v, ok := r.ControlValues[id]
	return v, ok
}

// Duration returns the accumulated interaction time of a control in ms.
func (r Result) Duration(id string) int64 {
	return r.DurationsMs[id]
}

// Clone returns a deep copy of r.
func (r Result) Clone() Result {
	out := r
	out.ControlValues = make(map[string]int, len(r.ControlValues))
	for k, v := range r.ControlValues {
		out.ControlValues[k] = v
	}
	out.DurationsMs = make(map[string]int64, len(r.DurationsMs))
	for k, v := range r.DurationsMs {
		out.DurationsMs[k] = v
	}
	return out
}

// JSON serializes the result.
func (r Result) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// ParseResult decodes a serialized result.
func ParseResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("decode trial result: %w", err)
	}
	return r, nil
}
