package session

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Participant identifies who took part in a session and through which
// recruitment platform.
type Participant struct {
	// ParticipantID is the primary id: pid, workerId or PROLIFIC_PID, or a
	// generated UUID when none is supplied.
	ParticipantID string `json:"participant_id"`

	// Platform passthrough values; empty when absent.
	PlatformParticipantID string `json:"participantId"`
	AssignmentID          string `json:"assignmentId"`
	ProjectID             string `json:"projectId"`
}

// participantKeys are consulted in order for the primary id.
var participantKeys = []string{"pid", "workerId", "PROLIFIC_PID"}

// ResolveParticipant reads participant metadata from launch query
// parameters.
func ResolveParticipant(q url.Values) Participant {
	p := Participant{
		PlatformParticipantID: param(q, "participantId"),
		AssignmentID:          param(q, "assignmentId"),
		ProjectID:             param(q, "projectId"),
	}
	for _, key := range participantKeys {
		if v := param(q, key); v != "" {
			p.ParticipantID = v
			return p
		}
	}
	p.ParticipantID = uuid.NewString()
	return p
}

func param(q url.Values, key string) string {
	return strings.TrimSpace(q.Get(key))
}
