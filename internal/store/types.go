// Package store provides SQLite-based storage for completed study sessions.
package store

import (
	"time"

	"ratingstudy/internal/session"
)

// SessionSummary is the indexed part of a stored session.
type SessionSummary struct {
	SessionID             string
	ParticipantID         string
	PlatformParticipantID string
	AssignmentID          string
	ProjectID             string
	ClientVersion         string
	StartedAt             time.Time
	CreatedAt             time.Time
	TrialCount            int
	Signed                bool
}

// SessionRecord is a stored session with its full payload.
type SessionRecord struct {
	SessionSummary
	Payload *session.Payload
	HMAC    []byte
}

// TrialRecord is one stored trial row with its session's participant.
type TrialRecord struct {
	SessionID     string
	ParticipantID string
	Ordinal       int
	session.Row
}

// ListOptions filters ListSessions.
type ListOptions struct {
	ParticipantID string
	Since         time.Time
	Limit         int
}

// Stats summarises the store contents.
type Stats struct {
	Sessions     int
	Trials       int
	Participants int
	LastSession  time.Time
	Exports      int
}

// ExportRecord is one entry of the export history.
type ExportRecord struct {
	ID        int64
	Path      string
	Rows      int
	CreatedAt time.Time
}

// VerifyReport lists sessions that failed verification.
type VerifyReport struct {
	Checked  int
	Unsigned []string
	Corrupt  map[string]string // session id -> reason
}

// OK reports whether no corruption was found.
func (r *VerifyReport) OK() bool { return len(r.Corrupt) == 0 }
