package store

import (
	"context"
	"fmt"

	"ratingstudy/internal/security"
	"ratingstudy/internal/session"
)

// VerifyAll checks every stored session: the payload must decode, its HMAC
// must match when one was stored, and the trial rows must agree with the
// payload. Sessions stored without an HMAC are listed as unsigned.
func (s *Store) VerifyAll(ctx context.Context) (*VerifyReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, trial_count, payload, hmac FROM sessions ORDER BY created_ns`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	type stored struct {
		id      string
		count   int
		payload string
		mac     []byte
	}
	var all []stored
	for rows.Next() {
		var st stored
		if err := rows.Scan(&st.id, &st.count, &st.payload, &st.mac); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		all = append(all, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	rows.Close()

	report := &VerifyReport{Corrupt: make(map[string]string)}
	for _, st := range all {
		report.Checked++

		switch {
		case st.mac == nil:
			report.Unsigned = append(report.Unsigned, st.id)
		case s.macKey == nil:
			report.Corrupt[st.id] = "signed payload but no secret configured"
			continue
		case !security.VerifyMAC(s.macKey, []byte(st.payload), st.mac):
			report.Corrupt[st.id] = "hmac mismatch"
			continue
		}

		p, err := session.ParsePayload([]byte(st.payload))
		if err != nil {
			report.Corrupt[st.id] = err.Error()
			continue
		}
		if p.SessionID != st.id {
			report.Corrupt[st.id] = fmt.Sprintf("payload session id %q", p.SessionID)
			continue
		}
		if len(p.Trials) != st.count {
			report.Corrupt[st.id] = fmt.Sprintf("payload has %d trials, row says %d", len(p.Trials), st.count)
			continue
		}

		trials, err := s.Trials(ctx, st.id)
		if err != nil {
			return nil, err
		}
		if reason := compareTrials(p.Trials, trials); reason != "" {
			report.Corrupt[st.id] = reason
		}
	}
	return report, nil
}

func compareTrials(want []session.Row, got []TrialRecord) string {
	if len(want) != len(got) {
		return fmt.Sprintf("%d trial rows, payload has %d", len(got), len(want))
	}
	for i := range want {
		w, g := want[i], got[i].Row
		if w.TrialID != g.TrialID || w.Image != g.Image {
			return fmt.Sprintf("trial %d identity differs", i)
		}
		for id, v := range w.Responses {
			if g.Responses[id] != v {
				return fmt.Sprintf("trial %d response %s differs", i, id)
			}
		}
		for id, v := range w.InteractMs {
			if g.InteractMs[id] != v {
				return fmt.Sprintf("trial %d duration %s differs", i, id)
			}
		}
	}
	return ""
}
