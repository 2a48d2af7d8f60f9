package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"ratingstudy/internal/session"
)

var testSecret = []byte("study-secret-for-tests-0123456789")

func openTestStore(t *testing.T, secret []byte) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "study.db"), Options{Secret: secret})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPayload(id, participant string, created time.Time, trials int) *session.Payload {
	p := &session.Payload{
		SessionID:     id,
		Participant:   session.Participant{ParticipantID: participant, AssignmentID: "as-1", ProjectID: "proj"},
		Controls:      []string{"Q1", "Q2"},
		ClientVersion: session.DefaultClientVersion,
		StartedAt:     created.Add(-10 * time.Minute),
		CreatedAt:     created,
	}
	for i := 0; i < trials; i++ {
		p.Trials = append(p.Trials, session.Row{
			TrialID:      id + "-" + string(rune('a'+i)),
			Block:        "Male",
			Image:        "all_images/M.F.1_1.png",
			Sex:          "Male",
			FaceID:       1,
			HeightLabel:  "Tall",
			AttractLabel: "Attractive",
			RT:           1000.5 + float64(i),
			Responses:    map[string]int{"Q1": 1 + i, "Q2": 7},
			InteractMs:   map[string]int64{"Q1": int64(100 * i), "Q2": 0},
			AllTouched:   true,
		})
	}
	return p
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nested", "dir", "study.db"), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.Signed() {
		t.Error("store without secret should not sign")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestPing(t *testing.T) {
	s := openTestStore(t, nil)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail after Close")
	}
}

func TestOpenSetsPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "study.db")
	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600, got %o", info.Mode().Perm())
	}
}

func TestOpenRejectsWeakSecret(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "study.db"), Options{Secret: []byte("short")})
	if err == nil {
		t.Fatal("expected error for weak secret")
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestMigrations(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	status, err := s.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion || len(status.Pending) != 0 {
		t.Errorf("expected fully migrated, got current=%d latest=%d pending=%d",
			status.CurrentVersion, status.LatestVersion, len(status.Pending))
	}
	if err := s.CheckSchema(ctx); err != nil {
		t.Errorf("CheckSchema failed: %v", err)
	}

	version, err := s.Rollback(ctx)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if version != status.LatestVersion-1 {
		t.Errorf("expected version %d after rollback, got %d", status.LatestVersion-1, version)
	}
	if err := s.CheckSchema(ctx); err == nil {
		t.Error("exports table should be gone after rollback")
	}
	if err := MigrateDB(ctx, s.db); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	if err := ValidateSchema(ctx, s.db); err != nil {
		t.Errorf("ValidateSchema after re-migrate failed: %v", err)
	}
}

func TestOpenMigratesForwardAfterRollback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study.db")
	ctx := context.Background()

	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	s.Close()

	s, err = Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if err := s.CheckSchema(ctx); err != nil {
		t.Errorf("CheckSchema after reopen failed: %v", err)
	}
}

func TestRollbackEmptyDatabase(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	for {
		version, err := s.Rollback(ctx)
		if err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}
		if version == 0 {
			break
		}
	}
	if _, err := s.Rollback(ctx); err == nil {
		t.Error("expected error rolling back an empty schema")
	}
}

func TestSaveAndGetSession(t *testing.T) {
	s := openTestStore(t, testSecret)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := testPayload("s-1", "p-1", created, 3)
	if err := s.SavePayload(ctx, p); err != nil {
		t.Fatalf("SavePayload failed: %v", err)
	}

	rec, err := s.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.ParticipantID != "p-1" || rec.AssignmentID != "as-1" || rec.ProjectID != "proj" {
		t.Errorf("unexpected participant fields: %+v", rec.SessionSummary)
	}
	if rec.TrialCount != 3 {
		t.Errorf("expected 3 trials, got %d", rec.TrialCount)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("expected created %v, got %v", created, rec.CreatedAt)
	}
	if !rec.Signed || len(rec.HMAC) != 32 {
		t.Error("session should be signed")
	}
	if len(rec.Payload.Trials) != 3 || rec.Payload.Trials[2].Responses["Q1"] != 3 {
		t.Errorf("payload not round-tripped: %+v", rec.Payload.Trials)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t, nil)
	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveDuplicate(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	p := testPayload("s-1", "p-1", time.Now(), 1)

	if err := s.SavePayload(ctx, p); err != nil {
		t.Fatalf("SavePayload failed: %v", err)
	}
	err := s.SavePayload(ctx, p)
	if !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("expected ErrDuplicateSession, got %v", err)
	}

	trials, err := s.Trials(ctx, "s-1")
	if err != nil {
		t.Fatalf("Trials failed: %v", err)
	}
	if len(trials) != 1 {
		t.Errorf("failed duplicate insert must not add trials, got %d", len(trials))
	}
}

func TestSaveRejectsMissingID(t *testing.T) {
	s := openTestStore(t, nil)
	if err := s.SavePayload(context.Background(), &session.Payload{}); err == nil {
		t.Error("expected error for payload without session id")
	}
}

func TestTrialsInCompletionOrder(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	p := testPayload("s-1", "p-1", time.Now(), 4)
	if err := s.SavePayload(ctx, p); err != nil {
		t.Fatalf("SavePayload failed: %v", err)
	}

	trials, err := s.Trials(ctx, "s-1")
	if err != nil {
		t.Fatalf("Trials failed: %v", err)
	}
	if len(trials) != 4 {
		t.Fatalf("expected 4 trials, got %d", len(trials))
	}
	for i, tr := range trials {
		if tr.Ordinal != i || tr.TrialID != p.Trials[i].TrialID {
			t.Errorf("trial %d out of order: %+v", i, tr)
		}
		if tr.ParticipantID != "p-1" {
			t.Errorf("trial %d: expected participant p-1, got %q", i, tr.ParticipantID)
		}
		if tr.InteractMs["Q1"] != int64(100*i) {
			t.Errorf("trial %d: expected Q1 %dms, got %d", i, 100*i, tr.InteractMs["Q1"])
		}
		if !tr.AllTouched {
			t.Errorf("trial %d: all_touched lost", i)
		}
	}
}

func TestListSessions(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, pid := range []string{"p-1", "p-2", "p-1"} {
		p := testPayload("s-"+string(rune('1'+i)), pid, base.Add(time.Duration(i)*time.Hour), 1)
		if err := s.SavePayload(ctx, p); err != nil {
			t.Fatalf("SavePayload failed: %v", err)
		}
	}

	all, err := s.ListSessions(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 3 || all[0].SessionID != "s-3" {
		t.Errorf("expected newest first, got %+v", all)
	}

	mine, _ := s.ListSessions(ctx, ListOptions{ParticipantID: "p-1"})
	if len(mine) != 2 {
		t.Errorf("expected 2 sessions for p-1, got %d", len(mine))
	}

	recent, _ := s.ListSessions(ctx, ListOptions{Since: base.Add(30 * time.Minute)})
	if len(recent) != 2 {
		t.Errorf("expected 2 recent sessions, got %d", len(recent))
	}

	limited, _ := s.ListSessions(ctx, ListOptions{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected 1 session, got %d", len(limited))
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Sessions != 3 || st.Trials != 3 || st.Participants != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
	if !st.LastSession.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("unexpected last session %v", st.LastSession)
	}
}

func TestAllTrials(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	base := time.Now()

	s.SavePayload(ctx, testPayload("late", "p-2", base.Add(time.Hour), 1))
	s.SavePayload(ctx, testPayload("early", "p-1", base, 2))

	trials, err := s.AllTrials(ctx)
	if err != nil {
		t.Fatalf("AllTrials failed: %v", err)
	}
	if len(trials) != 3 {
		t.Fatalf("expected 3 trials, got %d", len(trials))
	}
	if trials[0].SessionID != "early" || trials[2].SessionID != "late" {
		t.Errorf("expected session creation order, got %s..%s", trials[0].SessionID, trials[2].SessionID)
	}
}

func TestExportHistory(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	if err := s.RecordExport(ctx, "/tmp/a.csv", 10); err != nil {
		t.Fatalf("RecordExport failed: %v", err)
	}
	if err := s.RecordExport(ctx, "/tmp/b.csv", 12); err != nil {
		t.Fatalf("RecordExport failed: %v", err)
	}

	exports, err := s.Exports(ctx)
	if err != nil {
		t.Fatalf("Exports failed: %v", err)
	}
	if len(exports) != 2 || exports[0].Path != "/tmp/b.csv" || exports[0].Rows != 12 {
		t.Errorf("unexpected exports %+v", exports)
	}
}

// =============================================================================
// Verification
// =============================================================================

func TestVerifyAllClean(t *testing.T) {
	s := openTestStore(t, testSecret)
	ctx := context.Background()
	s.SavePayload(ctx, testPayload("s-1", "p-1", time.Now(), 2))
	s.SavePayload(ctx, testPayload("s-2", "p-2", time.Now(), 0))

	report, err := s.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if !report.OK() || report.Checked != 2 || len(report.Unsigned) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestVerifyAllDetectsTamperedPayload(t *testing.T) {
	s := openTestStore(t, testSecret)
	ctx := context.Background()
	s.SavePayload(ctx, testPayload("s-1", "p-1", time.Now(), 2))

	_, err := s.db.Exec(`UPDATE sessions SET payload = replace(payload, '"Q2":7', '"Q2":1') WHERE session_id = 's-1'`)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := s.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if report.Corrupt["s-1"] != "hmac mismatch" {
		t.Errorf("expected hmac mismatch, got %+v", report.Corrupt)
	}
}

func TestVerifyAllDetectsTamperedTrialRow(t *testing.T) {
	s := openTestStore(t, testSecret)
	ctx := context.Background()
	s.SavePayload(ctx, testPayload("s-1", "p-1", time.Now(), 2))

	_, err := s.db.Exec(`UPDATE trials SET interact_ms = '{"Q1":999,"Q2":0}' WHERE session_id = 's-1' AND ordinal = 1`)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := s.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if report.OK() {
		t.Error("tampered trial row should be reported")
	}
}

func TestVerifyAllUnsigned(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	s.SavePayload(ctx, testPayload("s-1", "p-1", time.Now(), 1))

	report, err := s.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if !report.OK() {
		t.Errorf("unsigned but consistent session should pass: %+v", report.Corrupt)
	}
	if len(report.Unsigned) != 1 || report.Unsigned[0] != "s-1" {
		t.Errorf("expected s-1 unsigned, got %v", report.Unsigned)
	}
}
