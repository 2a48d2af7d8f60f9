package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"ratingstudy/internal/security"
	"ratingstudy/internal/session"
)

// Errors
var (
	ErrNotFound         = errors.New("store: not found")
	ErrDuplicateSession = errors.New("store: session already stored")
)

// hmacLabel scopes the key derived from the configured secret.
const hmacLabel = "session-hmac"

// Options configures Open.
type Options struct {
	// Secret enables an HMAC over every stored payload. Empty disables it.
	Secret []byte

	// BusyTimeout is passed to SQLite. Zero uses 5s.
	BusyTimeout time.Duration
}

// Store is the SQLite session store.
type Store struct {
	db     *sql.DB
	macKey []byte
}

// Open opens or creates the database at path and applies migrations.
func Open(path string, opts Options) (*Store, error) {
	var macKey []byte
	if len(opts.Secret) > 0 {
		if err := security.ValidateKeyStrength(opts.Secret); err != nil {
			return nil, fmt.Errorf("store secret: %w", err)
		}
		k, err := security.DeriveKeyWithLabel(opts.Secret, hmacLabel, security.RecommendedKeySize)
		if err != nil {
			return nil, fmt.Errorf("derive hmac key: %w", err)
		}
		macKey = k
	}

	if err := os.MkdirAll(filepath.Dir(path), security.PermSecretDir); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx := context.Background()
	if err := MigrateDB(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ValidateSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("validate schema: %w", err)
	}
	if err := os.Chmod(path, security.PermSecretFile); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &Store{db: db, macKey: macKey}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Signed reports whether payloads are stored with an HMAC.
func (s *Store) Signed() bool { return s.macKey != nil }

// MigrationStatus reports the schema state.
func (s *Store) MigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	return GetMigrationStatus(ctx, s.db)
}

// CheckSchema verifies that every table the store needs exists.
func (s *Store) CheckSchema(ctx context.Context) error {
	return ValidateSchema(ctx, s.db)
}

// Rollback reverts the newest applied migration and returns the version
// left in place. The next Open migrates forward again.
func (s *Store) Rollback(ctx context.Context) (int, error) {
	if err := RollbackMigration(ctx, s.db); err != nil {
		return 0, err
	}
	status, err := GetMigrationStatus(ctx, s.db)
	if err != nil {
		return 0, err
	}
	return status.CurrentVersion, nil
}

// SavePayload stores a session and its trials in one transaction.
func (s *Store) SavePayload(ctx context.Context, p *session.Payload) error {
	if p == nil || p.SessionID == "" {
		return errors.New("store: payload without session id")
	}
	data, err := p.JSON()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var mac []byte
	if s.macKey != nil {
		mac = security.MAC(s.macKey, data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, participant_id, platform_participant_id, assignment_id, project_id,
			client_version, started_ns, created_ns, trial_count, payload, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.ParticipantID, p.PlatformParticipantID, p.AssignmentID, p.ProjectID,
		p.ClientVersion, p.StartedAt.UnixNano(), p.CreatedAt.UnixNano(), len(p.Trials), string(data), mac,
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateSession, p.SessionID)
		}
		return fmt.Errorf("insert session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trials (session_id, ordinal, trial_id, block, image, sex, face_id, height_label, attract_label,
			rt_ms, responses, interact_ms, all_touched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, row := range p.Trials {
		responses, err := json.Marshal(row.Responses)
		if err != nil {
			return fmt.Errorf("encode responses: %w", err)
		}
		interact, err := json.Marshal(row.InteractMs)
		if err != nil {
			return fmt.Errorf("encode durations: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			p.SessionID, i, row.TrialID, row.Block, row.Image, row.Sex, row.FaceID, row.HeightLabel, row.AttractLabel,
			row.RT, string(responses), string(interact), row.AllTouched,
		); err != nil {
			return fmt.Errorf("insert trial %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

const summaryColumns = `session_id, participant_id, platform_participant_id, assignment_id, project_id,
	client_version, started_ns, created_ns, trial_count, hmac IS NOT NULL`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(sc scanner, extra ...any) (SessionSummary, error) {
	var sum SessionSummary
	var started, created int64
	dest := []any{
		&sum.SessionID, &sum.ParticipantID, &sum.PlatformParticipantID, &sum.AssignmentID, &sum.ProjectID,
		&sum.ClientVersion, &started, &created, &sum.TrialCount, &sum.Signed,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return SessionSummary{}, err
	}
	sum.StartedAt = time.Unix(0, started).UTC()
	sum.CreatedAt = time.Unix(0, created).UTC()
	return sum, nil
}

// GetSession retrieves a session with its payload.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var payload string
	var mac []byte

	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+`, payload, hmac FROM sessions WHERE session_id = ?`, id)
	sum, err := scanSummary(row, &payload, &mac)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	p, err := session.ParsePayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return &SessionRecord{SessionSummary: sum, Payload: p, HMAC: mac}, nil
}

// ListSessions returns session summaries, newest first.
func (s *Store) ListSessions(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if opts.ParticipantID != "" {
		query += ` AND participant_id = ?`
		args = append(args, opts.ParticipantID)
	}
	if !opts.Since.IsZero() {
		query += ` AND created_ns >= ?`
		args = append(args, opts.Since.UnixNano())
	}
	query += ` ORDER BY created_ns DESC, session_id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

const trialColumns = `t.session_id, s.participant_id, t.ordinal, t.trial_id, t.block, t.image, t.sex, t.face_id,
	t.height_label, t.attract_label, t.rt_ms, t.responses, t.interact_ms, t.all_touched`

// Trials returns the trials of one session in completion order.
func (s *Store) Trials(ctx context.Context, sessionID string) ([]TrialRecord, error) {
	return s.queryTrials(ctx, `SELECT `+trialColumns+`
		FROM trials t JOIN sessions s ON s.session_id = t.session_id
		WHERE t.session_id = ? ORDER BY t.ordinal`, sessionID)
}

// AllTrials returns every stored trial ordered by session creation time and
// completion order.
func (s *Store) AllTrials(ctx context.Context) ([]TrialRecord, error) {
	return s.queryTrials(ctx, `SELECT `+trialColumns+`
		FROM trials t JOIN sessions s ON s.session_id = t.session_id
		ORDER BY s.created_ns, t.session_id, t.ordinal`)
}

func (s *Store) queryTrials(ctx context.Context, query string, args ...any) ([]TrialRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	var out []TrialRecord
	for rows.Next() {
		var tr TrialRecord
		var responses, interact string
		if err := rows.Scan(
			&tr.SessionID, &tr.ParticipantID, &tr.Ordinal, &tr.TrialID, &tr.Block, &tr.Image, &tr.Sex, &tr.FaceID,
			&tr.HeightLabel, &tr.AttractLabel, &tr.RT, &responses, &interact, &tr.AllTouched,
		); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		if err := json.Unmarshal([]byte(responses), &tr.Responses); err != nil {
			return nil, fmt.Errorf("decode responses of %s: %w", tr.TrialID, err)
		}
		if err := json.Unmarshal([]byte(interact), &tr.InteractMs); err != nil {
			return nil, fmt.Errorf("decode durations of %s: %w", tr.TrialID, err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trials: %w", err)
	}
	return out, nil
}

// Stats summarises the store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM trials),
			(SELECT COUNT(DISTINCT participant_id) FROM sessions),
			(SELECT MAX(created_ns) FROM sessions),
			(SELECT COUNT(*) FROM exports)`,
	).Scan(&st.Sessions, &st.Trials, &st.Participants, &last, &st.Exports)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if last.Valid {
		st.LastSession = time.Unix(0, last.Int64).UTC()
	}
	return st, nil
}

// RecordExport appends to the export history.
func (s *Store) RecordExport(ctx context.Context, path string, rows int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exports (path, row_count, created_ns) VALUES (?, ?, ?)`,
		path, rows, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record export: %w", err)
	}
	return nil
}

// Exports returns the export history, newest first.
func (s *Store) Exports(ctx context.Context) ([]ExportRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, path, row_count, created_ns FROM exports ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query exports: %w", err)
	}
	defer rows.Close()

	var out []ExportRecord
	for rows.Next() {
		var e ExportRecord
		var created int64
		if err := rows.Scan(&e.ID, &e.Path, &e.Rows, &created); err != nil {
			return nil, fmt.Errorf("scan export: %w", err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
