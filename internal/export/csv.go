// Package export writes stored trials as a flat CSV table, one row per
// trial, with a response column and an interaction-time column per control.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"ratingstudy/internal/security"
	"ratingstudy/internal/store"
)

// InteractSuffix is appended to a control id to name its duration column.
const InteractSuffix = "_interact_ms"

var baseHeader = []string{
	"participant_id", "session_id", "trial_index",
	"block", "image", "sex", "face_id", "height_label", "attract_label",
	"rt",
}

// Source provides trials and records completed exports.
type Source interface {
	AllTrials(ctx context.Context) ([]store.TrialRecord, error)
	RecordExport(ctx context.Context, path string, rows int) error
}

// Options configures an export.
type Options struct {
	// Controls fixes the control column order. Empty derives the sorted
	// union of controls seen in the data.
	Controls []string

	// Perm is the file mode of the output. Zero uses 0644.
	Perm os.FileMode

	// Wait blocks on a concurrent export instead of failing with
	// security.ErrLocked.
	Wait bool
}

// Header returns the CSV header for a control order.
func Header(controls []string) []string {
	h := append([]string(nil), baseHeader...)
	h = append(h, controls...)
	for _, id := range controls {
		h = append(h, id+InteractSuffix)
	}
	return h
}

// Controls returns the sorted union of control ids in trials.
func Controls(trials []store.TrialRecord) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, tr := range trials {
		for id := range tr.Responses {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		for id := range tr.InteractMs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return ids
}

// WriteCSV writes the header and one row per trial. Missing values are
// written as empty cells.
func WriteCSV(w io.Writer, controls []string, trials []store.TrialRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(controls)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, tr := range trials {
		rec := []string{
			tr.ParticipantID,
			tr.SessionID,
			strconv.Itoa(tr.Ordinal),
			tr.Block,
			tr.Image,
			tr.Sex,
			faceID(tr.FaceID),
			tr.HeightLabel,
			tr.AttractLabel,
			strconv.FormatFloat(tr.RT, 'f', -1, 64),
		}
		for _, id := range controls {
			v, ok := tr.Responses[id]
			rec = append(rec, cell(ok, strconv.Itoa(v)))
		}
		for _, id := range controls {
			d, ok := tr.InteractMs[id]
			rec = append(rec, cell(ok, strconv.FormatInt(d, 10)))
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write trial %s: %w", tr.TrialID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func faceID(id int) string {
	if id == 0 {
		return ""
	}
	return strconv.Itoa(id)
}

func cell(ok bool, v string) string {
	if !ok {
		return ""
	}
	return v
}

// ToFile exports every trial in src to path. The file is replaced
// atomically while an exclusive lock on path is held, and the export is
// recorded in src. It returns the number of data rows written.
func ToFile(ctx context.Context, src Source, path string, opts Options) (int, error) {
	if path == "" {
		return 0, errors.New("export: empty output path")
	}
	perm := opts.Perm
	if perm == 0 {
		perm = security.PermPublicFile
	}

	lock := security.TryLock
	if opts.Wait {
		lock = security.Lock
	}
	l, err := lock(path)
	if err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	defer l.Unlock()

	trials, err := src.AllTrials(ctx)
	if err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	controls := opts.Controls
	if len(controls) == 0 {
		controls = Controls(trials)
	}

	f, err := security.CreateAtomic(path, perm)
	if err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	if err := WriteCSV(f, controls, trials); err != nil {
		f.Abort()
		return 0, fmt.Errorf("export: %w", err)
	}
	if err := f.Commit(); err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}

	if err := src.RecordExport(ctx, f.Path(), len(trials)); err != nil {
		return len(trials), fmt.Errorf("export written but not recorded: %w", err)
	}
	return len(trials), nil
}
