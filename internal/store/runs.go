package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/examforge/internal/model"
)

// SaveRun stores a run summary. Saving a run with an existing ID replaces it.
func (s *Store) SaveRun(r model.Run) error {
	missing := r.Missing
	if missing == nil {
		missing = []model.IdentityKey{}
	}
	mb, err := json.Marshal(missing)
	if err != nil {
		return fmt.Errorf("encode missing keys: %w", err)
	}
	rb, err := json.Marshal(r.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (id, kind, subject_id, state, attempts, targets, satisfied, missing, report,
			input_tokens, output_tokens, total_tokens, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state, attempts = excluded.attempts, satisfied = excluded.satisfied,
			missing = excluded.missing, report = excluded.report,
			input_tokens = excluded.input_tokens, output_tokens = excluded.output_tokens,
			total_tokens = excluded.total_tokens, finished_at = excluded.finished_at`,
		r.ID, r.Kind, r.SubjectID, r.State, r.Attempts, r.Targets, r.Satisfied, string(mb), string(rb),
		r.Usage.Input, r.Usage.Output, r.Usage.Total, r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	return err
}

const runColumns = `id, kind, subject_id, state, attempts, targets, satisfied, missing, report,
	input_tokens, output_tokens, total_tokens, started_at, finished_at`

func scanRun(sc scanner) (*model.Run, error) {
	var r model.Run
	var missing, report string
	if err := sc.Scan(&r.ID, &r.Kind, &r.SubjectID, &r.State, &r.Attempts, &r.Targets, &r.Satisfied,
		&missing, &report, &r.Usage.Input, &r.Usage.Output, &r.Usage.Total, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(missing), &r.Missing); err != nil {
		return nil, fmt.Errorf("decode missing keys: %w", err)
	}
	if err := json.Unmarshal([]byte(report), &r.Report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRuns returns the runs recorded for a subject, newest first.
func (s *Store) ListRuns(kind model.RunKind, subjectID int64) ([]model.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs WHERE kind = ? AND subject_id = ? ORDER BY started_at DESC`,
		kind, subjectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// PurgeRunsBefore deletes runs that finished before the cutoff.
func (s *Store) PurgeRunsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
