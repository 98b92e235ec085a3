package store

import (
	"database/sql"
	"errors"

	"github.com/pavelanni/examforge/internal/model"
)

// SetPaperMetadata upserts a key-value pair for a paper.
func (s *Store) SetPaperMetadata(paperID int64, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO paper_metadata (paper_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(paper_id, key) DO UPDATE SET value = excluded.value`,
		paperID, key, value,
	)
	return err
}

// GetPaperMetadata returns the value for a paper's metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetPaperMetadata(paperID int64, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM paper_metadata WHERE paper_id = ? AND key = ?`, paperID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetPaperInfo stores the non-empty PaperInfo fields as metadata rows.
func (s *Store) SetPaperInfo(paperID int64, info model.PaperInfo) error {
	pairs := []struct{ k, v string }{
		{"prompt_variant", info.PromptVariant},
		{"board", info.Board},
		{"exam_date", info.ExamDate},
	}
	for _, p := range pairs {
		if p.v == "" {
			continue
		}
		if err := s.SetPaperMetadata(paperID, p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// GetPaperInfo reads a paper's settings from metadata.
func (s *Store) GetPaperInfo(paperID int64) (model.PaperInfo, error) {
	var info model.PaperInfo
	var err error
	if info.PromptVariant, err = s.GetPaperMetadata(paperID, "prompt_variant"); err != nil {
		return info, err
	}
	if info.Board, err = s.GetPaperMetadata(paperID, "board"); err != nil {
		return info, err
	}
	if info.ExamDate, err = s.GetPaperMetadata(paperID, "exam_date"); err != nil {
		return info, err
	}
	return info, nil
}
