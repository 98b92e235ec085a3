package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/examforge/internal/model"
)

// CreateSheet inserts an answer sheet and returns its ID.
func (s *Store) CreateSheet(sh model.AnswerSheet) (int64, error) {
	if sh.Status == "" {
		sh.Status = model.StatusPending
	}
	res, err := s.db.Exec(
		`INSERT INTO answer_sheets (paper_id, student_ref, source_url, file_hash, text, ocr, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sh.PaperID, sh.StudentRef, sh.SourceURL, sh.FileHash, sh.Text, sh.OCR, sh.Status, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert answer sheet: %w", err)
	}
	return res.LastInsertId()
}

const sheetColumns = `a.id, a.paper_id, a.student_ref, a.source_url, a.file_hash, a.text, a.ocr,
	a.status, a.total_score, a.max_score, a.created_at,
	(SELECT COUNT(*) FROM graded_answers g WHERE g.sheet_id = a.id)`

func scanSheet(sc scanner) (*model.AnswerSheet, error) {
	var sh model.AnswerSheet
	err := sc.Scan(&sh.ID, &sh.PaperID, &sh.StudentRef, &sh.SourceURL, &sh.FileHash, &sh.Text, &sh.OCR,
		&sh.Status, &sh.TotalScore, &sh.MaxScore, &sh.CreatedAt, &sh.GradedCount)
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

// GetSheet returns an answer sheet by ID.
func (s *Store) GetSheet(id int64) (*model.AnswerSheet, error) {
	sh, err := scanSheet(s.db.QueryRow(`SELECT `+sheetColumns+` FROM answer_sheets a WHERE a.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sh, err
}

// ListSheets returns the answer sheets of a paper in upload order.
func (s *Store) ListSheets(paperID int64) ([]model.AnswerSheet, error) {
	rows, err := s.db.Query(`SELECT `+sheetColumns+` FROM answer_sheets a WHERE a.paper_id = ? ORDER BY a.id`, paperID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sheets []model.AnswerSheet
	for rows.Next() {
		sh, err := scanSheet(rows)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, *sh)
	}
	return sheets, rows.Err()
}

// UpdateSheetResult records the outcome of a grading run.
func (s *Store) UpdateSheetResult(id int64, status model.DocumentStatus, total, maxScore float64) error {
	_, err := s.db.Exec(
		`UPDATE answer_sheets SET status = ?, total_score = ?, max_score = ? WHERE id = ?`,
		status, total, maxScore, id,
	)
	return err
}

// UpsertGradedAnswers stores grades, replacing any earlier grade for the
// same question so that regrading overwrites instead of duplicating.
func (s *Store) UpsertGradedAnswers(sheetID int64, answers []model.GradedAnswer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO graded_answers (sheet_id, number, sub_label, or_option, student_answer,
			marks_awarded, maximum_marks, feedback, confidence, attempted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(sheet_id, number, sub_label, or_option) DO UPDATE SET
			student_answer = excluded.student_answer, marks_awarded = excluded.marks_awarded,
			maximum_marks = excluded.maximum_marks, feedback = excluded.feedback,
			confidence = excluded.confidence, attempted = excluded.attempted`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range answers {
		k := a.Key()
		if _, err := stmt.Exec(sheetID, k.Number, k.Label, k.Option, a.StudentAnswer,
			float64(a.MarksAwarded), float64(a.MaximumMarks), a.Feedback, float64(a.Confidence), a.Attempted); err != nil {
			return fmt.Errorf("upsert graded answer %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// ListGradedAnswers returns a sheet's grades in key order.
func (s *Store) ListGradedAnswers(sheetID int64) ([]model.GradedAnswer, error) {
	rows, err := s.db.Query(
		`SELECT id, sheet_id, number, sub_label, or_option, student_answer,
			marks_awarded, maximum_marks, feedback, confidence, attempted
		 FROM graded_answers WHERE sheet_id = ?
		 ORDER BY number, sub_label, or_option`, sheetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.GradedAnswer
	for rows.Next() {
		var a model.GradedAnswer
		var awarded, maximum, confidence float64
		if err := rows.Scan(&a.ID, &a.SheetID, &a.QuestionNumber, &a.SubLabel, &a.OrOption, &a.StudentAnswer,
			&awarded, &maximum, &a.Feedback, &confidence, &a.Attempted); err != nil {
			return nil, err
		}
		a.MarksAwarded, a.MaximumMarks, a.Confidence = model.Number(awarded), model.Number(maximum), model.Number(confidence)
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// TopicScores sums a sheet's marks per question topic, weakest first.
// Questions without a topic are grouped under "general".
func (s *Store) TopicScores(sheetID int64) ([]model.TopicScore, error) {
	rows, err := s.db.Query(
		`SELECT COALESCE(NULLIF(q.topic, ''), 'general') AS topic,
			SUM(g.marks_awarded), SUM(g.maximum_marks)
		 FROM graded_answers g
		 JOIN answer_sheets a ON a.id = g.sheet_id
		 LEFT JOIN paper_questions q ON q.paper_id = a.paper_id AND q.number = g.number
			AND q.sub_label = g.sub_label AND q.or_option = g.or_option
		 WHERE g.sheet_id = ?
		 GROUP BY 1
		 ORDER BY SUM(g.marks_awarded) / MAX(SUM(g.maximum_marks), 0.0001), 1`, sheetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []model.TopicScore
	for rows.Next() {
		var ts model.TopicScore
		if err := rows.Scan(&ts.Topic, &ts.Awarded, &ts.Maximum); err != nil {
			return nil, err
		}
		scores = append(scores, ts)
	}
	return scores, rows.Err()
}
