package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/examforge/internal/model"
)

// CreatePaper inserts a paper and returns its ID.
func (s *Store) CreatePaper(p model.Paper) (int64, error) {
	if p.Status == "" {
		p.Status = model.StatusPending
	}
	res, err := s.db.Exec(
		`INSERT INTO papers (title, subject, source_url, file_hash, page_count, text, expected_questions, total_marks, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Title, p.Subject, p.SourceURL, p.FileHash, p.PageCount, p.Text, p.ExpectedCount, p.TotalMarks, p.Status, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert paper: %w", err)
	}
	return res.LastInsertId()
}

const paperColumns = `p.id, p.title, p.subject, p.source_url, p.file_hash, p.page_count, p.text,
	p.expected_questions, p.total_marks, p.status, p.created_at,
	(SELECT COUNT(*) FROM paper_questions q WHERE q.paper_id = p.id)`

func scanPaper(sc scanner) (*model.Paper, error) {
	var p model.Paper
	err := sc.Scan(&p.ID, &p.Title, &p.Subject, &p.SourceURL, &p.FileHash, &p.PageCount, &p.Text,
		&p.ExpectedCount, &p.TotalMarks, &p.Status, &p.CreatedAt, &p.QuestionsCount)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaper returns a paper by ID.
func (s *Store) GetPaper(id int64) (*model.Paper, error) {
	p, err := scanPaper(s.db.QueryRow(`SELECT `+paperColumns+` FROM papers p WHERE p.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetPaperByHash returns the most recent paper uploaded with the given file
// hash, or nil if there is none.
func (s *Store) GetPaperByHash(hash string) (*model.Paper, error) {
	p, err := scanPaper(s.db.QueryRow(
		`SELECT `+paperColumns+` FROM papers p WHERE p.file_hash = ? ORDER BY p.id DESC LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPapers returns all papers, newest first.
func (s *Store) ListPapers() ([]model.Paper, error) {
	rows, err := s.db.Query(`SELECT ` + paperColumns + ` FROM papers p ORDER BY p.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var papers []model.Paper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, err
		}
		papers = append(papers, *p)
	}
	return papers, rows.Err()
}

// UpdatePaperStatus records the outcome of an extraction run.
func (s *Store) UpdatePaperStatus(id int64, status model.DocumentStatus, expected int, totalMarks float64) error {
	_, err := s.db.Exec(
		`UPDATE papers SET status = ?, expected_questions = ?, total_marks = ? WHERE id = ?`,
		status, expected, totalMarks, id,
	)
	return err
}

// DeletePaper removes a paper together with its questions, sheets and plans.
func (s *Store) DeletePaper(id int64) error {
	res, err := s.db.Exec(`DELETE FROM papers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertQuestions stores extracted questions, replacing any question with
// the same identity key.
func (s *Store) UpsertQuestions(paperID int64, questions []model.QuestionRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO paper_questions (paper_id, number, sub_label, or_option, section, text, marks,
			question_type, options, answer_key, topic, difficulty, bloom_level)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(paper_id, number, sub_label, or_option) DO UPDATE SET
			section = excluded.section, text = excluded.text, marks = excluded.marks,
			question_type = excluded.question_type, options = excluded.options,
			answer_key = excluded.answer_key, topic = excluded.topic,
			difficulty = excluded.difficulty, bloom_level = excluded.bloom_level`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, q := range questions {
		k := q.Key()
		opts, err := marshalList(q.Options)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(paperID, k.Number, k.Label, k.Option, q.Section, q.Text, float64(q.Marks),
			q.Type, opts, q.AnswerKey, q.Topic, q.Difficulty, q.BloomLevel); err != nil {
			return fmt.Errorf("upsert question %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// ListQuestions returns a paper's questions in key order.
func (s *Store) ListQuestions(paperID int64) ([]model.QuestionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, paper_id, number, sub_label, or_option, section, text, marks,
			question_type, options, answer_key, topic, difficulty, bloom_level
		 FROM paper_questions WHERE paper_id = ?
		 ORDER BY number, sub_label, or_option`, paperID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.QuestionRecord
	for rows.Next() {
		var q model.QuestionRecord
		var marks float64
		var opts string
		if err := rows.Scan(&q.ID, &q.PaperID, &q.QuestionNumber, &q.SubLabel, &q.OrOption, &q.Section,
			&q.Text, &marks, &q.Type, &opts, &q.AnswerKey, &q.Topic, &q.Difficulty, &q.BloomLevel); err != nil {
			return nil, err
		}
		q.Marks = model.Number(marks)
		if q.Options, err = unmarshalList(opts); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	return string(b), err
}

func unmarshalList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}
