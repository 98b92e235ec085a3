package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/examforge/internal/model"
)

// CreateBank inserts a question bank and returns its ID.
func (s *Store) CreateBank(b model.QuestionBank) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO question_banks (subject, topic, created_at) VALUES (?, ?, ?)`,
		b.Subject, b.Topic, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert question bank: %w", err)
	}
	return res.LastInsertId()
}

// GetBank returns a question bank by ID.
func (s *Store) GetBank(id int64) (*model.QuestionBank, error) {
	var b model.QuestionBank
	err := s.db.QueryRow(
		`SELECT id, subject, topic, created_at FROM question_banks WHERE id = ?`, id,
	).Scan(&b.ID, &b.Subject, &b.Topic, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpsertBankQuestions stores generated questions keyed by bank and number.
func (s *Store) UpsertBankQuestions(bankID int64, questions []model.GeneratedQuestion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO bank_questions (bank_id, number, question_type, question, options, answer,
			explanation, marks, difficulty, topic)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bank_id, number) DO UPDATE SET
			question_type = excluded.question_type, question = excluded.question,
			options = excluded.options, answer = excluded.answer,
			explanation = excluded.explanation, marks = excluded.marks,
			difficulty = excluded.difficulty, topic = excluded.topic`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, q := range questions {
		opts, err := marshalList(q.Options)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(bankID, q.Number, q.Type, q.Question, opts, q.Answer,
			q.Explanation, float64(q.Marks), q.Difficulty, q.Topic); err != nil {
			return fmt.Errorf("upsert bank question %d: %w", q.Number, err)
		}
	}
	return tx.Commit()
}

// ListBankQuestions returns a bank's questions by number.
func (s *Store) ListBankQuestions(bankID int64) ([]model.GeneratedQuestion, error) {
	rows, err := s.db.Query(
		`SELECT id, bank_id, number, question_type, question, options, answer,
			explanation, marks, difficulty, topic
		 FROM bank_questions WHERE bank_id = ? ORDER BY number`, bankID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.GeneratedQuestion
	for rows.Next() {
		var q model.GeneratedQuestion
		var marks float64
		var opts string
		if err := rows.Scan(&q.ID, &q.BankID, &q.Number, &q.Type, &q.Question, &opts, &q.Answer,
			&q.Explanation, &marks, &q.Difficulty, &q.Topic); err != nil {
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
