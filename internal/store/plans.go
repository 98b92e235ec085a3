package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/examforge/internal/model"
)

// CreatePlan inserts a study plan with its schedule and returns the plan ID.
func (s *Store) CreatePlan(p model.StudyPlan) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	weak, err := marshalList(p.WeakTopics)
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(
		`INSERT INTO study_plans (sheet_id, student_ref, days, weak_topics, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.SheetID, p.StudentRef, p.Days, weak, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert study plan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, d := range p.Schedule {
		focus, err := marshalList(d.FocusTopics)
		if err != nil {
			return 0, err
		}
		acts, err := marshalList(d.Activities)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(
			`INSERT INTO plan_days (plan_id, day, focus_topics, activities, minutes) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(plan_id, day) DO UPDATE SET
				focus_topics = excluded.focus_topics, activities = excluded.activities, minutes = excluded.minutes`,
			id, d.Day, focus, acts, d.Minutes,
		); err != nil {
			return 0, fmt.Errorf("insert plan day %d: %w", d.Day, err)
		}
	}
	return id, tx.Commit()
}

// GetPlan returns a study plan with its schedule ordered by day.
func (s *Store) GetPlan(id int64) (*model.StudyPlan, error) {
	var p model.StudyPlan
	var weak string
	err := s.db.QueryRow(
		`SELECT id, sheet_id, student_ref, days, weak_topics, created_at FROM study_plans WHERE id = ?`, id,
	).Scan(&p.ID, &p.SheetID, &p.StudentRef, &p.Days, &weak, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.WeakTopics, err = unmarshalList(weak); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT id, plan_id, day, focus_topics, activities, minutes FROM plan_days WHERE plan_id = ? ORDER BY day`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var d model.PlanDay
		var focus, acts string
		if err := rows.Scan(&d.ID, &d.PlanID, &d.Day, &focus, &acts, &d.Minutes); err != nil {
			return nil, err
		}
		if d.FocusTopics, err = unmarshalList(focus); err != nil {
			return nil, err
		}
		if d.Activities, err = unmarshalList(acts); err != nil {
			return nil, err
		}
		p.Schedule = append(p.Schedule, d)
	}
	return &p, rows.Err()
}
