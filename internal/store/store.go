package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row getters when no row matches.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'teacher',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS papers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL DEFAULT '',
		file_hash TEXT NOT NULL,
		page_count INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL DEFAULT '',
		expected_questions INTEGER NOT NULL DEFAULT 0,
		total_marks REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_papers_hash ON papers(file_hash);

	CREATE TABLE IF NOT EXISTS paper_metadata (
		paper_id INTEGER NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (paper_id, key),
		FOREIGN KEY (paper_id) REFERENCES papers(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS paper_questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		paper_id INTEGER NOT NULL,
		number INTEGER NOT NULL,
		sub_label TEXT NOT NULL DEFAULT '',
		or_option TEXT NOT NULL DEFAULT '',
		section TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		marks REAL NOT NULL DEFAULT 0,
		question_type TEXT NOT NULL DEFAULT '',
		options TEXT NOT NULL DEFAULT '[]',
		answer_key TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL DEFAULT '',
		bloom_level TEXT NOT NULL DEFAULT '',
		UNIQUE (paper_id, number, sub_label, or_option),
		FOREIGN KEY (paper_id) REFERENCES papers(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS answer_sheets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		paper_id INTEGER NOT NULL,
		student_ref TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		file_hash TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		ocr BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		total_score REAL NOT NULL DEFAULT 0,
		max_score REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (paper_id) REFERENCES papers(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS graded_answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sheet_id INTEGER NOT NULL,
		number INTEGER NOT NULL,
		sub_label TEXT NOT NULL DEFAULT '',
		or_option TEXT NOT NULL DEFAULT '',
		student_answer TEXT NOT NULL DEFAULT '',
		marks_awarded REAL NOT NULL DEFAULT 0,
		maximum_marks REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		attempted BOOLEAN NOT NULL DEFAULT 1,
		UNIQUE (sheet_id, number, sub_label, or_option),
		FOREIGN KEY (sheet_id) REFERENCES answer_sheets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS question_banks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		topic TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bank_questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bank_id INTEGER NOT NULL,
		number INTEGER NOT NULL,
		question_type TEXT NOT NULL,
		question TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		answer TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		marks REAL NOT NULL DEFAULT 0,
		difficulty TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		UNIQUE (bank_id, number),
		FOREIGN KEY (bank_id) REFERENCES question_banks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS study_plans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sheet_id INTEGER NOT NULL,
		student_ref TEXT NOT NULL,
		days INTEGER NOT NULL,
		weak_topics TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (sheet_id) REFERENCES answer_sheets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS plan_days (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plan_id INTEGER NOT NULL,
		day INTEGER NOT NULL,
		focus_topics TEXT NOT NULL DEFAULT '[]',
		activities TEXT NOT NULL DEFAULT '[]',
		minutes INTEGER NOT NULL DEFAULT 0,
		UNIQUE (plan_id, day),
		FOREIGN KEY (plan_id) REFERENCES study_plans(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		subject_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		targets INTEGER NOT NULL,
		satisfied INTEGER NOT NULL,
		missing TEXT NOT NULL DEFAULT '[]',
		report TEXT NOT NULL DEFAULT '{}',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_subject ON runs(kind, subject_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
