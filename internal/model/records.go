package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Number is a float64 that also accepts numeric strings ("5", "2.5") when
// decoded from JSON, since model output is not consistent about quoting.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// QuestionType is the answer format of a question.
type QuestionType string

const (
	// TypeMCQ is a multiple-choice question.
	TypeMCQ QuestionType = "mcq"
	// TypeSA is a short-answer question.
	TypeSA QuestionType = "sa"
	// TypeLA is a long-answer question.
	TypeLA QuestionType = "la"
)

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// QuestionRecord is one question extracted from a question paper.
type QuestionRecord struct {
	ID             int64        `json:"id,omitempty"`
	PaperID        int64        `json:"paper_id,omitempty"`
	QuestionNumber int          `json:"question_number" validate:"gt=0"`
	SubLabel       string       `json:"sub_label,omitempty"`
	OrOption       string       `json:"or_option,omitempty"`
	Section        string       `json:"section,omitempty"`
	Text           string       `json:"question_text" validate:"required,notblank"`
	Marks          Number       `json:"marks" validate:"gte=0"`
	Type           QuestionType `json:"question_type" validate:"omitempty,oneof=mcq sa la"`
	Options        []string     `json:"options,omitempty"`
	AnswerKey      string       `json:"answer_key,omitempty"`
	Topic          string       `json:"topic,omitempty"`
	Difficulty     Difficulty   `json:"difficulty,omitempty" validate:"omitempty,oneof=easy medium hard"`
	BloomLevel     string       `json:"bloom_level,omitempty"`
}

// Key returns the record's identity key.
func (q QuestionRecord) Key() IdentityKey {
	return Key(q.QuestionNumber, q.SubLabel, q.OrOption)
}

// GradedAnswer is the grade of one answer on an answer sheet.
type GradedAnswer struct {
	ID             int64  `json:"id,omitempty"`
	SheetID        int64  `json:"sheet_id,omitempty"`
	QuestionNumber int    `json:"question_number" validate:"gt=0"`
	SubLabel       string `json:"sub_label,omitempty"`
	OrOption       string `json:"or_option,omitempty"`
	StudentAnswer  string `json:"student_answer"`
	MarksAwarded   Number `json:"marks_awarded" validate:"gte=0,ltefield=MaximumMarks"`
	MaximumMarks   Number `json:"maximum_marks" validate:"gt=0"`
	Feedback       string `json:"feedback" validate:"required,notblank"`
	Confidence     Number `json:"confidence" validate:"gte=0,lte=10"`
	Attempted      bool   `json:"attempted"`
}

// Key returns the answer's identity key.
func (g GradedAnswer) Key() IdentityKey {
	return Key(g.QuestionNumber, g.SubLabel, g.OrOption)
}

// GeneratedQuestion is one question of a generated question bank.
type GeneratedQuestion struct {
	ID          int64        `json:"id,omitempty"`
	BankID      int64        `json:"bank_id,omitempty"`
	Number      int          `json:"number" validate:"gt=0"`
	Type        QuestionType `json:"type" validate:"required,oneof=mcq sa la"`
	Question    string       `json:"question" validate:"required,notblank"`
	Options     []string     `json:"options,omitempty"`
	Answer      string       `json:"answer" validate:"required,notblank"`
	Explanation string       `json:"explanation,omitempty"`
	Marks       Number       `json:"marks" validate:"gt=0"`
	Difficulty  Difficulty   `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
	Topic       string       `json:"topic,omitempty"`
}

// Key returns the question's identity key.
func (q GeneratedQuestion) Key() IdentityKey {
	return IdentityKey{Number: q.Number}
}

// PlanDay is one day of a study plan.
type PlanDay struct {
	ID          int64    `json:"id,omitempty"`
	PlanID      int64    `json:"plan_id,omitempty"`
	Day         int      `json:"day" validate:"gt=0"`
	FocusTopics []string `json:"focus_topics" validate:"required,min=1"`
	Activities  []string `json:"activities" validate:"required,min=1"`
	Minutes     int      `json:"minutes" validate:"gte=15,lte=480"`
}

// Key returns the day's identity key.
func (d PlanDay) Key() IdentityKey {
	return IdentityKey{Number: d.Day}
}

// TotalMarks sums question marks, counting each group of OR alternatives
// (same number and label) once at its highest mark.
func TotalMarks(questions []QuestionRecord) float64 {
	group := make(map[IdentityKey]float64)
	for _, q := range questions {
		k := q.Key()
		k.Option = ""
		if m := float64(q.Marks); m > group[k] {
			group[k] = m
		}
	}
	var total float64
	for _, m := range group {
		total += m
	}
	return total
}

// TotalAwarded sums awarded marks the way TotalMarks sums maximums: when
// several OR alternatives of one question were graded, only the best counts.
func TotalAwarded(answers []GradedAnswer) float64 {
	group := make(map[IdentityKey]float64)
	for _, a := range answers {
		k := a.Key()
		k.Option = ""
		if m := float64(a.MarksAwarded); m > group[k] {
			group[k] = m
		}
	}
	var total float64
	for _, m := range group {
		total += m
	}
	return total
}
