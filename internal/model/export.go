package model

import "time"

// PaperExport is the top-level JSON structure for a paper's results export.
type PaperExport struct {
	PaperID    int64         `json:"paper_id"`
	Title      string        `json:"title"`
	Subject    string        `json:"subject"`
	TotalMarks float64       `json:"total_marks"`
	Questions  int           `json:"num_questions"`
	Results    []SheetResult `json:"results"`
}

// SheetResult holds one answer sheet's grading data for export.
type SheetResult struct {
	SheetID    int64            `json:"sheet_id"`
	StudentRef string           `json:"student_ref"`
	Status     DocumentStatus   `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	TotalScore float64          `json:"total_score"`
	MaxScore   float64          `json:"max_score"`
	Answers    []QuestionResult `json:"answers"`
	Missing    []string         `json:"missing,omitempty"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	Key          string  `json:"key"`
	Text         string  `json:"text"`
	Topic        string  `json:"topic,omitempty"`
	MaximumMarks float64 `json:"maximum_marks"`
	MarksAwarded float64 `json:"marks_awarded"`
	Confidence   float64 `json:"confidence"`
	Feedback     string  `json:"feedback"`
}
