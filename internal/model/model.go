package model

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidInput marks errors caused by a bad request rather than a
// failure of the system.
var ErrInvalidInput = errors.New("invalid input")

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleTeacher can upload papers, grade sheets and generate banks.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin can additionally manage users.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// DocumentStatus is the processing status of an uploaded document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	// StatusPartial means the run finished with missing items.
	StatusPartial DocumentStatus = "partial"
	StatusFailed  DocumentStatus = "failed"
)

// Paper is an uploaded question paper.
type Paper struct {
	ID             int64          `json:"id"`
	Title          string         `json:"title"`
	Subject        string         `json:"subject"`
	SourceURL      string         `json:"source_url,omitempty"`
	FileHash       string         `json:"file_hash"`
	PageCount      int            `json:"page_count"`
	Text           string         `json:"-"`
	ExpectedCount  int            `json:"expected_questions"`
	TotalMarks     float64        `json:"total_marks"`
	Status         DocumentStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	QuestionsCount int            `json:"questions_count"`
}

// AnswerSheet is a student's uploaded answer sheet for a paper.
type AnswerSheet struct {
	ID          int64          `json:"id"`
	PaperID     int64          `json:"paper_id"`
	StudentRef  string         `json:"student_ref"`
	SourceURL   string         `json:"source_url,omitempty"`
	FileHash    string         `json:"file_hash"`
	Text        string         `json:"-"`
	OCR         bool           `json:"ocr"`
	Status      DocumentStatus `json:"status"`
	TotalScore  float64        `json:"total_score"`
	MaxScore    float64        `json:"max_score"`
	CreatedAt   time.Time      `json:"created_at"`
	GradedCount int            `json:"graded_count"`
}

// QuestionBank is a generated bank of questions for a topic.
type QuestionBank struct {
	ID        int64     `json:"id"`
	Subject   string    `json:"subject"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
}

// StudyPlan is an adaptive plan built from a graded answer sheet.
type StudyPlan struct {
	ID         int64     `json:"id"`
	SheetID    int64     `json:"sheet_id"`
	StudentRef string    `json:"student_ref"`
	Days       int       `json:"days"`
	WeakTopics []string  `json:"weak_topics"`
	CreatedAt  time.Time `json:"created_at"`
	Schedule   []PlanDay `json:"schedule,omitempty"`
}

// RunKind names the subsystem that executed a run.
type RunKind string

const (
	RunExtraction RunKind = "extraction"
	RunGrading    RunKind = "grading"
	RunGeneration RunKind = "generation"
	RunStudyPlan  RunKind = "study_plan"
)

// Run is the persisted summary of one batch-fill loop execution.
type Run struct {
	ID         string           `json:"id"`
	Kind       RunKind          `json:"kind"`
	SubjectID  int64            `json:"subject_id"`
	State      string           `json:"state"`
	Attempts   int              `json:"attempts"`
	Targets    int              `json:"targets"`
	Satisfied  int              `json:"satisfied"`
	Missing    []IdentityKey    `json:"missing"`
	Report     ValidationReport `json:"report"`
	Usage      TokenUsage       `json:"usage"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// PipelineConfig holds the batch-fill loop parameters set via flags.
type PipelineConfig struct {
	BatchSize       int
	MaxAttempts     int
	Concurrency     int
	DispatchTimeout time.Duration
}

// DefaultPipelineConfig returns the defaults used when flags are unset.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BatchSize:       15,
		MaxAttempts:     5,
		Concurrency:     4,
		DispatchTimeout: 300 * time.Second,
	}
}

// TopicScore is the marks a student earned on one topic of a paper.
type TopicScore struct {
	Topic   string  `json:"topic"`
	Awarded float64 `json:"awarded"`
	Maximum float64 `json:"maximum"`
}

// Ratio returns Awarded/Maximum, or 0 when no marks were available.
func (t TopicScore) Ratio() float64 {
	if t.Maximum <= 0 {
		return 0
	}
	return t.Awarded / t.Maximum
}

// PaperInfo holds optional per-paper settings.
type PaperInfo struct {
	PromptVariant string `json:"prompt_variant,omitempty"`
	Board         string `json:"board,omitempty"`
	ExamDate      string `json:"exam_date,omitempty"`
}
