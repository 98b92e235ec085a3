package grading

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/examforge/internal/document"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/objstore"
	"github.com/pavelanni/examforge/internal/ocr"
	"github.com/pavelanni/examforge/internal/store"
	"github.com/pavelanni/examforge/internal/validate"
)

type fakeOCR struct{}

func (fakeOCR) ProcessPDF(context.Context, []byte) (*ocr.Result, error) {
	return &ocr.Result{Text: "1. Force is mass times acceleration. 2. Work is force times distance.", Pages: 1}, nil
}

type fakeGen struct {
	mu      sync.Mutex
	prompts []string
	respond func(prompt string) string
}

func (f *fakeGen) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()
	return llm.Response{Text: f.respond(req.Prompt), Usage: model.TokenUsage{Input: 20, Output: 10, Total: 30}}, nil
}

var questionLine = regexp.MustCompile(`QUESTION (\S+) \(([\d.]+) marks\)`)

// gradeAll answers a grading prompt with a grade for each listed question.
// award maps a key to the marks to award; unlisted keys get half marks.
func gradeAll(award map[string]float64) func(string) string {
	return func(prompt string) string {
		var recs []string
		seen := map[string]bool{}
		for _, m := range questionLine.FindAllStringSubmatch(prompt, -1) {
			k, err := model.ParseIdentityKey(m[1])
			if err != nil {
				continue
			}
			// Answer only one OR alternative.
			group := model.Key(k.Number, k.Label, "").String()
			if seen[group] {
				continue
			}
			seen[group] = true
			marks, _ := strconv.ParseFloat(m[2], 64)
			got, ok := award[m[1]]
			if !ok {
				got = marks / 2
			}
			recs = append(recs, fmt.Sprintf(
				`{"question_number": %d, "sub_label": %q, "or_option": %q, "student_answer": "...", "marks_awarded": %g, "maximum_marks": 100, "feedback": "Checked.", "confidence": 8, "attempted": true}`,
				k.Number, k.Label, k.Option, got))
		}
		return `{"answers": [` + strings.Join(recs, ",") + `]}`
	}
}

type fakeLocker struct {
	held     map[string]bool
	unlocked []string
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) Unlock(_ context.Context, key string) error {
	delete(l.held, key)
	l.unlocked = append(l.unlocked, key)
	return nil
}

func setup(t *testing.T, gen llm.Generator) (*Service, *store.Store, int64) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	paperID, err := st.CreatePaper(model.Paper{Title: "Physics", Subject: "physics", FileHash: "p"})
	if err != nil {
		t.Fatalf("CreatePaper: %v", err)
	}
	if err := st.UpsertQuestions(paperID, []model.QuestionRecord{
		{QuestionNumber: 1, Text: "Define force.", Marks: 2, AnswerKey: "F = ma"},
		{QuestionNumber: 2, SubLabel: "a", Text: "Define work.", Marks: 3},
		{QuestionNumber: 2, SubLabel: "b", Text: "Define power.", Marks: 3},
		{QuestionNumber: 3, OrOption: "1", Text: "Derive v = u + at.", Marks: 5},
		{QuestionNumber: 3, OrOption: "2", Text: "Derive s = ut + at^2/2.", Marks: 5},
	}); err != nil {
		t.Fatalf("UpsertQuestions: %v", err)
	}

	ps, err := prompts.Default()
	if err != nil {
		t.Fatalf("prompts.Default: %v", err)
	}
	cfg := model.DefaultPipelineConfig()
	cfg.BatchSize = 2
	cfg.MaxAttempts = 2
	svc := New(st, gen, ps, &document.Loader{OCR: fakeOCR{}}, objstore.Noop{}, validate.New(), cfg)
	return svc, st, paperID
}

func TestGradePinsMaximumMarks(t *testing.T) {
	gen := &fakeGen{respond: gradeAll(map[string]float64{"1": 2})}
	svc, _, paperID := setup(t, gen)

	out, err := svc.Grade(context.Background(), Input{PaperID: paperID, StudentRef: "roll-1", Content: []byte("scan")})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if len(out.Answers) != 4 {
		t.Fatalf("got %d answers, want 4", len(out.Answers))
	}
	for _, a := range out.Answers {
		if a.MaximumMarks == 100 {
			t.Errorf("answer %s kept the model's maximum_marks", a.Key())
		}
	}
	// 2 + 1.5 + 1.5 + 2.5; the OR pair counts once toward the maximum.
	if out.Sheet.TotalScore != 7.5 || out.Sheet.MaxScore != 13 {
		t.Errorf("score = %v/%v, want 7.5/13", out.Sheet.TotalScore, out.Sheet.MaxScore)
	}
	if out.Sheet.Status != model.StatusCompleted || !out.Sheet.OCR {
		t.Errorf("unexpected sheet %+v", out.Sheet)
	}
	if out.Run.Targets != 4 || out.Run.Satisfied != 4 || out.Run.Kind != model.RunGrading {
		t.Errorf("unexpected run %+v", out.Run)
	}
	if !strings.Contains(strings.Join(gen.prompts, "\n"), "ANSWER KEY: F = ma") {
		t.Error("answer key missing from prompts")
	}
}

func TestGradeRejectsOveraward(t *testing.T) {
	gen := &fakeGen{respond: gradeAll(map[string]float64{"1": 5})}
	svc, st, paperID := setup(t, gen)

	out, err := svc.Grade(context.Background(), Input{PaperID: paperID, StudentRef: "roll-2", Content: []byte("scan")})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if out.Sheet.Status != model.StatusPartial {
		t.Errorf("status = %s, want partial", out.Sheet.Status)
	}
	if len(out.Run.Missing) != 1 || out.Run.Missing[0].String() != "1" {
		t.Errorf("missing = %v, want [1]", out.Run.Missing)
	}
	if reasons := out.Run.Report.Reasons["1"]; len(reasons) == 0 || !strings.Contains(reasons[0], "maximum_marks") {
		t.Errorf("reasons = %v", out.Run.Report.Reasons)
	}

	// Regrading asks only for the missing question.
	gen.mu.Lock()
	gen.prompts = nil
	gen.mu.Unlock()
	gen.respond = gradeAll(map[string]float64{"1": 1})
	again, err := svc.Regrade(context.Background(), out.Sheet.ID, "")
	if err != nil {
		t.Fatalf("Regrade: %v", err)
	}
	if len(gen.prompts) != 1 || strings.Contains(gen.prompts[0], "QUESTION 2a") {
		t.Errorf("regrade re-sent graded questions: %d prompts", len(gen.prompts))
	}
	if again.Sheet.Status != model.StatusCompleted || len(again.Answers) != 4 {
		t.Errorf("regrade: status %s, %d answers", again.Sheet.Status, len(again.Answers))
	}
	runs, _ := st.ListRuns(model.RunGrading, out.Sheet.ID)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}
}

func TestGradeRejectsUnknownPart(t *testing.T) {
	// Question 1 has no parts; the model grades it as 1a against its own maximum.
	grade := gradeAll(map[string]float64{"1": 90})
	gen := &fakeGen{respond: func(prompt string) string {
		return strings.Replace(grade(prompt), `"question_number": 1, "sub_label": ""`, `"question_number": 1, "sub_label": "a"`, 1)
	}}
	svc, _, paperID := setup(t, gen)

	out, err := svc.Grade(context.Background(), Input{PaperID: paperID, StudentRef: "roll-5", Content: []byte("scan")})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	for _, a := range out.Answers {
		if a.QuestionNumber == 1 {
			t.Errorf("stored answer %s awarded=%v max=%v", a.Key(), a.MarksAwarded, a.MaximumMarks)
		}
	}
	if len(out.Run.Missing) != 1 || out.Run.Missing[0].String() != "1" {
		t.Errorf("missing = %v, want [1]", out.Run.Missing)
	}
	if out.Sheet.TotalScore > out.Sheet.MaxScore || out.Sheet.Status != model.StatusPartial {
		t.Errorf("sheet %v/%v status %s", out.Sheet.TotalScore, out.Sheet.MaxScore, out.Sheet.Status)
	}
}

func TestGradeCountsBestAlternative(t *testing.T) {
	// The student answered both alternatives of question 3.
	gen := &fakeGen{respond: func(string) string {
		return `{"answers": [
			{"question_number": 1, "marks_awarded": 2, "maximum_marks": 2, "feedback": "ok", "confidence": 9},
			{"question_number": 2, "sub_label": "a", "marks_awarded": 3, "maximum_marks": 3, "feedback": "ok", "confidence": 9},
			{"question_number": 2, "sub_label": "b", "marks_awarded": 1, "maximum_marks": 3, "feedback": "ok", "confidence": 9},
			{"question_number": 3, "or_option": "1", "marks_awarded": 4, "maximum_marks": 5, "feedback": "ok", "confidence": 9},
			{"question_number": 3, "or_option": "2", "marks_awarded": 3, "maximum_marks": 5, "feedback": "ok", "confidence": 9}
		]}`
	}}
	svc, _, paperID := setup(t, gen)

	out, err := svc.Grade(context.Background(), Input{PaperID: paperID, StudentRef: "roll-6", Content: []byte("scan")})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if len(out.Answers) != 5 {
		t.Fatalf("got %d answers, want 5", len(out.Answers))
	}
	// 2 + 3 + 1 + max(4, 3).
	if out.Sheet.TotalScore != 10 || out.Sheet.MaxScore != 13 {
		t.Errorf("score = %v/%v, want 10/13", out.Sheet.TotalScore, out.Sheet.MaxScore)
	}
}

func TestGradeVariant(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		explict prompts.PromptVariant
		want    string
	}{
		{"default", "", "", "Grade fairly"},
		{"from paper", "strict", "", "Grade strictly"},
		{"explicit wins", "strict", prompts.PromptLenient, "Grade generously"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGen{respond: gradeAll(nil)}
			svc, st, paperID := setup(t, gen)
			if err := st.SetPaperInfo(paperID, model.PaperInfo{PromptVariant: tt.stored}); err != nil {
				t.Fatalf("SetPaperInfo: %v", err)
			}
			if _, err := svc.Grade(context.Background(), Input{PaperID: paperID, StudentRef: "r", Content: []byte("x"), Variant: tt.explict}); err != nil {
				t.Fatalf("Grade: %v", err)
			}
			if !strings.Contains(gen.prompts[0], tt.want) {
				t.Errorf("prompt does not contain %q", tt.want)
			}
		})
	}
}

func TestGradeErrors(t *testing.T) {
	svc, st, paperID := setup(t, &fakeGen{respond: gradeAll(nil)})
	ctx := context.Background()

	if _, err := svc.Grade(ctx, Input{PaperID: paperID, Content: []byte("x")}); err == nil {
		t.Error("missing student_ref: expected error")
	}
	if _, err := svc.Grade(ctx, Input{PaperID: paperID, StudentRef: "r", Content: []byte("x"), Variant: "harsh"}); err == nil {
		t.Error("bad variant: expected error")
	}
	if _, err := svc.Grade(ctx, Input{PaperID: 999, StudentRef: "r", Content: []byte("x")}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown paper: err = %v", err)
	}

	empty, _ := st.CreatePaper(model.Paper{Title: "Empty", FileHash: "e"})
	if _, err := svc.Grade(ctx, Input{PaperID: empty, StudentRef: "r", Content: []byte("x")}); !errors.Is(err, ErrNoQuestions) {
		t.Errorf("no questions: err = %v", err)
	}
}

func TestGradeLock(t *testing.T) {
	gen := &fakeGen{respond: gradeAll(nil)}
	svc, _, paperID := setup(t, gen)
	locker := &fakeLocker{held: map[string]bool{}}
	svc.WithLocker(locker)

	out, err := svc.Grade(context.Background(), Input{PaperID: paperID, StudentRef: "r", Content: []byte("x")})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	key := fmt.Sprintf("grading:sheet:%d", out.Sheet.ID)
	if len(locker.unlocked) != 1 || locker.unlocked[0] != key {
		t.Errorf("lock not released: %v", locker.unlocked)
	}

	locker.held[key] = true
	if _, err := svc.Regrade(context.Background(), out.Sheet.ID, ""); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestPrepare(t *testing.T) {
	idx := newQuestionIndex([]model.QuestionRecord{
		{QuestionNumber: 1, Marks: 2},
		{QuestionNumber: 3, OrOption: "1", Marks: 5},
		{QuestionNumber: 3, OrOption: "2", Marks: 4},
	})
	tests := []struct {
		name       string
		in         model.GradedAnswer
		wantMax    model.Number
		wantOption string
	}{
		{"exact", model.GradedAnswer{QuestionNumber: 1, MaximumMarks: 9}, 2, ""},
		{"unknown option dropped", model.GradedAnswer{QuestionNumber: 1, OrOption: "2", MaximumMarks: 9}, 2, ""},
		{"chosen alternative", model.GradedAnswer{QuestionNumber: 3, OrOption: "2", MaximumMarks: 9}, 4, "2"},
		{"alternative not named", model.GradedAnswer{QuestionNumber: 3, MaximumMarks: 9}, 5, ""},
		{"not in paper", model.GradedAnswer{QuestionNumber: 7, MaximumMarks: 9}, 0, ""},
		{"part the question does not have", model.GradedAnswer{QuestionNumber: 1, SubLabel: "a", MaximumMarks: 100}, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := idx.prepare(tt.in)
			if got.MaximumMarks != tt.wantMax || got.OrOption != tt.wantOption {
				t.Errorf("prepare() = max %v option %q, want %v %q", got.MaximumMarks, got.OrOption, tt.wantMax, tt.wantOption)
			}
		})
	}
	if n := idx.targets.Len(); n != 2 {
		t.Errorf("targets = %d, want 2 (OR pair shares one)", n)
	}
}
