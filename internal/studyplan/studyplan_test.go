package studyplan

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/store"
	"github.com/pavelanni/examforge/internal/validate"
)

type fakeGen struct {
	mu      sync.Mutex
	prompts []string
	respond func(prompt string) string
}

func (f *fakeGen) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()
	return llm.Response{Text: f.respond(req.Prompt), Usage: model.TokenUsage{Total: 7}}, nil
}

var daysLine = regexp.MustCompile(`Write ONLY these days: ([\d, ]+)\.`)

// planDays answers with a day per requested day number. Days for which
// minutes returns 0 get an out-of-range study time.
func planDays(minutes func(day int) int) func(string) string {
	return func(prompt string) string {
		m := daysLine.FindStringSubmatch(prompt)
		if m == nil {
			return ""
		}
		var recs []string
		for _, s := range strings.Split(m[1], ", ") {
			d, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				continue
			}
			recs = append(recs, fmt.Sprintf(
				`{"day": %d, "focus_topics": ["optics", " "], "activities": ["solve 5 problems"], "minutes": %d}`,
				d, minutes(d)))
		}
		// Trailing comma and a truncated tail, as models sometimes produce.
		return `{"days": [` + strings.Join(recs, ",") + `, {"day": 99, "focus`
	}
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
		{QuestionNumber: 1, Text: "q1", Marks: 4, Topic: "optics"},
		{QuestionNumber: 2, Text: "q2", Marks: 4, Topic: "mechanics"},
	}); err != nil {
		t.Fatalf("UpsertQuestions: %v", err)
	}
	sheetID, err := st.CreateSheet(model.AnswerSheet{PaperID: paperID, StudentRef: "roll-3", FileHash: "s"})
	if err != nil {
		t.Fatalf("CreateSheet: %v", err)
	}
	if err := st.UpsertGradedAnswers(sheetID, []model.GradedAnswer{
		{QuestionNumber: 1, MarksAwarded: 1, MaximumMarks: 4, Feedback: "f"},
		{QuestionNumber: 2, MarksAwarded: 3, MaximumMarks: 4, Feedback: "f"},
	}); err != nil {
		t.Fatalf("UpsertGradedAnswers: %v", err)
	}

	ps, err := prompts.Default()
	if err != nil {
		t.Fatalf("prompts.Default: %v", err)
	}
	cfg := model.DefaultPipelineConfig()
	cfg.BatchSize = 3
	cfg.MaxAttempts = 2
	return New(st, gen, ps, validate.New(), cfg), st, sheetID
}

func TestSplit(t *testing.T) {
	weak, review := Split([]model.TopicScore{
		{Topic: "optics", Awarded: 1, Maximum: 4},
		{Topic: "waves", Awarded: 59, Maximum: 100},
		{Topic: "heat", Awarded: 6, Maximum: 10},
		{Topic: "mechanics", Awarded: 4, Maximum: 4},
	})
	if len(weak) != 2 || weak[0].Topic != "optics" || weak[1].Topic != "waves" {
		t.Errorf("weak = %+v", weak)
	}
	if len(review) != 2 || review[0].Topic != "heat" {
		t.Errorf("review = %+v", review)
	}
}

func TestBuild(t *testing.T) {
	gen := &fakeGen{respond: planDays(func(int) int { return 60 })}
	svc, st, sheetID := setup(t, gen)

	out, err := svc.Build(context.Background(), sheetID, 7)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out.Plan.Schedule) != 7 {
		t.Fatalf("got %d days, want 7", len(out.Plan.Schedule))
	}
	for i, d := range out.Plan.Schedule {
		if d.Day != i+1 || len(d.FocusTopics) != 1 {
			t.Errorf("day %d = %+v", i, d)
		}
	}
	if len(out.Plan.WeakTopics) != 1 || out.Plan.WeakTopics[0] != "optics" {
		t.Errorf("weak topics = %v", out.Plan.WeakTopics)
	}
	if out.Run.State != "done" || out.Run.Usage.Total != 3*7 {
		t.Errorf("unexpected run %+v", out.Run)
	}
	if !strings.Contains(gen.prompts[0], "- optics: 25%") || !strings.Contains(gen.prompts[0], "- mechanics: 75%") {
		t.Errorf("prompt lacks topic scores:\n%s", gen.prompts[0])
	}
	if _, err := st.GetRun(out.Run.ID); err != nil {
		t.Errorf("run not saved: %v", err)
	}
}

func TestBuildRetriesInvalidDays(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]int{}
	gen := &fakeGen{respond: planDays(func(day int) int {
		mu.Lock()
		defer mu.Unlock()
		seen[day]++
		if day == 2 && seen[day] == 1 {
			return 5
		}
		return 45
	})}
	svc, _, sheetID := setup(t, gen)

	out, err := svc.Build(context.Background(), sheetID, 3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out.Plan.Schedule) != 3 || out.Run.Attempts != 2 {
		t.Errorf("schedule %d days after %d attempts", len(out.Plan.Schedule), out.Run.Attempts)
	}
	if !strings.Contains(gen.prompts[len(gen.prompts)-1], "Days already planned cover: day 1: optics; day 3: optics") {
		t.Errorf("retry prompt does not list planned days:\n%s", gen.prompts[len(gen.prompts)-1])
	}
}

func TestBuildErrors(t *testing.T) {
	svc, st, sheetID := setup(t, &fakeGen{respond: planDays(func(int) int { return 60 })})
	ctx := context.Background()

	for _, days := range []int{0, MaxDays + 1} {
		if _, err := svc.Build(ctx, sheetID, days); err == nil {
			t.Errorf("days=%d: expected error", days)
		}
	}
	if _, err := svc.Build(ctx, 999, 3); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown sheet: err = %v", err)
	}

	sheet, _ := st.GetSheet(sheetID)
	ungraded, _ := st.CreateSheet(model.AnswerSheet{PaperID: sheet.PaperID, StudentRef: "roll-4", FileHash: "u"})
	if _, err := svc.Build(ctx, ungraded, 3); !errors.Is(err, ErrNotGraded) {
		t.Errorf("ungraded sheet: err = %v", err)
	}
}
