// Package studyplan builds day-by-day revision plans from graded answer sheets.
package studyplan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/examforge/internal/batchfill"
	"github.com/pavelanni/examforge/internal/jsonrepair"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/store"
	"github.com/pavelanni/examforge/internal/validate"
)

// WeakThreshold is the score ratio below which a topic counts as weak.
const WeakThreshold = 0.6

// MaxDays bounds the plan length.
const MaxDays = 90

// ErrNotGraded means the sheet has no graded answers to plan from.
var ErrNotGraded = errors.New("answer sheet has no graded answers")

var dayParser = jsonrepair.Parser{
	WrapperKeys:  []string{"days", "plan", "schedule"},
	FallbackKeys: []string{"day", "focus_topics", "activities", "minutes"},
}

// Service builds study plans.
type Service struct {
	store   *store.Store
	gen     llm.Generator
	prompts *prompts.Set
	checker *validate.Checker
	cfg     model.PipelineConfig
}

// New creates a study-plan service.
func New(st *store.Store, gen llm.Generator, ps *prompts.Set, checker *validate.Checker, cfg model.PipelineConfig) *Service {
	return &Service{store: st, gen: gen, prompts: ps, checker: checker, cfg: cfg}
}

// Output is the stored plan and the run summary.
type Output struct {
	Plan *model.StudyPlan `json:"plan"`
	Run  *model.Run       `json:"run"`
}

// Split divides topic scores into weak topics (below WeakThreshold) and
// topics to review, keeping the weakest-first order.
func Split(scores []model.TopicScore) (weak, review []prompts.TopicScore) {
	for _, s := range scores {
		ts := prompts.TopicScore{Topic: s.Topic, Ratio: s.Ratio()}
		if ts.Ratio < WeakThreshold {
			weak = append(weak, ts)
		} else {
			review = append(review, ts)
		}
	}
	return weak, review
}

// Build generates a plan of the given number of days for a graded sheet.
// Days the model never produced are left out of the schedule and reported
// in the run.
func (s *Service) Build(ctx context.Context, sheetID int64, days int) (*Output, error) {
	if days < 1 || days > MaxDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d", model.ErrInvalidInput, MaxDays)
	}
	sheet, err := s.store.GetSheet(sheetID)
	if err != nil {
		return nil, fmt.Errorf("get answer sheet %d: %w", sheetID, err)
	}
	paper, err := s.store.GetPaper(sheet.PaperID)
	if err != nil {
		return nil, fmt.Errorf("get paper %d: %w", sheet.PaperID, err)
	}
	scores, err := s.store.TopicScores(sheetID)
	if err != nil {
		return nil, fmt.Errorf("topic scores: %w", err)
	}
	if len(scores) == 0 {
		return nil, ErrNotGraded
	}
	weak, review := Split(scores)

	started := time.Now()
	targets := batchfill.Range(days)
	loop := batchfill.Loop[model.PlanDay]{
		Name: "studyplan",
		Invoke: s.invoker(prompts.PlanData{
			StudentRef: sheet.StudentRef,
			Subject:    paper.Subject,
			TotalDays:  days,
			Weak:       weak,
			Review:     review,
		}),
		Decode:   batchfill.JSONDecoder[model.PlanDay](dayParser),
		Validate: func(d model.PlanDay) []string { return s.checker.Check(d) },
		Key:      model.PlanDay.Key,
		Prepare:  prepare,
		Config:   batchfill.ConfigFrom(s.cfg),
	}
	res, err := loop.Run(ctx, targets)
	if err != nil {
		return nil, err
	}

	weakTopics := make([]string, len(weak))
	for i, w := range weak {
		weakTopics[i] = w.Topic
	}
	planID, err := s.store.CreatePlan(model.StudyPlan{
		SheetID:    sheetID,
		StudentRef: sheet.StudentRef,
		Days:       days,
		WeakTopics: weakTopics,
		Schedule:   res.Items,
	})
	if err != nil {
		return nil, fmt.Errorf("save study plan: %w", err)
	}
	run := res.Summary(model.RunStudyPlan, planID, targets, started)
	if err := s.store.SaveRun(run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	slog.Info("study plan built", "plan_id", planID, "sheet_id", sheetID, "days", len(res.Items), "weak_topics", len(weak))

	plan, err := s.store.GetPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("get study plan %d: %w", planID, err)
	}
	return &Output{Plan: plan, Run: &run}, nil
}

func (s *Service) invoker(base prompts.PlanData) batchfill.Invoker[model.PlanDay] {
	return func(ctx context.Context, b batchfill.Batch[model.PlanDay]) (string, model.TokenUsage, error) {
		d := base
		d.Days = make([]int, len(b.Targets))
		for i, k := range b.Targets {
			d.Days[i] = k.Number
		}
		for _, day := range b.Accepted {
			d.Planned = append(d.Planned, fmt.Sprintf("day %d: %s", day.Day, strings.Join(day.FocusTopics, ", ")))
		}

		prompt, err := s.prompts.BuildPlanPrompt(d)
		if err != nil {
			return "", model.TokenUsage{}, err
		}
		resp, err := s.gen.Generate(ctx, llm.Request{
			System:      prompts.SystemPlan,
			Prompt:      prompt,
			JSON:        true,
			Temperature: 0.4,
			MaxTokens:   4096,
			Fresh:       b.Attempt > 1,
		})
		if err != nil {
			return "", model.TokenUsage{}, err
		}
		return resp.Text, resp.Usage, nil
	}
}

// prepare drops blank topic and activity entries.
func prepare(d model.PlanDay) model.PlanDay {
	d.FocusTopics = nonBlank(d.FocusTopics)
	d.Activities = nonBlank(d.Activities)
	return d
}

func nonBlank(items []string) []string {
	var out []string
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
