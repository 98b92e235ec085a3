// Package qbank generates question banks of MCQ, short-answer and
// long-answer questions for a topic.
package qbank

import (
	"context"
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

// MaxQuestions caps the total size of one bank.
const MaxQuestions = 500

var questionParser = jsonrepair.Parser{
	WrapperKeys:  []string{"questions", "data", "items"},
	FallbackKeys: []string{"number", "type", "question", "answer", "explanation", "marks", "difficulty", "topic"},
}

// typeOrder is the order in which question types are numbered.
var typeOrder = []model.QuestionType{model.TypeMCQ, model.TypeSA, model.TypeLA}

// DefaultMarks are the marks per question when none are requested.
var DefaultMarks = map[model.QuestionType]float64{
	model.TypeMCQ: 1,
	model.TypeSA:  2,
	model.TypeLA:  5,
}

// Service generates question banks.
type Service struct {
	store   *store.Store
	gen     llm.Generator
	prompts *prompts.Set
	checker *validate.Checker
	cfg     model.PipelineConfig
}

// New creates a question-bank service.
func New(st *store.Store, gen llm.Generator, ps *prompts.Set, checker *validate.Checker, cfg model.PipelineConfig) *Service {
	return &Service{store: st, gen: gen, prompts: ps, checker: checker, cfg: cfg}
}

// Input describes the bank to generate.
type Input struct {
	Subject string `json:"subject"`
	Topic   string `json:"topic"`
	// Source is optional material the questions should be based on.
	Source string                         `json:"source,omitempty"`
	Counts map[model.QuestionType]int     `json:"counts"`
	Marks  map[model.QuestionType]float64 `json:"marks,omitempty"`
}

// Output is the stored bank with one run per generated type.
type Output struct {
	Bank      *model.QuestionBank       `json:"bank"`
	Questions []model.GeneratedQuestion `json:"questions"`
	Runs      []model.Run               `json:"runs"`
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Subject) == "" || strings.TrimSpace(in.Topic) == "" {
		return fmt.Errorf("%w: subject and topic are required", model.ErrInvalidInput)
	}
	total := 0
	for t, n := range in.Counts {
		switch t {
		case model.TypeMCQ, model.TypeSA, model.TypeLA:
		default:
			return fmt.Errorf("%w: unknown question type %q", model.ErrInvalidInput, t)
		}
		if n < 0 {
			return fmt.Errorf("%w: negative count for %s", model.ErrInvalidInput, t)
		}
		total += n
	}
	if total == 0 {
		return fmt.Errorf("%w: at least one question must be requested", model.ErrInvalidInput)
	}
	if total > MaxQuestions {
		return fmt.Errorf("%w: at most %d questions per bank", model.ErrInvalidInput, MaxQuestions)
	}
	return nil
}

// Generate creates a bank and fills it type by type, MCQs first, each type
// over its own contiguous number range. Numbers left unfilled are reported
// in the runs.
func (s *Service) Generate(ctx context.Context, in Input) (*Output, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	bankID, err := s.store.CreateBank(model.QuestionBank{Subject: in.Subject, Topic: in.Topic})
	if err != nil {
		return nil, fmt.Errorf("create bank: %w", err)
	}

	out := &Output{}
	var accepted []model.GeneratedQuestion
	next := 1
	for _, qt := range typeOrder {
		n := in.Counts[qt]
		if n == 0 {
			continue
		}
		marks := in.Marks[qt]
		if marks <= 0 {
			marks = DefaultMarks[qt]
		}
		targets := batchfill.RangeFrom(next, n)
		next += n

		started := time.Now()
		loop := batchfill.Loop[model.GeneratedQuestion]{
			Name:     "qbank-" + string(qt),
			Invoke:   s.invoker(in, qt, marks, accepted),
			Decode:   batchfill.JSONDecoder[model.GeneratedQuestion](questionParser),
			Validate: func(q model.GeneratedQuestion) []string { return s.checker.Check(q) },
			Key:      model.GeneratedQuestion.Key,
			Prepare:  prepare(qt, marks, in.Topic),
			Config:   batchfill.ConfigFrom(s.cfg),
		}
		res, err := loop.Run(ctx, targets)
		if err != nil {
			return nil, err
		}
		if err := s.store.UpsertBankQuestions(bankID, res.Items); err != nil {
			return nil, fmt.Errorf("save %s questions: %w", qt, err)
		}
		run := res.Summary(model.RunGeneration, bankID, targets, started)
		if err := s.store.SaveRun(run); err != nil {
			return nil, fmt.Errorf("save run: %w", err)
		}
		out.Runs = append(out.Runs, run)
		accepted = append(accepted, res.Items...)

		if res.State == batchfill.StateCancelled {
			slog.Warn("question generation cancelled", "bank_id", bankID, "type", qt)
			break
		}
	}

	if out.Bank, err = s.store.GetBank(bankID); err != nil {
		return nil, fmt.Errorf("get bank %d: %w", bankID, err)
	}
	if out.Questions, err = s.store.ListBankQuestions(bankID); err != nil {
		return nil, fmt.Errorf("list bank questions: %w", err)
	}
	slog.Info("question bank generated", "bank_id", bankID, "topic", in.Topic, "questions", len(out.Questions))
	return out, nil
}

// invoker builds the generation prompt. Questions accepted for earlier types
// and earlier attempts are listed so the model does not repeat them.
func (s *Service) invoker(in Input, qt model.QuestionType, marks float64, earlier []model.GeneratedQuestion) batchfill.Invoker[model.GeneratedQuestion] {
	return func(ctx context.Context, b batchfill.Batch[model.GeneratedQuestion]) (string, model.TokenUsage, error) {
		numbers := make([]int, len(b.Targets))
		for i, k := range b.Targets {
			numbers[i] = k.Number
		}
		existing := make([]string, 0, len(earlier)+len(b.Accepted))
		for _, q := range earlier {
			existing = append(existing, q.Question)
		}
		for _, q := range b.Accepted {
			existing = append(existing, q.Question)
		}

		prompt, err := s.prompts.BuildGeneratePrompt(prompts.GenerateData{
			Subject:  in.Subject,
			Topic:    in.Topic,
			Type:     string(qt),
			Numbers:  numbers,
			Marks:    marks,
			Existing: existing,
			Source:   in.Source,
		})
		if err != nil {
			return "", model.TokenUsage{}, err
		}
		resp, err := s.gen.Generate(ctx, llm.Request{
			System:      prompts.SystemGenerate,
			Prompt:      prompt,
			JSON:        true,
			Temperature: 0.7,
			MaxTokens:   8192,
			Fresh:       b.Attempt > 1,
		})
		if err != nil {
			return "", model.TokenUsage{}, err
		}
		return resp.Text, resp.Usage, nil
	}
}

// prepare fixes the type and marks of a generated question to what was
// requested, and fills in the topic when the model left it out.
func prepare(qt model.QuestionType, marks float64, topic string) func(model.GeneratedQuestion) model.GeneratedQuestion {
	return func(q model.GeneratedQuestion) model.GeneratedQuestion {
		q.Type = qt
		q.Marks = model.Number(marks)
		q.Question = strings.TrimSpace(q.Question)
		q.Answer = strings.TrimSpace(q.Answer)
		q.Difficulty = model.Difficulty(strings.ToLower(strings.TrimSpace(string(q.Difficulty))))
		if strings.TrimSpace(q.Topic) == "" {
			q.Topic = topic
		}
		if qt != model.TypeMCQ {
			q.Options = nil
		}
		return q
	}
}
