// Package grading grades answer sheets against a paper's extracted questions.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/examforge/internal/batchfill"
	"github.com/pavelanni/examforge/internal/document"
	"github.com/pavelanni/examforge/internal/jsonrepair"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/objstore"
	"github.com/pavelanni/examforge/internal/store"
	"github.com/pavelanni/examforge/internal/validate"
)

var (
	// ErrNoQuestions means the paper has no extracted questions to grade against.
	ErrNoQuestions = errors.New("paper has no extracted questions")
	// ErrBusy means another grading run holds the sheet.
	ErrBusy = errors.New("answer sheet is already being graded")
)

const lockTTL = 30 * time.Minute

var answerParser = jsonrepair.Parser{
	WrapperKeys: []string{"answers", "grades", "results"},
	FallbackKeys: []string{
		"question_number", "sub_label", "or_option", "student_answer", "marks_awarded",
		"maximum_marks", "feedback", "confidence", "attempted",
	},
}

// Locker serializes grading of one sheet across processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Service grades answer sheets.
type Service struct {
	store    *store.Store
	gen      llm.Generator
	prompts  *prompts.Set
	loader   *document.Loader
	uploader objstore.Uploader
	checker  *validate.Checker
	cfg      model.PipelineConfig
	locker   Locker
}

// New creates a grading service.
func New(st *store.Store, gen llm.Generator, ps *prompts.Set, loader *document.Loader,
	uploader objstore.Uploader, checker *validate.Checker, cfg model.PipelineConfig) *Service {
	return &Service{store: st, gen: gen, prompts: ps, loader: loader, uploader: uploader, checker: checker, cfg: cfg}
}

// WithLocker makes the service take a per-sheet lock while grading.
func (s *Service) WithLocker(l Locker) *Service {
	s.locker = l
	return s
}

// Input describes an uploaded answer sheet.
type Input struct {
	PaperID    int64
	StudentRef string
	Filename   string
	Content    []byte
	ForceOCR   bool
	// Variant overrides the paper's grading prompt variant.
	Variant prompts.PromptVariant
}

// Output is the graded sheet and the run summary.
type Output struct {
	Sheet   *model.AnswerSheet   `json:"sheet"`
	Answers []model.GradedAnswer `json:"answers"`
	Run     *model.Run           `json:"run"`
}

// Grade stores the answer sheet and grades every question of its paper.
func (s *Service) Grade(ctx context.Context, in Input) (*Output, error) {
	if strings.TrimSpace(in.StudentRef) == "" {
		return nil, fmt.Errorf("%w: student_ref is required", model.ErrInvalidInput)
	}
	if in.Variant != "" && !prompts.IsValidVariant(string(in.Variant)) {
		return nil, fmt.Errorf("%w: invalid prompt variant %q", model.ErrInvalidInput, in.Variant)
	}
	paper, err := s.store.GetPaper(in.PaperID)
	if err != nil {
		return nil, fmt.Errorf("get paper %d: %w", in.PaperID, err)
	}
	if paper.QuestionsCount == 0 {
		return nil, ErrNoQuestions
	}

	doc, err := s.loader.Load(ctx, in.Content, in.ForceOCR)
	if err != nil {
		return nil, fmt.Errorf("load answer sheet: %w", err)
	}
	url, err := s.uploader.Upload(ctx, objstore.ObjectKey("sheets", in.Filename), in.Content, "application/pdf")
	if err != nil {
		slog.Warn("failed to store original answer sheet", "student_ref", in.StudentRef, "error", err)
	}

	sheetID, err := s.store.CreateSheet(model.AnswerSheet{
		PaperID:    paper.ID,
		StudentRef: in.StudentRef,
		SourceURL:  url,
		FileHash:   doc.Hash,
		Text:       doc.Text,
		OCR:        doc.OCR,
		Status:     model.StatusProcessing,
	})
	if err != nil {
		return nil, fmt.Errorf("create answer sheet: %w", err)
	}
	slog.Info("answer sheet stored", "sheet_id", sheetID, "paper_id", paper.ID, "ocr", doc.OCR, "chars", len(doc.Text))
	return s.grade(ctx, paper, sheetID, in.Variant)
}

// Regrade grades the questions of a sheet that have no grade yet.
func (s *Service) Regrade(ctx context.Context, sheetID int64, variant prompts.PromptVariant) (*Output, error) {
	if variant != "" && !prompts.IsValidVariant(string(variant)) {
		return nil, fmt.Errorf("%w: invalid prompt variant %q", model.ErrInvalidInput, variant)
	}
	sheet, err := s.store.GetSheet(sheetID)
	if err != nil {
		return nil, fmt.Errorf("get answer sheet %d: %w", sheetID, err)
	}
	paper, err := s.store.GetPaper(sheet.PaperID)
	if err != nil {
		return nil, fmt.Errorf("get paper %d: %w", sheet.PaperID, err)
	}
	return s.grade(ctx, paper, sheetID, variant)
}

func (s *Service) grade(ctx context.Context, paper *model.Paper, sheetID int64, variant prompts.PromptVariant) (*Output, error) {
	if s.locker != nil {
		key := "grading:sheet:" + strconv.FormatInt(sheetID, 10)
		ok, err := s.locker.TryLock(ctx, key, lockTTL)
		if err != nil {
			return nil, fmt.Errorf("lock answer sheet: %w", err)
		}
		if !ok {
			return nil, ErrBusy
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
				slog.Warn("failed to release grading lock", "sheet_id", sheetID, "error", err)
			}
		}()
	}

	variant, err := s.variant(paper.ID, variant)
	if err != nil {
		return nil, err
	}
	sheet, err := s.store.GetSheet(sheetID)
	if err != nil {
		return nil, fmt.Errorf("get answer sheet %d: %w", sheetID, err)
	}
	questions, err := s.store.ListQuestions(paper.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	graded, err := s.store.ListGradedAnswers(sheetID)
	if err != nil {
		return nil, fmt.Errorf("list graded answers: %w", err)
	}

	bank := newQuestionIndex(questions)
	gradedKeys := make([]model.IdentityKey, len(graded))
	for i, g := range graded {
		gradedKeys[i] = g.Key()
	}
	targets := batchfill.NewTargetSet(bank.targets.Remaining(gradedKeys)...)

	started := time.Now()
	loop := batchfill.Loop[model.GradedAnswer]{
		Name:     "grading",
		Invoke:   s.invoker(paper, sheet, variant, bank, gradedKeys),
		Decode:   batchfill.JSONDecoder[model.GradedAnswer](answerParser),
		Validate: func(a model.GradedAnswer) []string { return s.checker.Check(a) },
		Key:      model.GradedAnswer.Key,
		Prepare:  bank.prepare,
		Config:   batchfill.ConfigFrom(s.cfg),
	}
	res, err := loop.Run(ctx, targets)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpsertGradedAnswers(sheetID, res.Items); err != nil {
		return nil, fmt.Errorf("save graded answers: %w", err)
	}
	answers, err := s.store.ListGradedAnswers(sheetID)
	if err != nil {
		return nil, fmt.Errorf("list graded answers: %w", err)
	}

	total := model.TotalAwarded(answers)
	status := model.StatusCompleted
	switch {
	case len(res.Missing) > 0 && len(answers) > 0:
		status = model.StatusPartial
	case len(res.Missing) > 0:
		status = model.StatusFailed
	}
	if err := s.store.UpdateSheetResult(sheetID, status, total, model.TotalMarks(questions)); err != nil {
		return nil, fmt.Errorf("update answer sheet: %w", err)
	}

	run := res.Summary(model.RunGrading, sheetID, targets, started)
	if err := s.store.SaveRun(run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	slog.Info("answer sheet graded", "sheet_id", sheetID, "variant", variant,
		"graded", len(answers), "missing", len(run.Missing), "score", total)

	sheet, err = s.store.GetSheet(sheetID)
	if err != nil {
		return nil, fmt.Errorf("get answer sheet %d: %w", sheetID, err)
	}
	return &Output{Sheet: sheet, Answers: answers, Run: &run}, nil
}

// variant resolves the prompt variant: the explicit one, else the paper's
// stored setting, else standard.
func (s *Service) variant(paperID int64, v prompts.PromptVariant) (prompts.PromptVariant, error) {
	if v != "" {
		return v, nil
	}
	info, err := s.store.GetPaperInfo(paperID)
	if err != nil {
		return "", fmt.Errorf("get paper info: %w", err)
	}
	if prompts.IsValidVariant(info.PromptVariant) {
		return prompts.PromptVariant(info.PromptVariant), nil
	}
	return prompts.PromptStandard, nil
}

func (s *Service) invoker(paper *model.Paper, sheet *model.AnswerSheet, variant prompts.PromptVariant,
	bank *questionIndex, done []model.IdentityKey) batchfill.Invoker[model.GradedAnswer] {
	return func(ctx context.Context, b batchfill.Batch[model.GradedAnswer]) (string, model.TokenUsage, error) {
		var qs []prompts.GradeQuestion
		for _, t := range b.Targets {
			for _, q := range bank.covered(t) {
				qs = append(qs, prompts.GradeQuestion{
					Key:       q.Key().String(),
					Text:      q.Text,
					Marks:     float64(q.Marks),
					AnswerKey: q.AnswerKey,
				})
			}
		}
		graded := make([]string, 0, len(done)+len(b.Accepted))
		for _, k := range done {
			graded = append(graded, k.String())
		}
		for _, a := range b.Accepted {
			graded = append(graded, a.Key().String())
		}

		prompt, err := s.prompts.BuildGradePrompt(variant, paper.Subject, qs, graded, sheet.Text)
		if err != nil {
			return "", model.TokenUsage{}, err
		}
		resp, err := s.gen.Generate(ctx, llm.Request{
			System:      prompts.SystemGrade,
			Prompt:      prompt,
			JSON:        true,
			Temperature: 0.2,
			MaxTokens:   8192,
			Fresh:       b.Attempt > 1,
		})
		if err != nil {
			return "", model.TokenUsage{}, err
		}
		return resp.Text, resp.Usage, nil
	}
}

// questionIndex looks up a paper's questions by key. OR alternatives of one
// question share a single target, since a student answers only one of them.
type questionIndex struct {
	byKey   map[model.IdentityKey]model.QuestionRecord
	all     []model.QuestionRecord
	targets batchfill.TargetSet
}

func newQuestionIndex(questions []model.QuestionRecord) *questionIndex {
	idx := &questionIndex{byKey: make(map[model.IdentityKey]model.QuestionRecord, len(questions)), all: questions}
	keys := make([]model.IdentityKey, 0, len(questions))
	for _, q := range questions {
		k := q.Key()
		idx.byKey[k] = q
		k.Option = ""
		keys = append(keys, k)
	}
	idx.targets = batchfill.NewTargetSet(keys...)
	return idx
}

func (idx *questionIndex) covered(target model.IdentityKey) []model.QuestionRecord {
	var out []model.QuestionRecord
	for _, q := range idx.all {
		if target.Covers(q.Key()) {
			out = append(out, q)
		}
	}
	return out
}

// prepare pins maximum_marks to the stored question marks, whatever the
// model claimed. An OR option the paper does not have is dropped; an answer
// without an option takes the first alternative's marks. An answer to a
// question the paper does not have gets zero maximum_marks and fails
// validation.
func (idx *questionIndex) prepare(a model.GradedAnswer) model.GradedAnswer {
	k := a.Key()
	q, ok := idx.byKey[k]
	if !ok && k.Option != "" {
		if q, ok = idx.byKey[model.Key(k.Number, k.Label, "")]; ok {
			a.OrOption = ""
		}
	}
	if !ok && k.Option == "" {
		if alts := idx.covered(k); len(alts) > 0 {
			q, ok = alts[0], true
		}
	}
	if ok {
		a.MaximumMarks = q.Marks
	} else {
		a.MaximumMarks = 0
	}
	a.Feedback = strings.TrimSpace(a.Feedback)
	return a
}
