// Package extraction turns question-paper PDFs into stored question records.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

// ErrUnknownCount is returned when no question count was given and the
// model could not estimate one.
var ErrUnknownCount = errors.New("could not determine the number of questions; set expected_questions")

// MaxQuestions caps the number of targets extracted from one paper.
const MaxQuestions = 500

var questionParser = jsonrepair.Parser{
	WrapperKeys: []string{"questions", "data", "items"},
	FallbackKeys: []string{
		"question_number", "sub_label", "or_option", "section", "question_text",
		"marks", "question_type", "topic", "difficulty", "bloom_level",
	},
}

var countParser = jsonrepair.Parser{
	FallbackKeys: []string{"total_questions"},
}

// Service extracts questions from uploaded papers.
type Service struct {
	store    *store.Store
	gen      llm.Generator
	prompts  *prompts.Set
	loader   *document.Loader
	uploader objstore.Uploader
	checker  *validate.Checker
	cfg      model.PipelineConfig
}

// New creates an extraction service. uploader may be objstore.Noop.
func New(st *store.Store, gen llm.Generator, ps *prompts.Set, loader *document.Loader,
	uploader objstore.Uploader, checker *validate.Checker, cfg model.PipelineConfig) *Service {
	return &Service{store: st, gen: gen, prompts: ps, loader: loader, uploader: uploader, checker: checker, cfg: cfg}
}

// Input describes an uploaded question paper.
type Input struct {
	Title    string
	Subject  string
	Filename string
	Content  []byte
	// ExpectedQuestions skips count estimation when positive.
	ExpectedQuestions int
	ForceOCR          bool
	Info              model.PaperInfo
}

// Output is the stored paper with its questions and the run summary.
type Output struct {
	Paper     *model.Paper           `json:"paper"`
	Questions []model.QuestionRecord `json:"questions"`
	Run       *model.Run             `json:"run,omitempty"`
	// Duplicate is set when an identical file was already extracted; no
	// model calls were made.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Extract loads the PDF, stores the paper and extracts its questions.
// Questions the model never produced are reported in the run, not as an error.
func (s *Service) Extract(ctx context.Context, in Input) (*Output, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidInput)
	}
	if in.ExpectedQuestions < 0 || in.ExpectedQuestions > MaxQuestions {
		return nil, fmt.Errorf("%w: expected questions must be between 0 and %d", model.ErrInvalidInput, MaxQuestions)
	}
	doc, err := s.loader.Load(ctx, in.Content, in.ForceOCR)
	if err != nil {
		return nil, fmt.Errorf("load paper: %w", err)
	}

	existing, err := s.store.GetPaperByHash(doc.Hash)
	if err != nil {
		return nil, fmt.Errorf("look up paper: %w", err)
	}
	if existing != nil && existing.Status == model.StatusCompleted {
		slog.Info("paper already extracted", "paper_id", existing.ID, "hash", doc.Hash)
		qs, err := s.store.ListQuestions(existing.ID)
		if err != nil {
			return nil, fmt.Errorf("list questions: %w", err)
		}
		return &Output{Paper: existing, Questions: qs, Duplicate: true}, nil
	}

	url, err := s.uploader.Upload(ctx, objstore.ObjectKey("papers", in.Filename), in.Content, "application/pdf")
	if err != nil {
		slog.Warn("failed to store original paper", "title", in.Title, "error", err)
	}

	paperID, err := s.store.CreatePaper(model.Paper{
		Title:         in.Title,
		Subject:       in.Subject,
		SourceURL:     url,
		FileHash:      doc.Hash,
		PageCount:     doc.Pages,
		Text:          doc.Text,
		ExpectedCount: in.ExpectedQuestions,
		Status:        model.StatusProcessing,
	})
	if err != nil {
		return nil, fmt.Errorf("create paper: %w", err)
	}
	if err := s.store.SetPaperInfo(paperID, in.Info); err != nil {
		s.markFailed(paperID, err)
		return nil, fmt.Errorf("save paper info: %w", err)
	}
	slog.Info("paper stored", "paper_id", paperID, "pages", doc.Pages, "ocr", doc.OCR, "chars", len(doc.Text))

	started := time.Now()
	targets := batchfill.Range(in.ExpectedQuestions)
	var usage model.TokenUsage
	if in.ExpectedQuestions <= 0 {
		targets, usage, err = s.estimate(ctx, in.Title, doc.Text)
		if err != nil {
			s.markFailed(paperID, err)
			return nil, err
		}
	}
	out, err := s.run(ctx, paperID, targets, nil, usage, started)
	if err != nil {
		s.markFailed(paperID, err)
		return nil, err
	}
	return out, nil
}

// markFailed records that extraction of a new paper stopped on an error.
func (s *Service) markFailed(paperID int64, cause error) {
	if err := s.store.UpdatePaperStatus(paperID, model.StatusFailed, 0, 0); err != nil {
		slog.Error("failed to mark paper failed", "paper_id", paperID, "cause", cause, "error", err)
		return
	}
	slog.Warn("paper extraction failed", "paper_id", paperID, "error", cause)
}

// Reextract runs extraction again for questions of a stored paper that are
// still missing.
func (s *Service) Reextract(ctx context.Context, paperID int64) (*Output, error) {
	paper, err := s.store.GetPaper(paperID)
	if err != nil {
		return nil, fmt.Errorf("get paper %d: %w", paperID, err)
	}
	have, err := s.store.ListQuestions(paperID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	started := time.Now()
	var usage model.TokenUsage
	all := batchfill.Range(paper.ExpectedCount)
	if paper.ExpectedCount <= 0 {
		all, usage, err = s.estimate(ctx, paper.Title, paper.Text)
		if err != nil {
			return nil, err
		}
	}
	haveKeys := make([]model.IdentityKey, len(have))
	for i, q := range have {
		haveKeys[i] = q.Key()
	}
	targets := batchfill.NewTargetSet(all.Remaining(haveKeys)...)
	return s.run(ctx, paperID, targets, have, usage, started)
}

func (s *Service) run(ctx context.Context, paperID int64, targets batchfill.TargetSet,
	have []model.QuestionRecord, usage model.TokenUsage, started time.Time) (*Output, error) {
	paper, err := s.store.GetPaper(paperID)
	if err != nil {
		return nil, fmt.Errorf("get paper %d: %w", paperID, err)
	}

	cfg := batchfill.ConfigFrom(s.cfg)
	cfg.AcceptExtra = true
	loop := batchfill.Loop[model.QuestionRecord]{
		Name:     "extraction",
		Invoke:   s.invoker(paper, have),
		Decode:   batchfill.JSONDecoder[model.QuestionRecord](questionParser),
		Validate: func(q model.QuestionRecord) []string { return s.checker.Check(q) },
		Key:      model.QuestionRecord.Key,
		Prepare:  prepare,
		Config:   cfg,
	}
	res, err := loop.Run(ctx, targets)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpsertQuestions(paperID, res.Items); err != nil {
		return nil, fmt.Errorf("save questions: %w", err)
	}
	questions, err := s.store.ListQuestions(paperID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	status := res.Status()
	if len(have) > 0 && status == model.StatusFailed {
		status = model.StatusPartial
	}
	expected := paper.ExpectedCount
	if expected <= 0 {
		expected = countMain(targets.Keys())
	}
	if err := s.store.UpdatePaperStatus(paperID, status, expected, model.TotalMarks(questions)); err != nil {
		return nil, fmt.Errorf("update paper status: %w", err)
	}

	run := res.Summary(model.RunExtraction, paperID, targets, started)
	run.Usage = run.Usage.Add(usage)
	if err := s.store.SaveRun(run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	if len(run.Missing) > 0 {
		slog.Warn("questions missing after extraction", "paper_id", paperID, "missing", len(run.Missing))
	}

	paper, err = s.store.GetPaper(paperID)
	if err != nil {
		return nil, fmt.Errorf("get paper %d: %w", paperID, err)
	}
	return &Output{Paper: paper, Questions: questions, Run: &run}, nil
}

func (s *Service) invoker(paper *model.Paper, have []model.QuestionRecord) batchfill.Invoker[model.QuestionRecord] {
	return func(ctx context.Context, b batchfill.Batch[model.QuestionRecord]) (string, model.TokenUsage, error) {
		targets := make([]string, len(b.Targets))
		for i, k := range b.Targets {
			targets[i] = k.String()
		}
		existing := make([]string, 0, len(have)+len(b.Accepted))
		for _, q := range have {
			existing = append(existing, q.Key().String())
		}
		for _, q := range b.Accepted {
			existing = append(existing, q.Key().String())
		}

		prompt, err := s.prompts.BuildExtractPrompt(paper.Title, paper.Subject, targets, existing, paper.Text)
		if err != nil {
			return "", model.TokenUsage{}, err
		}
		resp, err := s.gen.Generate(ctx, llm.Request{
			System:      prompts.SystemExtract,
			Prompt:      prompt,
			JSON:        true,
			Temperature: 0.1,
			MaxTokens:   8192,
			Fresh:       b.Attempt > 1,
		})
		if err != nil {
			return "", model.TokenUsage{}, err
		}
		return resp.Text, resp.Usage, nil
	}
}

// prepare fills in fields the model tends to leave out.
func prepare(q model.QuestionRecord) model.QuestionRecord {
	q.Text = strings.TrimSpace(q.Text)
	q.Type = model.QuestionType(strings.ToLower(strings.TrimSpace(string(q.Type))))
	if q.Type == "" && len(q.Options) == validate.MCQOptions {
		q.Type = model.TypeMCQ
	}
	q.Difficulty = model.Difficulty(strings.ToLower(strings.TrimSpace(string(q.Difficulty))))
	return q
}

type countResponse struct {
	TotalQuestions model.Number `json:"total_questions"`
	Structure      []struct {
		QuestionNumber model.Number `json:"question_number"`
		SubLabels      []string     `json:"sub_labels"`
	} `json:"structure"`
}

// estimate asks the model for the paper's question structure and builds
// the target set from it. Questions with labelled parts become one target
// per part.
func (s *Service) estimate(ctx context.Context, title, text string) (batchfill.TargetSet, model.TokenUsage, error) {
	prompt, err := s.prompts.BuildCountPrompt(title, text)
	if err != nil {
		return batchfill.TargetSet{}, model.TokenUsage{}, err
	}
	resp, err := s.gen.Generate(ctx, llm.Request{
		System:      prompts.SystemExtract,
		Prompt:      prompt,
		JSON:        true,
		Temperature: 0,
		MaxTokens:   2048,
	})
	if err != nil {
		return batchfill.TargetSet{}, model.TokenUsage{}, fmt.Errorf("estimate question count: %w", err)
	}
	counts, _ := jsonrepair.Decode[countResponse](countParser.Parse(resp.Text))
	if len(counts) == 0 {
		return batchfill.TargetSet{}, resp.Usage, ErrUnknownCount
	}
	if n := counts[0].TotalQuestions; n > MaxQuestions {
		return batchfill.TargetSet{}, resp.Usage, fmt.Errorf("%w: estimate of %g questions is over %d", ErrUnknownCount, float64(n), MaxQuestions)
	}
	targets := structureTargets(counts[0])
	if targets.Len() == 0 {
		return batchfill.TargetSet{}, resp.Usage, ErrUnknownCount
	}
	slog.Info("estimated paper structure", "title", title, "questions", int(counts[0].TotalQuestions), "targets", targets.Len())
	return targets, resp.Usage, nil
}

// structureTargets returns an empty set when the structure has more than
// MaxQuestions targets.
func structureTargets(c countResponse) batchfill.TargetSet {
	if c.TotalQuestions > MaxQuestions {
		return batchfill.TargetSet{}
	}
	total := int(c.TotalQuestions)
	labelled := make(map[int][]string)
	for _, st := range c.Structure {
		if st.QuestionNumber > MaxQuestions {
			return batchfill.TargetSet{}
		}
		n := int(st.QuestionNumber)
		if n <= 0 {
			continue
		}
		if n > total {
			total = n
		}
		labelled[n] = append(labelled[n], st.SubLabels...)
	}

	var keys []model.IdentityKey
	for n := 1; n <= total; n++ {
		labels := labelled[n]
		if len(labels) == 0 {
			keys = append(keys, model.Key(n, "", ""))
			continue
		}
		for _, l := range labels {
			keys = append(keys, model.Key(n, l, ""))
		}
		if len(keys) > MaxQuestions {
			return batchfill.TargetSet{}
		}
	}
	return batchfill.NewTargetSet(keys...)
}

// countMain returns the number of distinct main question numbers.
func countMain(keys []model.IdentityKey) int {
	seen := make(map[int]bool)
	for _, k := range keys {
		seen[k.Number] = true
	}
	return len(seen)
}
