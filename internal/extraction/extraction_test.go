package extraction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/pavelanni/examforge/internal/document"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/objstore"
	"github.com/pavelanni/examforge/internal/ocr"
	"github.com/pavelanni/examforge/internal/store"
	"github.com/pavelanni/examforge/internal/validate"
)

const paperText = "Physics Term Exam. 1. Define force. 2. State Newton's second law. 3. (a) What is work? (b) What is power?"

type fakeOCR struct{}

func (fakeOCR) ProcessPDF(context.Context, []byte) (*ocr.Result, error) {
	return &ocr.Result{Text: paperText, Pages: 2}, nil
}

type fakeGen struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	respond func(req llm.Request) (string, error)
}

func (f *fakeGen) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()
	text, err := f.respond(req)
	if err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Text: text, Usage: model.TokenUsage{Input: 10, Output: 5, Total: 15}}, nil
}

type fakeUploader struct {
	keys []string
}

func (u *fakeUploader) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	u.keys = append(u.keys, key)
	return "https://cdn.example.com/" + key, nil
}

var targetsLine = regexp.MustCompile(`Extract ONLY these questions: ([^\n]*)\.`)

// questionsFor answers an extraction prompt with one record per requested
// target, skipping the numbers in skip.
func questionsFor(prompt string, skip map[int]bool) string {
	m := targetsLine.FindStringSubmatch(prompt)
	if m == nil {
		return "no targets"
	}
	var recs []string
	for _, t := range strings.Split(m[1], ", ") {
		k, err := model.ParseIdentityKey(t)
		if err != nil || skip[k.Number] {
			continue
		}
		recs = append(recs, fmt.Sprintf(
			`{"question_number": %d, "sub_label": %q, "question_text": "Question %s", "marks": "2", "question_type": "SA"}`,
			k.Number, k.Label, k))
	}
	return "```json\n{\"questions\": [" + strings.Join(recs, ",") + "]}\n```"
}

func newTestService(t *testing.T, gen llm.Generator, up objstore.Uploader) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ps, err := prompts.Default()
	if err != nil {
		t.Fatalf("prompts.Default: %v", err)
	}
	cfg := model.DefaultPipelineConfig()
	cfg.BatchSize = 2
	cfg.MaxAttempts = 3
	return New(st, gen, ps, &document.Loader{OCR: fakeOCR{}}, up, validate.New(), cfg), st
}

func TestExtractWithExpectedCount(t *testing.T) {
	gen := &fakeGen{respond: func(req llm.Request) (string, error) {
		return questionsFor(req.Prompt, nil), nil
	}}
	up := &fakeUploader{}
	svc, st := newTestService(t, gen, up)

	out, err := svc.Extract(context.Background(), Input{
		Title: "Physics 2024", Subject: "physics", Filename: "p.pdf", Content: []byte("scan"),
		ExpectedQuestions: 5, Info: model.PaperInfo{PromptVariant: "strict"},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(out.Questions) != 5 {
		t.Fatalf("got %d questions, want 5", len(out.Questions))
	}
	if out.Paper.Status != model.StatusCompleted || out.Paper.TotalMarks != 10 {
		t.Errorf("unexpected paper %+v", out.Paper)
	}
	if out.Questions[0].Type != model.TypeSA {
		t.Errorf("type not normalized: %q", out.Questions[0].Type)
	}
	if out.Run.State != "done" || out.Run.Satisfied != 5 || out.Run.Usage.Total != 3*15 {
		t.Errorf("unexpected run %+v", out.Run)
	}
	if len(up.keys) != 1 || !strings.HasPrefix(out.Paper.SourceURL, "https://cdn.example.com/papers/") {
		t.Errorf("original not uploaded: %v %q", up.keys, out.Paper.SourceURL)
	}
	info, _ := st.GetPaperInfo(out.Paper.ID)
	if info.PromptVariant != "strict" {
		t.Errorf("paper info not saved: %+v", info)
	}
	if _, err := st.GetRun(out.Run.ID); err != nil {
		t.Errorf("run not saved: %v", err)
	}
}

func TestExtractEstimatesStructure(t *testing.T) {
	gen := &fakeGen{respond: func(req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "report its structure") {
			return `{"total_questions": 3, "structure": [{"question_number": 3, "sub_labels": ["a", "b"]}]}`, nil
		}
		return questionsFor(req.Prompt, nil), nil
	}}
	svc, _ := newTestService(t, gen, objstore.Noop{})

	out, err := svc.Extract(context.Background(), Input{Title: "Physics", Content: []byte("scan")})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	var keys []string
	for _, q := range out.Questions {
		keys = append(keys, q.Key().String())
	}
	if got := strings.Join(keys, ","); got != "1,2,3a,3b" {
		t.Errorf("keys = %s, want 1,2,3a,3b", got)
	}
	if out.Paper.ExpectedCount != 3 {
		t.Errorf("ExpectedCount = %d, want 3", out.Paper.ExpectedCount)
	}
}

func TestExtractReportsMissing(t *testing.T) {
	gen := &fakeGen{respond: func(req llm.Request) (string, error) {
		return questionsFor(req.Prompt, map[int]bool{4: true}), nil
	}}
	svc, _ := newTestService(t, gen, objstore.Noop{})

	out, err := svc.Extract(context.Background(), Input{Title: "Physics", Content: []byte("scan"), ExpectedQuestions: 4})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out.Paper.Status != model.StatusPartial {
		t.Errorf("status = %s, want partial", out.Paper.Status)
	}
	if len(out.Run.Missing) != 1 || out.Run.Missing[0].Number != 4 || out.Run.Attempts != 3 {
		t.Errorf("unexpected run %+v", out.Run)
	}

	// Once the model cooperates, re-extraction asks only for question 4.
	gen.respond = func(req llm.Request) (string, error) {
		if !strings.Contains(req.Prompt, "Extract ONLY these questions: 4.") {
			return "", errors.New("unexpected targets")
		}
		return questionsFor(req.Prompt, nil), nil
	}
	again, err := svc.Reextract(context.Background(), out.Paper.ID)
	if err != nil {
		t.Fatalf("Reextract: %v", err)
	}
	if len(again.Questions) != 4 || again.Paper.Status != model.StatusCompleted {
		t.Errorf("reextract: %d questions, status %s", len(again.Questions), again.Paper.Status)
	}
}

func TestExtractDuplicateSkipsModel(t *testing.T) {
	gen := &fakeGen{respond: func(req llm.Request) (string, error) {
		return questionsFor(req.Prompt, nil), nil
	}}
	svc, _ := newTestService(t, gen, objstore.Noop{})
	in := Input{Title: "Physics", Content: []byte("same scan"), ExpectedQuestions: 2}

	first, err := svc.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	calls := gen.calls
	second, err := svc.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract again: %v", err)
	}
	if !second.Duplicate || second.Paper.ID != first.Paper.ID || gen.calls != calls {
		t.Errorf("duplicate upload re-extracted: dup=%v calls=%d->%d", second.Duplicate, calls, gen.calls)
	}
}

func TestExtractUnknownCount(t *testing.T) {
	gen := &fakeGen{respond: func(llm.Request) (string, error) { return "I cannot tell.", nil }}
	svc, st := newTestService(t, gen, objstore.Noop{})

	_, err := svc.Extract(context.Background(), Input{Title: "Physics", Content: []byte("scan")})
	if !errors.Is(err, ErrUnknownCount) {
		t.Fatalf("err = %v, want ErrUnknownCount", err)
	}
	papers, _ := st.ListPapers()
	if len(papers) != 1 || papers[0].Status != model.StatusFailed {
		t.Errorf("paper should be marked failed: %+v", papers)
	}
}

func TestExtractQuestionLimit(t *testing.T) {
	t.Run("expected count", func(t *testing.T) {
		gen := &fakeGen{respond: func(llm.Request) (string, error) { return "", nil }}
		svc, st := newTestService(t, gen, objstore.Noop{})
		for _, n := range []int{-1, MaxQuestions + 1, 1 << 40} {
			_, err := svc.Extract(context.Background(), Input{Title: "Physics", Content: []byte("scan"), ExpectedQuestions: n})
			if !errors.Is(err, model.ErrInvalidInput) {
				t.Errorf("expected=%d: err = %v, want ErrInvalidInput", n, err)
			}
		}
		papers, _ := st.ListPapers()
		if len(papers) != 0 || gen.calls != 0 {
			t.Errorf("rejected input stored %d papers, made %d calls", len(papers), gen.calls)
		}
	})

	estimates := []struct {
		name  string
		reply string
	}{
		{"total", `{"total_questions": 1099511627776}`},
		{"structure", `{"total_questions": 3, "structure": [{"question_number": 1e12, "sub_labels": ["a"]}]}`},
	}
	for _, tt := range estimates {
		t.Run("estimate "+tt.name, func(t *testing.T) {
			gen := &fakeGen{respond: func(llm.Request) (string, error) { return tt.reply, nil }}
			svc, st := newTestService(t, gen, objstore.Noop{})
			_, err := svc.Extract(context.Background(), Input{Title: "Physics", Content: []byte("scan")})
			if !errors.Is(err, ErrUnknownCount) {
				t.Fatalf("err = %v, want ErrUnknownCount", err)
			}
			papers, _ := st.ListPapers()
			if len(papers) != 1 || papers[0].Status != model.StatusFailed {
				t.Errorf("paper should be marked failed: %+v", papers)
			}
			if gen.calls != 1 {
				t.Errorf("calls = %d, want only the estimate", gen.calls)
			}
		})
	}
}

func TestExtractRequiresTitle(t *testing.T) {
	svc, _ := newTestService(t, &fakeGen{}, objstore.Noop{})
	if _, err := svc.Extract(context.Background(), Input{Content: []byte("x")}); err == nil {
		t.Error("expected error for missing title")
	}
}

func TestStructureTargets(t *testing.T) {
	tests := []struct {
		name string
		in   countResponse
		want string
	}{
		{"count only", countResponse{TotalQuestions: 3}, "1,2,3"},
		{"labels", countResponse{TotalQuestions: 2, Structure: []struct {
			QuestionNumber model.Number `json:"question_number"`
			SubLabels      []string     `json:"sub_labels"`
		}{{QuestionNumber: 1, SubLabels: []string{"(a)", "B"}}}}, "1a,1b,2"},
		{"structure beyond total", countResponse{TotalQuestions: 1, Structure: []struct {
			QuestionNumber model.Number `json:"question_number"`
			SubLabels      []string     `json:"sub_labels"`
		}{{QuestionNumber: 2}}}, "1,2"},
		{"empty", countResponse{}, ""},
		{"total over limit", countResponse{TotalQuestions: MaxQuestions + 1}, ""},
		{"parts over limit", countResponse{TotalQuestions: 1, Structure: []struct {
			QuestionNumber model.Number `json:"question_number"`
			SubLabels      []string     `json:"sub_labels"`
		}{{QuestionNumber: 1, SubLabels: make([]string, MaxQuestions+1)}}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var keys []string
			for _, k := range structureTargets(tt.in).Keys() {
				keys = append(keys, k.String())
			}
			if got := strings.Join(keys, ","); got != tt.want {
				t.Errorf("structureTargets() = %q, want %q", got, tt.want)
			}
		})
	}
}
