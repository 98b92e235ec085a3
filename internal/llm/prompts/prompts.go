package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.tmpl
var embedded embed.FS

var (
	dataTagRegex            = regexp.MustCompile(`(?i)</?\s*(student-answer|paper-text|source-material)\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const (
	maxAnswerRunes   = 10000
	maxDocumentRunes = 120000
)

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant for board exams.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant for practice tests.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// System prompts sent with every request of a kind.
const (
	SystemExtract  = "You extract exam questions from question papers. You answer with JSON only."
	SystemGrade    = "You are an experienced examiner grading handwritten answer sheets. You answer with JSON only."
	SystemGenerate = "You write exam questions for teachers. You answer with JSON only."
	SystemPlan     = "You are a study coach building day-by-day revision plans. You answer with JSON only."
)

// Set holds parsed prompt templates.
type Set struct {
	grade    map[PromptVariant]*template.Template
	extract  *template.Template
	count    *template.Template
	generate *template.Template
	plan     *template.Template
}

// Default parses the templates compiled into the binary.
func Default() (*Set, error) {
	return Load(embedded)
}

// Load parses prompt templates from fsys. Files are read from a templates/
// directory: grade_<variant>.tmpl, extract.tmpl, count.tmpl, generate.tmpl
// and plan.tmpl.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{grade: make(map[PromptVariant]*template.Template)}

	for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
		t, err := parse(fsys, "grade_"+string(v))
		if err != nil {
			return nil, err
		}
		s.grade[v] = t
	}

	var err error
	for name, dst := range map[string]**template.Template{
		"extract":  &s.extract,
		"count":    &s.count,
		"generate": &s.generate,
		"plan":     &s.plan,
	} {
		if *dst, err = parse(fsys, name); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	file := "templates/" + name + ".tmpl"
	content, err := fs.ReadFile(fsys, file)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", file, err)
	}
	t, err := template.New(name).Funcs(template.FuncMap{
		"join":    strings.Join,
		"percent": func(r float64) string { return fmt.Sprintf("%.0f%%", r*100) },
	}).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", file, err)
	}
	return t, nil
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute prompt %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// CountData holds template data for question-count estimation.
type CountData struct {
	Title string
	Text  string
}

// BuildCountPrompt builds the prompt that asks for the question structure of a paper.
func (s *Set) BuildCountPrompt(title, text string) (string, error) {
	return execute(s.count, CountData{Title: title, Text: sanitizeDocument(text)})
}

// ExtractData holds template data for question extraction.
type ExtractData struct {
	Title    string
	Subject  string
	Targets  []string
	Existing []string
	Text     string
}

// BuildExtractPrompt builds the prompt for extracting the target questions.
func (s *Set) BuildExtractPrompt(title, subject string, targets, existing []string, text string) (string, error) {
	return execute(s.extract, ExtractData{
		Title:    title,
		Subject:  subject,
		Targets:  targets,
		Existing: existing,
		Text:     sanitizeDocument(text),
	})
}

// GradeQuestion is one question of a grading batch.
type GradeQuestion struct {
	Key       string
	Text      string
	Marks     float64
	AnswerKey string
}

// GradeData holds template data for grading prompts.
type GradeData struct {
	Subject   string
	Questions []GradeQuestion
	Graded    []string
	Answer    string
}

// BuildGradePrompt builds a grading prompt using the specified variant.
func (s *Set) BuildGradePrompt(variant PromptVariant, subject string, questions []GradeQuestion, graded []string, sheetText string) (string, error) {
	tmpl, ok := s.grade[variant]
	if !ok {
		return "", fmt.Errorf("invalid prompt variant: %s", variant)
	}
	return execute(tmpl, GradeData{
		Subject:   subject,
		Questions: questions,
		Graded:    graded,
		Answer:    sanitize(sheetText, maxDocumentRunes),
	})
}

// GenerateData holds template data for question generation.
type GenerateData struct {
	Subject  string
	Topic    string
	Type     string
	Numbers  []int
	Marks    float64
	Existing []string
	Source   string
}

// BuildGeneratePrompt builds the prompt for generating numbered questions of one type.
func (s *Set) BuildGeneratePrompt(d GenerateData) (string, error) {
	d.Source = strings.TrimSpace(d.Source)
	if d.Source != "" {
		d.Source = sanitizeDocument(d.Source)
	}
	existing := make([]string, len(d.Existing))
	for i, q := range d.Existing {
		existing[i] = sanitizeAnswer(q)
	}
	d.Existing = existing
	return execute(s.generate, d)
}

// TopicScore is a topic with the fraction of marks a student scored on it.
type TopicScore struct {
	Topic string
	Ratio float64
}

// PlanData holds template data for study-plan generation.
type PlanData struct {
	StudentRef string
	Subject    string
	TotalDays  int
	Days       []int
	Weak       []TopicScore
	Review     []TopicScore
	Planned    []string
}

// BuildPlanPrompt builds the prompt for the requested plan days.
func (s *Set) BuildPlanPrompt(d PlanData) (string, error) {
	return execute(s.plan, d)
}

func sanitizeAnswer(answer string) string {
	return sanitize(answer, maxAnswerRunes)
}

func sanitizeDocument(text string) string {
	return sanitize(text, maxDocumentRunes)
}

func sanitize(answer string, limit int) string {
	answer = dataTagRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > limit {
		runes := []rune(answer)
		runes = runes[:limit]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
