// Package validate checks parsed LLM records against their field contracts.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/pavelanni/examforge/internal/model"
)

// MCQOptions is the number of choices a generated multiple-choice question must have.
const MCQOptions = 4

// Checker validates records using struct tags plus a few struct-level rules.
type Checker struct {
	v *validator.Validate
}

// New creates a Checker with the record rules registered.
func New() *Checker {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(fmt.Sprintf("register notblank: %v", err))
	}
	v.RegisterStructValidation(generatedQuestionRules, model.GeneratedQuestion{})
	return &Checker{v: v}
}

// Check returns the failed checks for item; an empty result means valid.
func (c *Checker) Check(item any) []string {
	err := c.v.Struct(item)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return msgs
}

// Report splits items into the valid ones and a report of the rest.
func Report[T any](check func(T) []string, items []T, key func(T) model.IdentityKey) ([]T, model.ValidationReport) {
	var (
		valid  []T
		report model.ValidationReport
	)
	for _, item := range items {
		if reasons := check(item); len(reasons) > 0 {
			report.Fail(key(item), reasons...)
			continue
		}
		valid = append(valid, item)
		report.ValidCount++
	}
	return valid, report
}

func generatedQuestionRules(sl validator.StructLevel) {
	q := sl.Current().Interface().(model.GeneratedQuestion)
	if q.Type != model.TypeMCQ {
		return
	}
	if len(q.Options) != MCQOptions {
		sl.ReportError(q.Options, "options", "Options", "mcq_options", fmt.Sprint(MCQOptions))
		return
	}
	if !AnswerInOptions(q.Answer, q.Options) {
		sl.ReportError(q.Answer, "answer", "Answer", "mcq_answer", "")
	}
}

// AnswerInOptions reports whether answer names one of options, either by its
// text or by its letter (A, B, ...).
func AnswerInOptions(answer string, options []string) bool {
	a := strings.TrimSpace(answer)
	if a == "" {
		return false
	}
	if len(a) == 1 || (len(a) == 2 && (a[1] == ')' || a[1] == '.')) {
		idx := int(unicode.ToUpper(rune(a[0])) - 'A')
		if idx >= 0 && idx < len(options) {
			return true
		}
	}
	for _, opt := range options {
		if strings.EqualFold(strings.TrimSpace(opt), a) {
			return true
		}
	}
	return false
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required", "notblank":
		return field + " is required"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "ltefield":
		return fmt.Sprintf("%s must be less than or equal to %s", field, snake(fe.Param()))
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "mcq_options":
		return fmt.Sprintf("%s must contain exactly %s choices", field, fe.Param())
	case "mcq_answer":
		return field + " must be one of the options"
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

// snake converts a Go field name such as MaximumMarks to maximum_marks.
func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
