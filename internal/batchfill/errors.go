package batchfill

import (
	"errors"
	"fmt"
)

// StageKind names the loop stage where a batch failed.
type StageKind string

const (
	StageInvoke   StageKind = "invoke"
	StageParse    StageKind = "parse"
	StageValidate StageKind = "validate"
)

var (
	// ErrNoRecords means a response was received but nothing could be parsed from it.
	ErrNoRecords = errors.New("no records recovered from response")
	// ErrAllInvalid means every record in a response failed validation.
	ErrAllInvalid = errors.New("all records failed validation")
)

// StageError is a non-fatal failure of one batch in one attempt.
type StageError struct {
	Kind    StageKind
	Attempt int
	Batch   int
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("attempt %d batch %d: %s: %v", e.Attempt, e.Batch, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
