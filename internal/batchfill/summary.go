package batchfill

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/examforge/internal/jsonrepair"
	"github.com/pavelanni/examforge/internal/model"
)

// JSONDecoder returns a Decoder that repairs raw model output with p and
// converts the records to T. Records of the wrong shape are dropped.
func JSONDecoder[T any](p jsonrepair.Parser) Decoder[T] {
	return func(raw string) []T {
		items, dropped := jsonrepair.Decode[T](p.Parse(raw))
		if dropped > 0 {
			slog.Debug("dropped undecodable records", "dropped", dropped, "kept", len(items))
		}
		return items
	}
}

// Summary builds the persisted record of this result.
func (r Result[T]) Summary(kind model.RunKind, subjectID int64, targets TargetSet, started time.Time) model.Run {
	return model.Run{
		ID:         uuid.NewString(),
		Kind:       kind,
		SubjectID:  subjectID,
		State:      string(r.State),
		Attempts:   r.Attempts,
		Targets:    targets.Len(),
		Satisfied:  targets.Len() - len(r.Missing),
		Missing:    r.Missing,
		Report:     r.Report(),
		Usage:      r.Usage,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
}

// Status maps the loop outcome onto a document status: completed when
// nothing is missing, partial when some items were produced, failed otherwise.
func (r Result[T]) Status() model.DocumentStatus {
	switch {
	case len(r.Missing) == 0 && r.State == StateDone:
		return model.StatusCompleted
	case len(r.Items) > 0:
		return model.StatusPartial
	default:
		return model.StatusFailed
	}
}
