// Package batchfill runs the batch-fill-validate loop: unmet targets are
// split into batches, sent to a model in parallel, parsed, validated and
// merged until every target is satisfied or the attempt ceiling is reached.
package batchfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/validate"
)

// State is a loop controller state.
type State string

const (
	StatePending   State = "pending"
	StateDispatch  State = "dispatch"
	StateMerge     State = "merge"
	StateDone      State = "done"
	StateExhausted State = "exhausted"
	StateCancelled State = "cancelled"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxAttempts     = 5
	DefaultConcurrency     = 4
	DefaultDispatchTimeout = 300 * time.Second
)

// Batch is one unit of work sent to the model.
type Batch[T any] struct {
	Attempt int
	Index   int
	Targets []model.IdentityKey
	// Accepted is a snapshot of the items accepted before this attempt.
	// It must not be modified.
	Accepted []T
}

// Invoker sends a batch to the model and returns its raw text. It must honor ctx.
type Invoker[T any] func(ctx context.Context, b Batch[T]) (string, model.TokenUsage, error)

// Decoder turns raw model text into items. It never fails; unusable text yields no items.
type Decoder[T any] func(raw string) []T

// Config bounds one run of the loop.
type Config struct {
	BatchSize       int
	MaxAttempts     int
	Concurrency     int
	DispatchTimeout time.Duration
	// AcceptExtra keeps valid items whose keys match no target.
	AcceptExtra bool
}

// ConfigFrom converts pipeline settings into a loop Config.
func ConfigFrom(pc model.PipelineConfig) Config {
	return Config{
		BatchSize:       pc.BatchSize,
		MaxAttempts:     pc.MaxAttempts,
		Concurrency:     pc.Concurrency,
		DispatchTimeout: pc.DispatchTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	return c
}

// Loop wires the stages for one item type.
type Loop[T any] struct {
	// Name appears in log lines.
	Name     string
	Invoke   Invoker[T]
	Decode   Decoder[T]
	Validate func(T) []string
	Key      KeyFunc[T]
	// Prepare, if set, adjusts an item before validation.
	Prepare func(T) T
	Config  Config
}

// Result is the outcome of a run. A run that ends with missing targets is
// still a result, not an error.
type Result[T any] struct {
	Items    []T
	Missing  []model.IdentityKey
	Attempts int
	State    State
	Usage    model.TokenUsage
	// Reports holds one validation report per attempt.
	Reports []model.ValidationReport
	Errors  []*StageError
}

// Report sums the per-attempt validation reports.
func (r Result[T]) Report() model.ValidationReport {
	var total model.ValidationReport
	for _, rep := range r.Reports {
		total = mergeReports(total, rep)
	}
	return total
}

type outcome struct {
	raw   string
	usage model.TokenUsage
	err   error
}

// Run executes the loop over targets. The error is non-nil only when the
// loop is misconfigured; cancellation of ctx returns the partial result.
func (l Loop[T]) Run(ctx context.Context, targets TargetSet) (Result[T], error) {
	if l.Invoke == nil || l.Decode == nil || l.Key == nil {
		return Result[T]{}, errors.New("batchfill: Invoke, Decode and Key are required")
	}
	cfg := l.Config.withDefaults()
	log := slog.With("loop", l.Name)

	acc := NewAccumulator(l.Key)
	res := Result[T]{State: StatePending}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		remaining := targets.Remaining(acc.Keys())
		if len(remaining) == 0 {
			break
		}
		if ctx.Err() != nil {
			res.State = StateCancelled
			break
		}

		res.Attempts = attempt
		res.State = StateDispatch
		chunks := Partition(remaining, cfg.BatchSize)
		log.Info("dispatching batches", "attempt", attempt, "remaining", len(remaining), "batches", len(chunks))

		outcomes := l.dispatch(ctx, cfg, attempt, chunks, acc.Items())

		res.State = StateMerge
		var report model.ValidationReport
		for i, o := range outcomes {
			res.Usage = res.Usage.Add(o.usage)
			valid, rep, serr := l.evaluate(o, targets, cfg.AcceptExtra)
			report = mergeReports(report, rep)
			if serr != nil {
				serr.Attempt, serr.Batch = attempt, i
				res.Errors = append(res.Errors, serr)
				log.Warn("batch failed", "attempt", attempt, "batch", i, "stage", serr.Kind, "error", serr.Err)
			}
			acc = acc.Merge(valid)
		}
		res.Reports = append(res.Reports, report)
		res.State = StatePending

		if ctx.Err() != nil {
			res.State = StateCancelled
			break
		}
	}

	res.Items = acc.Items()
	res.Missing = targets.Remaining(acc.Keys())
	switch {
	case res.State == StateCancelled:
	case len(res.Missing) == 0:
		res.State = StateDone
	default:
		res.State = StateExhausted
	}
	log.Info("loop finished", "state", res.State, "attempts", res.Attempts,
		"items", len(res.Items), "missing", len(res.Missing), "total_tokens", res.Usage.Total)
	return res, nil
}

// dispatch fans the chunks out and waits for all of them. Each goroutine
// writes only its own slot.
func (l Loop[T]) dispatch(ctx context.Context, cfg Config, attempt int, chunks [][]model.IdentityKey, accepted []T) []outcome {
	actx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	defer cancel()

	outcomes := make([]outcome, len(chunks))
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, chunk := range chunks {
		b := Batch[T]{Attempt: attempt, Index: i, Targets: chunk, Accepted: accepted}
		g.Go(func() error {
			if err := actx.Err(); err != nil {
				outcomes[i] = outcome{err: err}
				return nil
			}
			raw, usage, err := l.invoke(actx, b)
			outcomes[i] = outcome{raw: raw, usage: usage, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (l Loop[T]) invoke(ctx context.Context, b Batch[T]) (raw string, usage model.TokenUsage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invoker panic: %v", r)
		}
	}()
	return l.Invoke(ctx, b)
}

// evaluate parses and validates one batch outcome.
func (l Loop[T]) evaluate(o outcome, targets TargetSet, acceptExtra bool) ([]T, model.ValidationReport, *StageError) {
	if o.err != nil {
		return nil, model.ValidationReport{}, &StageError{Kind: StageInvoke, Err: o.err}
	}
	items := l.Decode(o.raw)
	if len(items) == 0 {
		return nil, model.ValidationReport{}, &StageError{Kind: StageParse, Err: ErrNoRecords}
	}

	var kept []T
	for _, item := range items {
		if l.Prepare != nil {
			item = l.Prepare(item)
		}
		if !acceptExtra && !targets.Matches(l.Key(item)) {
			continue
		}
		kept = append(kept, item)
	}

	check := l.Validate
	if check == nil {
		check = func(T) []string { return nil }
	}
	valid, report := validate.Report(check, kept, l.Key)
	if len(valid) == 0 && report.FailedCount > 0 {
		return nil, report, &StageError{Kind: StageValidate, Err: ErrAllInvalid}
	}
	return valid, report, nil
}

func mergeReports(a, b model.ValidationReport) model.ValidationReport {
	a.ValidCount += b.ValidCount
	a.FailedCount += b.FailedCount
	a.FailedKeys = append(a.FailedKeys, b.FailedKeys...)
	for k, reasons := range b.Reasons {
		if a.Reasons == nil {
			a.Reasons = make(map[string][]string)
		}
		a.Reasons[k] = append(a.Reasons[k], reasons...)
	}
	return a
}
