// Package runner drives the periodic peg evaluation loop and records every
// outcome for the operator audit trail.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"joulechain/native/peg"
	"joulechain/observability"
	"joulechain/services/pegd/storage"
)

// Evaluator runs one peg maintenance pass. The peg controller satisfies
// this directly.
type Evaluator interface {
	Evaluate() (peg.Outcome, error)
}

// StatusReader is satisfied by evaluators that can report controller
// balances after a trade. The peg controller implements it.
type StatusReader interface {
	Status() (peg.Status, error)
}

// EvaluatorFunc adapts ordinary functions to Evaluator.
type EvaluatorFunc func() (peg.Outcome, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate() (peg.Outcome, error) {
	if f == nil {
		return peg.Outcome{}, fmt.Errorf("evaluator not configured")
	}
	return f()
}

// Runner periodically evaluates the peg and persists the outcomes.
type Runner struct {
	logger    *slog.Logger
	store     *storage.Storage
	evaluator Evaluator
	interval  time.Duration
	metrics   *observability.PegMetrics
	nowFn     func() time.Time
	once      sync.Once
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.nowFn = now
		}
	}
}

// New constructs a runner.
func New(store *storage.Storage, evaluator Evaluator, interval time.Duration, opts ...Option) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("evaluator required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	r := &Runner{
		logger:    slog.Default(),
		store:     store,
		evaluator: evaluator,
		interval:  interval,
		metrics:   observability.Peg(),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Run blocks, evaluating the peg until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runner not configured")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.once.Do(func() {
		r.logger.Info("peg runner started", "interval", r.interval.String())
	})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := r.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("evaluation failed", "error", err)
		}
	}
}

// Step performs one evaluation pass and records the outcome. The returned
// id identifies the persisted evaluation row.
func (r *Runner) Step(ctx context.Context) (string, error) {
	if r == nil {
		return "", fmt.Errorf("runner not configured")
	}
	outcome, err := r.evaluator.Evaluate()
	if err != nil {
		r.metrics.RecordError("evaluate")
		return "", fmt.Errorf("evaluate: %w", err)
	}
	r.metrics.ObserveEvaluation(string(outcome.Action), outcome.DeviationBps)
	if outcome.Executed() {
		r.metrics.RecordTrade(outcome.MintedAmount, outcome.BurnedAmount, outcome.QuoteIn, outcome.QuoteOut)
		if reader, ok := r.evaluator.(StatusReader); ok {
			if status, err := reader.Status(); err == nil {
				r.metrics.SetReserve(status.ReserveBalance)
			}
		}
		r.logger.Info("corrective trade executed",
			"action", string(outcome.Action),
			"deviation_bps", outcome.DeviationBps,
			"reason", outcome.Reason)
	}
	id, err := r.store.RecordEvaluation(ctx, outcome, r.nowFn())
	if err != nil {
		r.metrics.RecordError("persist")
		return "", fmt.Errorf("record evaluation: %w", err)
	}
	return id, nil
}
