package critic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// TypedError lets a critic classify its own failure. The type string lands
// in the ERROR output's error_type and drives retry decisions.
type TypedError interface {
	error
	ErrorType() string
}

// Failure is the plain TypedError critics can return.
type Failure struct {
	Type string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Type
	}
	return fmt.Sprintf("%s: %v", f.Type, f.Err)
}

func (f *Failure) ErrorType() string { return f.Type }
func (f *Failure) Unwrap() error     { return f.Err }

// NewFailure wraps err with a retry classification such as "transient" or
// "io".
func NewFailure(errorType string, err error) *Failure {
	return &Failure{Type: errorType, Err: err}
}

// CriticStat summarizes one critic's run for metrics and logging.
type CriticStat struct {
	Name           string
	Verdict        contracts.Verdict
	ErrorType      string
	Elapsed        time.Duration
	Attempts       int
	CompletionRank int
}

// Runner dispatches a critic set concurrently under a budget. The zero
// value runs with no retries, no breakers and no rate limit.
type Runner struct {
	retry    RetryPolicy
	breakers *BreakerSet
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewRunner builds a runner. breakers and limiter may be nil.
func NewRunner(retry RetryPolicy, breakers *BreakerSet, limiter *rate.Limiter) *Runner {
	return &Runner{
		retry:    retry,
		breakers: breakers,
		limiter:  limiter,
		logger:   slog.Default().With("component", "critic"),
	}
}

func (r *Runner) log() *slog.Logger {
	if r.logger == nil {
		return slog.Default()
	}
	return r.logger
}

type slotResult struct {
	slot int
	out  *contracts.CriticOutput
}

// RunAll evaluates every critic against the snapshot and returns outputs in
// the same order as critics. Failures never surface as errors: timeouts,
// panics and raised errors become ERROR outputs in their slot. The only
// error RunAll returns is request cancellation by the caller, which yields
// no outputs at all.
//
// The global deadline abandons critics still running: their slots are
// credited ERROR/timeout and their goroutines are left to drain in the
// background. A critic that ignores its context keeps its goroutine alive
// until it returns; the runner never kills it forcibly.
func (r *Runner) RunAll(ctx context.Context, snapshot *contracts.InputSnapshot, critics []Critic, budget Budget) ([]*contracts.CriticOutput, time.Duration, []CriticStat, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, 0, nil, cancelledErr(snapshot, err)
	}
	if len(critics) == 0 {
		return []*contracts.CriticOutput{}, time.Since(start), nil, nil
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if budget.GlobalTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, budget.GlobalTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	limit := budget.MaxParallelism
	if limit <= 0 || limit > len(critics) {
		limit = len(critics)
	}

	// Buffered to the critic count so a worker finishing after abandonment
	// never blocks on send.
	results := make(chan slotResult, len(critics))
	go func() {
		g := new(errgroup.Group)
		g.SetLimit(limit)
		for i := range critics {
			slot, c := i, critics[i]
			g.Go(func() error {
				results <- slotResult{slot: slot, out: r.evaluate(runCtx, c, snapshot, budget)}
				return nil
			})
		}
		_ = g.Wait()
	}()

	var deadline <-chan time.Time
	if budget.GlobalTimeout > 0 {
		timer := time.NewTimer(budget.GlobalTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	outputs := make([]*contracts.CriticOutput, len(critics))
	stats := make([]CriticStat, len(critics))
	filled, rank := 0, 0
	for filled < len(critics) {
		select {
		case res := <-results:
			rank++
			res.out.CompletionRank = rank
			outputs[res.slot] = res.out
			stats[res.slot] = statFor(critics[res.slot].Name(), res.out)
			filled++
		case <-deadline:
			r.creditStragglers(critics, outputs, stats, time.Since(start))
			return outputs, time.Since(start), stats, nil
		case <-ctx.Done():
			return nil, time.Since(start), nil, cancelledErr(snapshot, ctx.Err())
		}
	}
	return outputs, time.Since(start), stats, nil
}

// creditStragglers fills every slot still empty at the global deadline with
// an ERROR/timeout record.
func (r *Runner) creditStragglers(critics []Critic, outputs []*contracts.CriticOutput, stats []CriticStat, elapsed time.Duration) {
	for i, out := range outputs {
		if out != nil {
			continue
		}
		name := critics[i].Name()
		credited := contracts.NewErrorOutput(name, contracts.ErrorTypeTimeout,
			fmt.Sprintf("abandoned at global deadline after %s", elapsed.Round(time.Millisecond)))
		credited.Elapsed = elapsed
		outputs[i] = credited
		stats[i] = statFor(name, credited)
		r.log().Warn("critic abandoned at global deadline", "critic", name, "elapsed", elapsed)
	}
}

func statFor(name string, out *contracts.CriticOutput) CriticStat {
	attempts := out.AttemptedRetries + 1
	if out.CompletionRank == 0 {
		attempts = 0
	}
	return CriticStat{
		Name:           name,
		Verdict:        out.Verdict,
		ErrorType:      out.ErrorType,
		Elapsed:        out.Elapsed,
		Attempts:       attempts,
		CompletionRank: out.CompletionRank,
	}
}

func cancelledErr(snapshot *contracts.InputSnapshot, cause error) error {
	pe := contracts.Errorf(contracts.ErrRequestCancelled, "request cancelled before critics completed: %w", cause)
	if snapshot != nil {
		pe = pe.WithRequest(snapshot.ContextHash)
	}
	return pe
}

// evaluate runs one critic with retries until success, exhaustion, or a
// non-retryable failure.
func (r *Runner) evaluate(ctx context.Context, c Critic, snapshot *contracts.InputSnapshot, budget Budget) *contracts.CriticOutput {
	name := c.Name()
	maxAttempts := r.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var out *contracts.CriticOutput
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		out = r.attempt(ctx, c, snapshot, budget)
		if out.Verdict != contracts.VerdictError {
			break
		}
		if out.ErrorType == contracts.ErrorTypeCancelled || out.ErrorType == contracts.ErrorTypeCircuitOpen {
			break
		}
		if attempt == maxAttempts || !r.retry.Retryable(out.ErrorType) {
			break
		}
		delay := r.retry.Delay(seedFor(snapshot), name, attempt)
		r.log().Debug("retrying critic", "critic", name, "attempt", attempt, "error_type", out.ErrorType, "delay", delay)
		if !sleep(ctx, delay) {
			break
		}
	}
	out.AttemptedRetries = attempts - 1
	return out
}

func seedFor(snapshot *contracts.InputSnapshot) string {
	if snapshot == nil {
		return ""
	}
	return snapshot.ContextHash
}

// attempt performs a single breaker-gated, rate-limited, deadline-bounded
// Evaluate call with panic isolation.
func (r *Runner) attempt(ctx context.Context, c Critic, snapshot *contracts.InputSnapshot, budget Budget) *contracts.CriticOutput {
	name := c.Name()

	done, ok := r.breakers.Allow(name)
	if !ok {
		return contracts.NewErrorOutput(name, contracts.ErrorTypeCircuitOpen, "circuit breaker open, dispatch skipped")
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			done(true)
			if errors.Is(err, context.DeadlineExceeded) {
				return contracts.NewErrorOutput(name, contracts.ErrorTypeTimeout, "deadline passed while waiting for dispatch slot")
			}
			return contracts.NewErrorOutput(name, contracts.ErrorTypeCancelled, "cancelled while waiting for dispatch slot")
		}
	}

	critCtx := ctx
	cancel := context.CancelFunc(func() {})
	if budget.PerCriticTimeout > 0 {
		critCtx, cancel = context.WithTimeout(ctx, budget.PerCriticTimeout)
	}
	defer cancel()

	start := time.Now()
	out := r.dispatch(critCtx, c, snapshot, budget)
	out.Elapsed = time.Since(start)
	if out.Critic == "" {
		out.Critic = name
	}

	// Cancellation is the caller's doing, not the critic's health.
	done(out.Verdict != contracts.VerdictError || out.ErrorType == contracts.ErrorTypeCancelled)
	return out
}

// dispatch isolates the Evaluate call so a panicking critic cannot take its
// siblings down.
func (r *Runner) dispatch(ctx context.Context, c Critic, snapshot *contracts.InputSnapshot, budget Budget) (out *contracts.CriticOutput) {
	name := c.Name()
	defer func() {
		if rec := recover(); rec != nil {
			stack := string(debug.Stack())
			r.log().Error("critic panicked", "critic", name, "panic", rec)
			out = contracts.NewErrorOutput(name, contracts.ErrorTypePanic, fmt.Sprintf("panic: %v", rec))
			out.Context = map[string]any{"stack_trace": stack}
		}
	}()

	res, err := c.Evaluate(ctx, snapshot, budget)
	if err != nil {
		return contracts.NewErrorOutput(name, classify(err), err.Error())
	}
	if res == nil {
		return contracts.NewErrorOutput(name, "error", "critic returned no output")
	}
	return res
}

// classify maps a returned error to an error_type. Context errors win over
// any classification the critic attached.
func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return contracts.ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		return contracts.ErrorTypeCancelled
	}
	var typed TypedError
	if errors.As(err, &typed) && typed.ErrorType() != "" {
		return typed.ErrorType()
	}
	return "error"
}
