package critic

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/eleanor-project/eje/pkg/contracts"
)

func testSnapshot() *contracts.InputSnapshot {
	return &contracts.InputSnapshot{
		Text:        "should the loan be approved",
		ContextHash: "sha256:feedface",
		Timestamp:   time.Now().UTC(),
	}
}

func allowCritic(name string, conf float64) Critic {
	return Func{CriticName: name, Fn: func(context.Context, *contracts.InputSnapshot, Budget) (*contracts.CriticOutput, error) {
		return contracts.NewCriticOutput(name, contracts.VerdictAllow, conf, "no concerns"), nil
	}}
}

func TestRunAllSlotStableOrdering(t *testing.T) {
	firstDone := make(chan struct{})
	slow := Func{CriticName: "slow", Fn: func(ctx context.Context, _ *contracts.InputSnapshot, _ Budget) (*contracts.CriticOutput, error) {
		select {
		case <-firstDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return contracts.NewCriticOutput("slow", contracts.VerdictDeny, 0.9, "pattern matched"), nil
	}}
	fast := Func{CriticName: "fast", Fn: func(context.Context, *contracts.InputSnapshot, Budget) (*contracts.CriticOutput, error) {
		defer close(firstDone)
		return contracts.NewCriticOutput("fast", contracts.VerdictAllow, 0.8, "no concerns"), nil
	}}

	outputs, elapsed, stats, err := NewRunner(DefaultRetryPolicy(), nil, nil).
		RunAll(context.Background(), testSnapshot(), []Critic{slow, fast}, Budget{GlobalTimeout: 5 * time.Second})
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	// Input order, not completion order.
	assert.Equal(t, "slow", outputs[0].Critic)
	assert.Equal(t, "fast", outputs[1].Critic)
	assert.Equal(t, 2, outputs[0].CompletionRank)
	assert.Equal(t, 1, outputs[1].CompletionRank)
	assert.Equal(t, 2, stats[0].CompletionRank)
	assert.Greater(t, elapsed, time.Duration(0))
}

func TestRunAllPerCriticTimeout(t *testing.T) {
	hang := Func{CriticName: "hang", Fn: func(ctx context.Context, _ *contracts.InputSnapshot, _ Budget) (*contracts.CriticOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	outputs, _, stats, err := NewRunner(DefaultRetryPolicy(), nil, nil).
		RunAll(context.Background(), testSnapshot(),
			[]Critic{hang, allowCritic("ok", 0.9)},
			Budget{PerCriticTimeout: 20 * time.Millisecond, GlobalTimeout: 5 * time.Second})
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	assert.Equal(t, contracts.VerdictError, outputs[0].Verdict)
	assert.Equal(t, contracts.ErrorTypeTimeout, outputs[0].ErrorType)
	assert.Zero(t, outputs[0].Confidence)
	assert.Equal(t, contracts.ErrorTypeTimeout, stats[0].ErrorType)

	// Sibling unaffected.
	assert.Equal(t, contracts.VerdictAllow, outputs[1].Verdict)
}

func TestRunAllGlobalDeadlineAbandonsStragglers(t *testing.T) {
	stubborn := Func{CriticName: "stubborn", Fn: func(context.Context, *contracts.InputSnapshot, Budget) (*contracts.CriticOutput, error) {
		// Ignores its context entirely.
		time.Sleep(2 * time.Second)
		return contracts.NewCriticOutput("stubborn", contracts.VerdictAllow, 1, "late"), nil
	}}

	start := time.Now()
	outputs, _, stats, err := NewRunner(DefaultRetryPolicy(), nil, nil).
		RunAll(context.Background(), testSnapshot(),
			[]Critic{stubborn, allowCritic("ok", 0.9)},
			Budget{GlobalTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, contracts.VerdictError, outputs[0].Verdict)
	assert.Equal(t, contracts.ErrorTypeTimeout, outputs[0].ErrorType)
	assert.Zero(t, stats[0].Attempts)
	assert.Zero(t, outputs[0].CompletionRank)

	assert.Equal(t, contracts.VerdictAllow, outputs[1].Verdict)
	assert.Equal(t, 1, outputs[1].CompletionRank)
}

func TestRunAllPanicIsolation(t *testing.T) {
	bomb := Func{CriticName: "bomb", Fn: func(context.Context, *contracts.InputSnapshot, Budget) (*contracts.CriticOutput, error) {
		panic("unexpected nil dereference")
	}}

	outputs, _, _, err := NewRunner(DefaultRetryPolicy(), nil, nil).
		RunAll(context.Background(), testSnapshot(),
			[]Critic{bomb, allowCritic("ok", 0.9)},
			Budget{GlobalTimeout: 5 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, contracts.VerdictError, outputs[0].Verdict)
	assert.Equal(t, contracts.ErrorTypePanic, outputs[0].ErrorType)
	assert.Contains(t, outputs[0].ErrorMessage, "unexpected nil dereference")
	assert.NotEmpty(t, outputs[0].Context["stack_trace"])

	assert.Equal(t, contracts.VerdictAllow, outputs[1].Verdict)
}

func TestRunAllCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hang := Func{CriticName: "hang", Fn: func(ctx context.Context, _ *contracts.InputSnapshot, _ Budget) (*contracts.CriticOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outputs, _, _, err := NewRunner(DefaultRetryPolicy(), nil, nil).
		RunAll(ctx, testSnapshot(), []Critic{hang}, Budget{GlobalTimeout: 5 * time.Second})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrRequestCancelled))
	assert.Nil(t, outputs)
}

func TestRunAllPreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outputs, _, _, err := NewRunner(DefaultRetryPolicy(), nil, nil).
		RunAll(ctx, testSnapshot(), []Critic{allowCritic("ok", 0.9)}, Budget{})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrRequestCancelled))
	assert.Nil(t, outputs)
}

func TestRunAllEmptyCriticSet(t *testing.T) {
	outputs, _, stats, err := NewRunner(DefaultRetryPolicy(), nil, nil).
		RunAll(context.Background(), testSnapshot(), nil, Budget{})
	require.NoError(t, err)
	assert.Empty(t, outputs)
	assert.Empty(t, stats)
}

func TestRunAllRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	flaky := Func{CriticName: "flaky", Fn: func(context.Context, *contracts.InputSnapshot, Budget) (*contracts.CriticOutput, error) {
		if calls.Add(1) < 3 {
			return nil, NewFailure("transient", errors.New("connection reset"))
		}
		return contracts.NewCriticOutput("flaky", contracts.VerdictAllow, 0.7, "recovered"), nil
	}}

	policy := RetryPolicy{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond},
		RetryOn:     map[string]bool{"transient": true},
	}
	outputs, _, stats, err := NewRunner(policy, nil, nil).
		RunAll(context.Background(), testSnapshot(), []Critic{flaky}, Budget{GlobalTimeout: 5 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, contracts.VerdictAllow, outputs[0].Verdict)
	assert.Equal(t, 2, outputs[0].AttemptedRetries)
	assert.Equal(t, 3, stats[0].Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRunAllRetrySkipsNonRetryable(t *testing.T) {
	var calls atomic.Int32
	broken := Func{CriticName: "broken", Fn: func(context.Context, *contracts.InputSnapshot, Budget) (*contracts.CriticOutput, error) {
		calls.Add(1)
		return nil, NewFailure("io", errors.New("disk gone"))
	}}

	policy := RetryPolicy{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond},
		RetryOn:     map[string]bool{"transient": true},
	}
	outputs, _, _, err := NewRunner(policy, nil, nil).
		RunAll(context.Background(), testSnapshot(), []Critic{broken}, Budget{GlobalTimeout: 5 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, contracts.VerdictError, outputs[0].Verdict)
	assert.Equal(t, "io", outputs[0].ErrorType)
	assert.Zero(t, outputs[0].AttemptedRetries)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRunAllBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	failing := Func{CriticName: "failing", Fn: func(context.Context, *contracts.InputSnapshot, Budget) (*contracts.CriticOutput, error) {
		calls.Add(1)
		return nil, errors.New("backend unavailable")
	}}

	breakers := NewBreakerSet(BreakerConfig{Enabled: true, ConsecutiveFailures: 2, OpenTimeout: time.Minute})
	runner := NewRunner(DefaultRetryPolicy(), breakers, nil)

	for i := 0; i < 2; i++ {
		outputs, _, _, err := runner.RunAll(context.Background(), testSnapshot(), []Critic{failing}, Budget{GlobalTimeout: time.Second})
		require.NoError(t, err)
		assert.Equal(t, "error", outputs[0].ErrorType)
	}
	require.EqualValues(t, 2, calls.Load())

	outputs, _, _, err := runner.RunAll(context.Background(), testSnapshot(), []Critic{failing}, Budget{GlobalTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, contracts.ErrorTypeCircuitOpen, outputs[0].ErrorType)
	assert.EqualValues(t, 2, calls.Load(), "open breaker must not dispatch")
}

func TestRunAllParallelismBound(t *testing.T) {
	var active, peak atomic.Int32
	mk := func(name string) Critic {
		return Func{CriticName: name, Fn: func(context.Context, *contracts.InputSnapshot, Budget) (*contracts.CriticOutput, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return contracts.NewCriticOutput(name, contracts.VerdictAllow, 0.5, "done"), nil
		}}
	}

	_, _, _, err := NewRunner(DefaultRetryPolicy(), nil, nil).
		RunAll(context.Background(), testSnapshot(),
			[]Critic{mk("a"), mk("b"), mk("c"), mk("d")},
			Budget{MaxParallelism: 2, GlobalTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunAllDispatchRateLimit(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(15*time.Millisecond), 1)
	critics := []Critic{allowCritic("a", 0.5), allowCritic("b", 0.5), allowCritic("c", 0.5)}

	start := time.Now()
	outputs, _, _, err := NewRunner(DefaultRetryPolicy(), nil, limiter).
		RunAll(context.Background(), testSnapshot(), critics, Budget{GlobalTimeout: 5 * time.Second})
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestRunAllNilOutputNormalized(t *testing.T) {
	empty := Func{CriticName: "empty", Fn: func(context.Context, *contracts.InputSnapshot, Budget) (*contracts.CriticOutput, error) {
		return nil, nil
	}}
	outputs, _, _, err := NewRunner(DefaultRetryPolicy(), nil, nil).
		RunAll(context.Background(), testSnapshot(), []Critic{empty}, Budget{GlobalTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictError, outputs[0].Verdict)
	assert.Equal(t, "error", outputs[0].ErrorType)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, contracts.ErrorTypeTimeout},
		{"wrapped deadline", fmt.Errorf("evaluate: %w", context.DeadlineExceeded), contracts.ErrorTypeTimeout},
		{"cancel", context.Canceled, contracts.ErrorTypeCancelled},
		{"typed", NewFailure("transient", errors.New("x")), "transient"},
		{"typed beats wrapping", fmt.Errorf("outer: %w", NewFailure("io", errors.New("x"))), "io"},
		{"plain", errors.New("x"), "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.err))
		})
	}
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("safety", func() (Critic, error) {
		return allowCritic("safety", 0.9), nil
	}))

	err := reg.Register("safety", func() (Critic, error) { return nil, nil })
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrConfiguration))

	c, err := reg.Build("safety")
	require.NoError(t, err)
	assert.Equal(t, "safety", c.Name())

	_, err = reg.Build("missing")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrPluginLoad))

	require.NoError(t, reg.Register("fairness", func() (Critic, error) {
		return allowCritic("fairness", 0.9), nil
	}))
	all, err := reg.BuildAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "fairness", all[0].Name())
	assert.Equal(t, "safety", all[1].Name())
}
