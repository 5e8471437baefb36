package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errSinkDown = errors.New("sink down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func fail() error    { return errSinkDown }
func succeed() error { return nil }

func TestBreakerOpensAfterThresholdAndRecovers(t *testing.T) {
	clk := newClock()
	var transitions []State
	cb := NewCircuitBreaker("alerts", Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		Now:              clk.now,
		OnStateChange: func(_ string, _ State, to State) {
			transitions = append(transitions, to)
		},
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errSinkDown) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}

	clk.advance(2 * time.Minute)
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("half-open trial failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("extract", Config{FailureThreshold: 1})
	_ = cb.Execute(context.Background(), func() error { return context.Canceled })
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("cancelled context: err = %v, called = %v", err, called)
	}
}

func TestBreakerCountsPanicAsFailure(t *testing.T) {
	cb := NewCircuitBreaker("neo4j", Config{FailureThreshold: 1})
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic was swallowed")
			}
		}()
		_ = cb.Execute(context.Background(), func() error { panic("driver bug") })
	}()
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
}

func TestBreakerHalfOpenAdmitsLimitedTrials(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker("llm", Config{
		MaxRequests:      1,
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		Now:              clk.now,
	})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	clk.advance(2 * time.Second)

	var nested error
	err := cb.Execute(ctx, func() error {
		nested = cb.Execute(ctx, succeed)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(nested, ErrTooManyRequests) {
		t.Fatalf("second trial err = %v, want ErrTooManyRequests", nested)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker("llm", Config{FailureThreshold: 3, Timeout: time.Second, Now: clk.now})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clk.advance(2 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.State())
	}

	_ = cb.Execute(ctx, fail)
	st := cb.Status()
	if st.State != StateOpen || !st.Since.Equal(clk.t) || !st.RetryAt.Equal(clk.t.Add(time.Second)) {
		t.Fatalf("status = %+v", st)
	}
}

func TestBreakerWindowForgetsOldFailures(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker("alerts.redis", Config{FailureThreshold: 2, Interval: time.Minute, Now: clk.now})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	if st := cb.Status(); st.ConsecutiveFailures != 1 {
		t.Fatalf("failures = %d, want 1", st.ConsecutiveFailures)
	}
	clk.advance(2 * time.Minute)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateClosed {
		t.Fatal("failures from an expired window opened the breaker")
	}
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateHalfOpen: "half-open", StateOpen: "open", State(7): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", int(s), s.String(), want)
		}
	}
}
