package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeClock advances instantly instead of sleeping and records every backoff
// delay the executor requested.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.slept))
	copy(out, c.slept)
	return out
}

// recordingSink captures dead letters in memory.
type recordingSink struct {
	mu      sync.Mutex
	letters []recordedLetter
}

type recordedLetter struct {
	Kind          string
	CorrelationID string
	Attempts      int
	LastError     string
}

func (s *recordingSink) Record(_ context.Context, kind, correlationID string, _ map[string]any, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, recordedLetter{kind, correlationID, attempts, lastError})
	return nil
}

func (s *recordingSink) Letters() []recordedLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedLetter, len(s.letters))
	copy(out, s.letters)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestExecutor(clock *fakeClock, sink DeadLetterSink, opts Options) *Executor {
	return NewExecutor(Config{
		Defaults: opts,
		Clock:    clock,
		Sink:     sink,
		Logger:   quietLogger(),
	})
}

func defaultTestOptions() Options {
	return Options{
		MaxRetries:       3,
		BaseBackoff:      time.Second,
		Jitter:           false,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

func TestRetriesThenSuccess(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{}
	e := newTestExecutor(clock, sink, defaultTestOptions())

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		if calls <= 2 {
			return nil, errors.New("transient")
		}
		return "done", nil
	}
	result, ok := e.Execute(context.Background(), op, "webhook", nil, "c-1", nil)
	if !ok || result != "done" {
		t.Fatalf("expected success, got ok=%v result=%v", ok, result)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if st := e.BreakerStatus("webhook"); st.State != StateClosed || st.FailureCount != 0 {
		t.Fatalf("success must zero the failure counter: %+v", st)
	}
	if letters := sink.Letters(); len(letters) != 0 {
		t.Fatalf("no dead letter expected on eventual success: %+v", letters)
	}
}

func TestBackoffDoublesWithoutJitter(t *testing.T) {
	clock := newFakeClock()
	e := newTestExecutor(clock, &recordingSink{}, defaultTestOptions())

	op := func(ctx context.Context) (any, error) { return nil, errors.New("always") }
	e.Execute(context.Background(), op, "webhook", nil, "c-1", nil)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := clock.Slept()
	if len(got) != len(want) {
		t.Fatalf("expected %d backoffs, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestJitterScalesBackoff(t *testing.T) {
	clock := newFakeClock()
	opts := defaultTestOptions()
	opts.Jitter = true
	e := newTestExecutor(clock, &recordingSink{}, opts)
	e.SetRand(func() float64 { return 0.5 }) // factor 0.75

	op := func(ctx context.Context) (any, error) { return nil, errors.New("always") }
	e.Execute(context.Background(), op, "webhook", nil, "c-1", nil)

	want := []time.Duration{750 * time.Millisecond, 1500 * time.Millisecond, 3 * time.Second}
	got := clock.Slept()
	if len(got) != len(want) {
		t.Fatalf("expected %d backoffs, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestExhaustionDeadLetters(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{}
	e := newTestExecutor(clock, sink, defaultTestOptions())

	op := func(ctx context.Context) (any, error) { return nil, errors.New("permanent failure") }
	_, ok := e.Execute(context.Background(), op, "webhook", map[string]any{"report_id": "r-1"}, "c-9", nil)
	if ok {
		t.Fatalf("expected failure")
	}
	letters := sink.Letters()
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
	dl := letters[0]
	if dl.Kind != "webhook" || dl.CorrelationID != "c-9" {
		t.Fatalf("unexpected dead letter identity: %+v", dl)
	}
	if dl.Attempts != 4 { // MaxRetries retries after the first attempt
		t.Fatalf("expected 4 attempts recorded, got %d", dl.Attempts)
	}
	if dl.LastError != "permanent failure" {
		t.Fatalf("expected final error preserved, got %q", dl.LastError)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	opts := defaultTestOptions()
	opts.MaxRetries = 0
	opts.BreakerThreshold = 3
	e := newTestExecutor(clock, &recordingSink{}, opts)

	op := func(ctx context.Context) (any, error) { return nil, errors.New("down") }
	for i := 0; i < 2; i++ {
		e.Execute(context.Background(), op, "webhook", nil, "c", nil)
	}
	if st := e.BreakerStatus("webhook"); st.State != StateClosed {
		t.Fatalf("breaker must stay closed below threshold: %+v", st)
	}
	e.Execute(context.Background(), op, "webhook", nil, "c", nil)
	if st := e.BreakerStatus("webhook"); st.State != StateOpen || st.FailureCount != 3 {
		t.Fatalf("breaker must open at threshold: %+v", st)
	}
}

func TestOpenBreakerRejectsWithoutInvoking(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{}
	opts := defaultTestOptions()
	opts.MaxRetries = 0
	opts.BreakerThreshold = 1
	e := newTestExecutor(clock, sink, opts)

	op := func(ctx context.Context) (any, error) { return nil, errors.New("down") }
	e.Execute(context.Background(), op, "webhook", nil, "c", nil)

	invoked := false
	probe := func(ctx context.Context) (any, error) {
		invoked = true
		return "late", nil
	}
	_, ok := e.Execute(context.Background(), probe, "webhook", nil, "c", nil)
	if ok || invoked {
		t.Fatalf("open breaker must reject without invoking: ok=%v invoked=%v", ok, invoked)
	}
	// A fast rejection is not a dead letter: the operation was never attempted.
	if letters := sink.Letters(); len(letters) != 1 {
		t.Fatalf("rejection must not dead-letter, got %d letters", len(letters))
	}
}

func TestBreakersAreIndependentPerKind(t *testing.T) {
	clock := newFakeClock()
	opts := defaultTestOptions()
	opts.MaxRetries = 0
	opts.BreakerThreshold = 1
	e := newTestExecutor(clock, &recordingSink{}, opts)

	op := func(ctx context.Context) (any, error) { return nil, errors.New("down") }
	e.Execute(context.Background(), op, "webhook", nil, "c", nil)

	ran := false
	_, ok := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	}, "email", nil, "c", nil)
	if !ok || !ran {
		t.Fatalf("an open webhook breaker must not affect the email kind")
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	opts := defaultTestOptions()
	opts.MaxRetries = 0
	opts.BreakerThreshold = 1
	opts.BreakerReset = 30 * time.Second
	e := newTestExecutor(clock, &recordingSink{}, opts)

	op := func(ctx context.Context) (any, error) { return nil, errors.New("down") }
	e.Execute(context.Background(), op, "webhook", nil, "c", nil)

	clock.Advance(31 * time.Second)
	if st := e.BreakerStatus("webhook"); st.State != StateHalfOpen {
		t.Fatalf("elapsed reset window should report half_open: %+v", st)
	}
	_, ok := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "recovered", nil
	}, "webhook", nil, "c", nil)
	if !ok {
		t.Fatalf("half-open probe should have been admitted")
	}
	if st := e.BreakerStatus("webhook"); st.State != StateClosed || st.FailureCount != 0 {
		t.Fatalf("successful probe must close and zero the breaker: %+v", st)
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	opts := defaultTestOptions()
	opts.MaxRetries = 0
	opts.BreakerThreshold = 1
	opts.BreakerReset = 30 * time.Second
	e := newTestExecutor(clock, &recordingSink{}, opts)

	op := func(ctx context.Context) (any, error) { return nil, errors.New("down") }
	e.Execute(context.Background(), op, "webhook", nil, "c", nil)

	clock.Advance(31 * time.Second)
	e.Execute(context.Background(), op, "webhook", nil, "c", nil)
	if st := e.BreakerStatus("webhook"); st.State != StateOpen {
		t.Fatalf("failed probe must reopen the breaker: %+v", st)
	}

	// The reset clock restarted at the probe failure: still rejecting.
	clock.Advance(15 * time.Second)
	invoked := false
	_, ok := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	}, "webhook", nil, "c", nil)
	if ok || invoked {
		t.Fatalf("breaker must keep rejecting until the restarted window elapses")
	}
}

func TestResetBreaker(t *testing.T) {
	clock := newFakeClock()
	opts := defaultTestOptions()
	opts.MaxRetries = 0
	opts.BreakerThreshold = 1
	e := newTestExecutor(clock, &recordingSink{}, opts)

	op := func(ctx context.Context) (any, error) { return nil, errors.New("down") }
	e.Execute(context.Background(), op, "webhook", nil, "c", nil)
	e.ResetBreaker("webhook")

	_, ok := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "fine", nil
	}, "webhook", nil, "c", nil)
	if !ok {
		t.Fatalf("reset breaker must admit calls immediately")
	}
}

func TestDispatchRunsThroughWorkerPool(t *testing.T) {
	clock := newFakeClock()
	e := NewExecutor(Config{
		Defaults: defaultTestOptions(),
		Clock:    clock,
		Logger:   quietLogger(),
		Workers:  2,
	})
	e.Start()
	defer e.Close()

	done := make(chan string, 1)
	ok := e.Dispatch(Task{
		Kind:          "webhook",
		CorrelationID: "c-1",
		Op: func(ctx context.Context) (any, error) {
			done <- "ran"
			return nil, nil
		},
	})
	if !ok {
		t.Fatalf("dispatch rejected with room in the queue")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatched task never ran")
	}
}
