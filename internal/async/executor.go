// Package async executes side effects outside the request/response path with
// bounded retries, exponential backoff with jitter, a per-operation-kind
// circuit breaker, and a dead-letter sink for operations that exhaust every
// attempt. Failures never propagate to the request that triggered the side
// effect; by the time an operation runs, its triggering write has already
// succeeded.
package async

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"reportline/internal/metrics"
)

// Operation is one side-effect attempt. It returns a result for the caller
// of Execute or an error to trigger the retry path.
type Operation func(ctx context.Context) (any, error)

// Options tune one execution. The zero value is filled from the executor's
// defaults.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseBackoff is the delay before the first retry; each further retry
	// doubles it.
	BaseBackoff time.Duration
	// Jitter multiplies each backoff by a uniform factor in [0.5, 1.0).
	Jitter bool
	// BreakerThreshold is the consecutive-failure count that opens the
	// breaker for the operation kind.
	BreakerThreshold int
	// BreakerReset is how long an open breaker rejects calls before allowing
	// a half-open probe.
	BreakerReset time.Duration
}

// DefaultOptions are the executor defaults when the caller passes nil.
func DefaultOptions() Options {
	return Options{
		MaxRetries:       3,
		BaseBackoff:      time.Second,
		Jitter:           true,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// Task is a queued side effect for the worker pool.
type Task struct {
	Kind          string
	CorrelationID string
	Context       map[string]any
	Op            Operation
	Options       *Options
}

// Executor runs side effects with retry, breaker, and dead-letter policy.
// Breaker state is owned by the executor instance; construct one per process
// and inject it wherever side effects are dispatched.
type Executor struct {
	defaults Options
	clock    Clock
	sink     DeadLetterSink
	logger   *slog.Logger
	metrics  *metrics.Metrics
	randFn   func() float64

	mu       sync.Mutex
	breakers map[string]*breaker

	queue     chan Task
	workers   int
	wg        sync.WaitGroup
	closeOnce sync.Once
	baseCtx   context.Context
	cancel    context.CancelFunc
}

// Config assembles an executor.
type Config struct {
	Defaults  Options
	Clock     Clock
	Sink      DeadLetterSink
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	QueueSize int
	Workers   int
}

// NewExecutor builds an executor. Workers are not started until Start.
func NewExecutor(cfg Config) *Executor {
	if cfg.Defaults == (Options{}) {
		cfg.Defaults = DefaultOptions()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		defaults: cfg.Defaults,
		clock:    cfg.Clock,
		sink:     cfg.Sink,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		randFn:   rand.Float64,
		breakers: make(map[string]*breaker),
		queue:    make(chan Task, cfg.QueueSize),
		workers:  cfg.Workers,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// SetRand overrides the jitter source; tests use it for determinism.
func (e *Executor) SetRand(fn func() float64) {
	if fn != nil {
		e.randFn = fn
	}
}

// Start launches the worker pool that drains Dispatch'd tasks.
func (e *Executor) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-e.baseCtx.Done():
					return
				case task, ok := <-e.queue:
					if !ok {
						return
					}
					e.Execute(e.baseCtx, task.Op, task.Kind, task.Context, task.CorrelationID, task.Options)
				}
			}
		}()
	}
}

// Close stops accepting tasks, cancels in-flight sleeps, and waits for
// workers to drain.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		close(e.queue)
	})
	e.wg.Wait()
}

// Dispatch submits a task to the worker pool without blocking the caller.
// A full queue drops the task with a log line; side effects are best-effort
// and the triggering request has already returned.
func (e *Executor) Dispatch(task Task) bool {
	select {
	case <-e.baseCtx.Done():
		return false
	default:
	}
	select {
	case e.queue <- task:
		return true
	default:
		e.logger.Warn("side-effect queue full, dropping task",
			"kind", task.Kind, "correlation_id", task.CorrelationID)
		return false
	}
}

// Execute runs op under the retry/breaker policy for kind. It never returns
// an error: the second return value is false when the result is absent
// (breaker rejection, cancellation, or exhausted retries). Exhausted
// operations are handed to the dead-letter sink.
func (e *Executor) Execute(ctx context.Context, op Operation, kind string, opCtx map[string]any, correlationID string, opts *Options) (any, bool) {
	options := e.resolveOptions(opts)

	var lastErr error
	for attempt := 0; attempt <= options.MaxRetries; attempt++ {
		if !e.allowAttempt(kind, options) {
			e.metrics.ObserveAttempt(kind, "rejected")
			e.logger.Warn("circuit open, rejecting side effect",
				"kind", kind, "correlation_id", correlationID)
			return nil, false
		}
		result, err := op(ctx)
		if err == nil {
			e.recordSuccess(kind)
			e.metrics.ObserveAttempt(kind, "success")
			return result, true
		}
		lastErr = err
		e.recordFailure(kind, options)
		e.metrics.ObserveAttempt(kind, "failure")
		e.logger.Warn("side effect attempt failed",
			"kind", kind, "correlation_id", correlationID,
			"attempt", attempt+1, "error", err)

		if attempt == options.MaxRetries {
			break
		}
		e.metrics.ObserveRetry(kind)
		if err := e.clock.Sleep(ctx, e.backoff(attempt, options)); err != nil {
			e.logger.Warn("side effect cancelled during backoff",
				"kind", kind, "correlation_id", correlationID, "error", err)
			return nil, false
		}
	}

	e.deadLetter(ctx, kind, correlationID, opCtx, options.MaxRetries+1, lastErr)
	return nil, false
}

// backoff returns baseBackoff * 2^attempt, scaled by a uniform factor in
// [0.5, 1.0) when jitter is enabled.
func (e *Executor) backoff(attempt int, options Options) time.Duration {
	d := time.Duration(float64(options.BaseBackoff) * math.Pow(2, float64(attempt)))
	if options.Jitter {
		d = time.Duration(float64(d) * (0.5 + e.randFn()*0.5))
	}
	return d
}

func (e *Executor) resolveOptions(opts *Options) Options {
	if opts == nil {
		return e.defaults
	}
	options := *opts
	if options.MaxRetries < 0 {
		options.MaxRetries = 0
	}
	if options.BaseBackoff <= 0 {
		options.BaseBackoff = e.defaults.BaseBackoff
	}
	if options.BreakerThreshold <= 0 {
		options.BreakerThreshold = e.defaults.BreakerThreshold
	}
	if options.BreakerReset <= 0 {
		options.BreakerReset = e.defaults.BreakerReset
	}
	return options
}

func (e *Executor) breakerFor(kind string) *breaker {
	b, ok := e.breakers[kind]
	if !ok {
		b = &breaker{}
		e.breakers[kind] = b
	}
	return b
}

// allowAttempt applies the breaker state machine for one attempt. An open
// breaker rejects until the reset window has elapsed since the last failure,
// then admits a single half-open probe.
func (e *Executor) allowAttempt(kind string, options Options) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.breakerFor(kind)
	if !b.open {
		return true
	}
	if e.clock.Now().Sub(b.lastFailure) < options.BreakerReset {
		return false
	}
	b.halfOpen = true
	return true
}

func (e *Executor) recordSuccess(kind string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.breakerFor(kind)
	if b.open || b.halfOpen {
		e.logger.Info("circuit closed after successful probe", "kind", kind)
	}
	b.failureCount = 0
	b.open = false
	b.halfOpen = false
	e.metrics.SetBreakerOpen(kind, false)
}

func (e *Executor) recordFailure(kind string, options Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.breakerFor(kind)
	b.lastFailure = e.clock.Now()
	if b.halfOpen {
		// Failed probe: back to open, clock restarted.
		b.halfOpen = false
		b.open = true
		e.metrics.ObserveBreakerOpen(kind)
		e.metrics.SetBreakerOpen(kind, true)
		e.logger.Warn("circuit reopened after failed probe", "kind", kind)
		return
	}
	b.failureCount++
	if !b.open && b.failureCount >= options.BreakerThreshold {
		b.open = true
		e.metrics.ObserveBreakerOpen(kind)
		e.metrics.SetBreakerOpen(kind, true)
		e.logger.Warn("circuit opened",
			"kind", kind, "consecutive_failures", b.failureCount)
	}
}

// BreakerStatus returns the operational view of one kind's breaker.
func (e *Executor) BreakerStatus(kind string) BreakerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breakerFor(kind).status(kind, e.clock.Now(), e.defaults.BreakerReset)
}

// BreakerStatuses returns the status of every kind seen so far.
func (e *Executor) BreakerStatuses() []BreakerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	res := make([]BreakerStatus, 0, len(e.breakers))
	for kind, b := range e.breakers {
		res = append(res, b.status(kind, now, e.defaults.BreakerReset))
	}
	return res
}

// ResetBreaker zeroes the breaker for kind (operator action).
func (e *Executor) ResetBreaker(kind string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breakers[kind] = &breaker{}
	e.metrics.SetBreakerOpen(kind, false)
	e.logger.Info("circuit breaker reset", "kind", kind)
}

// ResetAllBreakers zeroes every breaker.
func (e *Executor) ResetAllBreakers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for kind := range e.breakers {
		e.breakers[kind] = &breaker{}
		e.metrics.SetBreakerOpen(kind, false)
	}
	e.logger.Info("all circuit breakers reset")
}

func (e *Executor) deadLetter(ctx context.Context, kind, correlationID string, opCtx map[string]any, attempts int, lastErr error) {
	e.metrics.ObserveDeadLetter(kind)
	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}
	e.logger.Error("side effect exhausted retries, dead-lettering",
		"kind", kind, "correlation_id", correlationID,
		"attempts", attempts, "error", errText)
	if e.sink == nil {
		return
	}
	if err := e.sink.Record(ctx, kind, correlationID, opCtx, attempts, errText); err != nil {
		e.logger.Error("dead-letter sink failed",
			"kind", kind, "correlation_id", correlationID, "error", err)
	}
}
