// Package breaker implements the circuit breaker guarding the render
// pipeline's data-loading phase.
//
// State lives in atomics and changes through compare-and-swap, so
// concurrent requests never queue behind a shared lock. Failures are
// counted in a rolling window of time buckets; when the failure rate in the
// window reaches the threshold the circuit opens, short-circuits every call
// for the reset timeout, then lets exactly one trial call through.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// State represents the state of a circuit breaker.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome classifies one call through the breaker.
type Outcome int

const (
	// Success means the work completed within the timeout.
	Success Outcome = iota
	// Failure means the work returned an error.
	Failure
	// Timeout means the work did not finish in time; it may still be running.
	Timeout
	// ShortCircuit means the work was not executed because the circuit is open.
	ShortCircuit
	// Canceled means the caller went away. It is not counted as a failure.
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Timeout:
		return "timeout"
	case ShortCircuit:
		return "short-circuit"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is carried by short-circuited results.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrTimeout is carried by timed out results.
	ErrTimeout = errors.New("circuit breaker timeout")
)

// Config configures breaker behavior.
type Config struct {
	// Timeout bounds a single call.
	Timeout time.Duration
	// ErrorThresholdPercentage is the failure rate that opens the circuit.
	ErrorThresholdPercentage float64
	// ResetTimeout is how long the circuit stays open before a trial call.
	ResetTimeout time.Duration
	// RollingWindow is the span over which the failure rate is computed.
	RollingWindow time.Duration
	// Buckets is the number of slices the window is divided into.
	Buckets int
	// VolumeThreshold is the minimum number of calls in the window before
	// the circuit may open.
	VolumeThreshold int
	// OnStateChange is called after every transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the calibrated defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:                  100 * time.Millisecond,
		ErrorThresholdPercentage: 10,
		ResetTimeout:             60 * time.Second,
		RollingWindow:            10 * time.Second,
		Buckets:                  10,
	}
}

// Result is the outcome of Fire. Degraded outcomes are values, not errors.
type Result struct {
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// OK reports whether the work succeeded.
func (r Result) OK() bool {
	return r.Outcome == Success
}

type bucket struct {
	epoch     int64
	successes atomic.Int64
	failures  atomic.Int64
}

// Breaker is a concurrency-safe circuit breaker.
type Breaker struct {
	cfg      Config
	state    atomic.Int32
	openedAt atomic.Int64
	window   []atomic.Pointer[bucket]
	width    int64
	now      func() time.Time

	outcomes [Canceled + 1]atomic.Int64
}

// New creates a closed breaker. Zero config fields take DefaultConfig values.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ErrorThresholdPercentage <= 0 {
		cfg.ErrorThresholdPercentage = def.ErrorThresholdPercentage
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = def.RollingWindow
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = def.Buckets
	}
	width := int64(cfg.RollingWindow) / int64(cfg.Buckets)
	if width <= 0 {
		width = 1
	}
	return &Breaker{
		cfg:    cfg,
		window: make([]atomic.Pointer[bucket], cfg.Buckets),
		width:  width,
		now:    time.Now,
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Fire runs work through the breaker. work receives a context that is
// canceled when the call times out or the caller goes away, but the breaker
// does not wait for work to observe it: a timed out call is reported
// immediately and its eventual result is ignored.
func (b *Breaker) Fire(ctx context.Context, work func(context.Context) error) Result {
	if err := ctx.Err(); err != nil {
		return b.finish(Result{Outcome: Canceled, Err: err})
	}

	trial := false
	switch b.State() {
	case Open:
		if !b.tryHalfOpen() {
			return b.finish(Result{Outcome: ShortCircuit, Err: ErrOpen})
		}
		trial = true
	case HalfOpen:
		return b.finish(Result{Outcome: ShortCircuit, Err: ErrOpen})
	}

	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- work(wctx)
	}()

	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	var res Result
	select {
	case err := <-done:
		switch {
		case err == nil:
			res = Result{Outcome: Success}
		case ctx.Err() != nil:
			res = Result{Outcome: Canceled, Err: ctx.Err()}
		case errors.Is(err, context.DeadlineExceeded) && wctx.Err() != nil:
			res = Result{Outcome: Timeout, Err: ErrTimeout}
		default:
			res = Result{Outcome: Failure, Err: err}
		}
	case <-timer.C:
		res = Result{Outcome: Timeout, Err: ErrTimeout}
	case <-ctx.Done():
		res = Result{Outcome: Canceled, Err: ctx.Err()}
	}
	res.Duration = time.Since(start)

	switch res.Outcome {
	case Success:
		b.onSuccess(trial)
	case Failure, Timeout:
		b.onFailure(trial)
	case Canceled:
		b.onCanceled(trial)
	}
	return b.finish(res)
}

func (b *Breaker) finish(res Result) Result {
	b.outcomes[res.Outcome].Add(1)
	return res
}

func (b *Breaker) tryHalfOpen() bool {
	if b.now().UnixNano()-b.openedAt.Load() < int64(b.cfg.ResetTimeout) {
		return false
	}
	if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
		b.notify(Open, HalfOpen)
		return true
	}
	return false
}

func (b *Breaker) onSuccess(trial bool) {
	b.bucket().successes.Add(1)
	if trial && b.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
		b.resetWindow()
		b.notify(HalfOpen, Closed)
	}
}

func (b *Breaker) onFailure(trial bool) {
	b.bucket().failures.Add(1)
	if trial {
		b.openedAt.Store(b.now().UnixNano())
		if b.state.CompareAndSwap(int32(HalfOpen), int32(Open)) {
			b.notify(HalfOpen, Open)
		}
		return
	}
	if b.State() != Closed || !b.tripped() {
		return
	}
	b.openedAt.Store(b.now().UnixNano())
	if b.state.CompareAndSwap(int32(Closed), int32(Open)) {
		b.notify(Closed, Open)
	}
}

// onCanceled gives up a trial without judging the service: the circuit goes
// back to open with its original timestamp so the next call is a trial.
func (b *Breaker) onCanceled(trial bool) {
	if trial && b.state.CompareAndSwap(int32(HalfOpen), int32(Open)) {
		b.notify(HalfOpen, Open)
	}
}

func (b *Breaker) tripped() bool {
	successes, failures := b.counts()
	total := successes + failures
	if failures == 0 || total < int64(b.cfg.VolumeThreshold) {
		return false
	}
	return float64(failures)*100/float64(total) >= b.cfg.ErrorThresholdPercentage
}

func (b *Breaker) bucket() *bucket {
	epoch := b.now().UnixNano() / b.width
	slot := &b.window[epoch%int64(len(b.window))]
	for {
		cur := slot.Load()
		if cur != nil && cur.epoch == epoch {
			return cur
		}
		next := &bucket{epoch: epoch}
		if slot.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func (b *Breaker) counts() (successes, failures int64) {
	epoch := b.now().UnixNano() / b.width
	oldest := epoch - int64(len(b.window)) + 1
	for i := range b.window {
		bk := b.window[i].Load()
		if bk == nil || bk.epoch < oldest || bk.epoch > epoch {
			continue
		}
		successes += bk.successes.Load()
		failures += bk.failures.Load()
	}
	return successes, failures
}

func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i].Store(nil)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State          State            `json:"state"`
	WindowSuccess  int64            `json:"windowSuccesses"`
	WindowFailures int64            `json:"windowFailures"`
	Outcomes       map[string]int64 `json:"outcomes"`
}

// Stats returns the breaker's counters.
func (b *Breaker) Stats() Stats {
	s, f := b.counts()
	out := make(map[string]int64, len(b.outcomes))
	for i := range b.outcomes {
		out[Outcome(i).String()] = b.outcomes[i].Load()
	}
	return Stats{State: b.State(), WindowSuccess: s, WindowFailures: f, Outcomes: out}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
