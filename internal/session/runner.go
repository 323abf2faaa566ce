// Package session drives repeated ranging cycles: it paces them, stamps
// and publishes every measurement, and tracks how many cycles in a row
// produced nothing.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/signalsfoundry/uwb-twr/internal/logging"
	"github.com/signalsfoundry/uwb-twr/kb"
	"github.com/signalsfoundry/uwb-twr/model"
)

// Cycle runs one ranging cycle and returns its measurements. A cycle may
// return measurements and an error at the same time.
type Cycle func(ctx context.Context) ([]model.Measurement, error)

// Metrics receives per-cycle outcomes. observability.RangingCollector
// implements it.
type Metrics interface {
	ObserveCycle(outcome string)
	SetConsecutiveMisses(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCycle(string)      {}
func (noopMetrics) SetConsecutiveMisses(int) {}

// Cycle outcomes.
const (
	OutcomeComplete = "complete"
	OutcomePartial  = "partial"
	OutcomeMissed   = "missed"
)

// Summary tallies the cycles run so far.
type Summary struct {
	Attempted int
	Completed int
	Partial   int
	Missed    int
	// ConsecutiveMisses counts the missed cycles since the last one that
	// produced a valid distance.
	ConsecutiveMisses    int
	MaxConsecutiveMisses int
}

// Runner repeats a Cycle.
type Runner struct {
	cycle   Cycle
	limiter *rate.Limiter
	clock   clockwork.Clock
	board   *kb.Board
	log     logging.Logger
	metrics Metrics
	hook    func(Summary)

	mu      sync.Mutex
	summary Summary
	seq     uint64
}

// Option customises a Runner.
type Option func(*Runner)

// WithInterval paces cycles at most one per interval. Without it cycles run
// back to back.
func WithInterval(interval time.Duration) Option {
	return func(r *Runner) {
		if interval > 0 {
			r.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithBoard publishes every measurement to b.
func WithBoard(b *kb.Board) Option {
	return func(r *Runner) { r.board = b }
}

// WithLogger sets the runner logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics sets the cycle metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithCycleHook calls fn with the updated tallies after every cycle.
func WithCycleHook(fn func(Summary)) Option {
	return func(r *Runner) { r.hook = fn }
}

// NewRunner returns a runner for cycle.
func NewRunner(cycle Cycle, opts ...Option) (*Runner, error) {
	if cycle == nil {
		return nil, errors.New("session: nil cycle")
	}
	r := &Runner{
		cycle:   cycle,
		limiter: rate.NewLimiter(rate.Inf, 1),
		clock:   clockwork.NewRealClock(),
		log:     logging.Noop(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes cycles cycles, or until ctx is done when cycles is zero or
// negative. A failed cycle is counted and the loop moves on. The returned
// error is non-nil only when ctx ended the run early.
func (r *Runner) Run(ctx context.Context, cycles int) (Summary, error) {
	for i := 0; cycles <= 0 || i < cycles; i++ {
		if err := r.pace(ctx); err != nil {
			return r.Summary(), err
		}
		r.runOnce(ctx)
	}
	return r.Summary(), nil
}

// pace blocks until the limiter admits the next cycle. The reservation is
// taken against the runner's clock so fake clocks drive it too.
func (r *Runner) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := r.clock.Now()
	res := r.limiter.ReserveN(now, 1)
	if !res.OK() {
		return errors.New("session: limiter refused cycle")
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-r.clock.After(delay):
		return nil
	case <-ctx.Done():
		res.CancelAt(r.clock.Now())
		return ctx.Err()
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	ctx, log := logging.WithCycleLogger(ctx, r.log, seq)
	start := r.clock.Now()
	ms, err := r.cycle(ctx)

	valid := 0
	for i := range ms {
		ms[i].At = start
		if ms[i].Valid() {
			valid++
		}
		if r.board != nil {
			r.board.Publish(ms[i])
		}
	}

	outcome := OutcomeComplete
	switch {
	case valid == 0:
		outcome = OutcomeMissed
	case err != nil || valid < len(ms):
		outcome = OutcomePartial
	}

	r.mu.Lock()
	s := &r.summary
	s.Attempted++
	switch outcome {
	case OutcomeComplete:
		s.Completed++
		s.ConsecutiveMisses = 0
	case OutcomePartial:
		s.Partial++
		s.ConsecutiveMisses = 0
	default:
		s.Missed++
		s.ConsecutiveMisses++
		if s.ConsecutiveMisses > s.MaxConsecutiveMisses {
			s.MaxConsecutiveMisses = s.ConsecutiveMisses
		}
	}
	snapshot := *s
	r.mu.Unlock()

	r.metrics.ObserveCycle(outcome)
	r.metrics.SetConsecutiveMisses(snapshot.ConsecutiveMisses)
	if r.hook != nil {
		r.hook(snapshot)
	}

	if err != nil {
		log.Debug(ctx, "cycle finished with errors",
			logging.String("outcome", outcome),
			logging.Int("valid", valid),
			logging.Err(err))
		return
	}
	log.Debug(ctx, "cycle finished",
		logging.String("outcome", outcome),
		logging.Duration("elapsed", r.clock.Since(start)))
}

// Summary returns a snapshot of the tallies.
func (r *Runner) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Healthy reports whether fewer than maxMisses cycles in a row have been
// missed. A non-positive maxMisses is always healthy.
func (r *Runner) Healthy(maxMisses int) bool {
	if maxMisses <= 0 {
		return true
	}
	return r.Summary().ConsecutiveMisses < maxMisses
}
