package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/KayMas2808/RuralLend/internal/apperr"
	"github.com/KayMas2808/RuralLend/internal/clock"
	"github.com/KayMas2808/RuralLend/internal/metrics"
)

// Call runs fn bounded by timeout on clk. A call that does not answer in
// time is released and reported as a transient timeout. Unclassified
// errors are treated as transient.
func Call[T any](ctx context.Context, clk clock.Clock, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	clk = clock.Or(clk)
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	start := clk.Now()
	go func() {
		v, err := fn(callCtx)
		done <- result{v: v, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		var stop func()
		timer, stop = clk.Timer(timeout)
		defer stop()
	}
	var zero T
	select {
	case r := <-done:
		err := classify(op, r.err)
		metrics.ServiceCallDuration.WithLabelValues(op, metrics.Outcome(err)).Observe(clk.Now().Sub(start).Seconds())
		if err != nil {
			return zero, err
		}
		return r.v, nil
	case <-timer:
		metrics.ServiceCallDuration.WithLabelValues(op, "timeout").Observe(timeout.Seconds())
		return zero, apperr.Timeout(op)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout(op)
	}
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Transient(op, err)
}

// RetryPolicy is the exponential schedule used for automatic retries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewBackOff returns a deterministic exponential schedule that stops after
// MaxRetries retries.
func (p RetryPolicy) NewBackOff(clk clock.Clock) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Clock = clock.Or(clk)
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(max(p.MaxRetries, 0)))
}

// Delays lists every wait the policy would produce.
func (p RetryPolicy) Delays() []time.Duration {
	b := p.NewBackOff(nil)
	var out []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return out
		}
		out = append(out, d)
	}
}

// clockTimer adapts clock.Clock to backoff.Timer.
type clockTimer struct {
	clk  clock.Clock
	c    <-chan time.Time
	stop func()
}

func (t *clockTimer) Start(d time.Duration) {
	t.Stop()
	t.c, t.stop = t.clk.Timer(d)
}

func (t *clockTimer) Stop() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.c }

// Retry runs op until it succeeds, returns a non-retryable error, or the
// policy gives up. Offline failures are never retried. notify is called
// before each wait and may be nil.
func Retry(ctx context.Context, clk clock.Clock, p RetryPolicy, op func(context.Context) error, notify func(attempt int, err error, wait time.Duration)) error {
	clk = clock.Or(clk)
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !apperr.IsRetryable(err) || apperr.IsOffline(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) { notify(attempt, err, wait) }
	}
	return backoff.RetryNotifyWithTimer(operation, backoff.WithContext(p.NewBackOff(clk), ctx), n, &clockTimer{clk: clk})
}
