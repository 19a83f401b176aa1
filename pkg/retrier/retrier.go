package retrier

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInitialInterval = 1 * time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 2.0
	defaultMaxAttempts     = 3
	defaultJitter          = 0.1
)

// Transient is implemented by errors that know whether repeating the call may succeed.
type Transient interface {
	Transient() bool
}

// IsTransient reports whether err, or any error it wraps, declares itself transient.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// Retrier implements exponential backoff with jitter.
type Retrier struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
	maxAttempts     int
	jitter          float64
	retryIf         func(error) bool
	onRetry         func(attempt int, err error)
	logger          *zap.Logger
}

// Option defines a function to configure the Retrier.
type Option func(*Retrier)

// WithInitialInterval sets the initial retry interval.
func WithInitialInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.initialInterval = d
	}
}

// WithMaxInterval sets the maximum retry interval.
func WithMaxInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.maxInterval = d
	}
}

// WithMultiplier sets the backoff multiplier.
func WithMultiplier(m float64) Option {
	return func(r *Retrier) {
		r.multiplier = m
	}
}

// WithMaxAttempts sets how many times fn is invoked at most, the first call included.
func WithMaxAttempts(n int) Option {
	return func(r *Retrier) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithJitter sets the jitter factor (0.0 to 1.0).
func WithJitter(j float64) Option {
	return func(r *Retrier) {
		r.jitter = j
	}
}

// WithRetryIf replaces the error classifier. Errors it rejects are returned after the first attempt.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.retryIf = fn
		}
	}
}

// WithOnRetry registers a hook called before every backoff sleep.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

// WithLogger sets the logger used to report failed attempts.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a new Retrier with default values and optional overrides.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		multiplier:      defaultMultiplier,
		maxAttempts:     defaultMaxAttempts,
		jitter:          defaultJitter,
		retryIf:         IsTransient,
		logger:          zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// MaxAttempts returns the configured attempt bound.
func (r *Retrier) MaxAttempts() int {
	return r.maxAttempts
}

// Do executes fn until it succeeds, fails with a non-retryable error, or runs out of attempts.
// The last error is returned unchanged, also when ctx is done while waiting to retry.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	interval := r.initialInterval

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		retryable := r.retryIf(err)
		r.logger.Warn("attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.maxAttempts),
			zap.Bool("retryable", retryable),
			zap.Error(err))

		if !retryable || attempt >= r.maxAttempts {
			return err
		}

		if r.onRetry != nil {
			r.onRetry(attempt, err)
		}

		jitter := (rand.Float64()*2 - 1) * r.jitter * float64(interval)
		sleepDuration := time.Duration(float64(interval) + jitter)
		if sleepDuration < 0 {
			sleepDuration = 0
		}

		select {
		case <-ctx.Done():
			r.logger.Debug("retry abandoned", zap.Int("attempt", attempt), zap.NamedError("cause", ctx.Err()))
			return err
		case <-time.After(sleepDuration):
		}

		interval = time.Duration(float64(interval) * r.multiplier)
		if interval > r.maxInterval {
			interval = r.maxInterval
		}
	}
}

// DoWithData executes the given function with retries and returns a value.
func DoWithData[T any](r *Retrier, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}
