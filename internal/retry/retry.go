// Package retry runs a unit of work with exponential backoff, jitter and
// server-suggested delays.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/hh-sieve/internal/utils"
)

const (
	DefaultRetries   = 5
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
	DefaultJitter    = 0.2
)

// Backoff holds the tunable part of a policy.
type Backoff struct {
	Retries   int           `mapstructure:"retries"`
	BaseDelay time.Duration `mapstructure:"base-delay"`
	MaxDelay  time.Duration `mapstructure:"max-delay"`
	Jitter    float64       `mapstructure:"jitter"`
}

// DefaultBackoff returns the backoff used when nothing is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Retries:   DefaultRetries,
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
		Jitter:    DefaultJitter,
	}
}

// Policy configures a single Execute call.
type Policy[T any] struct {
	Backoff

	// Retryable decides whether a failed attempt may be retried. Nil means DefaultRetryable.
	Retryable func(f *Failure, attempt int) bool
	// Fallback replaces retrying when the payload was too large.
	Fallback func(ctx context.Context, f *Failure) (T, error)
}

// DefaultRetryable retries rate limits, failures without a status code and 5xx responses.
func DefaultRetryable(f *Failure, _ int) bool {
	if f.Kind == KindCanceled {
		return false
	}
	if !f.HasStatus() {
		return true
	}
	return f.Status == http.StatusTooManyRequests || f.Status >= 500
}

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Label   string
	Attempt int
	Failure *Failure
	Delay   time.Duration
}

// Executor carries the clock, randomness and sleep used by Execute.
type Executor struct {
	logger *zap.Logger

	// OnRetry is called before every backoff sleep.
	OnRetry func(Attempt)

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
	now    func() time.Time
}

// NewExecutor creates an executor with real time and randomness.
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		logger: logger,
		sleep:  utils.WaitFor,
		random: rand.Float64,
		now:    time.Now,
	}
}

// Execute runs work until it succeeds, the policy gives up, or ctx is done.
// When retries are exhausted the last failure is returned.
func Execute[T any](ctx context.Context, e *Executor, label string, work func(context.Context) (T, error), p Policy[T]) (T, error) {
	var zero T

	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	for attempt := 0; attempt <= retries; attempt++ {
		out, err := work(ctx)
		if err == nil {
			return out, nil
		}

		f := Classify(err)

		if f.TooLarge() {
			if p.Fallback != nil {
				e.logger.Info("payload too large, using fallback",
					zap.String("label", label),
					zap.Int("attempt", attempt),
					zap.String("reason", f.Message),
				)
				return p.Fallback(ctx, f)
			}
			return zero, f
		}

		if attempt == retries || ctx.Err() != nil || !retryable(f, attempt) {
			e.logger.Debug("giving up",
				zap.String("label", label),
				zap.Int("attempt", attempt),
				zap.Stringer("kind", f.Kind),
				zap.Int("status", f.Status),
			)
			return zero, f
		}

		delay := e.Delay(p.Backoff, f, attempt)

		e.logger.Warn("attempt failed, retrying",
			zap.String("label", label),
			zap.Int("attempt", attempt),
			zap.Stringer("kind", f.Kind),
			zap.Int("status", f.Status),
			zap.Duration("delay", delay),
			zap.String("reason", utils.TruncateForLog(f.Message, 200)),
		)

		if e.OnRetry != nil {
			e.OnRetry(Attempt{Label: label, Attempt: attempt, Failure: f, Delay: delay})
		}

		if err := e.sleep(ctx, delay); err != nil {
			return zero, &Failure{
				Kind:    KindCanceled,
				Message: fmt.Sprintf("%v while waiting to retry; last failure: %s", err, f.Message),
				Err:     err,
			}
		}
	}

	// Unreachable: the loop always returns on the last attempt.
	return zero, fmt.Errorf("%s: no attempts made", label)
}

// Delay computes the wait before the next attempt, jitter included.
func (e *Executor) Delay(b Backoff, f *Failure, attempt int) time.Duration {
	d, ok := ServerDelay(f, e.now())
	if !ok {
		d = Exponential(b, attempt)
	}
	return Jitter(d, b.Jitter, e.random())
}

// Exponential returns min(MaxDelay, BaseDelay * 2^attempt).
func Exponential(b Backoff, attempt int) time.Duration {
	if b.BaseDelay <= 0 {
		return 0
	}
	d := float64(b.BaseDelay) * math.Pow(2, float64(attempt))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Jitter shifts d by a uniform offset in [-d*ratio, +d*ratio]; r is a sample in [0, 1).
func Jitter(d time.Duration, ratio, r float64) time.Duration {
	if ratio <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * ratio
	out := float64(d) + (2*r-1)*spread
	if out < 0 {
		return 0
	}
	if out >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(out)
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry\s+(?:after|in)\s+(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|sec|seconds?)\b`)

// ServerDelay extracts a server-suggested delay from the failure, if any.
func ServerDelay(f *Failure, now time.Time) (time.Duration, bool) {
	if f == nil {
		return 0, false
	}

	if hint := strings.TrimSpace(f.RetryAfter); hint != "" {
		if secs, err := strconv.ParseFloat(hint, 64); err == nil && secs >= 0 {
			return time.Duration(secs*1000) * time.Millisecond, true
		}
		if at, err := http.ParseTime(hint); err == nil {
			d := at.Sub(now)
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}

	m := retryAfterPattern.FindStringSubmatch(f.Message)
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if strings.HasPrefix(strings.ToLower(m[2]), "m") {
		return time.Duration(value * float64(time.Millisecond)), true
	}
	return time.Duration(value*1000) * time.Millisecond, true
}
