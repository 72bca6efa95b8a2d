// Package retry runs operations under an exponential backoff policy with
// caller-supplied classification of transient failures.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	// Multiplier grows the delay between consecutive retries.
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// MaxBackoff caps a single delay. Zero means uncapped.
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// Jitter randomizes each delay within [0.5, 1.5) of its nominal value.
	Jitter bool `yaml:"jitter" env:"JITTER"`
}

// DefaultPolicy returns the policy used for LLM provider calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		Multiplier:     2.0,
		MaxBackoff:     30 * time.Second,
	}
}

// Result contains the outcome of a retried operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent including sleeps.
	Duration time.Duration
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Do runs op until it succeeds, returns an error the classifier rejects, or
// the policy runs out of retries. attempt is zero-based. Sleeps end early
// when ctx is cancelled, in which case the context error is returned.
func Do(ctx context.Context, p Policy, retryable Classifier, op func(attempt int) error) Result {
	start := time.Now()
	p = p.normalized()
	if retryable == nil {
		retryable = IsRetryable
	}

	var result Result
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}
		result.Attempts = attempt + 1

		err := op(attempt)
		if err == nil {
			result.Err = nil
			break
		}
		result.Err = err

		if IsPermanent(err) || !retryable(err) || attempt == p.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if serr := Sleep(ctx, p.Delay(attempt)); serr != nil {
			result.Err = serr
			break
		}
	}
	result.Duration = time.Since(start)
	return result
}

// DoWithValue is Do for operations that produce a value.
func DoWithValue[T any](ctx context.Context, p Policy, retryable Classifier, op func(attempt int) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, p, retryable, func(attempt int) error {
		var err error
		value, err = op(attempt)
		return err
	})
	return value, result
}

// Delay returns the sleep before retry number attempt+1:
// InitialBackoff * Multiplier^attempt, capped at MaxBackoff.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	}
	return time.Duration(delay)
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff grows a reconnect delay: initial on the first attempt, doubling
// (by factor) up to max afterwards. attempt is one-based.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if initial <= 0 {
		initial = time.Second
	}
	if factor <= 0 {
		factor = 2.0
	}
	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent (shouldn't retry).
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// IsRetryable is the default classifier: anything but nil, permanent
// errors and context errors.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
