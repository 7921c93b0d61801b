package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"retouch/internal/domain"
)

// Policy decides whether a failed attempt is retried and how long to back off
// before the next one. The zero value is usable; unset fields fall back to
// the defaults below.
type Policy struct {
	BaseDelay        time.Duration
	ServerErrorFloor time.Duration
	RateLimitFloor   time.Duration
	MaxJitter        time.Duration

	// MaxValidationAttempts bounds retries of no-usable-result outcomes so a
	// systematically unsatisfiable request does not burn provider quota.
	MaxValidationAttempts int
}

const (
	defaultBaseDelay        = 500 * time.Millisecond
	defaultServerErrorFloor = 2 * time.Second
	defaultRateLimitFloor   = 5 * time.Second
	defaultMaxJitter        = 500 * time.Millisecond
	defaultValidationLimit  = 2
)

// DefaultPolicy returns the policy used by the worker and the dispatcher.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:             defaultBaseDelay,
		ServerErrorFloor:      defaultServerErrorFloor,
		RateLimitFloor:        defaultRateLimitFloor,
		MaxJitter:             defaultMaxJitter,
		MaxValidationAttempts: defaultValidationLimit,
	}
}

// ShouldRetry reports whether the attempt at the given zero-based index may
// be retried. Rate limits and server-side failures always retry; client-side
// failures never do; validation ("no usable result") outcomes retry only for
// the first MaxValidationAttempts attempts. Unclassified errors retry.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	switch domain.CodeOf(err) {
	case domain.CodeRateLimited, domain.CodeProviderServer:
		return true
	case domain.CodeProviderClient, domain.CodeValidation, domain.CodeInsufficientCredits:
		return false
	case domain.CodeNoUsableResult:
		return attempt < p.validationLimit()
	default:
		return true
	}
}

// NextDelay computes the backoff before the next attempt: exponential in the
// attempt index off the base delay, with the base raised to a class-specific
// floor, plus bounded jitter.
func (p Policy) NextDelay(err error, attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = p.baseDelay()
	}
	switch domain.CodeOf(err) {
	case domain.CodeRateLimited:
		if base < p.rateLimitFloor() {
			base = p.rateLimitFloor()
		}
	case domain.CodeProviderServer:
		if base < p.serverErrorFloor() {
			base = p.serverErrorFloor()
		}
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	delay := base << uint(attempt)
	if jitter := p.maxJitter(); jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter)))
	}
	return delay
}

func (p Policy) baseDelay() time.Duration {
	if p.BaseDelay > 0 {
		return p.BaseDelay
	}
	return defaultBaseDelay
}

func (p Policy) serverErrorFloor() time.Duration {
	if p.ServerErrorFloor > 0 {
		return p.ServerErrorFloor
	}
	return defaultServerErrorFloor
}

func (p Policy) rateLimitFloor() time.Duration {
	if p.RateLimitFloor > 0 {
		return p.RateLimitFloor
	}
	return defaultRateLimitFloor
}

func (p Policy) maxJitter() time.Duration {
	if p.MaxJitter > 0 {
		return p.MaxJitter
	}
	return defaultMaxJitter
}

func (p Policy) validationLimit() int {
	if p.MaxValidationAttempts > 0 {
		return p.MaxValidationAttempts
	}
	return defaultValidationLimit
}

// Do wraps one logical call in the retry policy. On each attempt fn runs; if
// validate is non-nil and rejects the result, a no-usable-result error is
// synthesized. Non-retryable errors and exhausted attempts surface the last
// error. Sleeps between attempts honor ctx cancellation.
func Do[T any](ctx context.Context, p Policy, maxAttempts int, baseDelay time.Duration, validate func(T) error, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		res, err := fn(ctx)
		if err == nil && validate != nil {
			if verr := validate(res); verr != nil {
				var nue *domain.NoUsableResultError
				if !errors.As(verr, &nue) {
					verr = &domain.NoUsableResultError{Message: verr.Error()}
				}
				err = verr
			}
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt == maxAttempts-1 || !p.ShouldRetry(err, attempt) {
			break
		}
		select {
		case <-time.After(p.NextDelay(err, attempt, baseDelay)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
