package retry

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy configures a bounded retry loop. Delay is a pure function of the
// attempt number so schedules can be reasoned about without running I/O.
type Policy struct {
	MaxAttempts int           `koanf:"max_attempts"` // Total attempts including the first (default: 3)
	BaseDelay   time.Duration `koanf:"base_delay"`   // Delay after the first failed attempt (default: 2s)
	MaxDelay    time.Duration `koanf:"max_delay"`    // Upper bound for any single delay (default: 60s)
	Multiplier  float64       `koanf:"multiplier"`   // Growth factor between attempts (default: 1, a fixed pause)
}

// Result describes how a retried operation went
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
	RetryReasons  []string
}

// DefaultPolicy returns the fixed-pause policy used for rate-limited channel calls
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  1.0,
	}
}

// LLMPolicy returns a policy for completion requests
func LLMPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.5,
	}
}

// Delay returns the pause before the attempt that follows the given failed
// attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Attempts returns the number of attempts the policy allows, never less than one
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ErrPermanent wraps an error that must not be retried
var ErrPermanent = errors.New("permanent error")

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string        { return e.err.Error() }
func (e *permanentError) Unwrap() error        { return e.err }
func (e *permanentError) Is(target error) bool { return target == ErrPermanent }

// Do runs op until it succeeds, returns a permanent error, or the policy runs
// out of attempts. retryable decides which errors are worth another attempt;
// nil means every non-permanent error is retried.
func Do(ctx context.Context, policy Policy, sleep SleepFunc, retryable func(error) bool, op func(attempt int) error) Result {
	if sleep == nil {
		sleep = Sleep
	}
	start := time.Now()
	result := Result{RetryReasons: make([]string, 0)}
	maxAttempts := policy.Attempts()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result.Attempts = attempt + 1

		err := op(attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			if attempt > 0 {
				log.Debug().Int("retries", attempt).Dur("duration", result.TotalDuration).Msg("Operation succeeded after retries")
			}
			return result
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, err.Error())

		if errors.Is(err, ErrPermanent) || (retryable != nil && !retryable(err)) {
			break
		}
		if attempt+1 >= maxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		log.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Msg("Operation failed, waiting before retry")

		if serr := sleep(ctx, delay); serr != nil {
			result.LastError = serr
			break
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// IsRetryableError determines if an error looks transient from its text
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"ratelimit",
		"429",
		"500",
		"502",
		"503",
		"504",
		"dns lookup failed",
		"no such host",
		"network unreachable",
		"broken pipe",
		"eof",
		"context deadline exceeded",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
