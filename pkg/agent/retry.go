package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/api/googleapi"

	"github.com/edenartlab/eden2-sub000/internal/observability"
	"github.com/edenartlab/eden2-sub000/internal/tracing"
)

// ErrorClass groups provider errors by how they are retried
type ErrorClass string

const (
	ClassRateLimit ErrorClass = "rate_limit"
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
)

// RetryPolicy bounds provider retries. Rate limits back off from a longer base than other transient errors.
type RetryPolicy struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RateLimitBase time.Duration `mapstructure:"rate_limit_base"`
	TransientBase time.Duration `mapstructure:"transient_base"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		RateLimitBase: 5 * time.Second,
		TransientBase: time.Second,
		MaxDelay:      30 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.RateLimitBase <= 0 {
		p.RateLimitBase = def.RateLimitBase
	}
	if p.TransientBase <= 0 {
		p.TransientBase = def.TransientBase
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// delay is the jittered backoff before retry number attempt (0-based)
func (p RetryPolicy) delay(class ErrorClass, attempt int) time.Duration {
	base := p.TransientBase
	if class == ClassRateLimit {
		base = p.RateLimitBase
	}
	d := base << attempt
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1))
}

// ProviderTransientError is returned when a provider kept failing with retryable errors
type ProviderTransientError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ProviderTransientError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *ProviderTransientError) Unwrap() error {
	return e.Err
}

// Classify decides whether err is worth retrying
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}

	if code, ok := statusCode(err); ok {
		return classifyStatus(code)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}

	return classifyMessage(err.Error())
}

func statusCode(err error) (int, bool) {
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode, true
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode, true
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	return 0, false
}

func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimit
	case code >= 500, code == http.StatusRequestTimeout:
		// includes 529 overloaded
		return ClassTransient
	default:
		return ClassPermanent
	}
}

var (
	rateLimitStatus = regexp.MustCompile(`\b429\b`)
	transientStatus = regexp.MustCompile(`\b(500|502|503|504|529)\b`)
)

// classifyMessage is the fallback for errors that carry no status, such as gRPC codes in text.
// Status codes only count as whole numbers.
func classifyMessage(msg string) ErrorClass {
	lower := strings.ToLower(msg)
	switch {
	case rateLimitStatus.MatchString(msg), strings.Contains(lower, "rate limit"), strings.Contains(msg, "ResourceExhausted"):
		return ClassRateLimit
	case strings.Contains(msg, "ECONNRESET"), strings.Contains(msg, "ETIMEDOUT"),
		transientStatus.MatchString(msg),
		strings.Contains(lower, "overloaded"), strings.Contains(msg, "Unavailable"):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	return Classify(err) != ClassPermanent
}

// callWithRetry calls the provider, retrying retryable errors with exponential backoff.
// Exhausted retries yield a *ProviderTransientError.
func (r *Runner) callWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest) (*LLMResponse, error) {
	policy := r.retry
	logger := tracing.LoggerFromContext(ctx, r.logger)

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		class := Classify(err)
		if class == ClassPermanent {
			return nil, err
		}
		observability.RecordProviderRetry(provider.Provider(), string(class))

		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.delay(class, attempt)
		logger.Info().
			Str("provider", provider.Provider()).
			Str("class", string(class)).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &ProviderTransientError{Provider: provider.Provider(), Attempts: policy.MaxAttempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
