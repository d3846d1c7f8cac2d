package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"anthropic overloaded", &anthropic.Error{StatusCode: 529}, ClassTransient},
		{"anthropic rate limit", &anthropic.Error{StatusCode: 429}, ClassRateLimit},
		{"openai server error", &openai.Error{StatusCode: 502}, ClassTransient},
		{"openai bad request", &openai.Error{StatusCode: 400}, ClassPermanent},
		{"google quota", &googleapi.Error{Code: 429}, ClassRateLimit},
		{"google unauthorized", &googleapi.Error{Code: 401}, ClassPermanent},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ClassTransient},
		{"grpc exhausted", errors.New("rpc error: code = ResourceExhausted desc = quota"), ClassRateLimit},
		{"connection reset", errors.New("read: ECONNRESET"), ClassTransient},
		{"canceled", context.Canceled, ClassPermanent},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ClassPermanent},
		{"other", errors.New("invalid x-api-key"), ClassPermanent},
		{"status text", errors.New("upstream returned 503"), ClassTransient},
		{"rate limit text", errors.New("status 429: slow down"), ClassRateLimit},
		{"number containing a status", errors.New("max_tokens 1500 exceeds limit"), ClassPermanent},
		{"id containing a status", errors.New("request req_4295 rejected"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}

	t.Run("should not retry nil", func(t *testing.T) {
		assert.False(t, IsRetryableError(nil))
	})
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, RateLimitBase: 4 * time.Second, TransientBase: time.Second, MaxDelay: 10 * time.Second}

	t.Run("should back off longer for rate limits", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			assert.GreaterOrEqual(t, p.delay(ClassRateLimit, 0), 2*time.Second)
			assert.LessOrEqual(t, p.delay(ClassTransient, 0), time.Second)
		}
	})

	t.Run("should cap at max delay", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			assert.LessOrEqual(t, p.delay(ClassRateLimit, 10), 10*time.Second)
			assert.LessOrEqual(t, p.delay(ClassTransient, 62), 10*time.Second)
		}
	})

	t.Run("should fill defaults", func(t *testing.T) {
		assert.Equal(t, DefaultRetryPolicy(), RetryPolicy{}.withDefaults())
	})
}
