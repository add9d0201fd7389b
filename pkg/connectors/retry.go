package connectors

import (
	"context"
	"math/rand"
	"time"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// RetryPolicy bounds connection-error retries inside a connector. Only
// results with ConnectionError=true are retried; a clean command failure
// returns immediately regardless of the policy.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Delay is the base delay between attempts.
	Delay time.Duration

	// Jitter, when true, randomizes each delay by up to ±50%.
	Jitter bool
}

// DefaultRetryPolicy is used by connectors that retry connection errors.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Delay:       2 * time.Second,
	Jitter:      true,
}

// NoRetryPolicy performs a single attempt.
var NoRetryPolicy = RetryPolicy{MaxAttempts: 1}

// sleep returns the delay before the next attempt.
func (p RetryPolicy) sleep() time.Duration {
	d := p.Delay
	if d <= 0 {
		return 0
	}
	if p.Jitter {
		// Randomize between 50% and 150% of the base delay.
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}

// withRetry runs fn up to the policy's attempt bound, looping only while
// the result is a connection error. The final result carries the number
// of retries performed.
func withRetry(ctx context.Context, policy RetryPolicy, fn func(attempt int) (*engine.CommandResult, error)) (*engine.CommandResult, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var result *engine.CommandResult
	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		result, err = fn(attempt)
		if err != nil {
			return nil, err
		}
		if !result.ConnectionError {
			result.RetryCount = attempt
			return result, nil
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(policy.sleep()):
		case <-ctx.Done():
			result.RetryCount = attempt
			return result, nil
		}
	}
	result.RetryCount = policy.MaxAttempts - 1
	return result, nil
}
