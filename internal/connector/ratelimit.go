package connector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/trovehq/trove/pkg/models"
)

// NewLimiter builds the token bucket for a connector's declared rate. Burst
// equals the per-second allowance so short spikes drain the bucket rather
// than fail.
func NewLimiter(callsPerSecond float64) *rate.Limiter {
	if callsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(callsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(callsPerSecond), burst)
}

// retrySchedule caps the transparent backoff for throttled or failing
// upstreams: 4 tries spaced 1s, 2s, 4s.
var retrySchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// RateLimitedDo waits for a limiter token, performs the request, and
// transparently retries 429 and 5xx responses with capped exponential
// backoff. The request must have a rewindable body (GetBody set) to be
// retried; bodiless requests always qualify.
func RateLimitedDo(ctx context.Context, limiter *rate.Limiter, client *http.Client, req *http.Request) (*http.Response, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		attemptReq := req
		if attempt > 0 && req.Body != nil {
			if req.GetBody == nil {
				return nil, lastErr
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			attemptReq = req.Clone(ctx)
			attemptReq.Body = body
		}

		resp, err := client.Do(attemptReq.WithContext(ctx))
		if err != nil {
			lastErr = models.NewTransient(err)
		} else if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = models.NewTransient(fmt.Errorf("upstream status %d", resp.StatusCode))
		} else {
			return resp, nil
		}

		if attempt >= len(retrySchedule) {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retrySchedule[attempt]):
		}
	}
}
