// Package fetcher composes the source fetchers used by the pipeline: a
// retrying wrapper applying per-host limits and backoff, and a promoting
// fetcher that re-renders JavaScript shells in a headless browser.
package fetcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

// HostLimiter throttles requests per upstream host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Retrying retries transient failures of the wrapped fetcher.
type Retrying struct {
	next    ingest.Fetcher
	policy  *RetryPolicy
	sleeper ingest.Sleeper
	limiter HostLimiter
	logger  *zap.Logger
}

// RetryingConfig wires the collaborators of a Retrying fetcher.
type RetryingConfig struct {
	Policy  *RetryPolicy
	Sleeper ingest.Sleeper
	// Limiter is optional.
	Limiter HostLimiter
	Logger  *zap.Logger
}

// NewRetrying wraps next.
func NewRetrying(next ingest.Fetcher, cfg RetryingConfig) *Retrying {
	if cfg.Policy == nil {
		cfg.Policy = NewRetryPolicy(2, 0, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Retrying{
		next:    next,
		policy:  cfg.Policy,
		sleeper: cfg.Sleeper,
		limiter: cfg.Limiter,
		logger:  cfg.Logger,
	}
}

// Fetch implements ingest.Fetcher.
func (r *Retrying) Fetch(ctx context.Context, request ingest.FetchRequest) (ingest.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx, request.URL); err != nil {
				return ingest.FetchResponse{}, fmt.Errorf("host limiter: %w", err)
			}
		}
		resp, err := r.next.Fetch(ctx, request)
		if err == nil {
			return resp, nil
		}
		if !r.policy.ShouldRetry(err, attempt) {
			return resp, fmt.Errorf("fetch %s after %d attempt(s): %w", request.URL, attempt, err)
		}
		delay := r.policy.Backoff(attempt)
		r.logger.Warn("fetch failed, retrying",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if r.sleeper == nil {
			continue
		}
		if sleepErr := r.sleeper.Sleep(ctx, delay); sleepErr != nil {
			return ingest.FetchResponse{}, fmt.Errorf("fetch %s backoff: %w", request.URL, sleepErr)
		}
	}
}
