package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/metrics"
)

// Pacer spaces consecutive fetches of one pipeline run by at least MinDelay
// plus a random jitter in [0, Jitter). The first Wait never blocks.
type Pacer struct {
	limiter *rate.Limiter
	jitter  time.Duration
	sleeper ingest.Sleeper
	randN   func(int64) int64

	mu      sync.Mutex
	started bool
}

// PacerConfig configures a Pacer.
type PacerConfig struct {
	MinDelay time.Duration
	Jitter   time.Duration
	// Sleeper waits out the jitter. Required when Jitter is positive.
	Sleeper ingest.Sleeper
}

// NewPacer builds a Pacer for a single run.
func NewPacer(cfg PacerConfig) *Pacer {
	limit := rate.Inf
	if cfg.MinDelay > 0 {
		limit = rate.Every(cfg.MinDelay)
	}
	return &Pacer{
		limiter: rate.NewLimiter(limit, 1),
		jitter:  cfg.Jitter,
		sleeper: cfg.Sleeper,
		randN:   rand.Int64N,
	}
}

// Wait blocks until the next fetch of rawURL may start.
func (p *Pacer) Wait(ctx context.Context, rawURL string) error {
	p.mu.Lock()
	first := !p.started
	p.started = true
	p.mu.Unlock()

	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacer wait: %w", err)
	}
	if !first && p.jitter > 0 && p.sleeper != nil {
		if err := p.sleeper.Sleep(ctx, time.Duration(p.randN(int64(p.jitter)))); err != nil {
			return fmt.Errorf("pacer jitter: %w", err)
		}
	}
	if waited := time.Since(start); !first && waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(hostOf(rawURL), waited)
	}
	return nil
}
