package fetcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/metrics"
)

// Promoting fetches with a plain HTTP probe and re-fetches through a
// headless browser when the detector flags the probe as a script shell.
type Promoting struct {
	probe    ingest.Fetcher
	headless ingest.Fetcher
	detector ingest.HeadlessDetector
	logger   *zap.Logger
}

// NewPromoting builds a Promoting fetcher. With a nil headless fetcher or
// detector it behaves like probe.
func NewPromoting(probe, headless ingest.Fetcher, detector ingest.HeadlessDetector, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{probe: probe, headless: headless, detector: detector, logger: logger}
}

// Fetch implements ingest.Fetcher.
func (p *Promoting) Fetch(ctx context.Context, request ingest.FetchRequest) (ingest.FetchResponse, error) {
	resp, err := p.probe.Fetch(ctx, request)
	if err != nil {
		return resp, err
	}
	if p.headless == nil || p.detector == nil || !p.detector.ShouldPromote(resp) {
		return resp, nil
	}
	metrics.ObserveHeadlessPromotion(request.URL)
	p.logger.Info("promoting fetch to headless", zap.String("url", request.URL))
	rendered, err := p.headless.Fetch(ctx, request)
	if err != nil {
		return ingest.FetchResponse{}, fmt.Errorf("headless fetch %s: %w", request.URL, err)
	}
	rendered.UsedHeadless = true
	return rendered, nil
}
