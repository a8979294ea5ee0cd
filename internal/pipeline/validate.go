package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// validate compares the parsed chunk count of every document saved by this
// run with the count confirmed by the index store. Mismatches are warnings.
// The category's cached counts are refreshed afterwards.
func (o *Orchestrator) validate(ctx context.Context, st *runState) phaseResult {
	degraded := false
	for _, saved := range st.saved {
		got, err := o.index.Count(ctx, saved.id)
		if err != nil {
			degraded = true
			st.warn(fmt.Sprintf("count document %s: %v", saved.id, err))
			continue
		}
		if got != saved.chunks {
			degraded = true
			st.warn(fmt.Sprintf("document %s: expected %d chunks in index, found %d", saved.id, saved.chunks, got))
		}
	}
	if err := o.categories.RefreshCounts(ctx, st.category.Name); err != nil {
		degraded = true
		o.logger.Warn("refresh category counts failed", zap.String("category", st.category.Name), zap.Error(err))
		st.warn(fmt.Sprintf("refresh counts: %v", err))
	}
	return okOrPartial(degraded)
}
