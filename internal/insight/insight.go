// Package insight aggregates evolution outcomes into per-pattern
// learning statistics. Each (pattern, context) pair holds one online
// aggregate row; observations fold in with a streaming mean so the
// store never replays history.
package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shinka-ai/shinka/internal/storage"
	"github.com/shinka-ai/shinka/model"
)

// Aggregator folds observations into learning insights.
type Aggregator struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(store storage.Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Observe records one outcome for (pattern, context): whether the
// associated change helped, and the score delta it produced. The first
// observation creates the row.
func (a *Aggregator) Observe(ctx context.Context, pattern, context_ string, success bool, scoreDelta float64) (model.LearningInsight, error) {
	if pattern == "" {
		return model.LearningInsight{}, fmt.Errorf("insight: pattern is required")
	}
	li, err := a.store.GetInsight(ctx, pattern, context_)
	if errors.Is(err, storage.ErrNotFound) {
		li = model.LearningInsight{ID: uuid.New(), Pattern: pattern, Context: context_}
	} else if err != nil {
		return model.LearningInsight{}, fmt.Errorf("insight: load aggregate: %w", err)
	}

	li.ApplyObservation(success, scoreDelta, a.now())
	if err := a.store.UpsertInsight(ctx, li); err != nil {
		return model.LearningInsight{}, fmt.Errorf("insight: persist aggregate: %w", err)
	}
	a.logger.Debug("insight observed",
		"pattern", pattern,
		"context", context_,
		"success", success,
		"confidence", li.Confidence)
	return li, nil
}

// ObserveOutcome derives an observation from a recorded evolution
// outcome, keyed by the mutation band that produced it.
func (a *Aggregator) ObserveOutcome(ctx context.Context, pattern, context_ string, outcome model.EvolutionOutcome) (model.LearningInsight, error) {
	return a.Observe(ctx, pattern, context_, outcome.HypothesisValidated, float64(outcome.ScoreDelta))
}

// List returns all insights ordered by pattern then context.
func (a *Aggregator) List(ctx context.Context) ([]model.LearningInsight, error) {
	return a.store.ListInsights(ctx)
}
