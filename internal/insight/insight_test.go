package insight

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinka-ai/shinka/internal/storage"
	"github.com/shinka-ai/shinka/model"
)

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	s := storage.NewMemoryStore()
	require.NoError(t, s.Init(context.Background()))
	return NewAggregator(s, nil)
}

func TestObserve_FirstObservationCreatesRow(t *testing.T) {
	a := newAggregator(t)

	li, err := a.Observe(context.Background(), "add_section", "digest", true, 3)
	require.NoError(t, err)

	assert.Equal(t, 1, li.SuccessCount)
	assert.Equal(t, 0, li.FailureCount)
	assert.InDelta(t, 3.0, li.AvgScoreImpact, 1e-9)
	// One of five saturation observations, all successful.
	assert.InDelta(t, 0.2, li.Confidence, 1e-9)
}

func TestObserve_StreamingMean(t *testing.T) {
	a := newAggregator(t)
	ctx := context.Background()

	deltas := []float64{3, -1, 2, 4}
	var li model.LearningInsight
	var err error
	for _, d := range deltas {
		li, err = a.Observe(ctx, "shorten_prompt", "digest", d > 0, d)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, li.SuccessCount)
	assert.Equal(t, 1, li.FailureCount)
	assert.InDelta(t, 2.0, li.AvgScoreImpact, 1e-9, "(3-1+2+4)/4")
	// successRate 0.75 x saturation 4/5.
	assert.InDelta(t, 0.6, li.Confidence, 1e-9)
}

func TestObserve_ConfidenceSaturates(t *testing.T) {
	a := newAggregator(t)
	ctx := context.Background()

	var li model.LearningInsight
	var err error
	for i := 0; i < 10; i++ {
		li, err = a.Observe(ctx, "p", "c", true, 1)
		require.NoError(t, err)
	}
	assert.InDelta(t, 1.0, li.Confidence, 1e-9, "saturation caps at 1")
	assert.Equal(t, 10, li.SuccessCount)
}

func TestObserve_SeparateKeysSeparateAggregates(t *testing.T) {
	a := newAggregator(t)
	ctx := context.Background()

	_, err := a.Observe(ctx, "p", "digest", true, 2)
	require.NoError(t, err)
	_, err = a.Observe(ctx, "p", "triage", false, -1)
	require.NoError(t, err)

	all, err := a.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "digest", all[0].Context)
	assert.Equal(t, 1, all[0].SuccessCount)
	assert.Equal(t, "triage", all[1].Context)
	assert.Equal(t, 1, all[1].FailureCount)
}

func TestObserve_EmptyPatternRejected(t *testing.T) {
	a := newAggregator(t)
	_, err := a.Observe(context.Background(), "", "c", true, 1)
	require.Error(t, err)
}

func TestObserveOutcome(t *testing.T) {
	a := newAggregator(t)

	li, err := a.ObserveOutcome(context.Background(), "substantial_revision", "digest",
		model.EvolutionOutcome{NextScore: 7, ScoreDelta: 4, HypothesisValidated: true, RecordedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, 1, li.SuccessCount)
	assert.InDelta(t, 4.0, li.AvgScoreImpact, 1e-9)
}
