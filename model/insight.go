package model

import (
	"time"

	"github.com/google/uuid"
)

// LearningInsight is an online aggregate over (pattern, context)
// observation outcomes.
type LearningInsight struct {
	ID           uuid.UUID `json:"id"`
	Pattern      string    `json:"pattern"`
	Context      string    `json:"context"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	// AvgScoreImpact is a rolling mean of observed score deltas.
	AvgScoreImpact float64 `json:"avg_score_impact"`
	// Confidence = successRate x min(1, totalCount/5). A documented
	// simplification, not a rigorous statistical estimator.
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ConfidenceSaturation is the observation count at which confidence
// stops being discounted for small samples.
const ConfidenceSaturation = 5

// ApplyObservation folds one observation into the aggregate using a
// streaming mean and recomputes confidence.
func (li *LearningInsight) ApplyObservation(success bool, scoreDelta float64, now time.Time) {
	oldCount := li.SuccessCount + li.FailureCount
	li.AvgScoreImpact = (li.AvgScoreImpact*float64(oldCount) + scoreDelta) / float64(oldCount+1)
	if success {
		li.SuccessCount++
	} else {
		li.FailureCount++
	}
	total := li.SuccessCount + li.FailureCount
	successRate := float64(li.SuccessCount) / float64(total)
	saturation := float64(total) / float64(ConfidenceSaturation)
	if saturation > 1 {
		saturation = 1
	}
	li.Confidence = successRate * saturation
	li.UpdatedAt = now
}
