package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RolloutStatus represents the lifecycle state of a rollout.
type RolloutStatus string

const (
	RolloutPending   RolloutStatus = "pending"
	RolloutRunning   RolloutStatus = "running"
	RolloutCompleted RolloutStatus = "completed"
	RolloutFailed    RolloutStatus = "failed"
)

// Rollout is one evaluation cycle for a lineage at a given cycle number.
// It owns one or more attempts; FinalAttemptID marks the attempt whose
// output represents the cycle.
type Rollout struct {
	ID             uuid.UUID     `json:"id"`
	LineageID      uuid.UUID     `json:"lineage_id"`
	CycleNumber    int           `json:"cycle_number"`
	Status         RolloutStatus `json:"status"`
	FinalAttemptID *uuid.UUID    `json:"final_attempt_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// TokenUsage is the token accounting for an attempt or span.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Attempt is a single concrete execution run of an agent definition
// snapshot. The definition is captured by id/version plus content hashes
// rather than full content, bounding trace size while still detecting
// drift between the snapshot and the definition active at creation time.
type Attempt struct {
	ID                uuid.UUID      `json:"id"`
	RolloutID         uuid.UUID      `json:"rollout_id"`
	DefinitionID      uuid.UUID      `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	PromptHash        string         `json:"prompt_hash"`
	ConfigHash        string         `json:"config_hash"`
	ModelID           string         `json:"model_id,omitempty"`
	Sampling          SamplingParams `json:"sampling"`
	Input             string         `json:"input,omitempty"`
	Output            *string        `json:"output,omitempty"`
	Error             *string        `json:"error,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	DurationMs        int64          `json:"duration_ms"`
	Tokens            TokenUsage     `json:"tokens"`
	CostUSD           float64        `json:"cost_usd"`
	Score             *int           `json:"score,omitempty"`
	ScoreComment      *string        `json:"score_comment,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// MinScore and MaxScore bound the user-assigned attempt score.
const (
	MinScore = 1
	MaxScore = 10
)

// ValidateScore checks that a user-assigned score is within [1, 10].
func ValidateScore(score int) error {
	if score < MinScore || score > MaxScore {
		return fmt.Errorf("score must be in [%d, %d], got %d", MinScore, MaxScore, score)
	}
	return nil
}
