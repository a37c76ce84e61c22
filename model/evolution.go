package model

import (
	"time"

	"github.com/google/uuid"
)

// CreditKind is the discriminant of the credit-assignment tagged union.
type CreditKind string

const (
	// CreditPrompt attributes an outcome to a fragment of the system prompt.
	CreditPrompt CreditKind = "prompt"
	// CreditTrajectory attributes an outcome to a traced execution step.
	CreditTrajectory CreditKind = "trajectory"
)

// CreditAssignment attributes a score outcome to a specific prompt
// fragment or trajectory step. A sum type with an explicit discriminant
// field, not an inheritance hierarchy: Fragment is set for CreditPrompt,
// SpanSequence for CreditTrajectory.
type CreditAssignment struct {
	Kind         CreditKind `json:"kind"`
	Fragment     string     `json:"fragment,omitempty"`
	SpanSequence *int64     `json:"span_sequence,omitempty"`
	Weight       float64    `json:"weight"`
	Rationale    string     `json:"rationale,omitempty"`
}

// EvolutionTrigger captures the scored attempt and user feedback that
// caused an evolution.
type EvolutionTrigger struct {
	RolloutID        uuid.UUID `json:"rollout_id"`
	AttemptID        uuid.UUID `json:"attempt_id"`
	Score            int       `json:"score"`
	Comment          string    `json:"comment,omitempty"`
	StickyDirective  string    `json:"sticky_directive,omitempty"`
	OneShotDirective string    `json:"one_shot_directive,omitempty"`
}

// EvolutionChange is one concrete field-level change applied by an evolution.
type EvolutionChange struct {
	Field  string `json:"field"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// EvolutionOutcome is the later-measured effect of an evolution, set
// exactly once when the lineage's next scored rollout completes.
type EvolutionOutcome struct {
	NextScore           int       `json:"next_score"`
	ScoreDelta          int       `json:"score_delta"`
	HypothesisValidated bool      `json:"hypothesis_validated"`
	RecordedAt          time.Time `json:"recorded_at"`
}

// EvolutionRecord is the audit entry describing one agent definition
// mutation: its trigger, computed credit assignment, plan, concrete
// changes, and later-measured outcome.
type EvolutionRecord struct {
	ID          uuid.UUID          `json:"id"`
	LineageID   uuid.UUID          `json:"lineage_id"`
	FromVersion int                `json:"from_version"`
	ToVersion   int                `json:"to_version"`
	Trigger     EvolutionTrigger   `json:"trigger"`
	// ScoreAnalysis is the engine's reading of why the trigger score landed
	// where it did.
	ScoreAnalysis string             `json:"score_analysis"`
	Credit        []CreditAssignment `json:"credit"`
	Plan          string             `json:"plan"`
	Changes       []EvolutionChange  `json:"changes"`
	// Generated is false when the record was produced by the deterministic
	// fallback rather than the text-generation capability.
	Generated bool              `json:"generated"`
	Outcome   *EvolutionOutcome `json:"outcome,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
