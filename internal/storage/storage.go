// Package storage is the execution lineage store: append-only
// persistence of the Session, Lineage, Rollout, Attempt, Span hierarchy,
// agent definition version history, evolution records, learning
// insights, and the mutation audit trail.
//
// Three backends implement the same Store interface: an in-memory store
// for tests and ephemeral sessions, a SQLite store (the default local
// single-writer backend), and a Postgres store for shared deployments.
// Every write flushes immediately with no cross-operation buffering, so
// a crash loses at most one in-flight call. "Latest" reads always
// resolve by maximum version number, never write recency, so
// out-of-order persistence cannot regress visibility.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shinka-ai/shinka/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrLineageExists is returned when creating a lineage whose label is
// already taken within the session. Exactly one lineage exists per label
// per session.
var ErrLineageExists = errors.New("storage: lineage label already exists in session")

// ErrOutcomeRecorded is returned by RecordEvolutionOutcome when the
// record's outcome was already set. Outcomes are write-once.
var ErrOutcomeRecorded = errors.New("storage: evolution outcome already recorded")

// AuditEntry is one append-only record of intent for a mutating
// primitive. The trail is never reconciled against primary tables.
type AuditEntry struct {
	ID         uuid.UUID      `json:"id"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Audit event types appended by the store's mutating primitives.
const (
	AuditSessionCreated    = "SessionCreated"
	AuditSessionEdited     = "SessionEdited"
	AuditLineageCreated    = "LineageCreated"
	AuditLineageDeleted    = "LineageDeleted"
	AuditLockToggled       = "LockToggled"
	AuditDirectivesSet     = "DirectivesSet"
	AuditDefinitionCreated = "DefinitionCreated"
	AuditAttemptScored     = "AttemptScored"
	AuditEvolutionCreated  = "EvolutionCreated"
	AuditOutcomeRecorded   = "OutcomeRecorded"
)

// Store is the full operation set of the execution lineage store. It is
// the sole shared mutable resource of the engine; every method performs
// a complete read-modify-write cycle before returning.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// Sessions.
	CreateSession(ctx context.Context, s model.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (model.Session, error)
	UpdateSessionNeed(ctx context.Context, id uuid.UUID, need string) error

	// Lineages.
	CreateLineage(ctx context.Context, l model.Lineage) error
	GetLineage(ctx context.Context, id uuid.UUID) (model.Lineage, error)
	ListLineages(ctx context.Context, sessionID uuid.UUID) ([]model.Lineage, error)
	SetLineageLock(ctx context.Context, id uuid.UUID, locked bool) error
	SetLineageDirectives(ctx context.Context, id uuid.UUID, sticky, oneShot *string) error
	DeleteLineage(ctx context.Context, id uuid.UUID) error

	// Agent definition version history.
	AppendDefinition(ctx context.Context, def model.AgentDefinition) error
	LatestDefinition(ctx context.Context, lineageID uuid.UUID) (model.AgentDefinition, error)
	DefinitionHistory(ctx context.Context, lineageID uuid.UUID) ([]model.AgentDefinition, error)

	// Rollouts.
	CreateRollout(ctx context.Context, r model.Rollout) error
	GetRollout(ctx context.Context, id uuid.UUID) (model.Rollout, error)
	ListRollouts(ctx context.Context, lineageID uuid.UUID) ([]model.Rollout, error)
	SetRolloutStatus(ctx context.Context, id uuid.UUID, status model.RolloutStatus, finalAttemptID *uuid.UUID) error

	// Attempts.
	CreateAttempt(ctx context.Context, a model.Attempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (model.Attempt, error)
	ListAttempts(ctx context.Context, rolloutID uuid.UUID) ([]model.Attempt, error)
	CompleteAttempt(ctx context.Context, a model.Attempt) error
	ScoreAttempt(ctx context.Context, id uuid.UUID, score int, comment string) error

	// Spans. AppendSpan also satisfies tool.SpanSink.
	AppendSpan(ctx context.Context, s model.Span) error
	ListSpans(ctx context.Context, attemptID uuid.UUID) ([]model.Span, error)

	// Evolution records.
	CreateEvolution(ctx context.Context, rec model.EvolutionRecord) error
	GetEvolutionByToVersion(ctx context.Context, lineageID uuid.UUID, toVersion int) (model.EvolutionRecord, error)
	ListEvolutions(ctx context.Context, lineageID uuid.UUID) ([]model.EvolutionRecord, error)
	RecordEvolutionOutcome(ctx context.Context, id uuid.UUID, outcome model.EvolutionOutcome) error

	// Learning insights.
	GetInsight(ctx context.Context, pattern, context string) (model.LearningInsight, error)
	UpsertInsight(ctx context.Context, li model.LearningInsight) error
	ListInsights(ctx context.Context) ([]model.LearningInsight, error)

	// Audit trail.
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Open creates a store of the given kind: "memory", "sqlite" (path is
// the database file), or "postgres" (path is the connection DSN). The
// returned store is not initialized; call Init before use.
func Open(kind, path string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(path, logger), nil
	case "postgres":
		return NewPostgresStore(path, logger), nil
	default:
		return nil, fmt.Errorf("storage: unsupported backend: %s", kind)
	}
}

func newAudit(eventType, entityType string, entityID uuid.UUID, data map[string]any) AuditEntry {
	return AuditEntry{
		ID:         uuid.New(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID.String(),
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
}
