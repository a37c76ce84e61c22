package shinka

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shinka-ai/shinka/model"
)

// Generator is the external text-generation capability behind the
// evolution engine. Implementations may be unconfigured; the engine
// falls back to a deterministic template mutation whenever IsConfigured
// is false or Generate errors.
type Generator interface {
	// Generate produces a completion for the request.
	Generate(ctx context.Context, req model.GenerateRequest) (string, error)

	// IsConfigured reports whether the provider can actually generate.
	IsConfigured() bool
}

// AuditEntry is one append-only record of intent written by a mutating
// store primitive.
type AuditEntry struct {
	ID         uuid.UUID      `json:"id"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
