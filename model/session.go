package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one refinement workspace: a stated need plus N parallel
// lineages competing to satisfy it.
type Session struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Need      string    `json:"need"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lineage is one independently evolving agent track within a session.
// Exactly one lineage exists per label per session. The "current" agent
// definition is the one with the maximum version among the lineage's
// definitions, never the most recently written row.
type Lineage struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Label     string    `json:"label"`
	// Locked lineages are excluded from evolution until unlocked.
	Locked bool `json:"locked"`
	// StickyDirective is applied to every evolution of this lineage.
	StickyDirective string `json:"sticky_directive,omitempty"`
	// OneShotDirective is applied to the next evolution only, then cleared.
	OneShotDirective string    `json:"one_shot_directive,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ValidateLabel checks that a lineage label conforms to the allowed
// format: 1-64 characters, starting with a lowercase letter, containing
// only lowercase alphanumerics, hyphens, and underscores.
func ValidateLabel(label string) error {
	if len(label) == 0 {
		return fmt.Errorf("label must not be empty")
	}
	if len(label) > 64 {
		return fmt.Errorf("label must be at most 64 characters")
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("label must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("label contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
