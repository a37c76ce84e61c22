// Package model defines the core domain records for shinka.
//
// All types correspond directly to storage tables and trace payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. Records are plain structs with
// parent-referencing IDs rather than object graphs with back-pointers.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ToolDescriptorType distinguishes built-in tools from custom ones.
type ToolDescriptorType string

const (
	ToolDescriptorBuiltin ToolDescriptorType = "builtin"
	ToolDescriptorCustom  ToolDescriptorType = "custom"
)

// ToolDescriptor declares a capability an agent definition may invoke.
// For builtin descriptors, BuiltinName carries the registry name and
// Name is a display label; for custom descriptors Name is the registry name.
type ToolDescriptor struct {
	Name        string             `json:"name"`
	Type        ToolDescriptorType `json:"type"`
	BuiltinName string             `json:"builtin_name,omitempty"`
	Description string             `json:"description,omitempty"`
	Parameters  map[string]any     `json:"parameters,omitempty"`
}

// RegistryName returns the name under which the described tool is
// expected to be registered.
func (d ToolDescriptor) RegistryName() string {
	if d.Type == ToolDescriptorBuiltin && d.BuiltinName != "" {
		return d.BuiltinName
	}
	return d.Name
}

// FlowStep is one step in an agent's declared execution flow.
type FlowStep struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty"`
	Next   []string       `json:"next,omitempty"`
}

// MemoryConfig controls the conversation memory carried between attempts.
type MemoryConfig struct {
	Enabled    bool   `json:"enabled"`
	Kind       string `json:"kind,omitempty"`
	WindowSize int    `json:"window_size,omitempty"`
}

// SamplingParams are the text-generation sampling knobs for an agent.
type SamplingParams struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Constraints restricts what an agent definition may do at execution time.
// AllowedTools semantics: nil means "no allow-list configured" and tool
// permission falls back to the declared descriptors; non-nil (including
// empty) means the list is the sole authority and any name outside it is
// rejected.
type Constraints struct {
	// No omitempty: nil must round-trip as null and an empty list as [],
	// since the two carry different permission semantics.
	AllowedTools  []string `json:"allowed_tools"`
	MaxIterations int      `json:"max_iterations,omitempty"`
}

// AgentDefinition is one immutable version of an agent configuration
// within a lineage. Evolution always produces a new record with a fresh
// ID and Version+1, never an in-place mutation.
type AgentDefinition struct {
	ID           uuid.UUID        `json:"id"`
	LineageID    uuid.UUID        `json:"lineage_id"`
	Version      int              `json:"version"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	SystemPrompt string           `json:"system_prompt"`
	Tools        []ToolDescriptor `json:"tools,omitempty"`
	Flow         []FlowStep       `json:"flow,omitempty"`
	Memory       MemoryConfig     `json:"memory"`
	Sampling     SamplingParams   `json:"sampling"`
	Constraints  Constraints      `json:"constraints"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// DeclaresTool reports whether the definition carries a descriptor whose
// registry name matches name.
func (a AgentDefinition) DeclaresTool(name string) bool {
	for _, d := range a.Tools {
		if d.RegistryName() == name || d.Name == name {
			return true
		}
	}
	return false
}

// ValidateAgentDefinition checks the fields a caller supplies when
// creating the first version of a lineage's definition.
func ValidateAgentDefinition(a AgentDefinition) error {
	if a.Name == "" {
		return fmt.Errorf("agent definition name is required")
	}
	if len(a.Name) > 255 {
		return fmt.Errorf("agent definition name must be at most 255 characters")
	}
	if a.SystemPrompt == "" {
		return fmt.Errorf("agent definition system_prompt is required")
	}
	if a.Sampling.Temperature < 0 || a.Sampling.Temperature > 2 {
		return fmt.Errorf("sampling temperature must be in [0, 2], got %v", a.Sampling.Temperature)
	}
	for i, d := range a.Tools {
		if d.RegistryName() == "" {
			return fmt.Errorf("tool descriptor %d has no usable name", i)
		}
	}
	return nil
}
