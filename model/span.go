package model

import (
	"time"

	"github.com/google/uuid"
)

// SpanType categorizes one atomic traced step inside an attempt.
type SpanType string

const (
	SpanPrompt SpanType = "prompt"
	SpanTool   SpanType = "tool"
	SpanStep   SpanType = "step"
)

// Span is one atomic traced operation within an attempt. Spans form a
// tree via ParentSpanID; Sequence is strictly increasing per attempt and
// is the ordering authority and tie-break. Any ParentSpanID references a
// span with a smaller sequence in the same attempt. Immutable.
type Span struct {
	ID           uuid.UUID  `json:"id"`
	AttemptID    uuid.UUID  `json:"attempt_id"`
	ParentSpanID *uuid.UUID `json:"parent_span_id,omitempty"`
	Sequence     int64      `json:"sequence"`
	Type         SpanType   `json:"type"`
	Name         string     `json:"name,omitempty"`
	Input        string     `json:"input,omitempty"`
	Output       string     `json:"output,omitempty"`
	// Tool fields are populated for SpanTool spans only.
	ToolName   string         `json:"tool_name,omitempty"`
	ToolArgs   map[string]any `json:"tool_args,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Error      *string        `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Tokens     TokenUsage     `json:"tokens"`
	CostUSD    float64        `json:"cost_usd"`
	CreatedAt  time.Time      `json:"created_at"`
}
