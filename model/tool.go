package model

// ToolCall is the normalized representation of one capability invocation
// surfaced by text generation. ID, Name, and Arguments round-trip
// losslessly through the wire codecs.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolMetadata carries execution accounting for a tool result.
// ExecutionTimeMs is always populated after dispatch: the tool-reported
// value if present, else the wall time measured by the registry.
type ToolMetadata struct {
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// ToolResult is the outcome of one tool invocation. Output is opaque to
// the engine; Error is set when Success is false.
type ToolResult struct {
	Success  bool         `json:"success"`
	Output   any          `json:"output"`
	Error    string       `json:"error,omitempty"`
	Metadata ToolMetadata `json:"metadata"`
}

// FailedToolResult builds a failure result with the given diagnostic.
func FailedToolResult(message string) ToolResult {
	return ToolResult{Success: false, Output: nil, Error: message}
}
