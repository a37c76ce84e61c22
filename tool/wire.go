package tool

import (
	"encoding/json"
	"fmt"

	"github.com/shinka-ai/shinka/model"
)

// ParseToolCalls normalizes the external tool-call wire shapes into
// []model.ToolCall. Three shapes are recognized:
//
//  1. a list of tool-use content blocks: {"type":"tool_use","id":...,
//     "name":...,"input":{...}}
//  2. an object carrying a "tool_calls" array whose entries hold a
//     function name and string- or object-encoded arguments
//  3. a bare array of call descriptors: {"id":...,"name":...,
//     "arguments":{...}}
//
// Unrecognized shapes, nil, or empty input normalize to an empty list,
// never an error.
func ParseToolCalls(raw any) []model.ToolCall {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		return parseCallList(v)
	case map[string]any:
		if list, ok := v["tool_calls"].([]any); ok {
			return parseFunctionCalls(list)
		}
		return nil
	default:
		return nil
	}
}

// parseCallList handles shapes 1 and 3: content blocks and bare call
// descriptors. Entries that are not call-shaped are skipped.
func parseCallList(entries []any) []model.ToolCall {
	var calls []model.ToolCall
	for _, entry := range entries {
		block, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := block["type"].(string); ok && t != "" && t != "tool_use" {
			continue
		}
		name, _ := block["name"].(string)
		if name == "" {
			// tool_calls-style entry inside a bare array.
			if fn, ok := block["function"].(map[string]any); ok {
				if call, ok := parseFunctionCall(block, fn); ok {
					calls = append(calls, call)
				}
			}
			continue
		}
		call := model.ToolCall{Name: name}
		call.ID, _ = block["id"].(string)
		for _, key := range []string{"input", "arguments", "args"} {
			if args, ok := block[key].(map[string]any); ok {
				call.Arguments = args
				break
			}
		}
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}
		calls = append(calls, call)
	}
	return calls
}

// parseFunctionCalls handles shape 2: OpenAI-style tool_calls entries.
func parseFunctionCalls(entries []any) []model.ToolCall {
	var calls []model.ToolCall
	for _, entry := range entries {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		fn, ok := obj["function"].(map[string]any)
		if !ok {
			continue
		}
		if call, ok := parseFunctionCall(obj, fn); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// parseFunctionCall extracts one call from a tool_calls entry. Arguments
// may be a JSON-encoded string or an already-decoded object; a string
// that fails to decode yields empty arguments rather than an error.
func parseFunctionCall(obj, fn map[string]any) (model.ToolCall, bool) {
	name, _ := fn["name"].(string)
	if name == "" {
		return model.ToolCall{}, false
	}
	call := model.ToolCall{Name: name, Arguments: map[string]any{}}
	call.ID, _ = obj["id"].(string)

	switch args := fn["arguments"].(type) {
	case string:
		if args != "" {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(args), &decoded); err == nil {
				call.Arguments = decoded
			}
		}
	case map[string]any:
		call.Arguments = args
	}
	return call, true
}

// FormatToolResultContent renders an outcome as a tool-result content
// block keyed by the originating call id, with an error flag.
func FormatToolResultContent(outcome CallOutcome) map[string]any {
	return map[string]any{
		"type":        "tool_result",
		"tool_use_id": outcome.Call.ID,
		"content":     resultText(outcome.Result),
		"is_error":    !outcome.Result.Success,
	}
}

// FormatToolResultMessage renders an outcome as an OpenAI-style tool
// message keyed by the originating call id.
func FormatToolResultMessage(outcome CallOutcome) map[string]any {
	return map[string]any{
		"role":         "tool",
		"tool_call_id": outcome.Call.ID,
		"content":      resultText(outcome.Result),
	}
}

// resultText serializes a success's output as text and a failure as
// "Error: <message>".
func resultText(result model.ToolResult) string {
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = unknownToolError
		}
		return "Error: " + msg
	}
	switch out := result.Output.(type) {
	case nil:
		return ""
	case string:
		return out
	default:
		b, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(b)
	}
}
