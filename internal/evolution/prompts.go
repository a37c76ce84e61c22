package evolution

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shinka-ai/shinka/model"
)

// scoreBand classifies a trigger score into a mutation policy.
type scoreBand int

const (
	bandRefine      scoreBand = iota // 8-10: polish, preserve the core approach
	bandModerate                     // 5-7: revise likely weak points, keep direction
	bandSubstantial                  // 1-4: substantial change within the strategy family
)

func bandForScore(score int) scoreBand {
	switch {
	case score >= 8:
		return bandRefine
	case score >= 5:
		return bandModerate
	default:
		return bandSubstantial
	}
}

// PatternForScore names the mutation band a trigger score falls into.
// Used as the learning-insight pattern key.
func PatternForScore(score int) string {
	switch bandForScore(score) {
	case bandRefine:
		return "refine"
	case bandModerate:
		return "moderate"
	default:
		return "substantial"
	}
}

func (b scoreBand) instruction() string {
	switch b {
	case bandRefine:
		return "The agent is performing well. Refine and polish the system prompt while preserving its core approach. Make small, targeted improvements only."
	case bandModerate:
		return "The agent is performing adequately but has clear weak points. Make a moderate revision addressing the most likely weaknesses while keeping the overall direction."
	default:
		return "The agent is performing poorly. Make a substantial change to the system prompt. You may deviate significantly from the current wording and structure as long as you stay within the same overall strategy."
	}
}

// temperatureForScore maps the trigger score to the mutation-generation
// temperature: 0.4 + (10-score)*0.06, clamped to [0.4, 0.95]. Worse
// scores get more exploration.
func temperatureForScore(score int) float64 {
	t := 0.4 + float64(10-score)*0.06
	if t < 0.4 {
		t = 0.4
	}
	if t > 0.95 {
		t = 0.95
	}
	return t
}

const mutationSystemPrompt = `You improve AI agent configurations based on user feedback.
Given an agent's current system prompt, a score from 1 to 10, and the user's comment,
produce an improved system prompt and an analysis of what drove the score.

Respond with a single JSON object and nothing else:
{
  "score_analysis": "why the score landed where it did",
  "plan": "what you will change and why",
  "system_prompt": "the full improved system prompt",
  "credit": [
    {"kind": "prompt", "fragment": "prompt text responsible", "weight": 0.6, "rationale": "..."},
    {"kind": "trajectory", "span_sequence": 3, "weight": 0.4, "rationale": "..."}
  ]
}`

func buildMutationPrompt(current model.AgentDefinition, trigger model.EvolutionTrigger, need string) string {
	var b strings.Builder
	if need != "" {
		fmt.Fprintf(&b, "Goal: %s\n\n", need)
	}
	fmt.Fprintf(&b, "Agent %q, version %d.\n", current.Name, current.Version)
	fmt.Fprintf(&b, "Current system prompt:\n%s\n\n", current.SystemPrompt)
	fmt.Fprintf(&b, "The last run scored %d/10.\n", trigger.Score)
	if trigger.Comment != "" {
		fmt.Fprintf(&b, "User comment: %s\n", trigger.Comment)
	}
	if trigger.StickyDirective != "" {
		fmt.Fprintf(&b, "Standing directive (always apply): %s\n", trigger.StickyDirective)
	}
	if trigger.OneShotDirective != "" {
		fmt.Fprintf(&b, "Directive for this revision only: %s\n", trigger.OneShotDirective)
	}
	b.WriteString("\n")
	b.WriteString(bandForScore(trigger.Score).instruction())
	return b.String()
}

// mutationResponse is the JSON shape expected from the generator.
type mutationResponse struct {
	ScoreAnalysis string `json:"score_analysis"`
	Plan          string `json:"plan"`
	SystemPrompt  string `json:"system_prompt"`
	Credit        []struct {
		Kind         string  `json:"kind"`
		Fragment     string  `json:"fragment"`
		SpanSequence *int64  `json:"span_sequence"`
		Weight       float64 `json:"weight"`
		Rationale    string  `json:"rationale"`
	} `json:"credit"`
}

// parseMutationResponse extracts the JSON object from a generator
// response, tolerating markdown code fences and surrounding prose.
func parseMutationResponse(raw string) (mutationResponse, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	// Prose before or after the object: cut to the outermost braces.
	if start := strings.Index(text, "{"); start > 0 {
		text = text[start:]
	}
	if end := strings.LastIndex(text, "}"); end >= 0 && end < len(text)-1 {
		text = text[:end+1]
	}
	var resp mutationResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return mutationResponse{}, fmt.Errorf("evolution: parse generator response: %w", err)
	}
	return resp, nil
}
