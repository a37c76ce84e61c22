package evolution

import (
	"fmt"
	"strings"

	"github.com/shinka-ai/shinka/model"
)

// fallbackMutation is the deterministic template path used when text
// generation is absent, unconfigured, or errors. It always produces a
// system prompt different from the current one and a complete record
// with synthesized text, so a lineage keeps evolving without a model.
func fallbackMutation(current model.AgentDefinition, trigger model.EvolutionTrigger, spans []model.Span) mutation {
	band := bandForScore(trigger.Score)
	return mutation{
		SystemPrompt:  fallbackPrompt(current.SystemPrompt, band, trigger),
		ScoreAnalysis: fallbackAnalysis(band, trigger, spans),
		Plan:          fallbackPlan(band),
		Credit:        heuristicCredit(current, trigger, spans),
		Generated:     false,
	}
}

func fallbackPrompt(base string, band scoreBand, trigger model.EvolutionTrigger) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	b.WriteString("\n\n")
	switch band {
	case bandRefine:
		b.WriteString("Keep your current approach. Tighten wording and remove anything that does not serve the goal.")
	case bandModerate:
		b.WriteString("Reconsider the weakest parts of your recent output. Address them directly while keeping your overall direction.")
	default:
		b.WriteString("Your recent output fell short. Rework your approach within the same overall strategy: restructure your reasoning, re-read the goal, and verify each requirement is covered before answering.")
	}
	if trigger.Comment != "" {
		fmt.Fprintf(&b, "\nFeedback to address: %s", trigger.Comment)
	}
	if trigger.StickyDirective != "" {
		fmt.Fprintf(&b, "\nAlways: %s", trigger.StickyDirective)
	}
	if trigger.OneShotDirective != "" {
		fmt.Fprintf(&b, "\nThis time: %s", trigger.OneShotDirective)
	}
	return b.String()
}

func fallbackAnalysis(band scoreBand, trigger model.EvolutionTrigger, spans []model.Span) string {
	var failed int
	for _, s := range spans {
		if s.Error != nil {
			failed++
		}
	}
	var b strings.Builder
	switch band {
	case bandRefine:
		fmt.Fprintf(&b, "Score %d/10 indicates the approach works; remaining loss is polish.", trigger.Score)
	case bandModerate:
		fmt.Fprintf(&b, "Score %d/10 indicates a workable direction with specific weak points.", trigger.Score)
	default:
		fmt.Fprintf(&b, "Score %d/10 indicates the current prompt is not producing acceptable output.", trigger.Score)
	}
	if failed > 0 {
		fmt.Fprintf(&b, " %d of %d traced steps failed during the attempt.", failed, len(spans))
	}
	if trigger.Comment != "" {
		fmt.Fprintf(&b, " User feedback: %s", trigger.Comment)
	}
	return b.String()
}

func fallbackPlan(band scoreBand) string {
	switch band {
	case bandRefine:
		return "Append a polish directive to the system prompt, preserving the core approach."
	case bandModerate:
		return "Append a targeted revision directive to the system prompt, keeping the overall direction."
	default:
		return "Append a substantial-revision directive to the system prompt, permitting deviation within the same strategy."
	}
}
