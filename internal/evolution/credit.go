package evolution

import (
	"strings"

	"github.com/shinka-ai/shinka/model"
)

// heuristicCredit synthesizes a credit assignment without a generator.
// Failed trace steps get trajectory credit; the remainder goes to the
// system prompt, with the opening fragment standing in for the whole.
func heuristicCredit(current model.AgentDefinition, trigger model.EvolutionTrigger, spans []model.Span) []model.CreditAssignment {
	var failed []model.Span
	for _, s := range spans {
		if s.Error != nil {
			failed = append(failed, s)
		}
	}

	promptWeight := 1.0
	var credit []model.CreditAssignment
	if len(failed) > 0 {
		promptWeight = 0.5
		each := 0.5 / float64(len(failed))
		for _, s := range failed {
			seq := s.Sequence
			rationale := "step failed during the attempt"
			if s.ToolName != "" {
				rationale = "tool " + s.ToolName + " failed during the attempt"
			}
			credit = append(credit, model.CreditAssignment{
				Kind:         model.CreditTrajectory,
				SpanSequence: &seq,
				Weight:       each,
				Rationale:    rationale,
			})
		}
	}

	credit = append(credit, model.CreditAssignment{
		Kind:      model.CreditPrompt,
		Fragment:  promptFragment(current.SystemPrompt),
		Weight:    promptWeight,
		Rationale: creditRationale(trigger),
	})
	return credit
}

// promptFragment returns the first line of the prompt, capped at 120
// characters, as the representative fragment.
func promptFragment(prompt string) string {
	line := strings.TrimSpace(prompt)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if len(line) > 120 {
		line = line[:120]
	}
	return line
}

func creditRationale(trigger model.EvolutionTrigger) string {
	if trigger.Comment != "" {
		return "user feedback attributes the outcome to the prompt: " + trigger.Comment
	}
	return "no step failures or feedback isolate a cause; defaulting credit to the prompt"
}
