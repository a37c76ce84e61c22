// Package evolution mutates agent definitions in response to scored
// feedback. Each evolution reads the lineage's current definition,
// produces a successor (fresh id, version+1, tools and flow carried
// over) and an evolution record explaining the mutation, and persists
// both. Text generation drives the mutation when a configured generator
// is available; otherwise a deterministic template mutation runs. Both
// paths are first-class transitions that increment the version.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shinka-ai/shinka/internal/storage"
	"github.com/shinka-ai/shinka/model"
)

// ErrLineageLocked is returned when evolving a locked lineage.
var ErrLineageLocked = errors.New("evolution: lineage is locked")

// Generator is the external text-generation capability. It may be
// absent or unconfigured; every call site falls back deterministically.
type Generator interface {
	Generate(ctx context.Context, req model.GenerateRequest) (string, error)
	IsConfigured() bool
}

// Engine produces agent definition mutations from scored feedback.
type Engine struct {
	store     storage.Store
	generator Generator
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an evolution engine. generator may be nil.
func NewEngine(store storage.Store, generator Generator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		generator: generator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EvolveRequest identifies the scored attempt that triggers an evolution.
type EvolveRequest struct {
	LineageID uuid.UUID
	RolloutID uuid.UUID
	AttemptID uuid.UUID
	Score     int
	Comment   string
	// Need is the session's goal text, included in generation prompts.
	Need string
}

// Result pairs the new definition with its evolution record.
type Result struct {
	Definition model.AgentDefinition
	Record     model.EvolutionRecord
}

// Evolve produces and persists the next definition version for the
// lineage, together with an evolution record. The one-shot directive is
// consumed: it shapes this evolution and is cleared afterwards.
func (e *Engine) Evolve(ctx context.Context, req EvolveRequest) (Result, error) {
	if err := model.ValidateScore(req.Score); err != nil {
		return Result{}, fmt.Errorf("evolution: %w", err)
	}
	lineage, err := e.store.GetLineage(ctx, req.LineageID)
	if err != nil {
		return Result{}, fmt.Errorf("evolution: load lineage: %w", err)
	}
	if lineage.Locked {
		return Result{}, ErrLineageLocked
	}
	current, err := e.store.LatestDefinition(ctx, req.LineageID)
	if err != nil {
		return Result{}, fmt.Errorf("evolution: load current definition: %w", err)
	}

	trigger := model.EvolutionTrigger{
		RolloutID:        req.RolloutID,
		AttemptID:        req.AttemptID,
		Score:            req.Score,
		Comment:          req.Comment,
		StickyDirective:  lineage.StickyDirective,
		OneShotDirective: lineage.OneShotDirective,
	}

	spans, err := e.store.ListSpans(ctx, req.AttemptID)
	if err != nil {
		return Result{}, fmt.Errorf("evolution: load spans: %w", err)
	}

	mutation := e.mutate(ctx, current, trigger, req.Need, spans)

	now := e.now()
	next := current
	next.ID = uuid.New()
	next.Version = current.Version + 1
	next.SystemPrompt = mutation.SystemPrompt
	next.CreatedAt = now
	next.UpdatedAt = now

	rec := model.EvolutionRecord{
		ID:            uuid.New(),
		LineageID:     req.LineageID,
		FromVersion:   current.Version,
		ToVersion:     next.Version,
		Trigger:       trigger,
		ScoreAnalysis: mutation.ScoreAnalysis,
		Credit:        mutation.Credit,
		Plan:          mutation.Plan,
		Changes: []model.EvolutionChange{
			{Field: "system_prompt", Before: current.SystemPrompt, After: next.SystemPrompt},
		},
		Generated: mutation.Generated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.store.AppendDefinition(ctx, next); err != nil {
		return Result{}, fmt.Errorf("evolution: persist definition: %w", err)
	}
	if err := e.store.CreateEvolution(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("evolution: persist record: %w", err)
	}
	if lineage.OneShotDirective != "" {
		cleared := ""
		if err := e.store.SetLineageDirectives(ctx, req.LineageID, nil, &cleared); err != nil {
			return Result{}, fmt.Errorf("evolution: clear one-shot directive: %w", err)
		}
	}

	e.logger.Info("evolution applied",
		"lineage_id", req.LineageID,
		"from_version", rec.FromVersion,
		"to_version", rec.ToVersion,
		"score", req.Score,
		"generated", rec.Generated)
	return Result{Definition: next, Record: rec}, nil
}

// mutation is the engine-internal output of either mutation path.
type mutation struct {
	SystemPrompt  string
	ScoreAnalysis string
	Plan          string
	Credit        []model.CreditAssignment
	Generated     bool
}

func (e *Engine) mutate(ctx context.Context, current model.AgentDefinition, trigger model.EvolutionTrigger, need string, spans []model.Span) mutation {
	if e.generator != nil && e.generator.IsConfigured() {
		m, err := e.generateMutation(ctx, current, trigger, need)
		if err == nil {
			return m
		}
		e.logger.Warn("generation failed, using deterministic fallback", "error", err)
	}
	return fallbackMutation(current, trigger, spans)
}

func (e *Engine) generateMutation(ctx context.Context, current model.AgentDefinition, trigger model.EvolutionTrigger, need string) (mutation, error) {
	req := model.GenerateRequest{
		System:      mutationSystemPrompt,
		Prompt:      buildMutationPrompt(current, trigger, need),
		MaxTokens:   2048,
		Temperature: temperatureForScore(trigger.Score),
	}
	raw, err := e.generator.Generate(ctx, req)
	if err != nil {
		return mutation{}, err
	}
	parsed, err := parseMutationResponse(raw)
	if err != nil {
		return mutation{}, err
	}
	if parsed.SystemPrompt == "" || parsed.SystemPrompt == current.SystemPrompt {
		return mutation{}, fmt.Errorf("evolution: generated prompt unchanged or empty")
	}
	credit := make([]model.CreditAssignment, 0, len(parsed.Credit))
	for _, c := range parsed.Credit {
		kind := model.CreditKind(c.Kind)
		if kind != model.CreditPrompt && kind != model.CreditTrajectory {
			continue
		}
		credit = append(credit, model.CreditAssignment{
			Kind:         kind,
			Fragment:     c.Fragment,
			SpanSequence: c.SpanSequence,
			Weight:       c.Weight,
			Rationale:    c.Rationale,
		})
	}
	return mutation{
		SystemPrompt:  parsed.SystemPrompt,
		ScoreAnalysis: parsed.ScoreAnalysis,
		Plan:          parsed.Plan,
		Credit:        credit,
		Generated:     true,
	}, nil
}

// RecordOutcome sets the outcome of the evolution that produced the
// definition version now being evaluated. Write-once: a second call
// returns storage.ErrOutcomeRecorded.
func (e *Engine) RecordOutcome(ctx context.Context, lineageID uuid.UUID, definitionVersion, nextScore int) (model.EvolutionOutcome, error) {
	if err := model.ValidateScore(nextScore); err != nil {
		return model.EvolutionOutcome{}, fmt.Errorf("evolution: %w", err)
	}
	rec, err := e.store.GetEvolutionByToVersion(ctx, lineageID, definitionVersion)
	if err != nil {
		return model.EvolutionOutcome{}, fmt.Errorf("evolution: find record for version %d: %w", definitionVersion, err)
	}
	delta := nextScore - rec.Trigger.Score
	outcome := model.EvolutionOutcome{
		NextScore:           nextScore,
		ScoreDelta:          delta,
		HypothesisValidated: delta > 0,
		RecordedAt:          e.now(),
	}
	if err := e.store.RecordEvolutionOutcome(ctx, rec.ID, outcome); err != nil {
		return model.EvolutionOutcome{}, err
	}
	e.logger.Info("evolution outcome recorded",
		"lineage_id", lineageID,
		"to_version", definitionVersion,
		"score_delta", delta,
		"hypothesis_validated", outcome.HypothesisValidated)
	return outcome, nil
}
