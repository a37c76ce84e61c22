// Package shinka is the public API for embedding the shinka agent
// refinement engine.
//
// Consumers construct an App, register tools, and drive the refinement
// loop through its methods:
//
//	app, err := shinka.New(
//	    shinka.WithVersion(version),
//	    shinka.WithLogger(logger),
//	    shinka.WithStore("memory"),
//	)
//	if err != nil { ... }
//	defer app.Close(ctx)
//	app.RegisterTool(myTool{})
//
// The import graph enforces a strict no-cycle rule: shinka (root)
// imports internal/*, but internal/* never imports shinka (root). The
// model and tool packages are public because consumers read trace and
// evolution records directly and implement the Tool interface.
package shinka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/shinka-ai/shinka/internal/config"
	"github.com/shinka-ai/shinka/internal/evolution"
	"github.com/shinka-ai/shinka/internal/generation"
	"github.com/shinka-ai/shinka/internal/insight"
	"github.com/shinka-ai/shinka/internal/integrity"
	"github.com/shinka-ai/shinka/internal/mcp"
	"github.com/shinka-ai/shinka/internal/storage"
	"github.com/shinka-ai/shinka/internal/telemetry"
	"github.com/shinka-ai/shinka/model"
	"github.com/shinka-ai/shinka/tool"
)

// ErrLineageLocked is returned by Evolve when the lineage is locked.
var ErrLineageLocked = evolution.ErrLineageLocked

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = storage.ErrNotFound

// ErrOutcomeRecorded is returned when an evolution outcome is recorded
// a second time. Outcomes are write-once.
var ErrOutcomeRecorded = storage.ErrOutcomeRecorded

// ErrLineageExists is returned by CreateLineage when the label is
// already taken within the session.
var ErrLineageExists = storage.ErrLineageExists

// App is the composition root. It owns the tool registry, the lineage
// store, the executor, the evolution engine, and the insight
// aggregator. Construct with New(), release with Close().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	registry     *tool.Registry
	executor     *tool.Executor
	engine       *evolution.Engine
	insights     *insight.Aggregator
	mcpSrv       *mcp.Server
	instruments  *telemetry.Instruments
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the engine: loads configuration, opens the lineage
// store, wires the generation provider, and returns a ready App. It
// starts no goroutines.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.storeKind != "" {
		cfg.StoreKind = o.storeKind
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.otelEndpoint != "" {
		cfg.OTELEndpoint = o.otelEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shinka starting", "version", version, "store", cfg.StoreKind)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	instruments, err := telemetry.NewInstruments()
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := storage.Open(cfg.StoreKind, cfg.StorePath(), logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}
	if err := store.Init(context.Background()); err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	var generator evolution.Generator
	if o.generator != nil {
		generator = o.generator
	} else {
		provider := generation.NewProvider(cfg.GenerationProvider, cfg.OllamaURL, cfg.OllamaModel)
		if provider.IsConfigured() {
			logger.Info("generation provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		} else {
			logger.Info("generation provider: noop (deterministic fallback mutations)")
		}
		generator = provider
	}

	registry := tool.NewRegistry(logger)
	executor := tool.NewExecutor(registry, store, logger)
	engine := evolution.NewEngine(store, generator, logger)
	insights := insight.NewAggregator(store, logger)

	app := &App{
		cfg:          cfg,
		store:        store,
		registry:     registry,
		executor:     executor,
		engine:       engine,
		insights:     insights,
		instruments:  instruments,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	if o.enableMCP {
		app.mcpSrv = mcp.New(store, engine, insights, version, logger)
	}
	return app, nil
}

// Close releases the store and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = err
	}
	if err := a.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	a.logger.Info("shinka stopped")
	return firstErr
}

// MCPServer returns the configured MCP server, or nil when WithMCP was
// not requested. Callers pick the transport (stdio, SSE) themselves.
func (a *App) MCPServer() *mcpserver.MCPServer {
	if a.mcpSrv == nil {
		return nil
	}
	return a.mcpSrv.MCPServer()
}

// RegisterTool inserts or overwrites a tool in the registry.
func (a *App) RegisterTool(t tool.Tool) {
	a.registry.Register(t)
}

// ToolNames returns the registered tool names.
func (a *App) ToolNames() []string {
	return a.registry.Names()
}

// ── Sessions and lineages ──────────────────────────────────────────────

// CreateSession creates a refinement workspace for the stated need.
func (a *App) CreateSession(ctx context.Context, name, need string) (model.Session, error) {
	now := time.Now().UTC()
	s := model.Session{
		ID:        uuid.New(),
		Name:      name,
		Need:      need,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateSession(ctx, s); err != nil {
		return model.Session{}, err
	}
	return s, nil
}

// GetSession returns the session by id.
func (a *App) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return a.store.GetSession(ctx, id)
}

// UpdateSessionNeed replaces the session's goal text.
func (a *App) UpdateSessionNeed(ctx context.Context, id uuid.UUID, need string) error {
	return a.store.UpdateSessionNeed(ctx, id, need)
}

// CreateLineage creates a labelled lineage in the session and appends
// the supplied definition as its version 1. The definition's identity
// fields (ID, LineageID, Version, timestamps) are assigned here; callers
// fill only the content fields.
func (a *App) CreateLineage(ctx context.Context, sessionID uuid.UUID, label string, def model.AgentDefinition) (model.Lineage, model.AgentDefinition, error) {
	if err := model.ValidateLabel(label); err != nil {
		return model.Lineage{}, model.AgentDefinition{}, err
	}
	if err := model.ValidateAgentDefinition(def); err != nil {
		return model.Lineage{}, model.AgentDefinition{}, err
	}
	if _, err := a.store.GetSession(ctx, sessionID); err != nil {
		return model.Lineage{}, model.AgentDefinition{}, err
	}

	now := time.Now().UTC()
	l := model.Lineage{
		ID:        uuid.New(),
		SessionID: sessionID,
		Label:     label,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateLineage(ctx, l); err != nil {
		return model.Lineage{}, model.AgentDefinition{}, err
	}

	def.ID = uuid.New()
	def.LineageID = l.ID
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now
	if err := a.store.AppendDefinition(ctx, def); err != nil {
		return model.Lineage{}, model.AgentDefinition{}, err
	}
	return l, def, nil
}

// GetLineage returns the lineage by id.
func (a *App) GetLineage(ctx context.Context, id uuid.UUID) (model.Lineage, error) {
	return a.store.GetLineage(ctx, id)
}

// ListLineages returns the session's lineages ordered by label.
func (a *App) ListLineages(ctx context.Context, sessionID uuid.UUID) ([]model.Lineage, error) {
	return a.store.ListLineages(ctx, sessionID)
}

// SetLineageLock toggles the lineage's evolution lock.
func (a *App) SetLineageLock(ctx context.Context, id uuid.UUID, locked bool) error {
	return a.store.SetLineageLock(ctx, id, locked)
}

// SetLineageDirectives updates the lineage's evolution directives. A nil
// pointer leaves that directive unchanged; a pointer to the empty string
// clears it. The sticky directive applies to every evolution, the
// one-shot directive to the next evolution only.
func (a *App) SetLineageDirectives(ctx context.Context, id uuid.UUID, sticky, oneShot *string) error {
	return a.store.SetLineageDirectives(ctx, id, sticky, oneShot)
}

// DeleteLineage removes the lineage and everything under it.
func (a *App) DeleteLineage(ctx context.Context, id uuid.UUID) error {
	return a.store.DeleteLineage(ctx, id)
}

// LatestDefinition returns the lineage's current definition, resolved
// by maximum version number.
func (a *App) LatestDefinition(ctx context.Context, lineageID uuid.UUID) (model.AgentDefinition, error) {
	return a.store.LatestDefinition(ctx, lineageID)
}

// DefinitionHistory returns all definition versions in ascending order.
func (a *App) DefinitionHistory(ctx context.Context, lineageID uuid.UUID) ([]model.AgentDefinition, error) {
	return a.store.DefinitionHistory(ctx, lineageID)
}

// ── Rollouts and attempts ──────────────────────────────────────────────

// StartRollout opens the next evaluation cycle for the lineage. The
// cycle number continues from the highest existing cycle.
func (a *App) StartRollout(ctx context.Context, lineageID uuid.UUID) (model.Rollout, error) {
	if _, err := a.store.GetLineage(ctx, lineageID); err != nil {
		return model.Rollout{}, err
	}
	existing, err := a.store.ListRollouts(ctx, lineageID)
	if err != nil {
		return model.Rollout{}, err
	}
	cycle := 1
	for _, r := range existing {
		if r.CycleNumber >= cycle {
			cycle = r.CycleNumber + 1
		}
	}

	now := time.Now().UTC()
	r := model.Rollout{
		ID:          uuid.New(),
		LineageID:   lineageID,
		CycleNumber: cycle,
		Status:      model.RolloutRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateRollout(ctx, r); err != nil {
		return model.Rollout{}, err
	}
	return r, nil
}

// GetRollout returns the rollout by id.
func (a *App) GetRollout(ctx context.Context, id uuid.UUID) (model.Rollout, error) {
	return a.store.GetRollout(ctx, id)
}

// ListRollouts returns the lineage's rollouts ordered by cycle number.
func (a *App) ListRollouts(ctx context.Context, lineageID uuid.UUID) ([]model.Rollout, error) {
	return a.store.ListRollouts(ctx, lineageID)
}

// SetRolloutStatus transitions the rollout, optionally marking the
// attempt whose output represents the cycle.
func (a *App) SetRolloutStatus(ctx context.Context, id uuid.UUID, status model.RolloutStatus, finalAttemptID *uuid.UUID) error {
	return a.store.SetRolloutStatus(ctx, id, status, finalAttemptID)
}

// StartAttempt opens an execution run under the rollout against the
// lineage's current definition. The definition is captured by id,
// version, and content hashes so later drift is detectable.
func (a *App) StartAttempt(ctx context.Context, rolloutID uuid.UUID, input string) (model.Attempt, error) {
	r, err := a.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return model.Attempt{}, err
	}
	def, err := a.store.LatestDefinition(ctx, r.LineageID)
	if err != nil {
		return model.Attempt{}, err
	}

	now := time.Now().UTC()
	att := model.Attempt{
		ID:                uuid.New(),
		RolloutID:         rolloutID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		PromptHash:        integrity.PromptHash(def),
		ConfigHash:        integrity.ConfigHash(def),
		Sampling:          def.Sampling,
		Input:             input,
		StartedAt:         now,
		CreatedAt:         now,
	}
	if err := a.store.CreateAttempt(ctx, att); err != nil {
		return model.Attempt{}, err
	}
	a.instruments.Attempts.Add(ctx, 1)
	return att, nil
}

// GetAttempt returns the attempt by id.
func (a *App) GetAttempt(ctx context.Context, id uuid.UUID) (model.Attempt, error) {
	return a.store.GetAttempt(ctx, id)
}

// ListAttempts returns the rollout's attempts ordered by start time.
func (a *App) ListAttempts(ctx context.Context, rolloutID uuid.UUID) ([]model.Attempt, error) {
	return a.store.ListAttempts(ctx, rolloutID)
}

// FinishAttempt closes an attempt with its output or error, token
// accounting, and cost. Duration is measured from the attempt's start.
func (a *App) FinishAttempt(ctx context.Context, id uuid.UUID, output, errMsg *string, tokens model.TokenUsage, costUSD float64) (model.Attempt, error) {
	att, err := a.store.GetAttempt(ctx, id)
	if err != nil {
		return model.Attempt{}, err
	}
	now := time.Now().UTC()
	att.Output = output
	att.Error = errMsg
	att.CompletedAt = &now
	att.DurationMs = now.Sub(att.StartedAt).Milliseconds()
	att.Tokens = tokens
	att.CostUSD = costUSD
	if err := a.store.CompleteAttempt(ctx, att); err != nil {
		return model.Attempt{}, err
	}
	return att, nil
}

// ScoreAttempt records user feedback for the attempt and, when the
// attempt ran a definition version produced by an evolution with no
// recorded outcome yet, settles that evolution's outcome. The returned
// flag reports whether an outcome was settled.
func (a *App) ScoreAttempt(ctx context.Context, id uuid.UUID, score int, comment string) (bool, error) {
	if err := model.ValidateScore(score); err != nil {
		return false, err
	}
	if err := a.store.ScoreAttempt(ctx, id, score, comment); err != nil {
		return false, err
	}

	att, err := a.store.GetAttempt(ctx, id)
	if err != nil {
		return false, err
	}
	r, err := a.store.GetRollout(ctx, att.RolloutID)
	if err != nil {
		return false, err
	}
	_, err = a.RecordEvolutionOutcome(ctx, r.LineageID, att.DefinitionVersion, score)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrOutcomeRecorded):
		// Version 1 has no producing evolution; repeat scores settle nothing.
		return false, nil
	default:
		return false, err
	}
}

// ── Tool execution ─────────────────────────────────────────────────────

// ExecuteToolCall dispatches one tool call through the executor.
func (a *App) ExecuteToolCall(ctx context.Context, call model.ToolCall, opts tool.CallOptions) (tool.CallOutcome, error) {
	outcome, err := a.executor.ExecuteToolCall(ctx, call, opts)
	a.instruments.ToolCalls.Add(ctx, 1)
	return outcome, err
}

// ExecuteToolCalls dispatches calls strictly sequentially.
func (a *App) ExecuteToolCalls(ctx context.Context, calls []model.ToolCall, opts tool.BatchOptions) ([]tool.CallOutcome, error) {
	outcomes, err := a.executor.ExecuteToolCalls(ctx, calls, opts)
	a.instruments.ToolCalls.Add(ctx, int64(len(outcomes)))
	return outcomes, err
}

// ExecuteToolCallsParallel dispatches all calls concurrently and waits
// for every outcome.
func (a *App) ExecuteToolCallsParallel(ctx context.Context, calls []model.ToolCall, opts tool.BatchOptions) ([]tool.CallOutcome, error) {
	outcomes, err := a.executor.ExecuteToolCallsParallel(ctx, calls, opts)
	a.instruments.ToolCalls.Add(ctx, int64(len(calls)))
	return outcomes, err
}

// ── Evolution ──────────────────────────────────────────────────────────

// Evolve produces the next definition version for the lineage that owns
// the scored attempt. The attempt must already carry a score. Returns
// ErrLineageLocked when the lineage is locked.
func (a *App) Evolve(ctx context.Context, attemptID uuid.UUID) (model.AgentDefinition, model.EvolutionRecord, error) {
	att, err := a.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.AgentDefinition{}, model.EvolutionRecord{}, err
	}
	if att.Score == nil {
		return model.AgentDefinition{}, model.EvolutionRecord{}, fmt.Errorf("attempt %s has no score; score it before evolving", attemptID)
	}
	r, err := a.store.GetRollout(ctx, att.RolloutID)
	if err != nil {
		return model.AgentDefinition{}, model.EvolutionRecord{}, err
	}
	lineage, err := a.store.GetLineage(ctx, r.LineageID)
	if err != nil {
		return model.AgentDefinition{}, model.EvolutionRecord{}, err
	}
	sess, err := a.store.GetSession(ctx, lineage.SessionID)
	if err != nil {
		return model.AgentDefinition{}, model.EvolutionRecord{}, err
	}

	comment := ""
	if att.ScoreComment != nil {
		comment = *att.ScoreComment
	}
	res, err := a.engine.Evolve(ctx, evolution.EvolveRequest{
		LineageID: lineage.ID,
		RolloutID: r.ID,
		AttemptID: att.ID,
		Score:     *att.Score,
		Comment:   comment,
		Need:      sess.Need,
	})
	if err != nil {
		return model.AgentDefinition{}, model.EvolutionRecord{}, err
	}
	a.instruments.Evolutions.Add(ctx, 1)
	return res.Definition, res.Record, nil
}

// RecordEvolutionOutcome settles the outcome of the evolution that
// produced definitionVersion, then folds the result into the learning
// insight for the mutation band that drove it. Write-once per record.
func (a *App) RecordEvolutionOutcome(ctx context.Context, lineageID uuid.UUID, definitionVersion, nextScore int) (model.EvolutionOutcome, error) {
	outcome, err := a.engine.RecordOutcome(ctx, lineageID, definitionVersion, nextScore)
	if err != nil {
		return model.EvolutionOutcome{}, err
	}

	rec, err := a.store.GetEvolutionByToVersion(ctx, lineageID, definitionVersion)
	if err != nil {
		return outcome, err
	}
	pattern := evolution.PatternForScore(rec.Trigger.Score)
	context_ := "fallback"
	if rec.Generated {
		context_ = "generated"
	}
	if _, err := a.insights.ObserveOutcome(ctx, pattern, context_, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// ListEvolutions returns the lineage's evolution records in version order.
func (a *App) ListEvolutions(ctx context.Context, lineageID uuid.UUID) ([]model.EvolutionRecord, error) {
	return a.store.ListEvolutions(ctx, lineageID)
}

// ── Traces, insights, audit ────────────────────────────────────────────

// ListSpans returns the attempt's execution spans ordered by sequence.
func (a *App) ListSpans(ctx context.Context, attemptID uuid.UUID) ([]model.Span, error) {
	return a.store.ListSpans(ctx, attemptID)
}

// VerifyAttemptSnapshot recomputes the attempt's definition hashes and
// reports whether they still match the stored snapshot.
func (a *App) VerifyAttemptSnapshot(ctx context.Context, attemptID uuid.UUID) (bool, error) {
	att, err := a.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return false, err
	}
	r, err := a.store.GetRollout(ctx, att.RolloutID)
	if err != nil {
		return false, err
	}
	history, err := a.store.DefinitionHistory(ctx, r.LineageID)
	if err != nil {
		return false, err
	}
	for _, def := range history {
		if def.ID == att.DefinitionID {
			return integrity.VerifySnapshot(att, def), nil
		}
	}
	return false, ErrNotFound
}

// Insights returns all learning insights.
func (a *App) Insights(ctx context.Context) ([]model.LearningInsight, error) {
	return a.insights.List(ctx)
}

// Audit returns the newest audit entries, at most limit (0 for all).
func (a *App) Audit(ctx context.Context, limit int) ([]AuditEntry, error) {
	entries, err := a.store.ListAudit(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, len(entries))
	for i, e := range entries {
		out[i] = toPublicAudit(e)
	}
	return out, nil
}

// toPublicAudit converts an internal audit entry to the public shape.
// Lives here because this is the only file that imports both sides of
// the boundary.
func toPublicAudit(e storage.AuditEntry) AuditEntry {
	return AuditEntry{
		ID:         e.ID,
		EventType:  e.EventType,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Data:       e.Data,
		CreatedAt:  e.CreatedAt,
	}
}
