package evolution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinka-ai/shinka/internal/storage"
	"github.com/shinka-ai/shinka/model"
)

// stubGenerator returns a canned response or error.
type stubGenerator struct {
	configured bool
	response   string
	err        error
	lastReq    model.GenerateRequest
}

func (g *stubGenerator) Generate(_ context.Context, req model.GenerateRequest) (string, error) {
	g.lastReq = req
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}

func (g *stubGenerator) IsConfigured() bool { return g.configured }

func seedLineage(t *testing.T, s storage.Store) (model.Lineage, model.AgentDefinition) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	sess := model.Session{ID: uuid.New(), Name: "test", Need: "write good digests",
		CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateSession(ctx, sess))

	l := model.Lineage{ID: uuid.New(), SessionID: sess.ID, Label: "main",
		CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateLineage(ctx, l))

	def := model.AgentDefinition{
		ID:           uuid.New(),
		LineageID:    l.ID,
		Version:      1,
		Name:         "writer",
		SystemPrompt: "You write weekly digests from alert streams.",
		Tools:        []model.ToolDescriptor{{Name: "search_alerts", Type: model.ToolDescriptorCustom}},
		Flow:         []model.FlowStep{{ID: "s1", Type: "prompt"}},
		Sampling:     model.SamplingParams{Temperature: 0.3},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.AppendDefinition(ctx, def))
	return l, def
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s := storage.NewMemoryStore()
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestEvolve_FallbackProducesNewVersion(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	l, def := seedLineage(t, s)
	engine := NewEngine(s, nil, nil)

	res, err := engine.Evolve(ctx, EvolveRequest{
		LineageID: l.ID,
		RolloutID: uuid.New(),
		AttemptID: uuid.New(),
		Score:     3,
		Comment:   "missed half the alerts",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Definition.Version)
	assert.NotEqual(t, def.ID, res.Definition.ID)
	assert.NotEqual(t, def.SystemPrompt, res.Definition.SystemPrompt)
	assert.Equal(t, def.Tools, res.Definition.Tools, "tools carried over unchanged")
	assert.Equal(t, def.Flow, res.Definition.Flow, "flow carried over unchanged")
	assert.Equal(t, def.Sampling.Temperature, res.Definition.Sampling.Temperature)

	assert.Equal(t, 3, res.Record.Trigger.Score)
	assert.Equal(t, 1, res.Record.FromVersion)
	assert.Equal(t, 2, res.Record.ToVersion)
	assert.False(t, res.Record.Generated)
	assert.NotEmpty(t, res.Record.ScoreAnalysis)
	assert.NotEmpty(t, res.Record.Plan)
	assert.NotEmpty(t, res.Record.Credit)
	require.Len(t, res.Record.Changes, 1)
	assert.Equal(t, "system_prompt", res.Record.Changes[0].Field)

	// Both artifacts persisted.
	latest, err := s.LatestDefinition(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Definition.ID, latest.ID)
	_, err = s.GetEvolutionByToVersion(ctx, l.ID, 2)
	require.NoError(t, err)
}

func TestEvolve_VersionsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	l, _ := seedLineage(t, s)
	engine := NewEngine(s, nil, nil)

	seen := map[uuid.UUID]bool{}
	for i := 0; i < 3; i++ {
		res, err := engine.Evolve(ctx, EvolveRequest{
			LineageID: l.ID, RolloutID: uuid.New(), AttemptID: uuid.New(), Score: 5,
		})
		require.NoError(t, err)
		assert.Equal(t, i+2, res.Definition.Version)
		assert.False(t, seen[res.Definition.ID], "definition ids are never reused")
		seen[res.Definition.ID] = true
	}
}

func TestEvolve_GeneratedPath(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	l, def := seedLineage(t, s)

	gen := &stubGenerator{configured: true, response: "```json\n" + `{
		"score_analysis": "the prompt never mentions deadlines",
		"plan": "add a deadlines section",
		"system_prompt": "You write weekly digests. Always include a deadlines section.",
		"credit": [
			{"kind": "prompt", "fragment": "You write weekly digests", "weight": 0.7, "rationale": "too vague"},
			{"kind": "trajectory", "span_sequence": 2, "weight": 0.3, "rationale": "search step returned nothing"},
			{"kind": "bogus", "weight": 1.0}
		]
	}` + "\n```"}
	engine := NewEngine(s, gen, nil)

	res, err := engine.Evolve(ctx, EvolveRequest{
		LineageID: l.ID, RolloutID: uuid.New(), AttemptID: uuid.New(), Score: 4, Comment: "no deadlines",
	})
	require.NoError(t, err)

	assert.True(t, res.Record.Generated)
	assert.NotEqual(t, def.SystemPrompt, res.Definition.SystemPrompt)
	assert.Contains(t, res.Definition.SystemPrompt, "deadlines")
	assert.Equal(t, "the prompt never mentions deadlines", res.Record.ScoreAnalysis)
	require.Len(t, res.Record.Credit, 2, "unknown credit kinds are dropped")
	assert.Equal(t, model.CreditPrompt, res.Record.Credit[0].Kind)
	assert.Equal(t, model.CreditTrajectory, res.Record.Credit[1].Kind)
	require.NotNil(t, res.Record.Credit[1].SpanSequence)
	assert.Equal(t, int64(2), *res.Record.Credit[1].SpanSequence)

	// Worse scores get hotter sampling.
	assert.InDelta(t, 0.76, gen.lastReq.Temperature, 1e-9)
}

func TestEvolve_GenerationErrorFallsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	l, _ := seedLineage(t, s)

	gen := &stubGenerator{configured: true, err: errors.New("connection refused")}
	engine := NewEngine(s, gen, nil)

	res, err := engine.Evolve(ctx, EvolveRequest{
		LineageID: l.ID, RolloutID: uuid.New(), AttemptID: uuid.New(), Score: 6,
	})
	require.NoError(t, err)
	assert.False(t, res.Record.Generated)
	assert.Equal(t, 2, res.Definition.Version)
}

func TestEvolve_UnparsableResponseFallsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	l, _ := seedLineage(t, s)

	gen := &stubGenerator{configured: true, response: "I think you should improve the prompt."}
	engine := NewEngine(s, gen, nil)

	res, err := engine.Evolve(ctx, EvolveRequest{
		LineageID: l.ID, RolloutID: uuid.New(), AttemptID: uuid.New(), Score: 6,
	})
	require.NoError(t, err)
	assert.False(t, res.Record.Generated)
}

func TestEvolve_LockedLineageRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	l, _ := seedLineage(t, s)
	require.NoError(t, s.SetLineageLock(ctx, l.ID, true))

	engine := NewEngine(s, nil, nil)
	_, err := engine.Evolve(ctx, EvolveRequest{
		LineageID: l.ID, RolloutID: uuid.New(), AttemptID: uuid.New(), Score: 5,
	})
	assert.ErrorIs(t, err, ErrLineageLocked)
}

func TestEvolve_InvalidScoreRejected(t *testing.T) {
	s := newStore(t)
	l, _ := seedLineage(t, s)
	engine := NewEngine(s, nil, nil)

	_, err := engine.Evolve(context.Background(), EvolveRequest{LineageID: l.ID, Score: 0})
	require.Error(t, err)
	_, err = engine.Evolve(context.Background(), EvolveRequest{LineageID: l.ID, Score: 11})
	require.Error(t, err)
}

func TestEvolve_DirectivesAppliedAndOneShotCleared(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	l, _ := seedLineage(t, s)

	sticky := "always cite alert ids"
	oneShot := "make it half as long"
	require.NoError(t, s.SetLineageDirectives(ctx, l.ID, &sticky, &oneShot))

	engine := NewEngine(s, nil, nil)
	res, err := engine.Evolve(ctx, EvolveRequest{
		LineageID: l.ID, RolloutID: uuid.New(), AttemptID: uuid.New(), Score: 5,
	})
	require.NoError(t, err)

	assert.Equal(t, sticky, res.Record.Trigger.StickyDirective)
	assert.Equal(t, oneShot, res.Record.Trigger.OneShotDirective)
	assert.Contains(t, res.Definition.SystemPrompt, sticky)
	assert.Contains(t, res.Definition.SystemPrompt, oneShot)

	got, err := s.GetLineage(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, sticky, got.StickyDirective, "sticky directive persists")
	assert.Empty(t, got.OneShotDirective, "one-shot directive is consumed")
}

func TestRecordOutcome_DeltaAndWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	l, _ := seedLineage(t, s)
	engine := NewEngine(s, nil, nil)

	res, err := engine.Evolve(ctx, EvolveRequest{
		LineageID: l.ID, RolloutID: uuid.New(), AttemptID: uuid.New(), Score: 3,
	})
	require.NoError(t, err)

	outcome, err := engine.RecordOutcome(ctx, l.ID, res.Definition.Version, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, outcome.NextScore)
	assert.Equal(t, 4, outcome.ScoreDelta)
	assert.True(t, outcome.HypothesisValidated)

	_, err = engine.RecordOutcome(ctx, l.ID, res.Definition.Version, 9)
	assert.ErrorIs(t, err, storage.ErrOutcomeRecorded)

	rec, err := s.GetEvolutionByToVersion(ctx, l.ID, res.Definition.Version)
	require.NoError(t, err)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, 7, rec.Outcome.NextScore)
}

func TestRecordOutcome_NegativeDeltaInvalidatesHypothesis(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	l, _ := seedLineage(t, s)
	engine := NewEngine(s, nil, nil)

	res, err := engine.Evolve(ctx, EvolveRequest{
		LineageID: l.ID, RolloutID: uuid.New(), AttemptID: uuid.New(), Score: 6,
	})
	require.NoError(t, err)

	outcome, err := engine.RecordOutcome(ctx, l.ID, res.Definition.Version, 4)
	require.NoError(t, err)
	assert.Equal(t, -2, outcome.ScoreDelta)
	assert.False(t, outcome.HypothesisValidated)
}

func TestTemperatureForScore(t *testing.T) {
	assert.InDelta(t, 0.4, temperatureForScore(10), 1e-9)
	assert.InDelta(t, 0.52, temperatureForScore(8), 1e-9)
	assert.InDelta(t, 0.7, temperatureForScore(5), 1e-9)
	assert.InDelta(t, 0.94, temperatureForScore(1), 1e-9)
	// Monotone: never hotter than 0.95, never cooler than 0.4.
	for score := 1; score <= 10; score++ {
		temp := temperatureForScore(score)
		assert.GreaterOrEqual(t, temp, 0.4)
		assert.LessOrEqual(t, temp, 0.95)
	}
}

func TestBandForScore(t *testing.T) {
	assert.Equal(t, bandSubstantial, bandForScore(1))
	assert.Equal(t, bandSubstantial, bandForScore(4))
	assert.Equal(t, bandModerate, bandForScore(5))
	assert.Equal(t, bandModerate, bandForScore(7))
	assert.Equal(t, bandRefine, bandForScore(8))
	assert.Equal(t, bandRefine, bandForScore(10))
}

func TestParseMutationResponse(t *testing.T) {
	plain := `{"system_prompt": "p", "plan": "q"}`
	resp, err := parseMutationResponse(plain)
	require.NoError(t, err)
	assert.Equal(t, "p", resp.SystemPrompt)

	fenced := "```json\n" + plain + "\n```"
	resp, err = parseMutationResponse(fenced)
	require.NoError(t, err)
	assert.Equal(t, "q", resp.Plan)

	prose := "Here is the revision:\n" + plain + "\nHope that helps."
	resp, err = parseMutationResponse(prose)
	require.NoError(t, err)
	assert.Equal(t, "p", resp.SystemPrompt)

	_, err = parseMutationResponse("not json at all")
	require.Error(t, err)
}

func TestHeuristicCredit_WeightsSumToOne(t *testing.T) {
	def := model.AgentDefinition{SystemPrompt: "First line.\nSecond line."}
	errMsg := "timeout"
	spans := []model.Span{
		{Sequence: 1, Type: model.SpanPrompt},
		{Sequence: 2, Type: model.SpanTool, ToolName: "search", Error: &errMsg},
		{Sequence: 3, Type: model.SpanTool, ToolName: "fetch", Error: &errMsg},
	}

	credit := heuristicCredit(def, model.EvolutionTrigger{Score: 3}, spans)
	require.Len(t, credit, 3)

	var sum float64
	var trajectories int
	for _, c := range credit {
		sum += c.Weight
		if c.Kind == model.CreditTrajectory {
			trajectories++
			require.NotNil(t, c.SpanSequence)
		}
	}
	assert.Equal(t, 2, trajectories)
	assert.InDelta(t, 1.0, sum, 1e-9)

	// No failures: all credit lands on the prompt.
	credit = heuristicCredit(def, model.EvolutionTrigger{Score: 3}, nil)
	require.Len(t, credit, 1)
	assert.Equal(t, model.CreditPrompt, credit[0].Kind)
	assert.Equal(t, "First line.", credit[0].Fragment)
	assert.InDelta(t, 1.0, credit[0].Weight, 1e-9)
}
