package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinka-ai/shinka/internal/evolution"
	"github.com/shinka-ai/shinka/internal/insight"
	"github.com/shinka-ai/shinka/internal/storage"
	"github.com/shinka-ai/shinka/model"
)

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	s := storage.NewMemoryStore()
	require.NoError(t, s.Init(context.Background()))
	engine := evolution.NewEngine(s, nil, nil)
	agg := insight.NewAggregator(s, nil)
	return New(s, engine, agg, "0.1.0", nil), s
}

// seedAttempt creates session → lineage → definition v1 → rollout →
// attempt and returns the lineage and attempt.
func seedAttempt(t *testing.T, s storage.Store) (model.Lineage, model.Attempt) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	sess := model.Session{ID: uuid.New(), Name: "t", Need: "n", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateSession(ctx, sess))
	l := model.Lineage{ID: uuid.New(), SessionID: sess.ID, Label: "main", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateLineage(ctx, l))
	def := model.AgentDefinition{ID: uuid.New(), LineageID: l.ID, Version: 1, Name: "a",
		SystemPrompt: "p", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.AppendDefinition(ctx, def))
	r := model.Rollout{ID: uuid.New(), LineageID: l.ID, CycleNumber: 1,
		Status: model.RolloutRunning, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateRollout(ctx, r))
	a := model.Attempt{ID: uuid.New(), RolloutID: r.ID, DefinitionID: def.ID,
		DefinitionVersion: 1, PromptHash: "x", ConfigHash: "y", StartedAt: now, CreatedAt: now}
	require.NoError(t, s.CreateAttempt(ctx, a))
	return l, a
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

// toolText extracts the first TextContent text from a CallToolResult.
func toolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestHandleScore(t *testing.T) {
	srv, s := newTestServer(t)
	_, a := seedAttempt(t, s)

	result, err := srv.handleScore(context.Background(), callRequest("shinka_score", map[string]any{
		"attempt_id": a.ID.String(),
		"score":      float64(8),
		"comment":    "solid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &payload))
	assert.Equal(t, "scored", payload["status"])
	// v1 has no producing evolution; nothing to settle.
	assert.Equal(t, false, payload["outcome_recorded"])

	got, err := s.GetAttempt(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.Equal(t, 8, *got.Score)
}

func TestHandleScore_SettlesPendingEvolutionOutcome(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	l, a := seedAttempt(t, s)

	// Evolve off the first attempt, then run and score an attempt on v2.
	engine := evolution.NewEngine(s, nil, nil)
	res, err := engine.Evolve(ctx, evolution.EvolveRequest{
		LineageID: l.ID, RolloutID: a.RolloutID, AttemptID: a.ID, Score: 3,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	r2 := model.Rollout{ID: uuid.New(), LineageID: l.ID, CycleNumber: 2,
		Status: model.RolloutRunning, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateRollout(ctx, r2))
	a2 := model.Attempt{ID: uuid.New(), RolloutID: r2.ID, DefinitionID: res.Definition.ID,
		DefinitionVersion: res.Definition.Version, PromptHash: "x", ConfigHash: "y",
		StartedAt: now, CreatedAt: now}
	require.NoError(t, s.CreateAttempt(ctx, a2))

	result, err := srv.handleScore(ctx, callRequest("shinka_score", map[string]any{
		"attempt_id": a2.ID.String(),
		"score":      float64(7),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &payload))
	assert.Equal(t, true, payload["outcome_recorded"])

	rec, err := s.GetEvolutionByToVersion(ctx, l.ID, res.Definition.Version)
	require.NoError(t, err)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, 7, rec.Outcome.NextScore)
	assert.Equal(t, 4, rec.Outcome.ScoreDelta)
}

func TestHandleScore_FoldsSettledOutcomeIntoInsights(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	l, a := seedAttempt(t, s)

	engine := evolution.NewEngine(s, nil, nil)
	res, err := engine.Evolve(ctx, evolution.EvolveRequest{
		LineageID: l.ID, RolloutID: a.RolloutID, AttemptID: a.ID, Score: 3,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	r2 := model.Rollout{ID: uuid.New(), LineageID: l.ID, CycleNumber: 2,
		Status: model.RolloutRunning, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateRollout(ctx, r2))
	a2 := model.Attempt{ID: uuid.New(), RolloutID: r2.ID, DefinitionID: res.Definition.ID,
		DefinitionVersion: res.Definition.Version, PromptHash: "x", ConfigHash: "y",
		StartedAt: now, CreatedAt: now}
	require.NoError(t, s.CreateAttempt(ctx, a2))

	result, err := srv.handleScore(ctx, callRequest("shinka_score", map[string]any{
		"attempt_id": a2.ID.String(),
		"score":      float64(7),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	// Scoring over MCP feeds the same insight row the library path does:
	// score 3 trigger -> substantial band, no generator -> fallback.
	insights, err := s.ListInsights(ctx)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, "substantial", insights[0].Pattern)
	assert.Equal(t, "fallback", insights[0].Context)
	assert.Equal(t, 1, insights[0].SuccessCount)
	assert.Equal(t, float64(4), insights[0].AvgScoreImpact)

	// Scoring an unevolved version leaves the table untouched.
	_, a3 := seedAttempt(t, s)
	_, err = srv.handleScore(ctx, callRequest("shinka_score", map[string]any{
		"attempt_id": a3.ID.String(),
		"score":      float64(5),
	}))
	require.NoError(t, err)
	insights, err = s.ListInsights(ctx)
	require.NoError(t, err)
	assert.Len(t, insights, 1)
}

func TestHandleScore_Validation(t *testing.T) {
	srv, s := newTestServer(t)
	_, a := seedAttempt(t, s)

	result, err := srv.handleScore(context.Background(), callRequest("shinka_score", map[string]any{
		"attempt_id": "not-a-uuid", "score": float64(5),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleScore(context.Background(), callRequest("shinka_score", map[string]any{
		"attempt_id": a.ID.String(), "score": float64(11),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleHistory(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	l, a := seedAttempt(t, s)

	engine := evolution.NewEngine(s, nil, nil)
	_, err := engine.Evolve(ctx, evolution.EvolveRequest{
		LineageID: l.ID, RolloutID: a.RolloutID, AttemptID: a.ID, Score: 5,
	})
	require.NoError(t, err)

	result, err := srv.handleHistory(ctx, callRequest("shinka_history", map[string]any{
		"lineage_id": l.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload struct {
		Definitions []model.AgentDefinition `json:"definitions"`
		Evolutions  []model.EvolutionRecord `json:"evolutions"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &payload))
	assert.Len(t, payload.Definitions, 2)
	assert.Len(t, payload.Evolutions, 1)

	result, err = srv.handleHistory(ctx, callRequest("shinka_history", map[string]any{
		"lineage_id": uuid.New().String(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleInsights_ConfidenceFilter(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	agg := insight.NewAggregator(s, nil)
	_, err := agg.Observe(ctx, "low", "c", false, -1) // confidence 0
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = agg.Observe(ctx, "high", "c", true, 2) // confidence 1
		require.NoError(t, err)
	}

	result, err := srv.handleInsights(ctx, callRequest("shinka_insights", map[string]any{
		"min_confidence": 0.5,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload struct {
		Insights []model.LearningInsight `json:"insights"`
		Total    int                     `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &payload))
	require.Equal(t, 1, payload.Total)
	assert.Equal(t, "high", payload.Insights[0].Pattern)
}

func TestInsightsResource(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	agg := insight.NewAggregator(s, nil)
	_, err := agg.Observe(ctx, "p", "c", true, 1)
	require.NoError(t, err)

	contents, err := srv.handleInsightsResource(ctx, mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"p"`)
}
