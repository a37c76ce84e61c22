package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinka-ai/shinka/model"
)

// runBackends runs fn once per embedded backend. The Postgres backend
// has its own container-based suite in postgres_test.go.
func runBackends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			return NewSQLiteStore(filepath.Join(t.TempDir(), "shinka.db"), nil)
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			require.NoError(t, s.Init(context.Background()))
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func newTestSession(t *testing.T, s Store) model.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := model.Session{
		ID:        uuid.New(),
		Name:      "weekly digest",
		Need:      "summarize the week's alerts into a digest",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func newTestLineage(t *testing.T, s Store, sessionID uuid.UUID, label string) model.Lineage {
	t.Helper()
	now := time.Now().UTC()
	l := model.Lineage{
		ID:        uuid.New(),
		SessionID: sessionID,
		Label:     label,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateLineage(context.Background(), l))
	return l
}

func newTestDefinition(lineageID uuid.UUID, version int) model.AgentDefinition {
	now := time.Now().UTC()
	return model.AgentDefinition{
		ID:           uuid.New(),
		LineageID:    lineageID,
		Version:      version,
		Name:         "digest-writer",
		SystemPrompt: "You summarize alert streams into concise digests.",
		Tools: []model.ToolDescriptor{
			{Name: "search_alerts", Type: model.ToolDescriptorCustom},
		},
		Sampling:  model.SamplingParams{Temperature: 0.7, MaxTokens: 2048},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_SessionRoundTrip(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newTestSession(t, s)

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.Equal(t, sess.Name, got.Name)
		assert.Equal(t, sess.Need, got.Need)

		require.NoError(t, s.UpdateSessionNeed(ctx, sess.ID, "new need"))
		got, err = s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "new need", got.Need)

		_, err = s.GetSession(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateSessionNeed(ctx, uuid.New(), "x"), ErrNotFound)
	})
}

func TestStore_LineageLabelUniquePerSession(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newTestSession(t, s)
		newTestLineage(t, s, sess.ID, "alpha")

		dup := model.Lineage{ID: uuid.New(), SessionID: sess.ID, Label: "alpha",
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
		assert.ErrorIs(t, s.CreateLineage(ctx, dup), ErrLineageExists)

		// Same label in a different session is fine.
		other := newTestSession(t, s)
		newTestLineage(t, s, other.ID, "alpha")

		lineages, err := s.ListLineages(ctx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, lineages, 1)
	})
}

func TestStore_LineageLockAndDirectives(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newTestSession(t, s)
		l := newTestLineage(t, s, sess.ID, "beta")

		require.NoError(t, s.SetLineageLock(ctx, l.ID, true))
		got, err := s.GetLineage(ctx, l.ID)
		require.NoError(t, err)
		assert.True(t, got.Locked)

		sticky := "always cite sources"
		oneShot := "be shorter next time"
		require.NoError(t, s.SetLineageDirectives(ctx, l.ID, &sticky, &oneShot))
		got, err = s.GetLineage(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, sticky, got.StickyDirective)
		assert.Equal(t, oneShot, got.OneShotDirective)

		// Nil leaves the other directive untouched.
		cleared := ""
		require.NoError(t, s.SetLineageDirectives(ctx, l.ID, nil, &cleared))
		got, err = s.GetLineage(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, sticky, got.StickyDirective)
		assert.Empty(t, got.OneShotDirective)
	})
}

func TestStore_DeleteLineageCascadesSubtree(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newTestSession(t, s)
		l := newTestLineage(t, s, sess.ID, "gamma")
		def := newTestDefinition(l.ID, 1)
		require.NoError(t, s.AppendDefinition(ctx, def))

		now := time.Now().UTC()
		r := model.Rollout{ID: uuid.New(), LineageID: l.ID, CycleNumber: 1,
			Status: model.RolloutRunning, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateRollout(ctx, r))
		a := model.Attempt{ID: uuid.New(), RolloutID: r.ID, DefinitionID: def.ID,
			DefinitionVersion: 1, PromptHash: "x", ConfigHash: "y", StartedAt: now, CreatedAt: now}
		require.NoError(t, s.CreateAttempt(ctx, a))
		require.NoError(t, s.AppendSpan(ctx, model.Span{ID: uuid.New(), AttemptID: a.ID,
			Sequence: 1, Type: model.SpanTool, ToolName: "search_alerts", CreatedAt: now}))
		rec := model.EvolutionRecord{ID: uuid.New(), LineageID: l.ID, FromVersion: 1, ToVersion: 2,
			Trigger: model.EvolutionTrigger{Score: 4}, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateEvolution(ctx, rec))

		// A sibling lineage's subtree must survive the delete.
		other := newTestLineage(t, s, sess.ID, "gamma-keep")
		otherRollout := model.Rollout{ID: uuid.New(), LineageID: other.ID, CycleNumber: 1,
			Status: model.RolloutRunning, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateRollout(ctx, otherRollout))

		require.NoError(t, s.DeleteLineage(ctx, l.ID))

		_, err := s.GetLineage(ctx, l.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.LatestDefinition(ctx, l.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetRollout(ctx, r.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetAttempt(ctx, a.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		spans, err := s.ListSpans(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, spans)
		evolutions, err := s.ListEvolutions(ctx, l.ID)
		require.NoError(t, err)
		assert.Empty(t, evolutions)

		_, err = s.GetRollout(ctx, otherRollout.ID)
		assert.NoError(t, err)

		assert.ErrorIs(t, s.DeleteLineage(ctx, l.ID), ErrNotFound)
	})
}

func TestStore_DefinitionVersioning(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newTestSession(t, s)
		l := newTestLineage(t, s, sess.ID, "delta")

		v1 := newTestDefinition(l.ID, 1)
		v3 := newTestDefinition(l.ID, 3)
		v2 := newTestDefinition(l.ID, 2)
		// Out-of-order appends: latest must still resolve by version.
		require.NoError(t, s.AppendDefinition(ctx, v1))
		require.NoError(t, s.AppendDefinition(ctx, v3))
		require.NoError(t, s.AppendDefinition(ctx, v2))

		latest, err := s.LatestDefinition(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, latest.Version)
		assert.Equal(t, v3.ID, latest.ID)

		history, err := s.DefinitionHistory(ctx, l.ID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{history[0].Version, history[1].Version, history[2].Version})
	})
}

func TestStore_DefinitionAllowedToolsNilVsEmpty(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newTestSession(t, s)
		l := newTestLineage(t, s, sess.ID, "epsilon")

		unset := newTestDefinition(l.ID, 1)
		unset.Constraints.AllowedTools = nil
		require.NoError(t, s.AppendDefinition(ctx, unset))

		got, err := s.LatestDefinition(ctx, l.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Constraints.AllowedTools)

		empty := newTestDefinition(l.ID, 2)
		empty.Constraints.AllowedTools = []string{}
		require.NoError(t, s.AppendDefinition(ctx, empty))

		got, err = s.LatestDefinition(ctx, l.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Constraints.AllowedTools, "empty allow-list must not collapse to nil")
		assert.Empty(t, got.Constraints.AllowedTools)
	})
}

func TestStore_RolloutLifecycle(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newTestSession(t, s)
		l := newTestLineage(t, s, sess.ID, "zeta")

		now := time.Now().UTC()
		r := model.Rollout{ID: uuid.New(), LineageID: l.ID, CycleNumber: 1,
			Status: model.RolloutPending, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateRollout(ctx, r))

		require.NoError(t, s.SetRolloutStatus(ctx, r.ID, model.RolloutRunning, nil))
		got, err := s.GetRollout(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RolloutRunning, got.Status)
		assert.Nil(t, got.FinalAttemptID)

		final := uuid.New()
		require.NoError(t, s.SetRolloutStatus(ctx, r.ID, model.RolloutCompleted, &final))
		got, err = s.GetRollout(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RolloutCompleted, got.Status)
		require.NotNil(t, got.FinalAttemptID)
		assert.Equal(t, final, *got.FinalAttemptID)

		list, err := s.ListRollouts(ctx, l.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestStore_AttemptLifecycleAndScoring(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newTestSession(t, s)
		l := newTestLineage(t, s, sess.ID, "eta")
		def := newTestDefinition(l.ID, 1)
		require.NoError(t, s.AppendDefinition(ctx, def))

		now := time.Now().UTC()
		r := model.Rollout{ID: uuid.New(), LineageID: l.ID, CycleNumber: 1,
			Status: model.RolloutRunning, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateRollout(ctx, r))

		a := model.Attempt{
			ID:                uuid.New(),
			RolloutID:         r.ID,
			DefinitionID:      def.ID,
			DefinitionVersion: def.Version,
			PromptHash:        "abc123",
			ConfigHash:        "def456",
			ModelID:           "llama3.1",
			Sampling:          def.Sampling,
			Input:             "summarize this week",
			StartedAt:         now,
			CreatedAt:         now,
		}
		require.NoError(t, s.CreateAttempt(ctx, a))

		got, err := s.GetAttempt(ctx, a.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Output)
		assert.Nil(t, got.Score)
		assert.Equal(t, "abc123", got.PromptHash)
		assert.Equal(t, 0.7, got.Sampling.Temperature)

		output := "here is your digest"
		completed := now.Add(2 * time.Second)
		a.Output = &output
		a.CompletedAt = &completed
		a.DurationMs = 2000
		a.Tokens = model.TokenUsage{Input: 500, Output: 120}
		a.CostUSD = 0.0042
		require.NoError(t, s.CompleteAttempt(ctx, a))

		got, err = s.GetAttempt(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Output)
		assert.Equal(t, output, *got.Output)
		assert.Equal(t, int64(2000), got.DurationMs)
		assert.Equal(t, 500, got.Tokens.Input)
		assert.InDelta(t, 0.0042, got.CostUSD, 1e-9)

		require.NoError(t, s.ScoreAttempt(ctx, a.ID, 7, "decent but verbose"))
		got, err = s.GetAttempt(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Score)
		assert.Equal(t, 7, *got.Score)
		require.NotNil(t, got.ScoreComment)
		assert.Equal(t, "decent but verbose", *got.ScoreComment)

		// Rescoring overwrites.
		require.NoError(t, s.ScoreAttempt(ctx, a.ID, 4, ""))
		got, err = s.GetAttempt(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, *got.Score)

		assert.ErrorIs(t, s.ScoreAttempt(ctx, uuid.New(), 5, ""), ErrNotFound)
	})
}

func TestStore_SpansOrderedBySequence(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		attemptID := uuid.New()
		now := time.Now().UTC()

		parent := model.Span{ID: uuid.New(), AttemptID: attemptID, Sequence: 1,
			Type: model.SpanPrompt, Name: "system", CreatedAt: now}
		child := model.Span{ID: uuid.New(), AttemptID: attemptID, ParentSpanID: &parent.ID,
			Sequence: 2, Type: model.SpanTool, ToolName: "search_alerts",
			ToolArgs: map[string]any{"query": "errors"}, ToolOutput: `{"hits":3}`, CreatedAt: now}

		// Append out of order; reads are sequence-ordered.
		require.NoError(t, s.AppendSpan(ctx, child))
		require.NoError(t, s.AppendSpan(ctx, parent))

		spans, err := s.ListSpans(ctx, attemptID)
		require.NoError(t, err)
		require.Len(t, spans, 2)
		assert.Equal(t, int64(1), spans[0].Sequence)
		assert.Equal(t, int64(2), spans[1].Sequence)
		require.NotNil(t, spans[1].ParentSpanID)
		assert.Equal(t, parent.ID, *spans[1].ParentSpanID)
		assert.Equal(t, "errors", spans[1].ToolArgs["query"])
	})
}

func TestStore_EvolutionRecordRoundTrip(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newTestSession(t, s)
		l := newTestLineage(t, s, sess.ID, "theta")

		seq := int64(3)
		now := time.Now().UTC()
		rec := model.EvolutionRecord{
			ID:          uuid.New(),
			LineageID:   l.ID,
			FromVersion: 1,
			ToVersion:   2,
			Trigger: model.EvolutionTrigger{
				RolloutID: uuid.New(), AttemptID: uuid.New(), Score: 3, Comment: "missed the deadline section",
			},
			ScoreAnalysis: "low score driven by missing content",
			Credit: []model.CreditAssignment{
				{Kind: model.CreditPrompt, Fragment: "You summarize alert streams", Weight: 0.6},
				{Kind: model.CreditTrajectory, SpanSequence: &seq, Weight: 0.4},
			},
			Plan:      "add an explicit deadlines section to the prompt",
			Changes:   []model.EvolutionChange{{Field: "system_prompt", Before: "old", After: "new"}},
			Generated: true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, s.CreateEvolution(ctx, rec))

		got, err := s.GetEvolutionByToVersion(ctx, l.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, 3, got.Trigger.Score)
		require.Len(t, got.Credit, 2)
		assert.Equal(t, model.CreditPrompt, got.Credit[0].Kind)
		require.NotNil(t, got.Credit[1].SpanSequence)
		assert.Equal(t, int64(3), *got.Credit[1].SpanSequence)
		assert.True(t, got.Generated)
		assert.Nil(t, got.Outcome)

		list, err := s.ListEvolutions(ctx, l.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestStore_EvolutionOutcomeWriteOnce(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newTestSession(t, s)
		l := newTestLineage(t, s, sess.ID, "iota")

		now := time.Now().UTC()
		rec := model.EvolutionRecord{ID: uuid.New(), LineageID: l.ID, FromVersion: 1, ToVersion: 2,
			Trigger: model.EvolutionTrigger{Score: 4}, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateEvolution(ctx, rec))

		first := model.EvolutionOutcome{NextScore: 7, ScoreDelta: 3, HypothesisValidated: true, RecordedAt: now}
		require.NoError(t, s.RecordEvolutionOutcome(ctx, rec.ID, first))

		second := model.EvolutionOutcome{NextScore: 2, ScoreDelta: -2, RecordedAt: now}
		assert.ErrorIs(t, s.RecordEvolutionOutcome(ctx, rec.ID, second), ErrOutcomeRecorded)

		got, err := s.GetEvolutionByToVersion(ctx, l.ID, 2)
		require.NoError(t, err)
		require.NotNil(t, got.Outcome)
		assert.Equal(t, 7, got.Outcome.NextScore, "first write wins")

		assert.ErrorIs(t, s.RecordEvolutionOutcome(ctx, uuid.New(), first), ErrNotFound)
	})
}

func TestStore_InsightUpsert(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetInsight(ctx, "add_section", "digest")
		assert.ErrorIs(t, err, ErrNotFound)

		li := model.LearningInsight{ID: uuid.New(), Pattern: "add_section", Context: "digest",
			SuccessCount: 1, AvgScoreImpact: 2, Confidence: 0.2, UpdatedAt: time.Now().UTC()}
		require.NoError(t, s.UpsertInsight(ctx, li))

		li.SuccessCount = 2
		li.Confidence = 0.4
		require.NoError(t, s.UpsertInsight(ctx, li))

		got, err := s.GetInsight(ctx, "add_section", "digest")
		require.NoError(t, err)
		assert.Equal(t, 2, got.SuccessCount)
		assert.InDelta(t, 0.4, got.Confidence, 1e-9)

		all, err := s.ListInsights(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestStore_AuditTrailAppendedByMutations(t *testing.T) {
	runBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newTestSession(t, s)
		l := newTestLineage(t, s, sess.ID, "kappa")
		require.NoError(t, s.SetLineageLock(ctx, l.ID, true))

		entries, err := s.ListAudit(ctx, 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)

		types := make([]string, len(entries))
		for i, e := range entries {
			types[i] = e.EventType
		}
		assert.Contains(t, types, AuditSessionCreated)
		assert.Contains(t, types, AuditLineageCreated)
		assert.Contains(t, types, AuditLockToggled)

		limited, err := s.ListAudit(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestOpen_UnsupportedBackend(t *testing.T) {
	_, err := Open("cassandra", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")

	s, err := Open("", "", nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}
