package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shinka-ai/shinka/model"
)

// MemoryStore is an in-memory Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[uuid.UUID]model.Session
	lineages    map[uuid.UUID]model.Lineage
	definitions map[uuid.UUID][]model.AgentDefinition // keyed by lineage id
	rollouts    map[uuid.UUID]model.Rollout
	attempts    map[uuid.UUID]model.Attempt
	spans       map[uuid.UUID][]model.Span // keyed by attempt id
	evolutions  map[uuid.UUID]model.EvolutionRecord
	insights    map[insightKey]model.LearningInsight
	audit       []AuditEntry
}

type insightKey struct {
	pattern string
	context string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[uuid.UUID]model.Session)
	s.lineages = make(map[uuid.UUID]model.Lineage)
	s.definitions = make(map[uuid.UUID][]model.AgentDefinition)
	s.rollouts = make(map[uuid.UUID]model.Rollout)
	s.attempts = make(map[uuid.UUID]model.Attempt)
	s.spans = make(map[uuid.UUID][]model.Span)
	s.evolutions = make(map[uuid.UUID]model.EvolutionRecord)
	s.insights = make(map[insightKey]model.LearningInsight)
	s.audit = nil
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// ---- Sessions ------------------------------------------------------------

func (s *MemoryStore) CreateSession(_ context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	s.audit = append(s.audit, newAudit(AuditSessionCreated, "session", sess.ID, nil))
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) UpdateSessionNeed(_ context.Context, id uuid.UUID, need string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Need = need
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[id] = sess
	s.audit = append(s.audit, newAudit(AuditSessionEdited, "session", id, map[string]any{"need": need}))
	return nil
}

// ---- Lineages ------------------------------------------------------------

func (s *MemoryStore) CreateLineage(_ context.Context, l model.Lineage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.lineages {
		if existing.SessionID == l.SessionID && existing.Label == l.Label {
			return ErrLineageExists
		}
	}
	s.lineages[l.ID] = l
	s.audit = append(s.audit, newAudit(AuditLineageCreated, "lineage", l.ID, map[string]any{"label": l.Label}))
	return nil
}

func (s *MemoryStore) GetLineage(_ context.Context, id uuid.UUID) (model.Lineage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lineages[id]
	if !ok {
		return model.Lineage{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) ListLineages(_ context.Context, sessionID uuid.UUID) ([]model.Lineage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Lineage
	for _, l := range s.lineages {
		if l.SessionID == sessionID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (s *MemoryStore) SetLineageLock(_ context.Context, id uuid.UUID, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lineages[id]
	if !ok {
		return ErrNotFound
	}
	l.Locked = locked
	l.UpdatedAt = time.Now().UTC()
	s.lineages[id] = l
	s.audit = append(s.audit, newAudit(AuditLockToggled, "lineage", id, map[string]any{"locked": locked}))
	return nil
}

func (s *MemoryStore) SetLineageDirectives(_ context.Context, id uuid.UUID, sticky, oneShot *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lineages[id]
	if !ok {
		return ErrNotFound
	}
	if sticky != nil {
		l.StickyDirective = *sticky
	}
	if oneShot != nil {
		l.OneShotDirective = *oneShot
	}
	l.UpdatedAt = time.Now().UTC()
	s.lineages[id] = l
	s.audit = append(s.audit, newAudit(AuditDirectivesSet, "lineage", id, nil))
	return nil
}

func (s *MemoryStore) DeleteLineage(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lineages[id]; !ok {
		return ErrNotFound
	}
	delete(s.lineages, id)
	delete(s.definitions, id)
	for rid, r := range s.rollouts {
		if r.LineageID != id {
			continue
		}
		for aid, a := range s.attempts {
			if a.RolloutID == rid {
				delete(s.attempts, aid)
				delete(s.spans, aid)
			}
		}
		delete(s.rollouts, rid)
	}
	for eid, rec := range s.evolutions {
		if rec.LineageID == id {
			delete(s.evolutions, eid)
		}
	}
	s.audit = append(s.audit, newAudit(AuditLineageDeleted, "lineage", id, nil))
	return nil
}

// ---- Agent definitions ---------------------------------------------------

func (s *MemoryStore) AppendDefinition(_ context.Context, def model.AgentDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.LineageID] = append(s.definitions[def.LineageID], def)
	s.audit = append(s.audit, newAudit(AuditDefinitionCreated, "agent_definition", def.ID,
		map[string]any{"version": def.Version}))
	return nil
}

func (s *MemoryStore) LatestDefinition(_ context.Context, lineageID uuid.UUID) (model.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := s.definitions[lineageID]
	if len(defs) == 0 {
		return model.AgentDefinition{}, ErrNotFound
	}
	latest := defs[0]
	for _, d := range defs[1:] {
		if d.Version > latest.Version {
			latest = d
		}
	}
	return latest, nil
}

func (s *MemoryStore) DefinitionHistory(_ context.Context, lineageID uuid.UUID) ([]model.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := append([]model.AgentDefinition(nil), s.definitions[lineageID]...)
	sort.Slice(defs, func(i, j int) bool { return defs[i].Version < defs[j].Version })
	return defs, nil
}

// ---- Rollouts ------------------------------------------------------------

func (s *MemoryStore) CreateRollout(_ context.Context, r model.Rollout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollouts[r.ID] = r
	return nil
}

func (s *MemoryStore) GetRollout(_ context.Context, id uuid.UUID) (model.Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rollouts[id]
	if !ok {
		return model.Rollout{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListRollouts(_ context.Context, lineageID uuid.UUID) ([]model.Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Rollout
	for _, r := range s.rollouts {
		if r.LineageID == lineageID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleNumber < out[j].CycleNumber })
	return out, nil
}

func (s *MemoryStore) SetRolloutStatus(_ context.Context, id uuid.UUID, status model.RolloutStatus, finalAttemptID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rollouts[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if finalAttemptID != nil {
		r.FinalAttemptID = finalAttemptID
	}
	r.UpdatedAt = time.Now().UTC()
	s.rollouts[id] = r
	return nil
}

// ---- Attempts ------------------------------------------------------------

func (s *MemoryStore) CreateAttempt(_ context.Context, a model.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, id uuid.UUID) (model.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return model.Attempt{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, rolloutID uuid.UUID) ([]model.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Attempt
	for _, a := range s.attempts {
		if a.RolloutID == rolloutID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) CompleteAttempt(_ context.Context, a model.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.attempts[a.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Output = a.Output
	existing.Error = a.Error
	existing.CompletedAt = a.CompletedAt
	existing.DurationMs = a.DurationMs
	existing.Tokens = a.Tokens
	existing.CostUSD = a.CostUSD
	s.attempts[a.ID] = existing
	return nil
}

func (s *MemoryStore) ScoreAttempt(_ context.Context, id uuid.UUID, score int, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return ErrNotFound
	}
	a.Score = &score
	if comment != "" {
		a.ScoreComment = &comment
	}
	s.attempts[id] = a
	s.audit = append(s.audit, newAudit(AuditAttemptScored, "attempt", id, map[string]any{"score": score}))
	return nil
}

// ---- Spans ---------------------------------------------------------------

func (s *MemoryStore) AppendSpan(_ context.Context, span model.Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spans[span.AttemptID] = append(s.spans[span.AttemptID], span)
	return nil
}

func (s *MemoryStore) ListSpans(_ context.Context, attemptID uuid.UUID) ([]model.Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spans := append([]model.Span(nil), s.spans[attemptID]...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].Sequence < spans[j].Sequence })
	return spans, nil
}

// ---- Evolution records ---------------------------------------------------

func (s *MemoryStore) CreateEvolution(_ context.Context, rec model.EvolutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evolutions[rec.ID] = rec
	s.audit = append(s.audit, newAudit(AuditEvolutionCreated, "evolution", rec.ID,
		map[string]any{"from_version": rec.FromVersion, "to_version": rec.ToVersion}))
	return nil
}

func (s *MemoryStore) GetEvolutionByToVersion(_ context.Context, lineageID uuid.UUID, toVersion int) (model.EvolutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.evolutions {
		if rec.LineageID == lineageID && rec.ToVersion == toVersion {
			return rec, nil
		}
	}
	return model.EvolutionRecord{}, ErrNotFound
}

func (s *MemoryStore) ListEvolutions(_ context.Context, lineageID uuid.UUID) ([]model.EvolutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.EvolutionRecord
	for _, rec := range s.evolutions {
		if rec.LineageID == lineageID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToVersion < out[j].ToVersion })
	return out, nil
}

func (s *MemoryStore) RecordEvolutionOutcome(_ context.Context, id uuid.UUID, outcome model.EvolutionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.evolutions[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Outcome != nil {
		return ErrOutcomeRecorded
	}
	rec.Outcome = &outcome
	rec.UpdatedAt = time.Now().UTC()
	s.evolutions[id] = rec
	s.audit = append(s.audit, newAudit(AuditOutcomeRecorded, "evolution", id,
		map[string]any{"next_score": outcome.NextScore, "score_delta": outcome.ScoreDelta}))
	return nil
}

// ---- Learning insights ---------------------------------------------------

func (s *MemoryStore) GetInsight(_ context.Context, pattern, context string) (model.LearningInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	li, ok := s.insights[insightKey{pattern, context}]
	if !ok {
		return model.LearningInsight{}, ErrNotFound
	}
	return li, nil
}

func (s *MemoryStore) UpsertInsight(_ context.Context, li model.LearningInsight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights[insightKey{li.Pattern, li.Context}] = li
	return nil
}

func (s *MemoryStore) ListInsights(_ context.Context) ([]model.LearningInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.LearningInsight, 0, len(s.insights))
	for _, li := range s.insights {
		out = append(out, li)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return out[i].Context < out[j].Context
	})
	return out, nil
}

// ---- Audit trail ---------------------------------------------------------

func (s *MemoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := append([]AuditEntry(nil), s.audit...)
	// Newest first, matching the SQL backends.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
