package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shinka-ai/shinka/model"
)

// PostgresStore is the shared-deployment backend, backed by a pgx pool.
type PostgresStore struct {
	dsn    string
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates a store that will connect to the given DSN on Init.
func NewPostgresStore(dsn string, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{dsn: dsn, logger: logger}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	need       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS lineages (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL REFERENCES sessions(id),
	label              TEXT NOT NULL,
	locked             BOOLEAN NOT NULL DEFAULT FALSE,
	sticky_directive   TEXT NOT NULL DEFAULT '',
	one_shot_directive TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	UNIQUE (session_id, label)
);

CREATE TABLE IF NOT EXISTS agent_definitions (
	id            TEXT PRIMARY KEY,
	lineage_id    TEXT NOT NULL REFERENCES lineages(id) ON DELETE CASCADE,
	version       INTEGER NOT NULL,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL,
	tools         JSONB NOT NULL,
	flow          JSONB NOT NULL,
	memory        JSONB NOT NULL,
	sampling      JSONB NOT NULL,
	constraints   JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (lineage_id, version)
);

CREATE TABLE IF NOT EXISTS rollouts (
	id               TEXT PRIMARY KEY,
	lineage_id       TEXT NOT NULL,
	cycle_number     INTEGER NOT NULL,
	status           TEXT NOT NULL,
	final_attempt_id TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rollouts_lineage ON rollouts(lineage_id, cycle_number);

CREATE TABLE IF NOT EXISTS attempts (
	id                 TEXT PRIMARY KEY,
	rollout_id         TEXT NOT NULL,
	definition_id      TEXT NOT NULL,
	definition_version INTEGER NOT NULL,
	prompt_hash        TEXT NOT NULL,
	config_hash        TEXT NOT NULL,
	model_id           TEXT NOT NULL DEFAULT '',
	sampling           JSONB NOT NULL,
	input              TEXT NOT NULL DEFAULT '',
	output             TEXT,
	error              TEXT,
	started_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	duration_ms        BIGINT NOT NULL DEFAULT 0,
	tokens             JSONB NOT NULL,
	cost_usd           DOUBLE PRECISION NOT NULL DEFAULT 0,
	score              INTEGER,
	score_comment      TEXT,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_rollout ON attempts(rollout_id, started_at);

CREATE TABLE IF NOT EXISTS spans (
	id             TEXT PRIMARY KEY,
	attempt_id     TEXT NOT NULL,
	parent_span_id TEXT,
	sequence       BIGINT NOT NULL,
	type           TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	input          TEXT NOT NULL DEFAULT '',
	output         TEXT NOT NULL DEFAULT '',
	tool_name      TEXT NOT NULL DEFAULT '',
	tool_args      JSONB,
	tool_output    TEXT NOT NULL DEFAULT '',
	error          TEXT,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	tokens         JSONB NOT NULL,
	cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spans_attempt ON spans(attempt_id, sequence);

CREATE TABLE IF NOT EXISTS evolutions (
	id             TEXT PRIMARY KEY,
	lineage_id     TEXT NOT NULL,
	from_version   INTEGER NOT NULL,
	to_version     INTEGER NOT NULL,
	trigger_data   JSONB NOT NULL,
	score_analysis TEXT NOT NULL DEFAULT '',
	credit         JSONB NOT NULL,
	plan           TEXT NOT NULL DEFAULT '',
	changes        JSONB NOT NULL,
	generated      BOOLEAN NOT NULL DEFAULT FALSE,
	outcome        JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evolutions_lineage ON evolutions(lineage_id, to_version);

CREATE TABLE IF NOT EXISTS insights (
	id               TEXT PRIMARY KEY,
	pattern          TEXT NOT NULL,
	context          TEXT NOT NULL,
	success_count    INTEGER NOT NULL DEFAULT 0,
	failure_count    INTEGER NOT NULL DEFAULT 0,
	avg_score_impact DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (pattern, context)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	data        JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);
`

func (s *PostgresStore) Init(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("storage: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("storage: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return fmt.Errorf("storage: apply postgres schema: %w", err)
	}
	s.pool = pool
	s.logger.Debug("postgres store initialized")
	return nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

func (s *PostgresStore) appendAudit(ctx context.Context, e AuditEntry) error {
	var data *string
	if e.Data != nil {
		raw, err := toJSON(e.Data)
		if err != nil {
			return err
		}
		data = &raw
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, event_type, entity_type, entity_id, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID.String(), e.EventType, e.EntityType, e.EntityID, data, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}

// ---- Sessions ------------------------------------------------------------

func (s *PostgresStore) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, name, need, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		sess.ID.String(), sess.Name, sess.Need, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: create session: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditSessionCreated, "session", sess.ID, nil))
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	var sess model.Session
	var rawID string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, need, created_at, updated_at FROM sessions WHERE id = $1`, id.String()).
		Scan(&rawID, &sess.Name, &sess.Need, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	if sess.ID, err = uuid.Parse(rawID); err != nil {
		return model.Session{}, fmt.Errorf("storage: parse session id: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSessionNeed(ctx context.Context, id uuid.UUID, need string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET need = $1, updated_at = $2 WHERE id = $3`,
		need, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("storage: update session need: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return s.appendAudit(ctx, newAudit(AuditSessionEdited, "session", id, map[string]any{"need": need}))
}

// ---- Lineages ------------------------------------------------------------

func (s *PostgresStore) CreateLineage(ctx context.Context, l model.Lineage) error {
	var exists int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM lineages WHERE session_id = $1 AND label = $2`,
		l.SessionID.String(), l.Label).Scan(&exists)
	if err != nil {
		return fmt.Errorf("storage: check lineage label: %w", err)
	}
	if exists > 0 {
		return ErrLineageExists
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO lineages (id, session_id, label, locked, sticky_directive, one_shot_directive, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID.String(), l.SessionID.String(), l.Label, l.Locked,
		l.StickyDirective, l.OneShotDirective, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: create lineage: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditLineageCreated, "lineage", l.ID, map[string]any{"label": l.Label}))
}

func (s *PostgresStore) scanLineageRow(row pgx.Row) (model.Lineage, error) {
	var l model.Lineage
	var rawID, rawSession string
	err := row.Scan(&rawID, &rawSession, &l.Label, &l.Locked, &l.StickyDirective,
		&l.OneShotDirective, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return model.Lineage{}, ErrNotFound
		}
		return model.Lineage{}, fmt.Errorf("storage: scan lineage: %w", err)
	}
	if l.ID, err = uuid.Parse(rawID); err != nil {
		return model.Lineage{}, fmt.Errorf("storage: parse lineage id: %w", err)
	}
	if l.SessionID, err = uuid.Parse(rawSession); err != nil {
		return model.Lineage{}, fmt.Errorf("storage: parse lineage session id: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) GetLineage(ctx context.Context, id uuid.UUID) (model.Lineage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+lineageColumns+` FROM lineages WHERE id = $1`, id.String())
	return s.scanLineageRow(row)
}

func (s *PostgresStore) ListLineages(ctx context.Context, sessionID uuid.UUID) ([]model.Lineage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lineageColumns+` FROM lineages WHERE session_id = $1 ORDER BY label`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list lineages: %w", err)
	}
	defer rows.Close()
	var out []model.Lineage
	for rows.Next() {
		l, err := s.scanLineageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetLineageLock(ctx context.Context, id uuid.UUID, locked bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lineages SET locked = $1, updated_at = $2 WHERE id = $3`,
		locked, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("storage: set lineage lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return s.appendAudit(ctx, newAudit(AuditLockToggled, "lineage", id, map[string]any{"locked": locked}))
}

func (s *PostgresStore) SetLineageDirectives(ctx context.Context, id uuid.UUID, sticky, oneShot *string) error {
	l, err := s.GetLineage(ctx, id)
	if err != nil {
		return err
	}
	if sticky != nil {
		l.StickyDirective = *sticky
	}
	if oneShot != nil {
		l.OneShotDirective = *oneShot
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE lineages SET sticky_directive = $1, one_shot_directive = $2, updated_at = $3 WHERE id = $4`,
		l.StickyDirective, l.OneShotDirective, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("storage: set lineage directives: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditDirectivesSet, "lineage", id, nil))
}

// DeleteLineage removes the lineage and its whole subtree: definitions,
// rollouts, attempts, spans, and evolution records. One transaction, so
// a partial cascade never survives.
func (s *PostgresStore) DeleteLineage(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: delete lineage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lid := id.String()
	cascade := []struct {
		what string
		stmt string
	}{
		{"spans", `DELETE FROM spans WHERE attempt_id IN (
			SELECT id FROM attempts WHERE rollout_id IN (
				SELECT id FROM rollouts WHERE lineage_id = $1))`},
		{"attempts", `DELETE FROM attempts WHERE rollout_id IN (
			SELECT id FROM rollouts WHERE lineage_id = $1)`},
		{"rollouts", `DELETE FROM rollouts WHERE lineage_id = $1`},
		{"evolutions", `DELETE FROM evolutions WHERE lineage_id = $1`},
		{"definitions", `DELETE FROM agent_definitions WHERE lineage_id = $1`},
	}
	for _, c := range cascade {
		if _, err := tx.Exec(ctx, c.stmt, lid); err != nil {
			return fmt.Errorf("storage: delete lineage %s: %w", c.what, err)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM lineages WHERE id = $1`, lid)
	if err != nil {
		return fmt.Errorf("storage: delete lineage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: delete lineage: commit: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditLineageDeleted, "lineage", id, nil))
}

// ---- Agent definitions ---------------------------------------------------

func (s *PostgresStore) AppendDefinition(ctx context.Context, def model.AgentDefinition) error {
	tools, err := toJSON(def.Tools)
	if err != nil {
		return err
	}
	flow, err := toJSON(def.Flow)
	if err != nil {
		return err
	}
	memory, err := toJSON(def.Memory)
	if err != nil {
		return err
	}
	sampling, err := toJSON(def.Sampling)
	if err != nil {
		return err
	}
	constraints, err := toJSON(def.Constraints)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_definitions
		 (id, lineage_id, version, name, description, system_prompt, tools, flow, memory, sampling, constraints, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		def.ID.String(), def.LineageID.String(), def.Version, def.Name, def.Description,
		def.SystemPrompt, tools, flow, memory, sampling, constraints, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: append definition: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditDefinitionCreated, "agent_definition", def.ID,
		map[string]any{"version": def.Version}))
}

func (s *PostgresStore) scanDefinitionRow(row pgx.Row) (model.AgentDefinition, error) {
	var def model.AgentDefinition
	var rawID, rawLineage, tools, flow, memory, sampling, constraints string
	err := row.Scan(&rawID, &rawLineage, &def.Version, &def.Name, &def.Description,
		&def.SystemPrompt, &tools, &flow, &memory, &sampling, &constraints,
		&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return model.AgentDefinition{}, ErrNotFound
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: scan definition: %w", err)
	}
	if def.ID, err = uuid.Parse(rawID); err != nil {
		return model.AgentDefinition{}, fmt.Errorf("storage: parse definition id: %w", err)
	}
	if def.LineageID, err = uuid.Parse(rawLineage); err != nil {
		return model.AgentDefinition{}, fmt.Errorf("storage: parse definition lineage id: %w", err)
	}
	if err := fromJSON(tools, &def.Tools); err != nil {
		return model.AgentDefinition{}, err
	}
	if err := fromJSON(flow, &def.Flow); err != nil {
		return model.AgentDefinition{}, err
	}
	if err := fromJSON(memory, &def.Memory); err != nil {
		return model.AgentDefinition{}, err
	}
	if err := fromJSON(sampling, &def.Sampling); err != nil {
		return model.AgentDefinition{}, err
	}
	if err := fromJSON(constraints, &def.Constraints); err != nil {
		return model.AgentDefinition{}, err
	}
	return def, nil
}

func (s *PostgresStore) LatestDefinition(ctx context.Context, lineageID uuid.UUID) (model.AgentDefinition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM agent_definitions
		 WHERE lineage_id = $1 ORDER BY version DESC LIMIT 1`, lineageID.String())
	return s.scanDefinitionRow(row)
}

func (s *PostgresStore) DefinitionHistory(ctx context.Context, lineageID uuid.UUID) ([]model.AgentDefinition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+definitionColumns+` FROM agent_definitions
		 WHERE lineage_id = $1 ORDER BY version`, lineageID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: definition history: %w", err)
	}
	defer rows.Close()
	var out []model.AgentDefinition
	for rows.Next() {
		def, err := s.scanDefinitionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// ---- Rollouts ------------------------------------------------------------

func (s *PostgresStore) CreateRollout(ctx context.Context, r model.Rollout) error {
	var finalAttempt *string
	if r.FinalAttemptID != nil {
		v := r.FinalAttemptID.String()
		finalAttempt = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rollouts (id, lineage_id, cycle_number, status, final_attempt_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID.String(), r.LineageID.String(), r.CycleNumber, string(r.Status),
		finalAttempt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: create rollout: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanRolloutRow(row pgx.Row) (model.Rollout, error) {
	var r model.Rollout
	var rawID, rawLineage, status string
	var finalAttempt *string
	err := row.Scan(&rawID, &rawLineage, &r.CycleNumber, &status, &finalAttempt,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return model.Rollout{}, ErrNotFound
		}
		return model.Rollout{}, fmt.Errorf("storage: scan rollout: %w", err)
	}
	if r.ID, err = uuid.Parse(rawID); err != nil {
		return model.Rollout{}, fmt.Errorf("storage: parse rollout id: %w", err)
	}
	if r.LineageID, err = uuid.Parse(rawLineage); err != nil {
		return model.Rollout{}, fmt.Errorf("storage: parse rollout lineage id: %w", err)
	}
	r.Status = model.RolloutStatus(status)
	if finalAttempt != nil {
		id, err := uuid.Parse(*finalAttempt)
		if err != nil {
			return model.Rollout{}, fmt.Errorf("storage: parse final attempt id: %w", err)
		}
		r.FinalAttemptID = &id
	}
	return r, nil
}

func (s *PostgresStore) GetRollout(ctx context.Context, id uuid.UUID) (model.Rollout, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+rolloutColumns+` FROM rollouts WHERE id = $1`, id.String())
	return s.scanRolloutRow(row)
}

func (s *PostgresStore) ListRollouts(ctx context.Context, lineageID uuid.UUID) ([]model.Rollout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+rolloutColumns+` FROM rollouts WHERE lineage_id = $1 ORDER BY cycle_number`, lineageID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list rollouts: %w", err)
	}
	defer rows.Close()
	var out []model.Rollout
	for rows.Next() {
		r, err := s.scanRolloutRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetRolloutStatus(ctx context.Context, id uuid.UUID, status model.RolloutStatus, finalAttemptID *uuid.UUID) error {
	var tag pgconn.CommandTag
	var err error
	if finalAttemptID != nil {
		tag, err = s.pool.Exec(ctx,
			`UPDATE rollouts SET status = $1, final_attempt_id = $2, updated_at = $3 WHERE id = $4`,
			string(status), finalAttemptID.String(), time.Now().UTC(), id.String())
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE rollouts SET status = $1, updated_at = $2 WHERE id = $3`,
			string(status), time.Now().UTC(), id.String())
	}
	if err != nil {
		return fmt.Errorf("storage: set rollout status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Attempts ------------------------------------------------------------

func (s *PostgresStore) CreateAttempt(ctx context.Context, a model.Attempt) error {
	sampling, err := toJSON(a.Sampling)
	if err != nil {
		return err
	}
	tokens, err := toJSON(a.Tokens)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO attempts
		 (id, rollout_id, definition_id, definition_version, prompt_hash, config_hash, model_id,
		  sampling, input, output, error, started_at, completed_at, duration_ms, tokens, cost_usd,
		  score, score_comment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		a.ID.String(), a.RolloutID.String(), a.DefinitionID.String(), a.DefinitionVersion,
		a.PromptHash, a.ConfigHash, a.ModelID, sampling, a.Input, a.Output, a.Error,
		a.StartedAt, a.CompletedAt, a.DurationMs, tokens, a.CostUSD,
		a.Score, a.ScoreComment, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanAttemptRow(row pgx.Row) (model.Attempt, error) {
	var a model.Attempt
	var rawID, rawRollout, rawDefinition, sampling, tokens string
	err := row.Scan(&rawID, &rawRollout, &rawDefinition, &a.DefinitionVersion,
		&a.PromptHash, &a.ConfigHash, &a.ModelID, &sampling, &a.Input, &a.Output, &a.Error,
		&a.StartedAt, &a.CompletedAt, &a.DurationMs, &tokens, &a.CostUSD,
		&a.Score, &a.ScoreComment, &a.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return model.Attempt{}, ErrNotFound
		}
		return model.Attempt{}, fmt.Errorf("storage: scan attempt: %w", err)
	}
	if a.ID, err = uuid.Parse(rawID); err != nil {
		return model.Attempt{}, fmt.Errorf("storage: parse attempt id: %w", err)
	}
	if a.RolloutID, err = uuid.Parse(rawRollout); err != nil {
		return model.Attempt{}, fmt.Errorf("storage: parse attempt rollout id: %w", err)
	}
	if a.DefinitionID, err = uuid.Parse(rawDefinition); err != nil {
		return model.Attempt{}, fmt.Errorf("storage: parse attempt definition id: %w", err)
	}
	if err := fromJSON(sampling, &a.Sampling); err != nil {
		return model.Attempt{}, err
	}
	if err := fromJSON(tokens, &a.Tokens); err != nil {
		return model.Attempt{}, err
	}
	return a, nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id uuid.UUID) (model.Attempt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id.String())
	return s.scanAttemptRow(row)
}

func (s *PostgresStore) ListAttempts(ctx context.Context, rolloutID uuid.UUID) ([]model.Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE rollout_id = $1 ORDER BY started_at`, rolloutID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list attempts: %w", err)
	}
	defer rows.Close()
	var out []model.Attempt
	for rows.Next() {
		a, err := s.scanAttemptRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CompleteAttempt(ctx context.Context, a model.Attempt) error {
	tokens, err := toJSON(a.Tokens)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE attempts SET output = $1, error = $2, completed_at = $3, duration_ms = $4, tokens = $5, cost_usd = $6
		 WHERE id = $7`,
		a.Output, a.Error, a.CompletedAt, a.DurationMs, tokens, a.CostUSD, a.ID.String())
	if err != nil {
		return fmt.Errorf("storage: complete attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ScoreAttempt(ctx context.Context, id uuid.UUID, score int, comment string) error {
	var commentVal *string
	if comment != "" {
		commentVal = &comment
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE attempts SET score = $1, score_comment = $2 WHERE id = $3`,
		score, commentVal, id.String())
	if err != nil {
		return fmt.Errorf("storage: score attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return s.appendAudit(ctx, newAudit(AuditAttemptScored, "attempt", id, map[string]any{"score": score}))
}

// ---- Spans ---------------------------------------------------------------

func (s *PostgresStore) AppendSpan(ctx context.Context, span model.Span) error {
	tokens, err := toJSON(span.Tokens)
	if err != nil {
		return err
	}
	var toolArgs *string
	if span.ToolArgs != nil {
		raw, err := toJSON(span.ToolArgs)
		if err != nil {
			return err
		}
		toolArgs = &raw
	}
	var parent *string
	if span.ParentSpanID != nil {
		v := span.ParentSpanID.String()
		parent = &v
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO spans
		 (id, attempt_id, parent_span_id, sequence, type, name, input, output,
		  tool_name, tool_args, tool_output, error, duration_ms, tokens, cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		span.ID.String(), span.AttemptID.String(), parent, span.Sequence,
		string(span.Type), span.Name, span.Input, span.Output,
		span.ToolName, toolArgs, span.ToolOutput, span.Error,
		span.DurationMs, tokens, span.CostUSD, span.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: append span: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSpans(ctx context.Context, attemptID uuid.UUID) ([]model.Span, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, attempt_id, parent_span_id, sequence, type, name, input, output,
		        tool_name, tool_args, tool_output, error, duration_ms, tokens, cost_usd, created_at
		 FROM spans WHERE attempt_id = $1 ORDER BY sequence`, attemptID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list spans: %w", err)
	}
	defer rows.Close()
	var out []model.Span
	for rows.Next() {
		var span model.Span
		var rawID, rawAttempt, spanType, tokens string
		var parent, toolArgs *string
		err := rows.Scan(&rawID, &rawAttempt, &parent, &span.Sequence, &spanType, &span.Name,
			&span.Input, &span.Output, &span.ToolName, &toolArgs, &span.ToolOutput,
			&span.Error, &span.DurationMs, &tokens, &span.CostUSD, &span.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		if span.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("storage: parse span id: %w", err)
		}
		if span.AttemptID, err = uuid.Parse(rawAttempt); err != nil {
			return nil, fmt.Errorf("storage: parse span attempt id: %w", err)
		}
		if parent != nil {
			id, err := uuid.Parse(*parent)
			if err != nil {
				return nil, fmt.Errorf("storage: parse parent span id: %w", err)
			}
			span.ParentSpanID = &id
		}
		span.Type = model.SpanType(spanType)
		if toolArgs != nil {
			if err := fromJSON(*toolArgs, &span.ToolArgs); err != nil {
				return nil, err
			}
		}
		if err := fromJSON(tokens, &span.Tokens); err != nil {
			return nil, err
		}
		out = append(out, span)
	}
	return out, rows.Err()
}

// ---- Evolution records ---------------------------------------------------

func (s *PostgresStore) CreateEvolution(ctx context.Context, rec model.EvolutionRecord) error {
	trigger, err := toJSON(rec.Trigger)
	if err != nil {
		return err
	}
	credit, err := toJSON(rec.Credit)
	if err != nil {
		return err
	}
	changes, err := toJSON(rec.Changes)
	if err != nil {
		return err
	}
	var outcome *string
	if rec.Outcome != nil {
		raw, err := toJSON(rec.Outcome)
		if err != nil {
			return err
		}
		outcome = &raw
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO evolutions
		 (id, lineage_id, from_version, to_version, trigger_data, score_analysis, credit, plan, changes, generated, outcome, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID.String(), rec.LineageID.String(), rec.FromVersion, rec.ToVersion,
		trigger, rec.ScoreAnalysis, credit, rec.Plan, changes, rec.Generated,
		outcome, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: create evolution: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditEvolutionCreated, "evolution", rec.ID,
		map[string]any{"from_version": rec.FromVersion, "to_version": rec.ToVersion}))
}

func (s *PostgresStore) scanEvolutionRow(row pgx.Row) (model.EvolutionRecord, error) {
	var rec model.EvolutionRecord
	var rawID, rawLineage, trigger, credit, changes string
	var outcome *string
	err := row.Scan(&rawID, &rawLineage, &rec.FromVersion, &rec.ToVersion, &trigger,
		&rec.ScoreAnalysis, &credit, &rec.Plan, &changes, &rec.Generated, &outcome,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return model.EvolutionRecord{}, ErrNotFound
		}
		return model.EvolutionRecord{}, fmt.Errorf("storage: scan evolution: %w", err)
	}
	if rec.ID, err = uuid.Parse(rawID); err != nil {
		return model.EvolutionRecord{}, fmt.Errorf("storage: parse evolution id: %w", err)
	}
	if rec.LineageID, err = uuid.Parse(rawLineage); err != nil {
		return model.EvolutionRecord{}, fmt.Errorf("storage: parse evolution lineage id: %w", err)
	}
	if err := fromJSON(trigger, &rec.Trigger); err != nil {
		return model.EvolutionRecord{}, err
	}
	if err := fromJSON(credit, &rec.Credit); err != nil {
		return model.EvolutionRecord{}, err
	}
	if err := fromJSON(changes, &rec.Changes); err != nil {
		return model.EvolutionRecord{}, err
	}
	if outcome != nil {
		var o model.EvolutionOutcome
		if err := fromJSON(*outcome, &o); err != nil {
			return model.EvolutionRecord{}, err
		}
		rec.Outcome = &o
	}
	return rec, nil
}

func (s *PostgresStore) GetEvolutionByToVersion(ctx context.Context, lineageID uuid.UUID, toVersion int) (model.EvolutionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+evolutionColumns+` FROM evolutions WHERE lineage_id = $1 AND to_version = $2`,
		lineageID.String(), toVersion)
	return s.scanEvolutionRow(row)
}

func (s *PostgresStore) ListEvolutions(ctx context.Context, lineageID uuid.UUID) ([]model.EvolutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+evolutionColumns+` FROM evolutions WHERE lineage_id = $1 ORDER BY to_version`,
		lineageID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list evolutions: %w", err)
	}
	defer rows.Close()
	var out []model.EvolutionRecord
	for rows.Next() {
		rec, err := s.scanEvolutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordEvolutionOutcome(ctx context.Context, id uuid.UUID, outcome model.EvolutionOutcome) error {
	raw, err := toJSON(outcome)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE evolutions SET outcome = $1, updated_at = $2 WHERE id = $3 AND outcome IS NULL`,
		raw, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("storage: record evolution outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(1) FROM evolutions WHERE id = $1`, id.String()).Scan(&exists); err != nil {
			return fmt.Errorf("storage: record evolution outcome: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrOutcomeRecorded
	}
	return s.appendAudit(ctx, newAudit(AuditOutcomeRecorded, "evolution", id,
		map[string]any{"next_score": outcome.NextScore, "score_delta": outcome.ScoreDelta}))
}

// ---- Learning insights ---------------------------------------------------

func (s *PostgresStore) GetInsight(ctx context.Context, pattern, context string) (model.LearningInsight, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, pattern, context, success_count, failure_count, avg_score_impact, confidence, updated_at
		 FROM insights WHERE pattern = $1 AND context = $2`, pattern, context)
	return s.scanInsightRow(row)
}

func (s *PostgresStore) scanInsightRow(row pgx.Row) (model.LearningInsight, error) {
	var li model.LearningInsight
	var rawID string
	err := row.Scan(&rawID, &li.Pattern, &li.Context, &li.SuccessCount, &li.FailureCount,
		&li.AvgScoreImpact, &li.Confidence, &li.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return model.LearningInsight{}, ErrNotFound
		}
		return model.LearningInsight{}, fmt.Errorf("storage: scan insight: %w", err)
	}
	if li.ID, err = uuid.Parse(rawID); err != nil {
		return model.LearningInsight{}, fmt.Errorf("storage: parse insight id: %w", err)
	}
	return li, nil
}

func (s *PostgresStore) UpsertInsight(ctx context.Context, li model.LearningInsight) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO insights (id, pattern, context, success_count, failure_count, avg_score_impact, confidence, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (pattern, context) DO UPDATE SET
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			avg_score_impact = EXCLUDED.avg_score_impact,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at`,
		li.ID.String(), li.Pattern, li.Context, li.SuccessCount, li.FailureCount,
		li.AvgScoreImpact, li.Confidence, li.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: upsert insight: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListInsights(ctx context.Context) ([]model.LearningInsight, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pattern, context, success_count, failure_count, avg_score_impact, confidence, updated_at
		 FROM insights ORDER BY pattern, context`)
	if err != nil {
		return nil, fmt.Errorf("storage: list insights: %w", err)
	}
	defer rows.Close()
	var out []model.LearningInsight
	for rows.Next() {
		li, err := s.scanInsightRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

// ---- Audit trail ---------------------------------------------------------

func (s *PostgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	return s.appendAudit(ctx, e)
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	query := `SELECT id, event_type, entity_type, entity_id, data, created_at
	          FROM audit_log ORDER BY created_at DESC, id`
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.pool.Query(ctx, query+` LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var rawID string
		var data *string
		if err := rows.Scan(&rawID, &e.EventType, &e.EntityType, &e.EntityID, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		if e.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("storage: parse audit id: %w", err)
		}
		if data != nil {
			if err := fromJSON(*data, &e.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
