package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/shinka-ai/shinka/model"
)

// SQLiteStore is the default local backend. A single connection serves
// all operations, which both sidesteps the shared-cache pitfalls of
// in-memory databases and matches the single-writer design.
type SQLiteStore struct {
	path   string
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store backed by the SQLite file at path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{path: path, logger: logger}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	need       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lineages (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL REFERENCES sessions(id),
	label              TEXT NOT NULL,
	locked             INTEGER NOT NULL DEFAULT 0,
	sticky_directive   TEXT NOT NULL DEFAULT '',
	one_shot_directive TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	UNIQUE (session_id, label)
);

CREATE TABLE IF NOT EXISTS agent_definitions (
	id            TEXT PRIMARY KEY,
	lineage_id    TEXT NOT NULL REFERENCES lineages(id) ON DELETE CASCADE,
	version       INTEGER NOT NULL,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL,
	tools         TEXT NOT NULL,
	flow          TEXT NOT NULL,
	memory        TEXT NOT NULL,
	sampling      TEXT NOT NULL,
	constraints   TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	UNIQUE (lineage_id, version)
);

CREATE TABLE IF NOT EXISTS rollouts (
	id               TEXT PRIMARY KEY,
	lineage_id       TEXT NOT NULL,
	cycle_number     INTEGER NOT NULL,
	status           TEXT NOT NULL,
	final_attempt_id TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
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
	sampling           TEXT NOT NULL,
	input              TEXT NOT NULL DEFAULT '',
	output             TEXT,
	error              TEXT,
	started_at         TEXT NOT NULL,
	completed_at       TEXT,
	duration_ms        INTEGER NOT NULL DEFAULT 0,
	tokens             TEXT NOT NULL,
	cost_usd           REAL NOT NULL DEFAULT 0,
	score              INTEGER,
	score_comment      TEXT,
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_rollout ON attempts(rollout_id, started_at);

CREATE TABLE IF NOT EXISTS spans (
	id             TEXT PRIMARY KEY,
	attempt_id     TEXT NOT NULL,
	parent_span_id TEXT,
	sequence       INTEGER NOT NULL,
	type           TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	input          TEXT NOT NULL DEFAULT '',
	output         TEXT NOT NULL DEFAULT '',
	tool_name      TEXT NOT NULL DEFAULT '',
	tool_args      TEXT,
	tool_output    TEXT NOT NULL DEFAULT '',
	error          TEXT,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	tokens         TEXT NOT NULL,
	cost_usd       REAL NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spans_attempt ON spans(attempt_id, sequence);

CREATE TABLE IF NOT EXISTS evolutions (
	id             TEXT PRIMARY KEY,
	lineage_id     TEXT NOT NULL,
	from_version   INTEGER NOT NULL,
	to_version     INTEGER NOT NULL,
	trigger_data   TEXT NOT NULL,
	score_analysis TEXT NOT NULL DEFAULT '',
	credit         TEXT NOT NULL,
	plan           TEXT NOT NULL DEFAULT '',
	changes        TEXT NOT NULL,
	generated      INTEGER NOT NULL DEFAULT 0,
	outcome        TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evolutions_lineage ON evolutions(lineage_id, to_version);

CREATE TABLE IF NOT EXISTS insights (
	id               TEXT PRIMARY KEY,
	pattern          TEXT NOT NULL,
	context          TEXT NOT NULL,
	success_count    INTEGER NOT NULL DEFAULT 0,
	failure_count    INTEGER NOT NULL DEFAULT 0,
	avg_score_impact REAL NOT NULL DEFAULT 0,
	confidence       REAL NOT NULL DEFAULT 0,
	updated_at       TEXT NOT NULL,
	UNIQUE (pattern, context)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	data        TEXT,
	created_at  TEXT NOT NULL
);
`

func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("storage: open sqlite %s: %w", s.path, err)
	}
	// One connection: :memory: databases vanish per-connection, and the
	// engine is single-writer anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return fmt.Errorf("storage: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("storage: apply sqlite schema: %w", err)
	}
	s.db = db
	s.logger.Debug("sqlite store initialized", "path", s.path)
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- serialization helpers -----------------------------------------------

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: marshal: %w", err)
	}
	return string(b), nil
}

func fromJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("storage: unmarshal: %w", err)
	}
	return nil
}

func dbTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse time %q: %w", raw, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: dbTime(*t), Valid: true}
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func uuidPtr(ns sql.NullString) (*uuid.UUID, error) {
	if !ns.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil, fmt.Errorf("storage: parse uuid %q: %w", ns.String, err)
	}
	return &id, nil
}

func (s *SQLiteStore) appendAudit(ctx context.Context, e AuditEntry) error {
	data := sql.NullString{}
	if e.Data != nil {
		raw, err := toJSON(e.Data)
		if err != nil {
			return err
		}
		data = sql.NullString{String: raw, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, event_type, entity_type, entity_id, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.EventType, e.EntityType, e.EntityID, data, dbTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}

// ---- Sessions ------------------------------------------------------------

func (s *SQLiteStore) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, need, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID.String(), sess.Name, sess.Need, dbTime(sess.CreatedAt), dbTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("storage: create session: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditSessionCreated, "session", sess.ID, nil))
}

func (s *SQLiteStore) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, need, created_at, updated_at FROM sessions WHERE id = ?`, id.String())
	return scanSession(row)
}

func scanSession(row *sql.Row) (model.Session, error) {
	var sess model.Session
	var id, createdAt, updatedAt string
	if err := row.Scan(&id, &sess.Name, &sess.Need, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("storage: scan session: %w", err)
	}
	var err error
	if sess.ID, err = uuid.Parse(id); err != nil {
		return model.Session{}, fmt.Errorf("storage: parse session id: %w", err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Session{}, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSessionNeed(ctx context.Context, id uuid.UUID, need string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET need = ?, updated_at = ? WHERE id = ?`,
		need, dbTime(time.Now().UTC()), id.String())
	if err != nil {
		return fmt.Errorf("storage: update session need: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.appendAudit(ctx, newAudit(AuditSessionEdited, "session", id, map[string]any{"need": need}))
}

// ---- Lineages ------------------------------------------------------------

func (s *SQLiteStore) CreateLineage(ctx context.Context, l model.Lineage) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM lineages WHERE session_id = ? AND label = ?`,
		l.SessionID.String(), l.Label).Scan(&exists)
	if err != nil {
		return fmt.Errorf("storage: check lineage label: %w", err)
	}
	if exists > 0 {
		return ErrLineageExists
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lineages (id, session_id, label, locked, sticky_directive, one_shot_directive, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.SessionID.String(), l.Label, boolInt(l.Locked),
		l.StickyDirective, l.OneShotDirective, dbTime(l.CreatedAt), dbTime(l.UpdatedAt))
	if err != nil {
		return fmt.Errorf("storage: create lineage: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditLineageCreated, "lineage", l.ID, map[string]any{"label": l.Label}))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const lineageColumns = `id, session_id, label, locked, sticky_directive, one_shot_directive, created_at, updated_at`

func scanLineage(scan func(dest ...any) error) (model.Lineage, error) {
	var l model.Lineage
	var id, sessionID, createdAt, updatedAt string
	var locked int
	err := scan(&id, &sessionID, &l.Label, &locked, &l.StickyDirective, &l.OneShotDirective, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Lineage{}, ErrNotFound
		}
		return model.Lineage{}, fmt.Errorf("storage: scan lineage: %w", err)
	}
	if l.ID, err = uuid.Parse(id); err != nil {
		return model.Lineage{}, fmt.Errorf("storage: parse lineage id: %w", err)
	}
	if l.SessionID, err = uuid.Parse(sessionID); err != nil {
		return model.Lineage{}, fmt.Errorf("storage: parse lineage session id: %w", err)
	}
	l.Locked = locked != 0
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Lineage{}, err
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Lineage{}, err
	}
	return l, nil
}

func (s *SQLiteStore) GetLineage(ctx context.Context, id uuid.UUID) (model.Lineage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lineageColumns+` FROM lineages WHERE id = ?`, id.String())
	return scanLineage(row.Scan)
}

func (s *SQLiteStore) ListLineages(ctx context.Context, sessionID uuid.UUID) ([]model.Lineage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lineageColumns+` FROM lineages WHERE session_id = ? ORDER BY label`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list lineages: %w", err)
	}
	defer rows.Close()
	var out []model.Lineage
	for rows.Next() {
		l, err := scanLineage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetLineageLock(ctx context.Context, id uuid.UUID, locked bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lineages SET locked = ?, updated_at = ? WHERE id = ?`,
		boolInt(locked), dbTime(time.Now().UTC()), id.String())
	if err != nil {
		return fmt.Errorf("storage: set lineage lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.appendAudit(ctx, newAudit(AuditLockToggled, "lineage", id, map[string]any{"locked": locked}))
}

func (s *SQLiteStore) SetLineageDirectives(ctx context.Context, id uuid.UUID, sticky, oneShot *string) error {
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
	_, err = s.db.ExecContext(ctx,
		`UPDATE lineages SET sticky_directive = ?, one_shot_directive = ?, updated_at = ? WHERE id = ?`,
		l.StickyDirective, l.OneShotDirective, dbTime(time.Now().UTC()), id.String())
	if err != nil {
		return fmt.Errorf("storage: set lineage directives: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditDirectivesSet, "lineage", id, nil))
}

// DeleteLineage removes the lineage and its whole subtree: definitions,
// rollouts, attempts, spans, and evolution records. One transaction, so
// a partial cascade never survives.
func (s *SQLiteStore) DeleteLineage(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: delete lineage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lid := id.String()
	cascade := []struct {
		what string
		stmt string
	}{
		{"spans", `DELETE FROM spans WHERE attempt_id IN (
			SELECT id FROM attempts WHERE rollout_id IN (
				SELECT id FROM rollouts WHERE lineage_id = ?))`},
		{"attempts", `DELETE FROM attempts WHERE rollout_id IN (
			SELECT id FROM rollouts WHERE lineage_id = ?)`},
		{"rollouts", `DELETE FROM rollouts WHERE lineage_id = ?`},
		{"evolutions", `DELETE FROM evolutions WHERE lineage_id = ?`},
		{"definitions", `DELETE FROM agent_definitions WHERE lineage_id = ?`},
	}
	for _, c := range cascade {
		if _, err := tx.ExecContext(ctx, c.stmt, lid); err != nil {
			return fmt.Errorf("storage: delete lineage %s: %w", c.what, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM lineages WHERE id = ?`, lid)
	if err != nil {
		return fmt.Errorf("storage: delete lineage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: delete lineage: commit: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditLineageDeleted, "lineage", id, nil))
}

// ---- Agent definitions ---------------------------------------------------

func (s *SQLiteStore) AppendDefinition(ctx context.Context, def model.AgentDefinition) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_definitions
		 (id, lineage_id, version, name, description, system_prompt, tools, flow, memory, sampling, constraints, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID.String(), def.LineageID.String(), def.Version, def.Name, def.Description,
		def.SystemPrompt, tools, flow, memory, sampling, constraints,
		dbTime(def.CreatedAt), dbTime(def.UpdatedAt))
	if err != nil {
		return fmt.Errorf("storage: append definition: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditDefinitionCreated, "agent_definition", def.ID,
		map[string]any{"version": def.Version}))
}

const definitionColumns = `id, lineage_id, version, name, description, system_prompt, tools, flow, memory, sampling, constraints, created_at, updated_at`

func scanDefinition(scan func(dest ...any) error) (model.AgentDefinition, error) {
	var def model.AgentDefinition
	var id, lineageID, tools, flow, memory, sampling, constraints, createdAt, updatedAt string
	err := scan(&id, &lineageID, &def.Version, &def.Name, &def.Description, &def.SystemPrompt,
		&tools, &flow, &memory, &sampling, &constraints, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentDefinition{}, ErrNotFound
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: scan definition: %w", err)
	}
	if def.ID, err = uuid.Parse(id); err != nil {
		return model.AgentDefinition{}, fmt.Errorf("storage: parse definition id: %w", err)
	}
	if def.LineageID, err = uuid.Parse(lineageID); err != nil {
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
	if def.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.AgentDefinition{}, err
	}
	if def.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.AgentDefinition{}, err
	}
	return def, nil
}

func (s *SQLiteStore) LatestDefinition(ctx context.Context, lineageID uuid.UUID) (model.AgentDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM agent_definitions
		 WHERE lineage_id = ? ORDER BY version DESC LIMIT 1`, lineageID.String())
	return scanDefinition(row.Scan)
}

func (s *SQLiteStore) DefinitionHistory(ctx context.Context, lineageID uuid.UUID) ([]model.AgentDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM agent_definitions
		 WHERE lineage_id = ? ORDER BY version`, lineageID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: definition history: %w", err)
	}
	defer rows.Close()
	var out []model.AgentDefinition
	for rows.Next() {
		def, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// ---- Rollouts ------------------------------------------------------------

func (s *SQLiteStore) CreateRollout(ctx context.Context, r model.Rollout) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollouts (id, lineage_id, cycle_number, status, final_attempt_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.LineageID.String(), r.CycleNumber, string(r.Status),
		nullUUID(r.FinalAttemptID), dbTime(r.CreatedAt), dbTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("storage: create rollout: %w", err)
	}
	return nil
}

const rolloutColumns = `id, lineage_id, cycle_number, status, final_attempt_id, created_at, updated_at`

func scanRollout(scan func(dest ...any) error) (model.Rollout, error) {
	var r model.Rollout
	var id, lineageID, status, createdAt, updatedAt string
	var finalAttempt sql.NullString
	err := scan(&id, &lineageID, &r.CycleNumber, &status, &finalAttempt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Rollout{}, ErrNotFound
		}
		return model.Rollout{}, fmt.Errorf("storage: scan rollout: %w", err)
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.Rollout{}, fmt.Errorf("storage: parse rollout id: %w", err)
	}
	if r.LineageID, err = uuid.Parse(lineageID); err != nil {
		return model.Rollout{}, fmt.Errorf("storage: parse rollout lineage id: %w", err)
	}
	r.Status = model.RolloutStatus(status)
	if r.FinalAttemptID, err = uuidPtr(finalAttempt); err != nil {
		return model.Rollout{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Rollout{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Rollout{}, err
	}
	return r, nil
}

func (s *SQLiteStore) GetRollout(ctx context.Context, id uuid.UUID) (model.Rollout, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+rolloutColumns+` FROM rollouts WHERE id = ?`, id.String())
	return scanRollout(row.Scan)
}

func (s *SQLiteStore) ListRollouts(ctx context.Context, lineageID uuid.UUID) ([]model.Rollout, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+rolloutColumns+` FROM rollouts WHERE lineage_id = ? ORDER BY cycle_number`, lineageID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list rollouts: %w", err)
	}
	defer rows.Close()
	var out []model.Rollout
	for rows.Next() {
		r, err := scanRollout(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetRolloutStatus(ctx context.Context, id uuid.UUID, status model.RolloutStatus, finalAttemptID *uuid.UUID) error {
	var res sql.Result
	var err error
	if finalAttemptID != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE rollouts SET status = ?, final_attempt_id = ?, updated_at = ? WHERE id = ?`,
			string(status), finalAttemptID.String(), dbTime(time.Now().UTC()), id.String())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE rollouts SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), dbTime(time.Now().UTC()), id.String())
	}
	if err != nil {
		return fmt.Errorf("storage: set rollout status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Attempts ------------------------------------------------------------

func (s *SQLiteStore) CreateAttempt(ctx context.Context, a model.Attempt) error {
	sampling, err := toJSON(a.Sampling)
	if err != nil {
		return err
	}
	tokens, err := toJSON(a.Tokens)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attempts
		 (id, rollout_id, definition_id, definition_version, prompt_hash, config_hash, model_id,
		  sampling, input, output, error, started_at, completed_at, duration_ms, tokens, cost_usd,
		  score, score_comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.RolloutID.String(), a.DefinitionID.String(), a.DefinitionVersion,
		a.PromptHash, a.ConfigHash, a.ModelID, sampling, a.Input, nullStr(a.Output), nullStr(a.Error),
		dbTime(a.StartedAt), nullTime(a.CompletedAt), a.DurationMs, tokens, a.CostUSD,
		nullInt(a.Score), nullStr(a.ScoreComment), dbTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("storage: create attempt: %w", err)
	}
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

const attemptColumns = `id, rollout_id, definition_id, definition_version, prompt_hash, config_hash, model_id,
	sampling, input, output, error, started_at, completed_at, duration_ms, tokens, cost_usd,
	score, score_comment, created_at`

func scanAttempt(scan func(dest ...any) error) (model.Attempt, error) {
	var a model.Attempt
	var id, rolloutID, definitionID, sampling, tokens, startedAt, createdAt string
	var output, errMsg, completedAt, scoreComment sql.NullString
	var score sql.NullInt64
	err := scan(&id, &rolloutID, &definitionID, &a.DefinitionVersion, &a.PromptHash, &a.ConfigHash,
		&a.ModelID, &sampling, &a.Input, &output, &errMsg, &startedAt, &completedAt, &a.DurationMs,
		&tokens, &a.CostUSD, &score, &scoreComment, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Attempt{}, ErrNotFound
		}
		return model.Attempt{}, fmt.Errorf("storage: scan attempt: %w", err)
	}
	if a.ID, err = uuid.Parse(id); err != nil {
		return model.Attempt{}, fmt.Errorf("storage: parse attempt id: %w", err)
	}
	if a.RolloutID, err = uuid.Parse(rolloutID); err != nil {
		return model.Attempt{}, fmt.Errorf("storage: parse attempt rollout id: %w", err)
	}
	if a.DefinitionID, err = uuid.Parse(definitionID); err != nil {
		return model.Attempt{}, fmt.Errorf("storage: parse attempt definition id: %w", err)
	}
	if err := fromJSON(sampling, &a.Sampling); err != nil {
		return model.Attempt{}, err
	}
	if err := fromJSON(tokens, &a.Tokens); err != nil {
		return model.Attempt{}, err
	}
	a.Output = strPtr(output)
	a.Error = strPtr(errMsg)
	if a.StartedAt, err = parseTime(startedAt); err != nil {
		return model.Attempt{}, err
	}
	if a.CompletedAt, err = timePtr(completedAt); err != nil {
		return model.Attempt{}, err
	}
	if score.Valid {
		v := int(score.Int64)
		a.Score = &v
	}
	a.ScoreComment = strPtr(scoreComment)
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Attempt{}, err
	}
	return a, nil
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, id uuid.UUID) (model.Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id.String())
	return scanAttempt(row.Scan)
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, rolloutID uuid.UUID) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE rollout_id = ? ORDER BY started_at`, rolloutID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list attempts: %w", err)
	}
	defer rows.Close()
	var out []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CompleteAttempt(ctx context.Context, a model.Attempt) error {
	tokens, err := toJSON(a.Tokens)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET output = ?, error = ?, completed_at = ?, duration_ms = ?, tokens = ?, cost_usd = ?
		 WHERE id = ?`,
		nullStr(a.Output), nullStr(a.Error), nullTime(a.CompletedAt), a.DurationMs, tokens, a.CostUSD,
		a.ID.String())
	if err != nil {
		return fmt.Errorf("storage: complete attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ScoreAttempt(ctx context.Context, id uuid.UUID, score int, comment string) error {
	commentVal := sql.NullString{}
	if comment != "" {
		commentVal = sql.NullString{String: comment, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET score = ?, score_comment = ? WHERE id = ?`,
		score, commentVal, id.String())
	if err != nil {
		return fmt.Errorf("storage: score attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.appendAudit(ctx, newAudit(AuditAttemptScored, "attempt", id, map[string]any{"score": score}))
}

// ---- Spans ---------------------------------------------------------------

func (s *SQLiteStore) AppendSpan(ctx context.Context, span model.Span) error {
	tokens, err := toJSON(span.Tokens)
	if err != nil {
		return err
	}
	toolArgs := sql.NullString{}
	if span.ToolArgs != nil {
		raw, err := toJSON(span.ToolArgs)
		if err != nil {
			return err
		}
		toolArgs = sql.NullString{String: raw, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spans
		 (id, attempt_id, parent_span_id, sequence, type, name, input, output,
		  tool_name, tool_args, tool_output, error, duration_ms, tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.ID.String(), span.AttemptID.String(), nullUUID(span.ParentSpanID), span.Sequence,
		string(span.Type), span.Name, span.Input, span.Output,
		span.ToolName, toolArgs, span.ToolOutput, nullStr(span.Error),
		span.DurationMs, tokens, span.CostUSD, dbTime(span.CreatedAt))
	if err != nil {
		return fmt.Errorf("storage: append span: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSpans(ctx context.Context, attemptID uuid.UUID) ([]model.Span, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attempt_id, parent_span_id, sequence, type, name, input, output,
		        tool_name, tool_args, tool_output, error, duration_ms, tokens, cost_usd, created_at
		 FROM spans WHERE attempt_id = ? ORDER BY sequence`, attemptID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list spans: %w", err)
	}
	defer rows.Close()
	var out []model.Span
	for rows.Next() {
		var span model.Span
		var id, attempt, spanType, tokens, createdAt string
		var parent, toolArgs, errMsg sql.NullString
		err := rows.Scan(&id, &attempt, &parent, &span.Sequence, &spanType, &span.Name,
			&span.Input, &span.Output, &span.ToolName, &toolArgs, &span.ToolOutput,
			&errMsg, &span.DurationMs, &tokens, &span.CostUSD, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		if span.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse span id: %w", err)
		}
		if span.AttemptID, err = uuid.Parse(attempt); err != nil {
			return nil, fmt.Errorf("storage: parse span attempt id: %w", err)
		}
		if span.ParentSpanID, err = uuidPtr(parent); err != nil {
			return nil, err
		}
		span.Type = model.SpanType(spanType)
		if toolArgs.Valid {
			if err := fromJSON(toolArgs.String, &span.ToolArgs); err != nil {
				return nil, err
			}
		}
		span.Error = strPtr(errMsg)
		if err := fromJSON(tokens, &span.Tokens); err != nil {
			return nil, err
		}
		if span.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, span)
	}
	return out, rows.Err()
}

// ---- Evolution records ---------------------------------------------------

func (s *SQLiteStore) CreateEvolution(ctx context.Context, rec model.EvolutionRecord) error {
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
	outcome := sql.NullString{}
	if rec.Outcome != nil {
		raw, err := toJSON(rec.Outcome)
		if err != nil {
			return err
		}
		outcome = sql.NullString{String: raw, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evolutions
		 (id, lineage_id, from_version, to_version, trigger_data, score_analysis, credit, plan, changes, generated, outcome, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.LineageID.String(), rec.FromVersion, rec.ToVersion,
		trigger, rec.ScoreAnalysis, credit, rec.Plan, changes, boolInt(rec.Generated),
		outcome, dbTime(rec.CreatedAt), dbTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("storage: create evolution: %w", err)
	}
	return s.appendAudit(ctx, newAudit(AuditEvolutionCreated, "evolution", rec.ID,
		map[string]any{"from_version": rec.FromVersion, "to_version": rec.ToVersion}))
}

const evolutionColumns = `id, lineage_id, from_version, to_version, trigger_data, score_analysis, credit, plan, changes, generated, outcome, created_at, updated_at`

func scanEvolution(scan func(dest ...any) error) (model.EvolutionRecord, error) {
	var rec model.EvolutionRecord
	var id, lineageID, trigger, credit, changes, createdAt, updatedAt string
	var outcome sql.NullString
	var generated int
	err := scan(&id, &lineageID, &rec.FromVersion, &rec.ToVersion, &trigger, &rec.ScoreAnalysis,
		&credit, &rec.Plan, &changes, &generated, &outcome, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.EvolutionRecord{}, ErrNotFound
		}
		return model.EvolutionRecord{}, fmt.Errorf("storage: scan evolution: %w", err)
	}
	if rec.ID, err = uuid.Parse(id); err != nil {
		return model.EvolutionRecord{}, fmt.Errorf("storage: parse evolution id: %w", err)
	}
	if rec.LineageID, err = uuid.Parse(lineageID); err != nil {
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
	rec.Generated = generated != 0
	if outcome.Valid {
		var o model.EvolutionOutcome
		if err := fromJSON(outcome.String, &o); err != nil {
			return model.EvolutionRecord{}, err
		}
		rec.Outcome = &o
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.EvolutionRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.EvolutionRecord{}, err
	}
	return rec, nil
}

func (s *SQLiteStore) GetEvolutionByToVersion(ctx context.Context, lineageID uuid.UUID, toVersion int) (model.EvolutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+evolutionColumns+` FROM evolutions WHERE lineage_id = ? AND to_version = ?`,
		lineageID.String(), toVersion)
	return scanEvolution(row.Scan)
}

func (s *SQLiteStore) ListEvolutions(ctx context.Context, lineageID uuid.UUID) ([]model.EvolutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+evolutionColumns+` FROM evolutions WHERE lineage_id = ? ORDER BY to_version`,
		lineageID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list evolutions: %w", err)
	}
	defer rows.Close()
	var out []model.EvolutionRecord
	for rows.Next() {
		rec, err := scanEvolution(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordEvolutionOutcome(ctx context.Context, id uuid.UUID, outcome model.EvolutionOutcome) error {
	raw, err := toJSON(outcome)
	if err != nil {
		return err
	}
	// Guarded update: the WHERE clause makes write-once atomic.
	res, err := s.db.ExecContext(ctx,
		`UPDATE evolutions SET outcome = ?, updated_at = ? WHERE id = ? AND outcome IS NULL`,
		raw, dbTime(time.Now().UTC()), id.String())
	if err != nil {
		return fmt.Errorf("storage: record evolution outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM evolutions WHERE id = ?`, id.String()).Scan(&exists); err != nil {
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

func (s *SQLiteStore) GetInsight(ctx context.Context, pattern, context string) (model.LearningInsight, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pattern, context, success_count, failure_count, avg_score_impact, confidence, updated_at
		 FROM insights WHERE pattern = ? AND context = ?`, pattern, context)
	return scanInsight(row.Scan)
}

func scanInsight(scan func(dest ...any) error) (model.LearningInsight, error) {
	var li model.LearningInsight
	var id, updatedAt string
	err := scan(&id, &li.Pattern, &li.Context, &li.SuccessCount, &li.FailureCount,
		&li.AvgScoreImpact, &li.Confidence, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.LearningInsight{}, ErrNotFound
		}
		return model.LearningInsight{}, fmt.Errorf("storage: scan insight: %w", err)
	}
	if li.ID, err = uuid.Parse(id); err != nil {
		return model.LearningInsight{}, fmt.Errorf("storage: parse insight id: %w", err)
	}
	if li.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.LearningInsight{}, err
	}
	return li, nil
}

func (s *SQLiteStore) UpsertInsight(ctx context.Context, li model.LearningInsight) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO insights (id, pattern, context, success_count, failure_count, avg_score_impact, confidence, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (pattern, context) DO UPDATE SET
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			avg_score_impact = excluded.avg_score_impact,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		li.ID.String(), li.Pattern, li.Context, li.SuccessCount, li.FailureCount,
		li.AvgScoreImpact, li.Confidence, dbTime(li.UpdatedAt))
	if err != nil {
		return fmt.Errorf("storage: upsert insight: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListInsights(ctx context.Context) ([]model.LearningInsight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern, context, success_count, failure_count, avg_score_impact, confidence, updated_at
		 FROM insights ORDER BY pattern, context`)
	if err != nil {
		return nil, fmt.Errorf("storage: list insights: %w", err)
	}
	defer rows.Close()
	var out []model.LearningInsight
	for rows.Next() {
		li, err := scanInsight(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

// ---- Audit trail ---------------------------------------------------------

func (s *SQLiteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	return s.appendAudit(ctx, e)
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	query := `SELECT id, event_type, entity_type, entity_id, data, created_at
	          FROM audit_log ORDER BY created_at DESC, id`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, query+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var id, createdAt string
		var data sql.NullString
		if err := rows.Scan(&id, &e.EventType, &e.EntityType, &e.EntityID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse audit id: %w", err)
		}
		if data.Valid {
			if err := fromJSON(data.String, &e.Data); err != nil {
				return nil, err
			}
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
