// Package sqlite 单机/离线使用的 SQLite 存储（fasttest 回放、本地开发）
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"oip/recon/common/entity"
	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/triage"
)

const schema = `
CREATE TABLE IF NOT EXISTS matching_results (
	result_id       TEXT PRIMARY KEY,
	transaction_id  TEXT NOT NULL,
	score           REAL NOT NULL,
	confidence_low  REAL NOT NULL,
	confidence_high REAL NOT NULL,
	classification  TEXT NOT NULL,
	decision        TEXT NOT NULL,
	reason_codes    TEXT NOT NULL,
	details         TEXT NOT NULL DEFAULT '[]',
	primary_ref     TEXT NOT NULL,
	counter_ref     TEXT NOT NULL,
	prior_result_id TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_transaction ON matching_results(transaction_id);

CREATE TABLE IF NOT EXISTS exceptions (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	stage          TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	reason_codes   TEXT NOT NULL,
	error_message  TEXT NOT NULL DEFAULT '',
	match_score    REAL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	parent_id      TEXT NOT NULL DEFAULT '',
	state_vector   TEXT NOT NULL,
	metadata       TEXT,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS triage_states (
	exception_id       TEXT PRIMARY KEY,
	transaction_id     TEXT NOT NULL DEFAULT '',
	category           TEXT NOT NULL,
	severity_score     REAL NOT NULL,
	severity_level     TEXT NOT NULL,
	destination        TEXT NOT NULL,
	static_destination TEXT NOT NULL,
	policy_override    INTEGER NOT NULL DEFAULT 0,
	priority           INTEGER NOT NULL,
	sla_deadline       TEXT NOT NULL,
	status             TEXT NOT NULL,
	assigned_to        TEXT NOT NULL DEFAULT '',
	assigned_at        TEXT,
	assignment_note    TEXT NOT NULL DEFAULT '',
	resolution_notes   TEXT NOT NULL DEFAULT '',
	resolved_at        TEXT,
	error_message      TEXT NOT NULL DEFAULT '',
	rules_version      TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_states_status ON triage_states(status, category);

CREATE TABLE IF NOT EXISTS policies (
	policy_key TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store SQLite 存储，与 MySQL ReconStore 提供相同能力
type Store struct {
	db *sql.DB
}

// Open 打开数据库并建表
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite 单写者
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveMatchingResult 只插入，同一 ResultID 忽略
func (s *Store) SaveMatchingResult(ctx context.Context, r *matching.MatchingResult) error {
	po, err := entity.FromMatchingResult(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO matching_results
(result_id, transaction_id, score, confidence_low, confidence_high, classification, decision, reason_codes, details, primary_ref, counter_ref, prior_result_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(result_id) DO NOTHING`,
		po.ResultID, po.TransactionID, po.Score, po.ConfidenceLow, po.ConfidenceHigh, po.Classification, po.Decision,
		string(po.ReasonCodes), string(po.Details), po.PrimaryRef, po.CounterRef, po.PriorResultID, formatTime(po.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert matching result: %w", err)
	}
	return nil
}

// GetMatchingResult 查询匹配结果
func (s *Store) GetMatchingResult(ctx context.Context, resultID string) (*matching.MatchingResult, error) {
	var po entity.MatchingResult
	var codes, details, created string
	row := s.db.QueryRowContext(ctx, `SELECT result_id, transaction_id, score, confidence_low, confidence_high, classification, decision, reason_codes, details, primary_ref, counter_ref, prior_result_id, created_at
FROM matching_results WHERE result_id = ?`, resultID)
	err := row.Scan(&po.ResultID, &po.TransactionID, &po.Score, &po.ConfidenceLow, &po.ConfidenceHigh, &po.Classification, &po.Decision,
		&codes, &details, &po.PrimaryRef, &po.CounterRef, &po.PriorResultID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, matching.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select matching result: %w", err)
	}
	po.ReasonCodes = []byte(codes)
	po.Details = []byte(details)
	if po.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return po.ToDomain()
}

// SaveException 只插入
func (s *Store) SaveException(ctx context.Context, r *triage.ExceptionRecord) error {
	po, err := entity.FromException(r)
	if err != nil {
		return err
	}
	var meta sql.NullString
	if len(po.Metadata) > 0 {
		meta = sql.NullString{String: string(po.Metadata), Valid: true}
	}
	var score sql.NullFloat64
	if po.MatchScore != nil {
		score = sql.NullFloat64{Float64: *po.MatchScore, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO exceptions
(id, type, stage, transaction_id, reason_codes, error_message, match_score, retry_count, parent_id, state_vector, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		po.ID, po.Type, po.Stage, po.TransactionID, string(po.ReasonCodes), po.ErrorMessage, score, po.RetryCount,
		po.ParentID, string(po.StateVector), meta, formatTime(po.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert exception: %w", err)
	}
	return nil
}

// GetException 查询异常
func (s *Store) GetException(ctx context.Context, id string) (*triage.ExceptionRecord, error) {
	var po entity.Exception
	var codes, vector, created string
	var meta sql.NullString
	var score sql.NullFloat64
	row := s.db.QueryRowContext(ctx, `SELECT id, type, stage, transaction_id, reason_codes, error_message, match_score, retry_count, parent_id, state_vector, metadata, created_at
FROM exceptions WHERE id = ?`, id)
	err := row.Scan(&po.ID, &po.Type, &po.Stage, &po.TransactionID, &codes, &po.ErrorMessage, &score, &po.RetryCount,
		&po.ParentID, &vector, &meta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, triage.ErrExceptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select exception: %w", err)
	}
	po.ReasonCodes = []byte(codes)
	po.StateVector = []byte(vector)
	if meta.Valid {
		po.Metadata = []byte(meta.String)
	}
	if score.Valid {
		v := score.Float64
		po.MatchScore = &v
	}
	if po.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return po.ToDomain()
}

// SaveTriageState 按 exception_id upsert
func (s *Store) SaveTriageState(ctx context.Context, st *triage.TriageState) error {
	po := entity.FromTriageState(st)
	_, err := s.db.ExecContext(ctx, `INSERT INTO triage_states
(exception_id, transaction_id, category, severity_score, severity_level, destination, static_destination, policy_override, priority,
 sla_deadline, status, assigned_to, assigned_at, assignment_note, resolution_notes, resolved_at, error_message, rules_version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(exception_id) DO UPDATE SET
 category = excluded.category,
 severity_score = excluded.severity_score,
 severity_level = excluded.severity_level,
 destination = excluded.destination,
 static_destination = excluded.static_destination,
 policy_override = excluded.policy_override,
 priority = excluded.priority,
 sla_deadline = excluded.sla_deadline,
 status = excluded.status,
 assigned_to = excluded.assigned_to,
 assigned_at = excluded.assigned_at,
 assignment_note = excluded.assignment_note,
 resolution_notes = excluded.resolution_notes,
 resolved_at = excluded.resolved_at,
 error_message = excluded.error_message,
 rules_version = excluded.rules_version,
 updated_at = excluded.updated_at`,
		po.ExceptionID, po.TransactionID, po.Category, po.SeverityScore, po.SeverityLevel, po.Destination, po.StaticDestination,
		po.PolicyOverride, po.Priority, formatTime(po.SLADeadline), po.Status, po.AssignedTo, formatTimePtr(po.AssignedAt),
		po.AssignmentNote, po.ResolutionNotes, formatTimePtr(po.ResolvedAt), po.ErrorMessage, po.RulesVersion,
		formatTime(po.CreatedAt), formatTime(po.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert triage state: %w", err)
	}
	return nil
}

// GetTriageState 查询分诊状态
func (s *Store) GetTriageState(ctx context.Context, exceptionID string) (*triage.TriageState, error) {
	var po entity.TriageState
	var sla, created, updated string
	var assignedAt, resolvedAt sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT exception_id, transaction_id, category, severity_score, severity_level, destination, static_destination,
 policy_override, priority, sla_deadline, status, assigned_to, assigned_at, assignment_note, resolution_notes, resolved_at, error_message,
 rules_version, created_at, updated_at
FROM triage_states WHERE exception_id = ?`, exceptionID)
	err := row.Scan(&po.ExceptionID, &po.TransactionID, &po.Category, &po.SeverityScore, &po.SeverityLevel, &po.Destination,
		&po.StaticDestination, &po.PolicyOverride, &po.Priority, &sla, &po.Status, &po.AssignedTo, &assignedAt,
		&po.AssignmentNote, &po.ResolutionNotes, &resolvedAt, &po.ErrorMessage, &po.RulesVersion, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, triage.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select triage state: %w", err)
	}

	if po.SLADeadline, err = parseTime(sla); err != nil {
		return nil, fmt.Errorf("parse sla_deadline: %w", err)
	}
	if po.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if po.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if po.AssignedAt, err = parseTimePtr(assignedAt); err != nil {
		return nil, fmt.Errorf("parse assigned_at: %w", err)
	}
	if po.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, fmt.Errorf("parse resolved_at: %w", err)
	}
	return po.ToDomain(), nil
}

// LoadPolicy 读取策略表；不存在时返回 nil
func (s *Store) LoadPolicy(ctx context.Context, key string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM policies WHERE policy_key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select policy: %w", err)
	}
	return []byte(data), nil
}

// SavePolicy 整表覆盖写
func (s *Store) SavePolicy(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO policies (policy_key, data, updated_at) VALUES (?, ?, ?)
ON CONFLICT(policy_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}
