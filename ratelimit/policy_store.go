// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"suprema/gateway/shared/logger"
)

// PolicyStore reads enabled policies and active manual blocks from the
// policy database and appends audit events.
type PolicyStore interface {
	ListEnabledPolicies(ctx context.Context) ([]Policy, error)
	FindActiveBlock(ctx context.Context, username, endpoint string) (*ManualBlock, error)
	AppendEvent(ctx context.Context, ev AuditEvent) error
}

// SQLPolicyStore is the PostgreSQL-backed policy store.
type SQLPolicyStore struct {
	db  *sql.DB
	log *logger.Logger
	now func() time.Time
}

// OpenPolicyStore connects to the policy database and verifies the
// connection. Pooled connections are recycled after one hour.
func OpenPolicyStore(dsn string) (*SQLPolicyStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping policy database: %w", err)
	}
	return NewSQLPolicyStore(db), nil
}

// NewSQLPolicyStore wraps an existing connection pool. Used by tests.
func NewSQLPolicyStore(db *sql.DB) *SQLPolicyStore {
	return &SQLPolicyStore{
		db:  db,
		log: logger.New("policy-store"),
		now: time.Now,
	}
}

// Close releases the connection pool.
func (s *SQLPolicyStore) Close() error {
	return s.db.Close()
}

// InitSchema creates the policy tables if they do not exist. Timestamps
// are stored as UTC naive values.
func (s *SQLPolicyStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS admin_user (
			id SERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'admin',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc')
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_policy (
			id SERIAL PRIMARY KEY,
			level TEXT NOT NULL,
			role TEXT,
			username TEXT,
			endpoint TEXT,
			window_sec INTEGER NOT NULL CHECK (window_sec >= 1),
			max_calls INTEGER NOT NULL CHECK (max_calls >= 1),
			block_sec INTEGER NOT NULL CHECK (block_sec >= 1),
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			priority INTEGER NOT NULL DEFAULT 0 CHECK (priority >= 0),
			updated_at TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc')
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_block (
			id SERIAL PRIMARY KEY,
			username TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			block_until TIMESTAMP NOT NULL,
			reason TEXT,
			cleared_at TIMESTAMP,
			cleared_by TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc')
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_event (
			id SERIAL PRIMARY KEY,
			ts TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc'),
			username TEXT NOT NULL,
			role TEXT,
			endpoint TEXT NOT NULL,
			decision TEXT NOT NULL,
			rule_source TEXT NOT NULL,
			window_sec INTEGER,
			max_calls INTEGER,
			block_sec INTEGER,
			calls BIGINT,
			reason TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize policy schema: %w", err)
		}
	}
	return nil
}

// ListEnabledPolicies returns all enabled policies sorted by priority
// descending with updated_at descending as the tie-break.
func (s *SQLPolicyStore) ListEnabledPolicies(ctx context.Context) ([]Policy, error) {
	const query = `
		SELECT id, level, role, username, endpoint,
		       window_sec, max_calls, block_sec, enabled, priority, updated_at
		FROM rate_limit_policy
		WHERE enabled = TRUE
		ORDER BY priority DESC, updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyDBUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var policies []Policy
	for rows.Next() {
		var (
			p                        Policy
			role, username, endpoint sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Level, &role, &username, &endpoint,
			&p.WindowSec, &p.MaxCalls, &p.BlockSec, &p.Enabled, &p.Priority, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy row: %w", err)
		}
		p.Role = role.String
		p.Username = username.String
		p.Endpoint = endpoint.String
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyDBUnavailable, err)
	}
	return policies, nil
}

// FindActiveBlock returns the active manual block for a user/endpoint
// pair, or nil when none is in force.
func (s *SQLPolicyStore) FindActiveBlock(ctx context.Context, username, endpoint string) (*ManualBlock, error) {
	const query = `
		SELECT id, username, endpoint, block_until, reason, cleared_at, cleared_by
		FROM rate_limit_block
		WHERE username = $1 AND endpoint = $2
		  AND cleared_at IS NULL AND block_until > $3
		ORDER BY block_until DESC
		LIMIT 1`

	var (
		b         ManualBlock
		reason    sql.NullString
		clearedAt sql.NullTime
		clearedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, username, endpoint, s.now().UTC()).
		Scan(&b.ID, &b.Username, &b.Endpoint, &b.BlockUntil, &reason, &clearedAt, &clearedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyDBUnavailable, err)
	}
	b.Reason = reason.String
	b.ClearedBy = clearedBy.String
	if clearedAt.Valid {
		t := clearedAt.Time
		b.ClearedAt = &t
	}
	return &b, nil
}

// AppendEvent persists one audit event. Failures are reported to the
// caller; they never change a request verdict.
func (s *SQLPolicyStore) AppendEvent(ctx context.Context, ev AuditEvent) error {
	const query = `
		INSERT INTO rate_limit_event
			(ts, username, role, endpoint, decision, rule_source,
			 window_sec, max_calls, block_sec, calls, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	var calls sql.NullInt64
	if ev.Calls != nil {
		calls = sql.NullInt64{Int64: *ev.Calls, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		ev.TS.UTC(), ev.Username, ev.Role, ev.Endpoint, ev.Decision, ev.RuleSource,
		ev.WindowSec, ev.MaxCalls, ev.BlockSec, calls, ev.Reason)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyDBUnavailable, err)
	}
	return nil
}
