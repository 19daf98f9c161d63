// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver

	"suprema/gateway/shared/logger"
)

// Dataset binds a guarded HTTP route to a homologated table in the
// read-only data store.
type Dataset struct {
	Path  string
	Table string
}

// Datasets is the registry of exposed logistics tables. Table names
// come from this fixed list, never from request input.
var Datasets = []Dataset{
	{Path: "/carteira-logistica", Table: "CARTEIRA_LOGISTICA"},
	{Path: "/mov-estoque-logistica", Table: "MOV_ESTOQUE_LOGISTICA"},
	{Path: "/docas-logistica", Table: "DOCAS_LOGISTICA"},
	{Path: "/pedidos-romaneio-logistica", Table: "PEDIDOS_ROMANEIO_LOGISTICA"},
	{Path: "/carregamento-logistica", Table: "CARREGAMENTO_LOGISTICA"},
	{Path: "/faturamento-logistica", Table: "FATURAMENTO_LOGISTICA"},
}

// DataStore wraps the tabular data source. The driver is selected from
// the DSN scheme: postgres:// DSNs use lib/pq, anything else is treated
// as a MySQL DSN.
type DataStore struct {
	db     *sql.DB
	driver string
	log    *logger.Logger
}

// OpenDataStore connects to the data store and verifies the connection.
func OpenDataStore(dsn string, connTimeout time.Duration) (*DataStore, error) {
	driver := "mysql"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	} else {
		// database/sql expects the bare MySQL DSN format
		dsn = strings.TrimPrefix(dsn, "mysql://")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open data store: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping data store: %w", err)
	}
	return NewDataStore(db, driver), nil
}

// NewDataStore wraps an existing pool. Used by tests.
func NewDataStore(db *sql.DB, driver string) *DataStore {
	return &DataStore{db: db, driver: driver, log: logger.New("data-store")}
}

// Close releases the connection pool.
func (s *DataStore) Close() error {
	return s.db.Close()
}

// Ping issues the trivial liveness read used by /health.
func (s *DataStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("data store unavailable: %w", err)
	}
	return nil
}

func (s *DataStore) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// QueryTable reads rows from a registered table with optional status
// filtering and pagination, returning JSON-safe records and the column
// count.
func (s *DataStore) QueryTable(ctx context.Context, table string, limit, offset int, statusFilter string) ([]map[string]interface{}, int, error) {
	query := fmt.Sprintf("SELECT * FROM %s", table)
	var args []interface{}
	if statusFilter != "" {
		query = fmt.Sprintf("SELECT * FROM (%s) AS filtered WHERE status = %s", query, s.placeholder(1))
		args = append(args, statusFilter)
	}
	if limit > 0 {
		if offset < 0 {
			offset = 0
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records, columns, err := RowsToRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, len(columns), nil
}
