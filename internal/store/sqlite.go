// Package store provides Persistence Store implementations for
// AgentGate: an in-memory reference backend and a durable SQLite backend,
// both satisfying internal/orchestrator.Store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/runexec"
)

// SQLite is a durable Store backed by a single SQLite database file,
// grounded on the teacher's internal/db.Open (sql.Open("sqlite", path) +
// WAL pragmas).
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS work_orders (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			data       TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS runs (
			run_id        TEXT PRIMARY KEY,
			work_order_id TEXT NOT NULL,
			data          TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS iterations (
			run_id    TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			data      TEXT NOT NULL,
			PRIMARY KEY (run_id, iteration)
		);
	`)
	return err
}

func (s *SQLite) SaveWorkOrder(ctx context.Context, wo *orchestrator.WorkOrder) error {
	data, err := json.Marshal(wo)
	if err != nil {
		return fmt.Errorf("marshal work order: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO work_orders (id, status, created_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data
	`, wo.ID, wo.Status, wo.CreatedAt.Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("save work order: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, id, status string) error {
	wo, err := s.LoadWorkOrder(ctx, id)
	if err != nil {
		return err
	}
	wo.Status = status
	return s.SaveWorkOrder(ctx, wo)
}

func (s *SQLite) LoadWorkOrder(ctx context.Context, id string) (*orchestrator.WorkOrder, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM work_orders WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("work order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load work order: %w", err)
	}
	var wo orchestrator.WorkOrder
	if err := json.Unmarshal([]byte(data), &wo); err != nil {
		return nil, fmt.Errorf("unmarshal work order: %w", err)
	}
	return &wo, nil
}

func (s *SQLite) ListWorkOrders(ctx context.Context) ([]*orchestrator.WorkOrder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM work_orders`)
	if err != nil {
		return nil, fmt.Errorf("list work orders: %w", err)
	}
	defer rows.Close()

	var out []*orchestrator.WorkOrder
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan work order: %w", err)
		}
		var wo orchestrator.WorkOrder
		if err := json.Unmarshal([]byte(data), &wo); err != nil {
			return nil, fmt.Errorf("unmarshal work order: %w", err)
		}
		out = append(out, &wo)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveRun(ctx context.Context, run *runexec.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, work_order_id, data) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET data = excluded.data
	`, run.RunID, run.WorkOrderID, data)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *SQLite) SaveIteration(ctx context.Context, runID string, iter runexec.IterationData) error {
	data, err := json.Marshal(iter)
	if err != nil {
		return fmt.Errorf("marshal iteration: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO iterations (run_id, iteration, data) VALUES (?, ?, ?)
		ON CONFLICT(run_id, iteration) DO UPDATE SET data = excluded.data
	`, runID, iter.Iteration, data)
	if err != nil {
		return fmt.Errorf("save iteration: %w", err)
	}
	return nil
}

func (s *SQLite) MarkFailed(ctx context.Context, workOrderID, message string) error {
	return s.UpdateStatus(ctx, workOrderID, orchestrator.StatusFailed)
}
