package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore mirrors snapshot saves into a tasks table for audit. Rows are
// upserted but never deleted, so the table keeps records the scheduler has
// already torn down.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_tasks (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			target_url TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			body JSONB NULL,
			service TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			state TEXT NOT NULL,
			last_result JSONB NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			interval_ms INTEGER NOT NULL DEFAULT 0,
			total_executions INTEGER NOT NULL DEFAULT 0,
			executions INTEGER NOT NULL DEFAULT 0,
			run_until_close BOOLEAN NOT NULL DEFAULT FALSE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_tasks_owner_created ON relay_tasks (owner, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveAll(ctx context.Context, tasks []Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, task := range tasks {
		_, err := tx.Exec(ctx,
			`INSERT INTO relay_tasks (
				id, owner, target_url, method, body, service, token, mode, state,
				last_result, last_error, created_at, updated_at, interval_ms,
				total_executions, executions, run_until_close
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
			)
			ON CONFLICT (id) DO UPDATE SET
				owner=EXCLUDED.owner,
				target_url=EXCLUDED.target_url,
				method=EXCLUDED.method,
				body=EXCLUDED.body,
				service=EXCLUDED.service,
				token=EXCLUDED.token,
				mode=EXCLUDED.mode,
				state=EXCLUDED.state,
				last_result=EXCLUDED.last_result,
				last_error=EXCLUDED.last_error,
				updated_at=EXCLUDED.updated_at,
				interval_ms=EXCLUDED.interval_ms,
				total_executions=EXCLUDED.total_executions,
				executions=EXCLUDED.executions,
				run_until_close=EXCLUDED.run_until_close`,
			task.ID,
			task.Owner,
			task.TargetURL,
			task.Method,
			rawOrNil(task.Body),
			task.Service,
			task.Token,
			string(task.Mode),
			string(task.State),
			rawOrNil(task.LastResult),
			task.LastError,
			task.CreatedAt,
			task.UpdatedAt,
			task.IntervalMS,
			task.TotalExecutions,
			task.Executions,
			task.RunUntilClose,
		)
		if err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, target_url, method, body, service, token, mode, state,
		        last_result, last_error, created_at, updated_at, interval_ms,
		        total_executions, executions, run_until_close
		   FROM relay_tasks ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			task       Task
			mode       string
			state      string
			body       []byte
			lastResult []byte
		)
		if err := rows.Scan(
			&task.ID,
			&task.Owner,
			&task.TargetURL,
			&task.Method,
			&body,
			&task.Service,
			&task.Token,
			&mode,
			&state,
			&lastResult,
			&task.LastError,
			&task.CreatedAt,
			&task.UpdatedAt,
			&task.IntervalMS,
			&task.TotalExecutions,
			&task.Executions,
			&task.RunUntilClose,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		task.Mode = Mode(mode)
		task.State = State(state)
		task.Body = body
		task.LastResult = lastResult
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
