// Package postgres provides a PostgreSQL run journal using pgx/v5 connection
// pooling. Strategies are stored as JSONB and capital as NUMERIC.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rhuss/backtestd/pkg/api"
	"github.com/rhuss/backtestd/pkg/debug"
	"github.com/rhuss/backtestd/pkg/journal"
)

// Journal is a PostgreSQL-backed run journal.
type Journal struct {
	pool *pgxpool.Pool
}

var _ journal.Journal = (*Journal)(nil)

// New connects to PostgreSQL. If MigrateOnStart is set, schema
// migrations are applied before returning.
func New(ctx context.Context, cfg Config) (*Journal, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	j := &Journal{pool: pool}

	if cfg.MigrateOnStart {
		if err := j.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return j, nil
}

// Record inserts an entry.
func (j *Journal) Record(ctx context.Context, e *journal.Entry) error {
	strategies := e.Strategies
	if strategies == nil {
		strategies = []string{}
	}
	strategiesJSON, err := json.Marshal(strategies)
	if err != nil {
		return fmt.Errorf("marshaling strategies: %w", err)
	}

	_, err = j.pool.Exec(ctx, `
		INSERT INTO runs (
			run_id, session_id, success, state,
			tick_count, initial_capital, strategies,
			backend, exit_code, error_type, error_message,
			elapsed_seconds, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13)
	`,
		e.RunID, nullString(e.SessionID), e.Success, string(e.State),
		e.TickCount, e.InitialCapital.String(), strategiesJSON,
		e.Backend, e.ExitCode, nullString(e.ErrorType), nullString(e.ErrorMessage),
		e.ElapsedSeconds, e.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return journal.ErrConflict
		}
		return fmt.Errorf("inserting run: %w", err)
	}

	debug.Log("journal", "run recorded", "run_id", e.RunID, "success", e.Success)
	return nil
}

// List returns entries newest first.
func (j *Journal) List(ctx context.Context, opts journal.ListOptions) ([]*journal.Entry, error) {
	opts.Normalize()

	query := `
		SELECT run_id, session_id, success, state,
		       tick_count, initial_capital::text, strategies,
		       backend, exit_code, error_type, error_message,
		       elapsed_seconds, created_at
		FROM runs
	`
	args := []any{}
	switch opts.Status {
	case "completed":
		query += " WHERE success = $1"
		args = append(args, true)
	case "failed":
		query += " WHERE success = $1"
		args = append(args, false)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, run_id DESC LIMIT %d", opts.Limit)

	rows, err := j.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	result := []*journal.Entry{}
	for rows.Next() {
		var (
			e                          journal.Entry
			sessionID, errType, errMsg *string
			state, capital             string
			strategiesJSON             []byte
			createdAt                  time.Time
		)
		if err := rows.Scan(
			&e.RunID, &sessionID, &e.Success, &state,
			&e.TickCount, &capital, &strategiesJSON,
			&e.Backend, &e.ExitCode, &errType, &errMsg,
			&e.ElapsedSeconds, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}

		e.State = api.RunState(state)
		e.SessionID = deref(sessionID)
		e.ErrorType = deref(errType)
		e.ErrorMessage = deref(errMsg)
		e.CreatedAt = createdAt.UTC()
		if e.InitialCapital, err = decimal.NewFromString(capital); err != nil {
			return nil, fmt.Errorf("parsing initial_capital of %s: %w", e.RunID, err)
		}
		if err := json.Unmarshal(strategiesJSON, &e.Strategies); err != nil {
			return nil, fmt.Errorf("unmarshaling strategies of %s: %w", e.RunID, err)
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return result, nil
}

// HealthCheck verifies the database connection.
func (j *Journal) HealthCheck(ctx context.Context) error {
	return j.pool.Ping(ctx)
}

// Close releases the connection pool.
func (j *Journal) Close() error {
	j.pool.Close()
	return nil
}

// nullString converts an empty string to nil for nullable TEXT columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// isDuplicateKey reports a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
