package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attendry/internal/db"
	"github.com/sells-group/attendry/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// eventColumns are the columns BulkUpsert writes to events.
var eventColumns = []string{"id", "event_key", "source_url", "url", "title", "starts_at", "country", "payload", "updated_at"}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	event_key  TEXT NOT NULL UNIQUE,
	source_url TEXT NOT NULL,
	url        TEXT NOT NULL,
	title      TEXT NOT NULL,
	starts_at  TEXT NOT NULL,
	country    TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_country_starts ON events(country, starts_at);
CREATE INDEX IF NOT EXISTS idx_events_updated_at ON events(updated_at DESC);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	request    JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	result     JSONB,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// UpsertEvents writes events keyed on source page, title and start date. A
// later event for the same key replaces the earlier one, within the batch
// and across calls.
func (s *PostgresStore) UpsertEvents(ctx context.Context, events []model.EventDTO) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal event")
		}
		rows = append(rows, []any{
			uuid.New().String(),
			eventKey(ev),
			sourceURL(ev),
			ev.URL,
			ev.Title,
			startDate(ev.StartsAt),
			ev.Country,
			string(payload),
			now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "events",
		Columns:      eventColumns,
		ConflictKeys: []string{"event_key"},
		UpdateCols:   []string{"source_url", "url", "title", "starts_at", "country", "payload", "updated_at"},
	}, rows)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert events")
	}
	zap.L().Debug("postgres: upserted events", zap.Int64("rows", n))
	return nil
}

// eventWhere builds the WHERE clause for filter using $n placeholders.
func eventWhere(filter model.EventFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Country != "" {
		add("country = $%d", strings.ToUpper(filter.Country))
	}
	if filter.DateFrom != nil {
		add("starts_at >= $%d", filter.DateFrom.Format(time.DateOnly))
	}
	if filter.DateTo != nil {
		add("starts_at <= $%d", filter.DateTo.Format(time.DateOnly))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListEvents returns stored events matching filter, most recently updated
// first.
func (s *PostgresStore) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.StoredEvent, error) {
	where, args := eventWhere(filter)
	args = append(args, listLimit(filter.Limit))
	query := fmt.Sprintf(`SELECT id, payload, country, starts_at, updated_at FROM events%s ORDER BY updated_at DESC LIMIT $%d`, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var out []model.StoredEvent
	for rows.Next() {
		var (
			se      model.StoredEvent
			payload []byte
		)
		if err := rows.Scan(&se.ID, &payload, &se.Country, &se.StartsAt, &se.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		if err := json.Unmarshal(payload, &se.Event); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal event")
		}
		out = append(out, se)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list events rows")
}

// ListEventURLs returns the distinct source URLs of stored events matching
// filter, earliest event first.
func (s *PostgresStore) ListEventURLs(ctx context.Context, filter model.EventFilter) ([]string, error) {
	where, args := eventWhere(filter)
	args = append(args, listLimit(filter.Limit))
	query := fmt.Sprintf(`SELECT source_url FROM events%s GROUP BY source_url ORDER BY MIN(starts_at), source_url LIMIT $%d`, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list event urls")
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event url")
		}
		urls = append(urls, u)
	}
	return urls, eris.Wrap(rows.Err(), "postgres: list event urls rows")
}

// CreateRun records a queued run for req.
func (s *PostgresStore) CreateRun(ctx context.Context, req model.SearchRequest) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal request")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, request, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, reqJSON, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Request:   req,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// UpdateRunStatus moves a run to status.
func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

// UpdateRunResult stores the result and completes the run.
func (s *PostgresStore) UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run result %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

// FailRun marks a run failed with msg.
func (s *PostgresStore) FailRun(ctx context.Context, runID string, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(model.RunStatusFailed), msg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, request, status, result, error, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	run, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, request, status, result, error, created_at, updated_at FROM runs`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	args = append(args, listLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs rows")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var (
		run        model.Run
		reqJSON    []byte
		resultJSON []byte
		status     string
		errMsg     *string
	)
	if err := row.Scan(&run.ID, &reqJSON, &status, &resultJSON, &errMsg, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if errMsg != nil {
		run.Error = *errMsg
	}
	if err := json.Unmarshal(reqJSON, &run.Request); err != nil {
		return nil, eris.Wrap(err, "unmarshal request")
	}
	if len(resultJSON) > 0 {
		run.Result = &model.RunResult{}
		if err := json.Unmarshal(resultJSON, run.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	return &run, nil
}
