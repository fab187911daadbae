package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/nepi-go/nepi/pkg/execution"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `validate:"required"`
	MaxOpenConns    int           `validate:"gte=0"`
	MaxIdleConns    int           `validate:"gte=0"`
	ConnMaxLifetime time.Duration `validate:"gte=0"`
}

var configValidator = validator.New()

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid store config: %w", err)
	}
	return nil
}

func (c Config) inMemory() bool {
	return c.Path == ":memory:" || strings.HasPrefix(c.Path, "file::memory:")
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if cfg.inMemory() {
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !s.cfg.inMemory() {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// SaveExperiment inserts an experiment or replaces its name and design.
func (s *SQLiteStore) SaveExperiment(ctx context.Context, exp *Experiment) error {
	now := time.Now().UTC()
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = now
	}
	exp.UpdatedAt = now
	if exp.Design == "" {
		exp.Design = "{}"
	}

	query := `
		INSERT INTO experiments (id, name, design, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			design = excluded.design,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, exp.ID, exp.Name, exp.Design, exp.CreatedAt, exp.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

// GetExperiment retrieves an experiment by ID
func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	query := `
		SELECT id, name, design, created_at, updated_at
		FROM experiments
		WHERE id = ?
	`

	exp := &Experiment{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&exp.ID,
		&exp.Name,
		&exp.Design,
		&exp.CreatedAt,
		&exp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return exp, nil
}

// ListExperiments lists experiments, most recently updated first.
func (s *SQLiteStore) ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error) {
	query := `
		SELECT id, name, design, created_at, updated_at
		FROM experiments
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	experiments := []*Experiment{}
	for rows.Next() {
		exp := &Experiment{}
		if err := rows.Scan(&exp.ID, &exp.Name, &exp.Design, &exp.CreatedAt, &exp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		experiments = append(experiments, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating experiments: %w", err)
	}
	return experiments, nil
}

// DeleteExperiment deletes an experiment together with its runs and events.
func (s *SQLiteStore) DeleteExperiment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}
	return expectRow(result, "experiment", id)
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO runs (id, experiment_id, number, status, started_at, completed_at, metric, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.ExperimentID,
		run.Number,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Metric,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

const runColumns = `id, experiment_id, number, status, started_at, completed_at, metric, error`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.ExperimentID,
		&run.Number,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Metric,
		&run.Error,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// CompleteRun closes a running run. A run already marked failed keeps
// that status and its first error.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = CASE WHEN status = 'failed' THEN status ELSE ? END,
			error = COALESCE(error, ?),
			completed_at = COALESCE(completed_at, ?)
		WHERE id = ?
	`

	var completedAt *time.Time
	if status != RunStatusRunning {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return expectRow(result, "run", id)
}

// RecordRunMetric stores the runner iteration number and metric of a run.
func (s *SQLiteStore) RecordRunMetric(ctx context.Context, id string, number int, metric *float64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE runs SET number = ?, metric = ? WHERE id = ?`, number, metric, id)
	if err != nil {
		return fmt.Errorf("failed to record run metric: %w", err)
	}
	return expectRow(result, "run", id)
}

// ListRuns lists the runs of an experiment in start order.
func (s *SQLiteStore) ListRuns(ctx context.Context, experimentID string, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE experiment_id = ?
		ORDER BY started_at ASC, number ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, experimentID, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// Samples returns the metric samples of an experiment in run order.
func (s *SQLiteStore) Samples(ctx context.Context, experimentID string) ([]float64, error) {
	query := `
		SELECT metric FROM runs
		WHERE experiment_id = ? AND metric IS NOT NULL
		ORDER BY number ASC, started_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	defer rows.Close()

	samples := []float64{}
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, v)
	}
	return samples, rows.Err()
}

// AppendTransition records a resource state change
func (s *SQLiteStore) AppendTransition(ctx context.Context, tr *Transition) error {
	query := `
		INSERT INTO transitions (experiment_id, run_id, guid, rtype, from_state, to_state, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		tr.ExperimentID,
		tr.RunID,
		int(tr.Guid),
		tr.RType,
		tr.From.String(),
		tr.To.String(),
		tr.Error,
		tr.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get transition ID: %w", err)
	}
	tr.ID = id
	return nil
}

// ListTransitions lists the transitions of a run in insertion order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, runID string) ([]*Transition, error) {
	query := `
		SELECT id, experiment_id, run_id, guid, rtype, from_state, to_state, error, timestamp
		FROM transitions
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []*Transition{}
	for rows.Next() {
		var (
			tr       Transition
			guid     int
			from, to string
		)
		if err := rows.Scan(&tr.ID, &tr.ExperimentID, &tr.RunID, &guid, &tr.RType, &from, &to, &tr.Error, &tr.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.Guid = execution.Guid(guid)
		if tr.From, err = execution.ParseResourceState(from); err != nil {
			return nil, fmt.Errorf("transition %d: %w", tr.ID, err)
		}
		if tr.To, err = execution.ParseResourceState(to); err != nil {
			return nil, fmt.Errorf("transition %d: %w", tr.ID, err)
		}
		transitions = append(transitions, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return transitions, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (id, experiment_id, run_id, type, guid, action, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var guid *int
	if event.Guid != nil {
		g := int(*event.Guid)
		guid = &g
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ExperimentID,
		event.RunID,
		string(event.Type),
		guid,
		event.Action,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents retrieves events in time order.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.ExperimentID != "" {
		where = append(where, "experiment_id = ?")
		args = append(args, filter.ExperimentID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT id, experiment_id, run_id, type, guid, action, details, timestamp FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC LIMIT ? OFFSET ?"
	args = append(args, limitOrAll(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			event Event
			typ   string
			guid  *int
		)
		if err := rows.Scan(&event.ID, &event.ExperimentID, &event.RunID, &typ, &guid, &event.Action, &event.Details, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = execution.EventType(typ)
		if guid != nil {
			g := execution.Guid(*guid)
			event.Guid = &g
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
