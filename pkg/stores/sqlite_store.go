package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/orchestrator/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrationsFS embed.FS

// SQLiteStore implements Store on a single SQLite file in WAL mode.
// Write transactions start IMMEDIATE, so a claim holds the write lock from
// its first SELECT and two workers can never read the same QUEUED row.
type SQLiteStore struct {
	db              *sql.DB
	path            string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Path == ":memory:" {
		return nil, fmt.Errorf("in-memory SQLite is not supported, use the memory driver")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path:            cfg.Path,
		maxOpenConns:    cfg.MaxOpenConns,
		maxIdleConns:    cfg.MaxIdleConns,
		connMaxLifetime: cfg.ConnMaxLifetime,
	}, nil
}

// Init opens the database with WAL, foreign keys and a busy timeout set on
// every pooled connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.maxOpenConns)
	db.SetMaxIdleConns(s.maxIdleConns)
	db.SetConnMaxLifetime(s.connMaxLifetime)

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

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(sqliteMigrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction and commits if it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateDeployment implements engine.DeploymentRepository.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *engine.Deployment) error {
	d.Version = 1
	data, err := encodeDocument(d)
	if err != nil {
		d.Version = 0
		return err
	}
	events := d.Events()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployments WHERE id = ?`, d.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check deployment: %w", err)
		}
		if exists > 0 {
			return alreadyExists("deployment", d.ID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO deployments (id, tenant_id, state, version, created_at, updated_at, data)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, d.ID, d.TenantID, string(d.State), d.Version, nanos(d.CreatedAt), nanos(d.UpdatedAt), string(data))
		if err != nil {
			return fmt.Errorf("failed to create deployment: %w", err)
		}
		return insertSQLiteEvents(ctx, tx, d.ID, events)
	})
	if err != nil {
		d.Version = 0
		return err
	}
	d.PullEvents()
	return nil
}

// GetDeployment implements engine.DeploymentRepository.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM deployments WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("deployment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return decodeDeployment([]byte(data))
}

// SaveDeployment implements engine.DeploymentRepository.
func (s *SQLiteStore) SaveDeployment(ctx context.Context, d *engine.Deployment) error {
	expected := d.Version
	d.Version++
	data, err := encodeDocument(d)
	if err != nil {
		d.Version = expected
		return err
	}
	events := d.Events()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE deployments
			SET tenant_id = ?, state = ?, version = ?, updated_at = ?, data = ?
			WHERE id = ? AND version = ?
		`, d.TenantID, string(d.State), d.Version, nanos(d.UpdatedAt), string(data), d.ID, expected)
		if err != nil {
			return fmt.Errorf("failed to save deployment: %w", err)
		}
		if err := checkVersionedUpdate(ctx, tx, result, "deployments", "deployment", d.ID); err != nil {
			return err
		}
		return insertSQLiteEvents(ctx, tx, d.ID, events)
	})
	if err != nil {
		d.Version = expected
		return err
	}
	d.PullEvents()
	return nil
}

// ListDeployments implements engine.DeploymentRepository.
func (s *SQLiteStore) ListDeployments(ctx context.Context, filter engine.DeploymentFilter) ([]*engine.Deployment, error) {
	var where []string
	var args []interface{}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}

	query := `SELECT data FROM deployments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, defaultLimit(filter.Limit, 100), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*engine.Deployment{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		d, err := decodeDeployment([]byte(data))
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	return deployments, nil
}

// ListDeploymentEvents implements engine.DeploymentRepository.
func (s *SQLiteStore) ListDeploymentEvents(ctx context.Context, deploymentID string) ([]engine.DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, payload, occurred_at
		FROM deployment_events
		WHERE deployment_id = ?
		ORDER BY seq ASC
	`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []engine.DomainEvent{}
	for rows.Next() {
		var (
			event      engine.DomainEvent
			eventType  string
			payload    string
			occurredAt int64
		)
		if err := rows.Scan(&event.ID, &eventType, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		event.AggregateID = deploymentID
		event.OccurredAt = fromNanos(occurredAt)
		if event.Payload, err = decodePayload([]byte(payload)); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// CreateTasks implements engine.TaskRepository.
func (s *SQLiteStore) CreateTasks(ctx context.Context, tasks []*engine.Task) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			t.Version = 1
			data, err := encodeDocument(t)
			if err != nil {
				return err
			}

			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, t.ID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check task: %w", err)
			}
			if exists > 0 {
				return alreadyExists("task", t.ID)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (id, deployment_id, step_id, epoch, state, not_before, claimed_by, claimed_at,
					version, created_at, updated_at, data)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, t.ID, t.DeploymentID, t.StepID, t.Epoch, string(t.State), nullNanos(t.NotBefore),
				nullString(t.ClaimedBy), nullNanos(t.ClaimedAt), t.Version, nanos(t.CreatedAt), nanos(t.UpdatedAt), string(data))
			if err != nil {
				return fmt.Errorf("failed to create task %s: %w", t.ID, err)
			}

			for _, dep := range t.DependsOn {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO task_dependencies (task_id, depends_on_step) VALUES (?, ?)`, t.ID, dep)
				if err != nil {
					return fmt.Errorf("failed to record dependency of task %s: %w", t.ID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		for _, t := range tasks {
			t.Version = 0
		}
		return err
	}
	return nil
}

// GetTask implements engine.TaskRepository.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*engine.Task, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return decodeTask([]byte(data))
}

// SaveTask implements engine.TaskRepository.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *engine.Task) error {
	return saveSQLiteTask(ctx, s.db, t)
}

func saveSQLiteTask(ctx context.Context, q dbtx, t *engine.Task) error {
	expected := t.Version
	t.Version++
	data, err := encodeDocument(t)
	if err != nil {
		t.Version = expected
		return err
	}

	result, err := q.ExecContext(ctx, `
		UPDATE tasks
		SET state = ?, not_before = ?, claimed_by = ?, claimed_at = ?, version = ?, updated_at = ?, data = ?
		WHERE id = ? AND version = ?
	`, string(t.State), nullNanos(t.NotBefore), nullString(t.ClaimedBy), nullNanos(t.ClaimedAt),
		t.Version, nanos(t.UpdatedAt), string(data), t.ID, expected)
	if err != nil {
		t.Version = expected
		return fmt.Errorf("failed to save task: %w", err)
	}
	if err := checkVersionedUpdate(ctx, q, result, "tasks", "task", t.ID); err != nil {
		t.Version = expected
		return err
	}
	return nil
}

// ListTasksByDeployment implements engine.TaskRepository.
func (s *SQLiteStore) ListTasksByDeployment(ctx context.Context, deploymentID string) ([]*engine.Task, error) {
	return s.queryTasks(ctx, s.db, `
		SELECT data FROM tasks
		WHERE deployment_id = ?
		ORDER BY epoch ASC, step_id ASC
	`, deploymentID)
}

// sqliteClaimQuery selects QUEUED tasks none of whose dependencies is missing
// or unfinished in the same deployment and epoch.
const sqliteClaimQuery = `
	SELECT t.data FROM tasks t
	WHERE t.state = ?
	  AND NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		LEFT JOIN tasks p
		  ON p.deployment_id = t.deployment_id AND p.epoch = t.epoch AND p.step_id = d.depends_on_step
		WHERE d.task_id = t.id AND (p.state IS NULL OR p.state <> ?)
	  )
	ORDER BY t.created_at ASC, t.step_id ASC, t.id ASC
	LIMIT ?
`

// ClaimQueued implements engine.TaskRepository. The IMMEDIATE transaction takes
// the database write lock before selecting, which serializes concurrent claims.
func (s *SQLiteStore) ClaimQueued(ctx context.Context, workerID string, limit int, now time.Time) ([]*engine.Task, error) {
	if limit <= 0 {
		return []*engine.Task{}, nil
	}

	var claimed []*engine.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		queued, err := s.queryTasks(ctx, tx, sqliteClaimQuery,
			string(engine.TaskQueued), string(engine.TaskSucceeded), limit)
		if err != nil {
			return err
		}
		claimed = make([]*engine.Task, 0, len(queued))
		for _, t := range queued {
			if err := t.Claim(workerID, now); err != nil {
				return err
			}
			if err := saveSQLiteTask(ctx, tx, t); err != nil {
				return err
			}
			claimed = append(claimed, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ListDueRetries implements engine.TaskRepository.
func (s *SQLiteStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*engine.Task, error) {
	return s.queryTasks(ctx, s.db, `
		SELECT data FROM tasks
		WHERE state = ? AND (not_before IS NULL OR not_before <= ?)
		ORDER BY created_at ASC, step_id ASC, id ASC
		LIMIT ?
	`, string(engine.TaskRetrying), nanos(now), defaultLimit(limit, 100))
}

// ListStale implements engine.TaskRepository.
func (s *SQLiteStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*engine.Task, error) {
	return s.queryTasks(ctx, s.db, `
		SELECT data FROM tasks
		WHERE state IN (?, ?) AND claimed_at IS NOT NULL AND claimed_at < ?
		ORDER BY created_at ASC, step_id ASC, id ASC
		LIMIT ?
	`, string(engine.TaskClaimed), string(engine.TaskRunning), nanos(cutoff), defaultLimit(limit, 100))
}

// SaveDriftReport implements engine.DriftRepository.
func (s *SQLiteStore) SaveDriftReport(ctx context.Context, r *engine.DriftReport) error {
	data, err := encodeDocument(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drift_reports (id, deployment_id, severity, generated_at, data)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.DeploymentID, string(r.Severity), nanos(r.GeneratedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to save drift report: %w", err)
	}
	return nil
}

// ListDriftReports implements engine.DriftRepository.
func (s *SQLiteStore) ListDriftReports(ctx context.Context, deploymentID string, limit int) ([]*engine.DriftReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM drift_reports
		WHERE deployment_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, deploymentID, defaultLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("failed to list drift reports: %w", err)
	}
	defer rows.Close()

	reports := []*engine.DriftReport{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan drift report: %w", err)
		}
		r, err := decodeDriftReport([]byte(data))
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating drift reports: %w", err)
	}
	return reports, nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, q dbtx, query string, args ...interface{}) ([]*engine.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*engine.Task{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t, err := decodeTask([]byte(data))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func insertSQLiteEvents(ctx context.Context, tx *sql.Tx, deploymentID string, events []engine.DomainEvent) error {
	for _, event := range events {
		payload, err := encodePayload(event.Payload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO deployment_events (id, deployment_id, event_type, payload, occurred_at)
			VALUES (?, ?, ?, ?, ?)
		`, event.ID, deploymentID, string(event.Type), string(payload), nanos(event.OccurredAt))
		if err != nil {
			return fmt.Errorf("failed to append event %s: %w", event.Type, err)
		}
	}
	return nil
}

// checkVersionedUpdate tells a missing row apart from a stale version when a
// conditional UPDATE touched nothing.
func checkVersionedUpdate(ctx context.Context, q dbtx, result sql.Result, table, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s: %w", kind, err)
	}
	if exists == 0 {
		return engine.NewNotFoundError(kind, id)
	}
	return versionConflict(kind, id)
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
