package stores

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

//go:embed migrations/postgres/schema.sql
var postgresSchema string

// postgresMigrationLockID keeps concurrent replicas from racing on DDL.
const postgresMigrationLockID int64 = 0x4F52_4301

// PostgresStore implements Store on PostgreSQL through a pgx connection pool.
// Claims lock candidate rows with FOR UPDATE SKIP LOCKED, so concurrent
// workers partition the queue instead of waiting on each other.
type PostgresStore struct {
	pool            *pgxpool.Pool
	dsn             string
	maxConns        int32
	connMaxLifetime time.Duration
}

// pgxQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// NewPostgresStore creates a new PostgreSQL store instance.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	maxConns := int32(cfg.MaxOpenConns)
	if maxConns == 0 {
		maxConns = 20
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 30 * time.Minute
	}

	return &PostgresStore{dsn: cfg.DSN, maxConns: maxConns, connMaxLifetime: lifetime}, nil
}

// Init creates the connection pool and pings the server.
func (s *PostgresStore) Init(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = s.maxConns
	config.MinConns = 2
	config.MaxConnLifetime = s.connMaxLifetime
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pinging database: %w", err)
	}

	s.pool = pool
	return nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate applies the embedded schema under an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("database not initialized")
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", postgresMigrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", postgresMigrationLockID)

	if _, err := conn.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// CreateDeployment implements engine.DeploymentRepository.
func (s *PostgresStore) CreateDeployment(ctx context.Context, d *engine.Deployment) error {
	d.Version = 1
	data, err := encodeDocument(d)
	if err != nil {
		d.Version = 0
		return err
	}
	events := d.Events()

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO deployments (id, tenant_id, state, version, created_at, updated_at, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, d.ID, d.TenantID, string(d.State), d.Version, d.CreatedAt, d.UpdatedAt, data)
		if isUniqueViolation(err) {
			return alreadyExists("deployment", d.ID)
		}
		if err != nil {
			return fmt.Errorf("creating deployment: %w", err)
		}
		return insertPostgresEvents(ctx, tx, d.ID, events)
	})
	if err != nil {
		d.Version = 0
		return err
	}
	d.PullEvents()
	return nil
}

// GetDeployment implements engine.DeploymentRepository.
func (s *PostgresStore) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM deployments WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.NewNotFoundError("deployment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting deployment: %w", err)
	}
	return decodeDeployment(data)
}

// SaveDeployment implements engine.DeploymentRepository.
func (s *PostgresStore) SaveDeployment(ctx context.Context, d *engine.Deployment) error {
	expected := d.Version
	d.Version++
	data, err := encodeDocument(d)
	if err != nil {
		d.Version = expected
		return err
	}
	events := d.Events()

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE deployments
			SET tenant_id = $1, state = $2, version = $3, updated_at = $4, data = $5
			WHERE id = $6 AND version = $7
		`, d.TenantID, string(d.State), d.Version, d.UpdatedAt, data, d.ID, expected)
		if err != nil {
			return fmt.Errorf("saving deployment: %w", err)
		}
		if err := checkPostgresUpdate(ctx, tx, tag, "deployments", "deployment", d.ID); err != nil {
			return err
		}
		return insertPostgresEvents(ctx, tx, d.ID, events)
	})
	if err != nil {
		d.Version = expected
		return err
	}
	d.PullEvents()
	return nil
}

// ListDeployments implements engine.DeploymentRepository.
func (s *PostgresStore) ListDeployments(ctx context.Context, filter engine.DeploymentFilter) ([]*engine.Deployment, error) {
	var where []string
	var args []interface{}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}

	query := `SELECT data FROM deployments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, defaultLimit(filter.Limit, 100), filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*engine.Deployment{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		d, err := decodeDeployment(data)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployments: %w", err)
	}
	return deployments, nil
}

// ListDeploymentEvents implements engine.DeploymentRepository.
func (s *PostgresStore) ListDeploymentEvents(ctx context.Context, deploymentID string) ([]engine.DomainEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, payload, occurred_at
		FROM deployment_events
		WHERE deployment_id = $1
		ORDER BY seq ASC
	`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	events := []engine.DomainEvent{}
	for rows.Next() {
		var (
			event     engine.DomainEvent
			eventType string
			payload   []byte
		)
		if err := rows.Scan(&event.ID, &eventType, &payload, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		event.AggregateID = deploymentID
		event.OccurredAt = event.OccurredAt.UTC()
		if event.Payload, err = decodePayload(payload); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// CreateTasks implements engine.TaskRepository.
func (s *PostgresStore) CreateTasks(ctx context.Context, tasks []*engine.Task) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, t := range tasks {
			t.Version = 1
			data, err := encodeDocument(t)
			if err != nil {
				return err
			}

			_, err = tx.Exec(ctx, `
				INSERT INTO tasks (id, deployment_id, step_id, epoch, state, not_before, claimed_by, claimed_at,
					version, created_at, updated_at, data)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			`, t.ID, t.DeploymentID, t.StepID, t.Epoch, string(t.State), t.NotBefore,
				nullString(t.ClaimedBy), t.ClaimedAt, t.Version, t.CreatedAt, t.UpdatedAt, data)
			if isUniqueViolation(err) {
				return alreadyExists("task", t.ID)
			}
			if err != nil {
				return fmt.Errorf("creating task %s: %w", t.ID, err)
			}

			for _, dep := range t.DependsOn {
				_, err := tx.Exec(ctx,
					`INSERT INTO task_dependencies (task_id, depends_on_step) VALUES ($1, $2)`, t.ID, dep)
				if err != nil {
					return fmt.Errorf("recording dependency of task %s: %w", t.ID, err)
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
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*engine.Task, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM tasks WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.NewNotFoundError("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	return decodeTask(data)
}

// SaveTask implements engine.TaskRepository.
func (s *PostgresStore) SaveTask(ctx context.Context, t *engine.Task) error {
	return savePostgresTask(ctx, s.pool, t)
}

func savePostgresTask(ctx context.Context, q pgxQuerier, t *engine.Task) error {
	expected := t.Version
	t.Version++
	data, err := encodeDocument(t)
	if err != nil {
		t.Version = expected
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE tasks
		SET state = $1, not_before = $2, claimed_by = $3, claimed_at = $4, version = $5, updated_at = $6, data = $7
		WHERE id = $8 AND version = $9
	`, string(t.State), t.NotBefore, nullString(t.ClaimedBy), t.ClaimedAt, t.Version, t.UpdatedAt, data, t.ID, expected)
	if err != nil {
		t.Version = expected
		return fmt.Errorf("saving task: %w", err)
	}
	if err := checkPostgresUpdate(ctx, q, tag, "tasks", "task", t.ID); err != nil {
		t.Version = expected
		return err
	}
	return nil
}

// ListTasksByDeployment implements engine.TaskRepository.
func (s *PostgresStore) ListTasksByDeployment(ctx context.Context, deploymentID string) ([]*engine.Task, error) {
	return queryPostgresTasks(ctx, s.pool, `
		SELECT data FROM tasks
		WHERE deployment_id = $1
		ORDER BY epoch ASC, step_id ASC
	`, deploymentID)
}

// postgresClaimQuery locks QUEUED tasks whose dependencies all succeeded,
// skipping rows another claimer already holds.
const postgresClaimQuery = `
	SELECT t.data FROM tasks t
	WHERE t.state = $1
	  AND NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		LEFT JOIN tasks p
		  ON p.deployment_id = t.deployment_id AND p.epoch = t.epoch AND p.step_id = d.depends_on_step
		WHERE d.task_id = t.id AND (p.state IS NULL OR p.state <> $2)
	  )
	ORDER BY t.created_at ASC, t.step_id ASC, t.id ASC
	LIMIT $3
	FOR UPDATE OF t SKIP LOCKED
`

// ClaimQueued implements engine.TaskRepository.
func (s *PostgresStore) ClaimQueued(ctx context.Context, workerID string, limit int, now time.Time) ([]*engine.Task, error) {
	if limit <= 0 {
		return []*engine.Task{}, nil
	}

	var claimed []*engine.Task
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		queued, err := queryPostgresTasks(ctx, tx, postgresClaimQuery,
			string(engine.TaskQueued), string(engine.TaskSucceeded), limit)
		if err != nil {
			return err
		}
		claimed = make([]*engine.Task, 0, len(queued))
		for _, t := range queued {
			if err := t.Claim(workerID, now); err != nil {
				return err
			}
			if err := savePostgresTask(ctx, tx, t); err != nil {
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
func (s *PostgresStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*engine.Task, error) {
	return queryPostgresTasks(ctx, s.pool, `
		SELECT data FROM tasks
		WHERE state = $1 AND (not_before IS NULL OR not_before <= $2)
		ORDER BY created_at ASC, step_id ASC, id ASC
		LIMIT $3
	`, string(engine.TaskRetrying), now, defaultLimit(limit, 100))
}

// ListStale implements engine.TaskRepository.
func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*engine.Task, error) {
	return queryPostgresTasks(ctx, s.pool, `
		SELECT data FROM tasks
		WHERE state IN ($1, $2) AND claimed_at IS NOT NULL AND claimed_at < $3
		ORDER BY created_at ASC, step_id ASC, id ASC
		LIMIT $4
	`, string(engine.TaskClaimed), string(engine.TaskRunning), cutoff, defaultLimit(limit, 100))
}

// SaveDriftReport implements engine.DriftRepository.
func (s *PostgresStore) SaveDriftReport(ctx context.Context, r *engine.DriftReport) error {
	data, err := encodeDocument(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO drift_reports (id, deployment_id, severity, generated_at, data)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.DeploymentID, string(r.Severity), r.GeneratedAt, data)
	if err != nil {
		return fmt.Errorf("saving drift report: %w", err)
	}
	return nil
}

// ListDriftReports implements engine.DriftRepository.
func (s *PostgresStore) ListDriftReports(ctx context.Context, deploymentID string, limit int) ([]*engine.DriftReport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM drift_reports
		WHERE deployment_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, deploymentID, defaultLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("listing drift reports: %w", err)
	}
	defer rows.Close()

	reports := []*engine.DriftReport{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning drift report: %w", err)
		}
		r, err := decodeDriftReport(data)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating drift reports: %w", err)
	}
	return reports, nil
}

func queryPostgresTasks(ctx context.Context, q pgxQuerier, query string, args ...interface{}) ([]*engine.Task, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*engine.Task{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

func insertPostgresEvents(ctx context.Context, tx pgx.Tx, deploymentID string, events []engine.DomainEvent) error {
	for _, event := range events {
		payload, err := encodePayload(event.Payload)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO deployment_events (id, deployment_id, event_type, payload, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
		`, event.ID, deploymentID, string(event.Type), payload, event.OccurredAt)
		if err != nil {
			return fmt.Errorf("appending event %s: %w", event.Type, err)
		}
	}
	return nil
}

func checkPostgresUpdate(ctx context.Context, q pgxQuerier, tag pgconn.CommandTag, table, kind, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking %s: %w", kind, err)
	}
	if !exists {
		return engine.NewNotFoundError(kind, id)
	}
	return versionConflict(kind, id)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
