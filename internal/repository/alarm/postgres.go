package alarm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	domain "github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/errs"
)

// Schema creates the alarms table. It is applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS alarms (
	id                TEXT PRIMARY KEY,
	correlation_key   TEXT NOT NULL,
	tenant            TEXT NOT NULL,
	site              TEXT NOT NULL,
	area              TEXT NOT NULL,
	type              TEXT NOT NULL,
	severity          TEXT NOT NULL,
	state             TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	sla_deadline      TIMESTAMPTZ,
	sla_breached      BOOLEAN NOT NULL DEFAULT FALSE,
	assigned_operator TEXT NOT NULL DEFAULT '',
	linked_event_ids  TEXT[] NOT NULL DEFAULT '{}',
	history           JSONB NOT NULL DEFAULT '[]',
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0.5
);
ALTER TABLE alarms ADD COLUMN IF NOT EXISTS confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5;
CREATE INDEX IF NOT EXISTS alarms_key_open ON alarms (correlation_key, created_at DESC) WHERE state <> 'CLOSED';
CREATE INDEX IF NOT EXISTS alarms_tenant_created ON alarms (tenant, created_at DESC);
`

const alarmColumns = "id, correlation_key, tenant, site, area, type, severity, state, created_at, updated_at, " +
	"sla_deadline, sla_breached, assigned_operator, linked_event_ids, history, confidence"

// PostgresRepository stores alarms in Postgres through database/sql and lib/pq.
type PostgresRepository struct {
	// db is the shared connection pool.
	db *sql.DB
}

// NewPostgresRepository creates a repository on top of an open pool.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

// Migrate creates the table and indexes when missing.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate alarms: %w", err)
	}

	return nil
}

// Create inserts a new alarm.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.Alarm) error {
	history, err := json.Marshal(a.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO alarms (`+alarmColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		a.ID, a.CorrelationKey, a.Tenant, a.Site, a.Area, a.Type, string(a.Severity), string(a.State),
		a.CreatedAt, a.UpdatedAt, nullTime(a), a.SLABreached, a.AssignedOperator,
		pq.Array(a.LinkedEventIDs), history, a.Confidence,
	)
	if err != nil {
		return fmt.Errorf("insert alarm: %w", err)
	}

	return nil
}

// Get loads one alarm.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*domain.Alarm, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alarmColumns+` FROM alarms WHERE id = $1`, id)

	a, err := scanAlarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFoundError("alarm", id)
	}

	return a, err
}

// Update rewrites the mutable columns.
func (r *PostgresRepository) Update(ctx context.Context, a *domain.Alarm) error {
	history, err := json.Marshal(a.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE alarms SET severity = $2, state = $3, updated_at = $4, sla_deadline = $5,
		sla_breached = $6, assigned_operator = $7, linked_event_ids = $8, history = $9, confidence = $10
		WHERE id = $1`,
		a.ID, string(a.Severity), string(a.State), a.UpdatedAt, nullTime(a),
		a.SLABreached, a.AssignedOperator, pq.Array(a.LinkedEventIDs), history, a.Confidence,
	)
	if err != nil {
		return fmt.Errorf("update alarm: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update alarm: %w", err)
	}

	if affected == 0 {
		return errs.NewNotFoundError("alarm", a.ID)
	}

	return nil
}

// FindOpenByKey returns the newest non-terminal alarm for the key.
func (r *PostgresRepository) FindOpenByKey(ctx context.Context, key string) (*domain.Alarm, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms
		WHERE correlation_key = $1 AND state <> $2
		ORDER BY created_at DESC LIMIT 1`,
		key, string(domain.StateClosed),
	)

	a, err := scanAlarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFoundError("open alarm for key", key)
	}

	return a, err
}

// List runs a filtered, paged select.
func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]*domain.Alarm, error) {
	var (
		clauses []string
		args    []any
	)

	add := func(column, value string) {
		if value == "" {
			return
		}

		args = append(args, value)
		clauses = append(clauses, column+" = $"+strconv.Itoa(len(args)))
	}

	add("tenant", f.Tenant)
	add("site", f.Site)
	add("state", string(f.State))
	add("severity", string(f.Severity))
	add("assigned_operator", f.Assignee)

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	args = append(args, f.limit(), max(f.Offset, 0))
	statement := fmt.Sprintf("SELECT %s FROM alarms%s ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d",
		alarmColumns, where, len(args)-1, len(args))

	return r.query(ctx, statement, args...)
}

// ListOpen returns alarms the SLA sweep must inspect.
func (r *PostgresRepository) ListOpen(ctx context.Context) ([]*domain.Alarm, error) {
	return r.query(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE state <> $1 AND sla_deadline IS NOT NULL`,
		string(domain.StateClosed),
	)
}

func (r *PostgresRepository) query(ctx context.Context, statement string, args ...any) ([]*domain.Alarm, error) {
	rows, err := r.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("query alarms: %w", err)
	}

	defer rows.Close()

	alarms := make([]*domain.Alarm, 0)

	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}

		alarms = append(alarms, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alarms: %w", err)
	}

	return alarms, nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAlarm(row scanner) (*domain.Alarm, error) {
	var (
		a        domain.Alarm
		severity string
		state    string
		deadline sql.NullTime
		history  []byte
	)

	err := row.Scan(&a.ID, &a.CorrelationKey, &a.Tenant, &a.Site, &a.Area, &a.Type, &severity, &state,
		&a.CreatedAt, &a.UpdatedAt, &deadline, &a.SLABreached, &a.AssignedOperator,
		pq.Array(&a.LinkedEventIDs), &history, &a.Confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("scan alarm: %w", err)
	}

	a.Severity = domain.Severity(severity)
	a.State = domain.State(state)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()

	if deadline.Valid {
		value := deadline.Time.UTC()
		a.SLADeadline = &value
	}

	if len(history) > 0 {
		if err := json.Unmarshal(history, &a.History); err != nil {
			return nil, fmt.Errorf("decode history of %s: %w", a.ID, err)
		}
	}

	return &a, nil
}

func nullTime(a *domain.Alarm) sql.NullTime {
	if a.SLADeadline == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *a.SLADeadline, Valid: true}
}
