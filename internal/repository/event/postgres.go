package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oshokin/overwatch/internal/domain/errs"
	domain "github.com/oshokin/overwatch/internal/domain/event"
)

// Schema creates the events table. It is applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	tenant      TEXT NOT NULL,
	site        TEXT NOT NULL,
	source_type TEXT NOT NULL DEFAULT '',
	source_id   TEXT NOT NULL DEFAULT '',
	area        TEXT NOT NULL,
	type        TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	payload     JSONB,
	metadata    JSONB,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS events_tenant_ts_id ON events (tenant, ts, id);
`

const eventColumns = "id, tenant, site, source_type, source_id, area, type, ts, payload, metadata, received_at"

// PostgresRepository stores events in Postgres through database/sql and lib/pq.
type PostgresRepository struct {
	// db is the shared connection pool.
	db *sql.DB
}

// NewPostgresRepository creates a backend on top of an open pool.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

// Migrate creates the table and index when missing.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate events: %w", err)
	}

	return nil
}

// Insert stores the event; an existing id yields ErrDuplicate.
func (r *PostgresRepository) Insert(ctx context.Context, e *domain.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Tenant, e.Site, e.SourceType, e.SourceID, e.Area, e.Type,
		e.Timestamp, payload, metadata, e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if affected == 0 {
		return ErrDuplicate
	}

	return nil
}

// Get loads one event.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*domain.Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)

	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFoundError("event", id)
	}

	if err != nil {
		return nil, err
	}

	return e, nil
}

// Query runs a keyset-paginated select.
func (r *PostgresRepository) Query(ctx context.Context, q Query) (*Page, error) {
	where, args := filters(q, true)

	order := "ts ASC, id ASC"
	if q.backward() {
		order = "ts DESC, id DESC"
	}

	args = append(args, q.Limit+1)
	statement := fmt.Sprintf("SELECT %s FROM events WHERE %s ORDER BY %s LIMIT $%d",
		eventColumns, where, order, len(args))

	rows, err := r.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	defer rows.Close()

	candidates := make([]*domain.Event, 0, q.Limit+1)

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		candidates = append(candidates, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return paginate(q, candidates), nil
}

// Count counts matching events.
func (r *PostgresRepository) Count(ctx context.Context, q Query) (int, error) {
	where, args := filters(q, false)

	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE "+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}

	return count, nil
}

// filters renders the WHERE clause. Cursor bounds use row comparison so ties
// on ts are broken by id exactly like domain.Less.
func filters(q Query, withCursors bool) (string, []any) {
	clauses := []string{"tenant = $1"}
	args := []any{q.Tenant}

	add := func(clause string, values ...any) {
		placeholders := make([]any, len(values))
		for i := range values {
			placeholders[i] = "$" + strconv.Itoa(len(args)+i+1)
		}

		clauses = append(clauses, fmt.Sprintf(clause, placeholders...))
		args = append(args, values...)
	}

	if q.Site != "" {
		add("site = %s", q.Site)
	}

	if q.SourceType != "" {
		add("source_type = %s", q.SourceType)
	}

	if withCursors && q.Since != nil {
		if q.Since.ID == "" {
			add("ts > %s", q.Since.Timestamp)
		} else {
			add("(ts, id) > (%s, %s)", q.Since.Timestamp, q.Since.ID)
		}
	}

	if withCursors && q.Before != nil {
		if q.Before.ID == "" {
			add("ts < %s", q.Before.Timestamp)
		} else {
			add("(ts, id) < (%s, %s)", q.Before.Timestamp, q.Before.ID)
		}
	}

	return strings.Join(clauses, " AND "), args
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*domain.Event, error) {
	var (
		e        domain.Event
		payload  []byte
		metadata []byte
	)

	err := row.Scan(&e.ID, &e.Tenant, &e.Site, &e.SourceType, &e.SourceID, &e.Area, &e.Type,
		&e.Timestamp, &payload, &metadata, &e.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	if err := decodeJSON(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", e.ID, err)
	}

	if err := decodeJSON(metadata, &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
	}

	e.Timestamp = e.Timestamp.UTC()
	e.ReceivedAt = e.ReceivedAt.UTC()

	return &e, nil
}

func decodeJSON(data []byte, target any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	return json.Unmarshal(data, target)
}
