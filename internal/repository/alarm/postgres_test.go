package alarm

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/errs"
)

func setupMockAlarmsDB(t *testing.T) (sqlmock.Sqlmock, *PostgresRepository) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return mock, NewPostgresRepository(db)
}

var alarmRowColumns = []string{
	"id", "correlation_key", "tenant", "site", "area", "type", "severity", "state", "created_at", "updated_at",
	"sla_deadline", "sla_breached", "assigned_operator", "linked_event_ids", "history",
	"confidence",
}

// TestPostgresCreateAndUpdate verifies writes and NotFound on missing rows.
func TestPostgresCreateAndUpdate(t *testing.T) {
	t.Parallel()

	mock, repo := setupMockAlarmsDB(t)
	a := newAlarm("a1", "acme:hq:lobby:intrusion", 100)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alarms")).
		WithArgs("a1", a.CorrelationKey, "acme", "hq", "lobby", "intrusion", "major", "NEW",
			a.CreatedAt, a.UpdatedAt, *a.SLADeadline, false, "", sqlmock.AnyArg(), sqlmock.AnyArg(), 0.7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE alarms SET")).
		WithArgs("a1", "major", "RESOLVED", sqlmock.AnyArg(), nil, false, "olga", sqlmock.AnyArg(), sqlmock.AnyArg(), 0.8).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE alarms SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Create(context.Background(), a))

	a.State = domain.StateResolved
	a.Confidence = 0.8
	a.SLADeadline = nil
	a.AssignedOperator = "olga"
	require.NoError(t, repo.Update(context.Background(), a))

	a.ID = "ghost"
	require.True(t, errs.IsNotFound(repo.Update(context.Background(), a)))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresGetAndFind verifies decoding of arrays, JSONB history and nullable deadlines.
func TestPostgresGetAndFind(t *testing.T) {
	t.Parallel()

	mock, repo := setupMockAlarmsDB(t)
	created := time.Unix(100, 0).UTC()
	deadline := created.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM alarms WHERE id = $1")).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(alarmRowColumns).AddRow(
			"a1", "k", "acme", "hq", "lobby", "intrusion", "major", "TRIAGE", created, created,
			deadline, true, "olga", "{e1,e2}",
			`[{"action":"created","to_state":"NEW","timestamp":"1970-01-01T00:01:40Z"}]`, 0.9,
		))

	mock.ExpectQuery(regexp.QuoteMeta("WHERE correlation_key = $1 AND state <> $2")).
		WithArgs("k", "CLOSED").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.Get(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, domain.StateTriage, got.State)
	require.Equal(t, []string{"e1", "e2"}, got.LinkedEventIDs)
	require.Equal(t, deadline, *got.SLADeadline)
	require.True(t, got.SLABreached)
	require.InDelta(t, 0.9, got.Confidence, 1e-9)
	require.Len(t, got.History, 1)
	require.Equal(t, domain.ActionCreated, got.History[0].Action)
	require.Equal(t, created, got.History[0].Timestamp)

	_, err = repo.FindOpenByKey(context.Background(), "k")
	require.True(t, errs.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresList verifies the rendered filter and paging arguments.
func TestPostgresList(t *testing.T) {
	t.Parallel()

	mock, repo := setupMockAlarmsDB(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM alarms WHERE tenant = $1 AND state = $2 ORDER BY created_at DESC, id ASC LIMIT $3 OFFSET $4")).
		WithArgs("acme", "ACTIVE", 20, 40).
		WillReturnRows(sqlmock.NewRows(alarmRowColumns).AddRow(
			"a1", "k", "acme", "hq", "lobby", "intrusion", "major", "ACTIVE",
			time.Unix(100, 0), time.Unix(100, 0), nil, false, "", "{}", "[]", 0.5,
		))

	mock.ExpectQuery(regexp.QuoteMeta("WHERE state <> $1 AND sla_deadline IS NOT NULL")).
		WithArgs("CLOSED").
		WillReturnRows(sqlmock.NewRows(alarmRowColumns))

	alarms, err := repo.List(context.Background(), Filter{Tenant: "acme", State: domain.StateActive, Limit: 20, Offset: 40})
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	require.Nil(t, alarms[0].SLADeadline)
	require.Empty(t, alarms[0].LinkedEventIDs)

	open, err := repo.ListOpen(context.Background())
	require.NoError(t, err)
	require.Empty(t, open)
	require.NoError(t, mock.ExpectationsWereMet())
}
