package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"desagate/internal/audit"
)

func mockDB(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return newDatabase(sqlDB, "postgres"), mock
}

func TestRebind(t *testing.T) {
	pg := &Database{driver: "postgres"}
	assert.Equal(t,
		"SELECT 1 FROM t WHERE a = $1 AND b = $2",
		pg.rebind("SELECT 1 FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1", pg.rebind("SELECT 1"))

	lite := &Database{driver: "sqlite3"}
	assert.Equal(t,
		"SELECT 1 FROM t WHERE a = ?",
		lite.rebind("SELECT 1 FROM t WHERE a = ?"))
}

func TestEventRepo_InsertUsesPostgresPlaceholders(t *testing.T) {
	d, mock := mockDB(t)

	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs("ev-1", "LOGIN_FAILED", "MEDIUM", "", "", "203.0.113.7",
			"", "", "", "login", "failure", "{}", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.Events().Insert(context.Background(), audit.Event{
		ID:        "ev-1",
		Type:      audit.EventLoginFailed,
		Risk:      audit.RiskMedium,
		IPAddress: "203.0.113.7",
		Action:    "login",
		Outcome:   "failure",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertRepo_TouchNotFound(t *testing.T) {
	d, mock := mockDB(t)

	mock.ExpectExec(`UPDATE security_alerts SET count = count \+ 1`).
		WithArgs(sqlmock.AnyArg(), "no-such-id").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := d.Alerts().Touch(context.Background(), "no-such-id", time.Now())
	assert.ErrorIs(t, err, audit.ErrAlertNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertRepo_CountOpen(t *testing.T) {
	d, mock := mockDB(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM security_alerts WHERE resolved = \$1`).
		WithArgs(false).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := d.Alerts().CountOpen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
