package health

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReady_NoCheckers(t *testing.T) {
	report := NewService().Ready(context.Background())
	assert.True(t, report.Ready)
	assert.Empty(t, report.Details)
}

func TestReady_AllHealthy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	svc := NewService(
		NewPostgresChecker(db),
		NewRedisChecker(pingerFunc(func(context.Context) error { return nil })),
	)

	report := svc.Ready(context.Background())
	assert.True(t, report.Ready)
	assert.Equal(t, map[string]string{"postgres": "ok", "redis": "ok"}, report.Details)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReady_ReportsFailingDependency(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	svc := NewService(
		NewPostgresChecker(db),
		NewRedisChecker(pingerFunc(func(context.Context) error { return nil })),
	)

	report := svc.Ready(context.Background())
	assert.False(t, report.Ready)
	assert.Equal(t, "connection refused", report.Details["postgres"])
	assert.Equal(t, "ok", report.Details["redis"])
}

func TestCheck_AppliesTimeout(t *testing.T) {
	svc := NewService(NewRedisChecker(pingerFunc(func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		return nil
	})))

	assert.True(t, svc.Ready(context.Background()).Ready)
}
