package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func TestHealthChecker_Basic(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()

	checker := NewHealthChecker("postgres", SQLPing(db), newTestLogger())
	require.NoError(t, checker.Check(context.Background()))
	assert.True(t, checker.IsHealthy())

	result := checker.Result()
	assert.Equal(t, "postgres", result.Name)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.LastError)
	assert.NotEmpty(t, result.ResponseTime)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_FailureAndRecovery(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	checker := NewHealthChecker("postgres", SQLPing(db), newTestLogger())

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, checker.Check(context.Background()))
	assert.False(t, checker.IsHealthy())
	assert.Equal(t, "connection refused", checker.Result().LastError)

	mock.ExpectPing()
	assert.NoError(t, checker.Check(context.Background()))
	assert.True(t, checker.IsHealthy())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_StartStop(t *testing.T) {
	calls := make(chan struct{}, 16)
	ping := func(ctx context.Context) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	}

	checker := NewHealthChecker("redis", ping, newTestLogger())
	checker.SetCheckInterval(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		checker.Start(context.Background())
		close(done)
	}()

	require.NoError(t, checker.WaitForHealthy(context.Background(), time.Second))
	checker.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health checker did not stop")
	}
	assert.NotEmpty(t, calls)
}

func TestHealthChecker_RetryGivesUp(t *testing.T) {
	attempts := 0
	ping := func(ctx context.Context) error {
		attempts++
		return errors.New("down")
	}

	checker := NewHealthChecker("postgres", ping, newTestLogger())
	checker.SetRetryConfig(time.Millisecond, 2)
	checker.checkAndUpdate(context.Background())

	assert.Equal(t, 3, attempts)
	assert.False(t, checker.IsHealthy())
}

func TestHealthChecker_SettersIgnoreNonPositive(t *testing.T) {
	checker := NewHealthChecker("db", func(context.Context) error { return nil }, newTestLogger())

	checker.SetCheckInterval(0)
	checker.SetRetryConfig(0, -1)
	assert.Equal(t, 30*time.Second, checker.checkInterval)
	assert.Equal(t, 5*time.Second, checker.retryDelay)
	assert.Equal(t, 3, checker.maxRetries)

	checker.SetCheckInterval(time.Second)
	checker.SetRetryConfig(time.Millisecond, 0)
	assert.Equal(t, time.Second, checker.checkInterval)
	assert.Equal(t, time.Millisecond, checker.retryDelay)
	assert.Equal(t, 0, checker.maxRetries)
}
