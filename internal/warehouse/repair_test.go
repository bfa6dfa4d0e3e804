package warehouse

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueRepairReportsDedup(t *testing.T) {
	w, mock := newMock(t)

	mock.ExpectExec(`INSERT INTO candle_repair_queue`).
		WithArgs("FPT", "1d", int64(100), int64(200), 2, "gap").
		WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err := w.EnqueueRepair(context.Background(), "FPT", "1d", 100, 200, 2, "gap")
	require.NoError(t, err)
	assert.True(t, inserted)

	// A done window is audit history: the guarded upsert touches nothing.
	mock.ExpectExec(`WHERE candle_repair_queue\.status <> 'done'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	inserted, err = w.EnqueueRepair(context.Background(), "FPT", "1d", 100, 200, 2, "gap")
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimQueuedRepairsMarksRunning(t *testing.T) {
	w, mock := newMock(t)

	cols := []string{
		"id", "ticker", "tf", "window_start_ts", "window_end_ts", "expected_bars",
		"note", "status", "attempts", "last_error", "created_at", "updated_at",
	}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE status = 'queued'\s+ORDER BY created_at ASC\s+LIMIT \$1\s+FOR UPDATE SKIP LOCKED`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "FPT", "1d", int64(100), int64(200), 2, nil, "queued", 0, nil, now, now).
			AddRow(int64(2), "HPG", "1h", int64(300), int64(400), 1, nil, "queued", 1, nil, now, now))
	mock.ExpectExec(`SET status = 'running', attempts = attempts \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	got, err := w.ClaimQueuedRepairs(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "HPG", got[1].Ticker)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimQueuedRepairsEmptyQueue(t *testing.T) {
	w, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE status = 'queued'`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	got, err := w.ClaimQueuedRepairs(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFinishRepairTruncatesError(t *testing.T) {
	w, mock := newMock(t)

	long := strings.Repeat("x", 1000)
	mock.ExpectExec(`SET status = 'error', last_error = \$2`).
		WithArgs(int64(7), strings.Repeat("x", 800)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, w.FinishRepair(context.Background(), 7, errors.New(long), 0, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRepairDoneWritesAudit(t *testing.T) {
	w, mock := newMock(t)

	mock.ExpectExec(`INSERT INTO candle_repairs`).
		WithArgs(int64(7), 3, "repaired").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, w.FinishRepair(context.Background(), 7, nil, 3, "repaired"))
	require.NoError(t, mock.ExpectationsWereMet())
}
