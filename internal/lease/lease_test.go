package lease

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms).UTC() }
}

func TestTryClaimSucceeds(t *testing.T) {
	db, mock := newMock(t)
	c := NewWithClock(db, fixedClock(1_000_000))

	mock.ExpectExec(`INSERT INTO leases`).
		WithArgs("candles", 0, "node-a", int64(1_300_000), int64(1_000_000), nil, int64(1_000_000-30*60_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := c.TryClaim(context.Background(), "candles", 0, "node-a", 300_000, 30, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryClaimDeniedReportsHolder(t *testing.T) {
	db, mock := newMock(t)
	c := NewWithClock(db, fixedClock(1_000_000))

	mock.ExpectExec(`INSERT INTO leases`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT job, shard, owner_id`).
		WithArgs("candles", 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"job", "shard", "owner_id", "lease_until_ms", "last_progress_ms", "meta", "updated_at",
		}).AddRow("candles", 0, "node-b", int64(1_200_000), int64(999_000), nil, int64(999_000)))

	res, err := c.TryClaim(context.Background(), "candles", 0, "node-a", 300_000, 30, nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "node-b", res.OwnerID)
	assert.Equal(t, int64(1_200_000), res.LeaseUntilMS)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryClaimBounds(t *testing.T) {
	db, _ := newMock(t)
	c := New(db)

	_, err := c.TryClaim(context.Background(), "j", 0, "a", MinLeaseMS-1, 30, nil)
	assert.Error(t, err)
	_, err = c.TryClaim(context.Background(), "j", 0, "a", MaxLeaseMS+1, 30, nil)
	assert.Error(t, err)
	_, err = c.TryClaim(context.Background(), "j", 0, "a", MinLeaseMS, 0, nil)
	assert.Error(t, err)
}

// The takeover predicate lives in the SQL WHERE clause; these cases pin the
// arguments that make it fire.
func TestTryClaimStaleTakeoverArgs(t *testing.T) {
	db, mock := newMock(t)
	now := int64(10_000_000)
	c := NewWithClock(db, fixedClock(now))

	// lease_until_ms <= now (boundary: equality claims) or
	// last_progress_ms < now - 30min both satisfy the WHERE clause; the
	// statement reports one affected row either way.
	mock.ExpectExec(`WHERE leases\.lease_until_ms <= \$5\s+OR leases\.last_progress_ms < \$7`).
		WithArgs("candles", 1, "node-b", now+300_000, now, nil, now-30*60_000).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := c.TryClaim(context.Background(), "candles", 1, "node-b", 300_000, 30, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRenewOwnerGated(t *testing.T) {
	db, mock := newMock(t)
	c := NewWithClock(db, fixedClock(2_000_000))

	mock.ExpectExec(`UPDATE leases\s+SET lease_until_ms`).
		WithArgs("candles", 0, "node-a", int64(2_300_000), int64(2_000_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := c.Renew(context.Background(), "candles", 0, "node-a", 300_000)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(`UPDATE leases\s+SET lease_until_ms`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = c.Renew(context.Background(), "candles", 0, "node-z", 300_000)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportProgressLostOwnership(t *testing.T) {
	db, mock := newMock(t)
	c := NewWithClock(db, fixedClock(3_000_000))

	mock.ExpectExec(`UPDATE leases\s+SET last_progress_ms`).
		WithArgs("candles", 0, "node-a", int64(3_000_000), nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := c.ReportProgress(context.Background(), "candles", 0, "node-a", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingRow(t *testing.T) {
	db, mock := newMock(t)
	c := New(db)

	mock.ExpectQuery(`SELECT job, shard, owner_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"job", "shard", "owner_id", "lease_until_ms", "last_progress_ms", "meta", "updated_at",
		}))

	l, err := c.Get(context.Background(), "candles", 9)
	require.NoError(t, err)
	assert.Nil(t, l)
}
