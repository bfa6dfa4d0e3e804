package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Warehouse, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewFromDB(sqlx.NewDb(db, "postgres")), mock
}

func TestUpsertCandlesMaintainsSnapshot(t *testing.T) {
	w, mock := newMock(t)

	rows := []Candle{
		{Ticker: "FPT", TF: "1d", TS: 1_700_000_000_000, O: 1, H: 2, L: 0.5, C: 1.5},
		{Ticker: "FPT", TF: "1d", TS: 1_700_086_400_000, O: 1.5, H: 2.5, L: 1, C: 2},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO candles .+ ON CONFLICT \(ticker, tf, ts\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	// Snapshot write carries only the newest bar of the pair and must be
	// guarded by the compare clause.
	mock.ExpectExec(`INSERT INTO candles_latest .+ WHERE EXCLUDED\.ts >= candles_latest\.ts`).
		WithArgs("FPT", "1d", int64(1_700_086_400_000), 1.5, 2.5, 1.0, 2.0, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, w.UpsertCandles(context.Background(), rows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCandlesEmptyIsNoop(t *testing.T) {
	w, mock := newMock(t)
	require.NoError(t, w.UpsertCandles(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func candleCols() []string {
	return []string{"ticker", "tf", "ts", "o", "h", "l", "c", "v", "source", "ingested_at"}
}

func TestQueryCandlesKeyset(t *testing.T) {
	w, mock := newMock(t)

	// First page: no cursor.
	mock.ExpectQuery(`FROM candles\s+WHERE ticker = \$1 AND tf = \$2\s+ORDER BY ts DESC`).
		WithArgs("FPT", "1d", 2).
		WillReturnRows(sqlmock.NewRows(candleCols()).
			AddRow("FPT", "1d", int64(3), 1.0, 1.0, 1.0, 1.0, nil, nil, time.Now()).
			AddRow("FPT", "1d", int64(2), 1.0, 1.0, 1.0, 1.0, nil, nil, time.Now()))

	page1, err := w.QueryCandles(context.Background(), "FPT", "1d", 0, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, int64(3), page1[0].TS)
	assert.Equal(t, int64(2), page1[1].TS)

	// Second page: strict < on the cursor.
	mock.ExpectQuery(`WHERE ticker = \$1 AND tf = \$2 AND ts < \$3`).
		WithArgs("FPT", "1d", int64(2), 2).
		WillReturnRows(sqlmock.NewRows(candleCols()).
			AddRow("FPT", "1d", int64(1), 1.0, 1.0, 1.0, 1.0, nil, nil, time.Now()))

	page2, err := w.QueryCandles(context.Background(), "FPT", "1d", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, int64(1), page2[0].TS)

	// Past the oldest bar: empty.
	mock.ExpectQuery(`AND ts < \$3`).
		WithArgs("FPT", "1d", int64(1), 2).
		WillReturnRows(sqlmock.NewRows(candleCols()))

	page3, err := w.QueryCandles(context.Background(), "FPT", "1d", 1, 2)
	require.NoError(t, err)
	assert.Empty(t, page3)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestTSMissingPair(t *testing.T) {
	w, mock := newMock(t)

	mock.ExpectQuery(`SELECT max\(ts\) FROM candles`).
		WithArgs("XXX", "1d").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	ts, err := w.LatestTS(context.Background(), "XXX", "1d")
	require.NoError(t, err)
	assert.Zero(t, ts)
}

func TestValidTFAndStep(t *testing.T) {
	assert.True(t, ValidTF("15m"))
	assert.True(t, ValidTF("1h"))
	assert.True(t, ValidTF("1d"))
	assert.False(t, ValidTF("5m"))

	assert.Equal(t, int64(900_000), TFStepMS("15m"))
	assert.Equal(t, int64(3_600_000), TFStepMS("1h"))
	assert.Equal(t, int64(86_400_000), TFStepMS("1d"))
	assert.Zero(t, TFStepMS("1w"))
}
