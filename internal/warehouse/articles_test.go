package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newsCols() []string {
	return []string{"url", "title", "source", "published_at", "snippet", "tickers"}
}

func TestQueryNewsLatestCursorCoalescesUndatedRows(t *testing.T) {
	w, mock := newMock(t)
	before := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	// Both the predicate and the sort key coalesce NULL published_at to the
	// epoch: a cursor must never strand undated tail rows.
	mock.ExpectQuery(`AND \(coalesce\(a\.published_at, 'epoch'\), a\.url\) < \(\$1, \$2\)\s+`+
		`GROUP BY a\.url\s+ORDER BY coalesce\(a\.published_at, 'epoch'\) DESC, a\.url DESC`).
		WithArgs(before, "https://x/5", 10).
		WillReturnRows(sqlmock.NewRows(newsCols()).
			AddRow("https://x/4", "t", "cafef", nil, nil, "{}"))

	rows, err := w.QueryNewsLatest(context.Background(), 10, &before, "https://x/5")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].PublishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryNewsLatestFirstPageSortsUndatedLast(t *testing.T) {
	w, mock := newMock(t)

	mock.ExpectQuery(`ORDER BY coalesce\(a\.published_at, 'epoch'\) DESC, a\.url DESC`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(newsCols()))

	_, err := w.QueryNewsLatest(context.Background(), 10, nil, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryNewsByTickerCursorCoalescesUndatedRows(t *testing.T) {
	w, mock := newMock(t)
	before := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`AND \(coalesce\(a\.published_at, 'epoch'\), a\.url\) < \(\$2, \$3\)`).
		WithArgs("FPT", before, "https://x/5", 10).
		WillReturnRows(sqlmock.NewRows(newsCols()))

	_, err := w.QueryNewsByTicker(context.Background(), "FPT", 10, &before, "https://x/5")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
