package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

const testKey = "sekret"

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Server{
		DB:     warehouse.NewFromDB(sqlx.NewDb(db, "postgres")),
		APIKey: testKey,
	}, mock
}

func doGet(t *testing.T, s *Server, path string, withKey bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if withKey {
		req.Header.Set("x-api-key", testKey)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestAuthRejectsMissingAndWrongKey(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := doGet(t, s, "/candles?ticker=FPT&tf=1d", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "unauthorized", body["error"])

	req := httptest.NewRequest(http.MethodGet, "/latest?tf=1d", nil)
	req.Header.Set("x-api-key", "wrong")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestAuthEmptyKeyDeniesEverything(t *testing.T) {
	s, _ := newTestServer(t)
	s.APIKey = ""

	req := httptest.NewRequest(http.MethodGet, "/candles?ticker=FPT&tf=1d", nil)
	req.Header.Set("x-api-key", "")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthzIsOpen(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doGet(t, s, "/healthz", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
}

func candleRows(tss ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"ticker", "tf", "ts", "o", "h", "l", "c", "v", "source", "ingested_at"})
	for _, ts := range tss {
		rows.AddRow("FPT", "1d", ts, 1.0, 1.0, 1.0, 1.0, nil, nil, time.Now())
	}
	return rows
}

func TestCandlesKeysetPaging(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`FROM candles\s+WHERE ticker = \$1 AND tf = \$2\s+ORDER BY ts DESC`).
		WithArgs("FPT", "1d", 2).
		WillReturnRows(candleRows(3, 2))
	rec, body := doGet(t, s, "/candles?ticker=FPT&tf=1d&limit=2", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	mock.ExpectQuery(`AND ts < \$3`).
		WithArgs("FPT", "1d", int64(2), 2).
		WillReturnRows(candleRows(1))
	rec, body = doGet(t, s, "/candles?ticker=FPT&tf=1d&limit=2&beforeTs=2", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	mock.ExpectQuery(`AND ts < \$3`).
		WithArgs("FPT", "1d", int64(1), 2).
		WillReturnRows(candleRows())
	rec, body = doGet(t, s, "/candles?ticker=FPT&tf=1d&limit=2&beforeTs=1", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["count"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCandlesValidation(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		path string
		code string
	}{
		{"/candles?tf=1d", "missing_param"},
		{"/candles?ticker=fpt!!&tf=1d", "invalid_ticker"},
		{"/candles?ticker=TOOLONGTICKER&tf=1d", "invalid_ticker"},
		{"/candles?ticker=FPT", "missing_param"},
		{"/candles?ticker=FPT&tf=5m", "missing_param"},
		{"/candles?ticker=FPT&tf=1d&limit=0", "invalid_limit"},
		{"/candles?ticker=FPT&tf=1d&limit=9999", "invalid_limit"},
		{"/candles?ticker=FPT&tf=1d&beforeTs=abc", "missing_param"},
		{"/candles?ticker=FPT&tf=1d&beforeTs=-5", "missing_param"},
	}
	for _, tc := range cases {
		rec, body := doGet(t, s, tc.path, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.path)
		assert.Equal(t, tc.code, body["error"], tc.path)
	}
}

func TestNewsLatestEmitsNextCursor(t *testing.T) {
	s, mock := newTestServer(t)

	published := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM articles`).
		WillReturnRows(sqlmock.NewRows([]string{"url", "title", "source", "published_at", "snippet", "tickers"}).
			AddRow("https://x/1", "FPT lập đỉnh", "cafef", published, "FPT lập đỉnh...", "{FPT}"))

	rec, body := doGet(t, s, "/news/latest?limit=1", true)
	require.Equal(t, http.StatusOK, rec.Code)

	cursor, ok := body["nextCursor"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://x/1", cursor["beforeUrl"])
	assert.Equal(t, published.Format(time.RFC3339), cursor["beforePublishedAt"])
}

func TestNewsCursorCoversUndatedRows(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`FROM articles`).
		WillReturnRows(sqlmock.NewRows([]string{"url", "title", "source", "published_at", "snippet", "tickers"}).
			AddRow("https://x/2", "undated", "cafef", nil, nil, "{}"))

	rec, body := doGet(t, s, "/news/latest?limit=1", true)
	require.Equal(t, http.StatusOK, rec.Code)

	// An undated tail row still yields a usable cursor: the timestamp
	// collapses to the epoch, matching the query's sort key.
	cursor, ok := body["nextCursor"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://x/2", cursor["beforeUrl"])
	assert.Equal(t, "1970-01-01T00:00:00Z", cursor["beforePublishedAt"])
}

func TestNewsCursorRejectsBadTimestamp(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doGet(t, s, "/news/latest?beforePublishedAt=not-a-time", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_param", body["error"])
}

func TestOverviewWindowDaysBounds(t *testing.T) {
	s, _ := newTestServer(t)

	for _, q := range []string{"0", "366", "abc"} {
		rec, body := doGet(t, s, "/v1/analytics/overview?windowDays="+q, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, "invalid_window_days", body["error"], q)
	}
}

func TestContextUnknownTickerIs404(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`FROM symbol_context_latest`).
		WithArgs("ZZZ").
		WillReturnError(sql.ErrNoRows)

	rec, body := doGet(t, s, "/v1/context/ZZZ", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestContextStorageErrorIsNot404(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`FROM symbol_context_latest`).
		WithArgs("FPT").
		WillReturnError(assert.AnError)

	rec, body := doGet(t, s, "/v1/context/FPT", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", body["error"])
}

func TestInternalErrorsStayOpaque(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`FROM candles`).
		WillReturnError(assert.AnError)

	rec, body := doGet(t, s, "/candles?ticker=FPT&tf=1d", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", body["error"])
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}
