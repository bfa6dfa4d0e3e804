package api

import (
	"database/sql"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

var apiTickerRE = regexp.MustCompile(`^[A-Z0-9._-]{1,10}$`)

const (
	defaultLimit = 500
	maxLimit     = 2000
)

// parseLimit validates the limit query param within [1, maxLimit].
func parseLimit(r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, false
	}
	return n, true
}

func parseTicker(r *http.Request, param string) (string, bool) {
	t := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get(param)))
	if t == "" || !apiTickerRE.MatchString(t) {
		return t, false
	}
	return t, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.DB.Ping(r.Context()); err != nil {
		fail(w, http.StatusInternalServerError, errDBUnreachable, "")
		return
	}
	ok(w, map[string]any{"db": 1})
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	ticker, valid := parseTicker(r, "ticker")
	if ticker == "" {
		fail(w, http.StatusBadRequest, errMissingParam, "ticker is required")
		return
	}
	if !valid {
		fail(w, http.StatusBadRequest, errInvalidTicker, "")
		return
	}
	tf := r.URL.Query().Get("tf")
	if tf == "" {
		fail(w, http.StatusBadRequest, errMissingParam, "tf is required")
		return
	}
	if !warehouse.ValidTF(tf) {
		fail(w, http.StatusBadRequest, errMissingParam, "tf must be one of 15m, 1h, 1d")
		return
	}
	limit, valid := parseLimit(r, defaultLimit)
	if !valid {
		fail(w, http.StatusBadRequest, errInvalidLimit, "")
		return
	}
	beforeTS := int64(0)
	if raw := r.URL.Query().Get("beforeTs"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			fail(w, http.StatusBadRequest, errMissingParam, "beforeTs must be a unix-ms integer")
			return
		}
		beforeTS = n
	}

	rows, err := s.DB.QueryCandles(r.Context(), ticker, tf, beforeTS, limit)
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, map[string]any{
		"ticker": ticker, "tf": tf, "count": len(rows), "rows": rows,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	tf := r.URL.Query().Get("tf")
	if tf == "" || !warehouse.ValidTF(tf) {
		fail(w, http.StatusBadRequest, errMissingParam, "tf is required")
		return
	}
	limit, valid := parseLimit(r, defaultLimit)
	if !valid {
		fail(w, http.StatusBadRequest, errInvalidLimit, "")
		return
	}
	rows, err := s.DB.QueryLatest(r.Context(), tf, limit)
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, map[string]any{"tf": tf, "count": len(rows), "rows": rows})
}

func (s *Server) handleTopMovers(w http.ResponseWriter, r *http.Request) {
	tf := r.URL.Query().Get("tf")
	if tf == "" || !warehouse.ValidTF(tf) {
		fail(w, http.StatusBadRequest, errMissingParam, "tf is required")
		return
	}
	limit, valid := parseLimit(r, 50)
	if !valid {
		fail(w, http.StatusBadRequest, errInvalidLimit, "")
		return
	}
	rows, err := s.DB.QueryTopMovers(r.Context(), tf, limit)
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, map[string]any{"tf": tf, "count": len(rows), "rows": rows})
}

// parseNewsCursor reads the (beforePublishedAt, beforeUrl) keyset pair.
func parseNewsCursor(r *http.Request) (*time.Time, string, bool) {
	raw := r.URL.Query().Get("beforePublishedAt")
	if raw == "" {
		return nil, "", true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, "", false
	}
	return &t, r.URL.Query().Get("beforeUrl"), true
}

func newsResponse(rows []warehouse.NewsRow) map[string]any {
	body := map[string]any{"count": len(rows), "rows": rows}
	if len(rows) > 0 {
		// Undated articles sort as the epoch, so the cursor always carries
		// a timestamp and paging can continue past them.
		last := rows[len(rows)-1]
		published := time.Unix(0, 0).UTC()
		if last.PublishedAt != nil {
			published = *last.PublishedAt
		}
		body["nextCursor"] = map[string]any{
			"beforeUrl":         last.URL,
			"beforePublishedAt": published.Format(time.RFC3339),
		}
	}
	return body
}

func (s *Server) handleNewsLatest(w http.ResponseWriter, r *http.Request) {
	limit, valid := parseLimit(r, 50)
	if !valid {
		fail(w, http.StatusBadRequest, errInvalidLimit, "")
		return
	}
	before, beforeURL, valid := parseNewsCursor(r)
	if !valid {
		fail(w, http.StatusBadRequest, errMissingParam, "beforePublishedAt must be RFC3339")
		return
	}
	rows, err := s.DB.QueryNewsLatest(r.Context(), limit, before, beforeURL)
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, newsResponse(rows))
}

func (s *Server) handleNewsByTicker(w http.ResponseWriter, r *http.Request) {
	ticker, valid := parseTicker(r, "ticker")
	if ticker == "" {
		fail(w, http.StatusBadRequest, errMissingParam, "ticker is required")
		return
	}
	if !valid {
		fail(w, http.StatusBadRequest, errInvalidTicker, "")
		return
	}
	limit, valid := parseLimit(r, 50)
	if !valid {
		fail(w, http.StatusBadRequest, errInvalidLimit, "")
		return
	}
	before, beforeURL, valid := parseNewsCursor(r)
	if !valid {
		fail(w, http.StatusBadRequest, errMissingParam, "beforePublishedAt must be RFC3339")
		return
	}
	rows, err := s.DB.QueryNewsByTicker(r.Context(), ticker, limit, before, beforeURL)
	if err != nil {
		internalErr(w, err)
		return
	}
	body := newsResponse(rows)
	body["ticker"] = ticker
	ok(w, body)
}

func (s *Server) handleFundamentals(w http.ResponseWriter, r *http.Request) {
	ticker, valid := parseTicker(r, "ticker")
	if ticker == "" {
		fail(w, http.StatusBadRequest, errMissingParam, "ticker is required")
		return
	}
	if !valid {
		fail(w, http.StatusBadRequest, errInvalidTicker, "")
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "Q"
	}
	if period != "Q" && period != "Y" {
		fail(w, http.StatusBadRequest, errMissingParam, "period must be Q or Y")
		return
	}
	statement := r.URL.Query().Get("statement")
	limit, valid := parseLimit(r, defaultLimit)
	if !valid {
		fail(w, http.StatusBadRequest, errInvalidLimit, "")
		return
	}

	rows, err := s.DB.QueryFILatest(r.Context(), ticker, period, statement, limit)
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, map[string]any{
		"ticker": ticker, "period": period, "statement": statement,
		"count": len(rows), "rows": rows,
	})
}

func (s *Server) handleScreener(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		fail(w, http.StatusBadRequest, errMissingParam, "metric is required")
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "Q"
	}
	statement := r.URL.Query().Get("statement")
	limit, valid := parseLimit(r, 100)
	if !valid {
		fail(w, http.StatusBadRequest, errInvalidLimit, "")
		return
	}

	var min, max *float64
	for _, p := range []struct {
		name string
		dst  **float64
	}{{"min", &min}, {"max", &max}} {
		if raw := r.URL.Query().Get(p.name); raw != "" {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				fail(w, http.StatusBadRequest, errMissingParam, p.name+" must be numeric")
				return
			}
			*p.dst = &f
		}
	}

	rows, err := s.DB.ScreenFILatest(r.Context(), metric, period, statement, min, max, limit)
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, map[string]any{
		"metric": metric, "period": period, "statement": statement,
		"count": len(rows), "rows": rows,
	})
}

func (s *Server) handleCorporateActions(w http.ResponseWriter, r *http.Request) {
	ticker := ""
	if strings.HasSuffix(r.URL.Path, "/by-ticker") {
		var valid bool
		ticker, valid = parseTicker(r, "ticker")
		if ticker == "" {
			fail(w, http.StatusBadRequest, errMissingParam, "ticker is required")
			return
		}
		if !valid {
			fail(w, http.StatusBadRequest, errInvalidTicker, "")
			return
		}
	}
	limit, valid := parseLimit(r, 100)
	if !valid {
		fail(w, http.StatusBadRequest, errInvalidLimit, "")
		return
	}

	var beforeExDate *time.Time
	beforeID := ""
	if raw := r.URL.Query().Get("beforeExDate"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			fail(w, http.StatusBadRequest, errMissingParam, "beforeExDate must be YYYY-MM-DD")
			return
		}
		beforeExDate = &t
		beforeID = r.URL.Query().Get("beforeId")
	}

	rows, err := s.DB.QueryCorporateActions(r.Context(), ticker, limit, beforeExDate, beforeID)
	if err != nil {
		internalErr(w, err)
		return
	}
	body := map[string]any{"count": len(rows), "rows": rows}
	if ticker != "" {
		body["ticker"] = ticker
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		cursor := map[string]any{"beforeId": last.ID}
		if last.ExDate != nil {
			cursor["beforeExDate"] = last.ExDate.Format("2006-01-02")
		}
		body["nextCursor"] = cursor
	}
	ok(w, body)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	windowDays := 30
	if raw := r.URL.Query().Get("windowDays"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			fail(w, http.StatusBadRequest, errInvalidWindowDays, "")
			return
		}
		windowDays = n
	}

	stats, err := s.DB.QueryMarketStats(r.Context())
	if err != nil {
		internalErr(w, err)
		return
	}
	movers, err := s.DB.QueryTopMovers(r.Context(), "1d", 10)
	if err != nil {
		internalErr(w, err)
		return
	}
	news, err := s.DB.QueryNewsLatest(r.Context(), 10, nil, "")
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, map[string]any{
		"window_days": windowDays,
		"stats":       stats,
		"top_movers":  movers,
		"news":        news,
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(mux.Vars(r)["ticker"])
	if !apiTickerRE.MatchString(ticker) {
		fail(w, http.StatusBadRequest, errInvalidTicker, "")
		return
	}

	sctx, err := s.DB.GetSymbolContext(r.Context(), ticker)
	if errors.Is(err, sql.ErrNoRows) {
		fail(w, http.StatusNotFound, errNotFound, "")
		return
	}
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, map[string]any{"context": sctx})
}

func (s *Server) handleOverallHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.DB.Ping(r.Context()); err != nil {
		fail(w, http.StatusInternalServerError, errDBUnreachable, "")
		return
	}
	repairs, err := s.DB.CountRepairsByStatus(r.Context())
	if err != nil {
		internalErr(w, err)
		return
	}
	stats, err := s.DB.QueryMarketStats(r.Context())
	if err != nil {
		internalErr(w, err)
		return
	}
	ok(w, map[string]any{"db": 1, "repair_queue": repairs, "stats": stats})
}
