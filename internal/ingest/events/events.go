// Package events ingests the corporate-action calendar. The upstream wraps
// its data endpoint behind a verification-token handshake: a GET yields the
// token embedded in the page, then a POST with that token returns JSON.
// When the handshake fails it falls back to scraping the HTML table.
package events

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nkgotcode/vietmarket/internal/source"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// Ingester pulls upcoming and recent corporate actions.
type Ingester struct {
	DB      *warehouse.Warehouse
	Client  *source.Client
	BaseURL string
	Source  string // recorded in corporate_actions.source
}

// Summary is the structured result of one events run.
type Summary struct {
	Events   int    `json:"events"`
	Fallback bool   `json:"fallback,omitempty"`
	Method   string `json:"method"`
}

var tokenRE = regexp.MustCompile(`name="__RequestVerificationToken"[^>]*value="([^"]+)"`)

// Run fetches the calendar and upserts every event.
func (g *Ingester) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	rows, err := g.fetchJSON(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("calendar data endpoint failed, scraping HTML table")
		rows, err = g.fetchHTML(ctx)
		if err != nil {
			return sum, err
		}
		sum.Fallback = true
		sum.Method = "html"
	} else {
		sum.Method = "json"
	}

	if err := g.DB.UpsertCorporateActions(ctx, rows); err != nil {
		return sum, err
	}
	sum.Events = len(rows)
	log.Info().Int("events", sum.Events).Str("method", sum.Method).Msg("corporate actions ingested")
	return sum, nil
}

type calendarPayload struct {
	Data []struct {
		Ticker     string `json:"ticker"`
		Exchange   string `json:"exchange"`
		ExDate     string `json:"exDate"`
		RecordDate string `json:"recordDate"`
		PayDate    string `json:"payDate"`
		EventType  string `json:"eventType"`
		Headline   string `json:"title"`
	} `json:"data"`
}

// fetchJSON runs the token handshake and POSTs for the calendar data.
func (g *Ingester) fetchJSON(ctx context.Context) ([]warehouse.CorporateAction, error) {
	pageURL := strings.TrimRight(g.BaseURL, "/") + "/calendar"
	res, err := g.Client.Get(ctx, pageURL, source.Options{})
	if err != nil {
		return nil, err
	}
	m := tokenRE.FindStringSubmatch(string(res.Body))
	if m == nil {
		return nil, fmt.Errorf("events: verification token not found at %s", pageURL)
	}

	form := url.Values{}
	form.Set("__RequestVerificationToken", m[1])
	res, err = g.Client.PostForm(ctx, pageURL+"/data", form, source.Options{})
	if err != nil {
		return nil, err
	}

	var payload calendarPayload
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}

	out := make([]warehouse.CorporateAction, 0, len(payload.Data))
	for _, d := range payload.Data {
		ca := buildAction(g.Source, pageURL, d.Ticker, d.Exchange, d.ExDate, d.RecordDate, d.PayDate, d.EventType, d.Headline)
		if ca != nil {
			out = append(out, *ca)
		}
	}
	return out, nil
}

var rowRE = regexp.MustCompile(`(?s)<tr[^>]*>(.*?)</tr>`)
var cellRE = regexp.MustCompile(`(?s)<td[^>]*>(.*?)</td>`)
var tagRE = regexp.MustCompile(`<[^>]+>`)

// fetchHTML scrapes the calendar table. Expected column order:
// ticker, exchange, event type, ex-date, record date, pay date, headline.
func (g *Ingester) fetchHTML(ctx context.Context) ([]warehouse.CorporateAction, error) {
	pageURL := strings.TrimRight(g.BaseURL, "/") + "/calendar"
	res, err := g.Client.Get(ctx, pageURL, source.Options{})
	if err != nil {
		return nil, err
	}

	var out []warehouse.CorporateAction
	for _, row := range rowRE.FindAllStringSubmatch(string(res.Body), -1) {
		cells := cellRE.FindAllStringSubmatch(row[1], -1)
		if len(cells) < 7 {
			continue
		}
		text := make([]string, len(cells))
		for i, c := range cells {
			text[i] = strings.TrimSpace(html.UnescapeString(tagRE.ReplaceAllString(c[1], "")))
		}
		ca := buildAction(g.Source, pageURL, text[0], text[1], text[3], text[4], text[5], text[2], text[6])
		if ca != nil {
			out = append(out, *ca)
		}
	}
	return out, nil
}

// buildAction normalizes one event and derives its stable id: md5 over the
// key fields, so re-ingesting the same event updates in place.
func buildAction(src, srcURL, ticker, exchange, exDate, recordDate, payDate, eventType, headline string) *warehouse.CorporateAction {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil
	}

	ca := warehouse.CorporateAction{
		Ticker:    ticker,
		Source:    src,
		SourceURL: strPtr(srcURL),
		Exchange:  strPtr(strings.TrimSpace(exchange)),
		EventType: strPtr(strings.TrimSpace(eventType)),
		Headline:  strPtr(strings.TrimSpace(headline)),
	}
	ca.ExDate = parseVNDate(exDate)
	ca.RecordDate = parseVNDate(recordDate)
	ca.PayDate = parseVNDate(payDate)

	exStr := ""
	if ca.ExDate != nil {
		exStr = ca.ExDate.Format("2006-01-02")
	}
	sum := md5.Sum([]byte(strings.Join([]string{
		ticker, exStr, deref(ca.EventType), deref(ca.Headline),
	}, "|")))
	ca.ID = hex.EncodeToString(sum[:])
	return &ca
}

// parseVNDate handles the dd/mm/yyyy form the calendar uses.
func parseVNDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return nil
	}
	for _, layout := range []string{"02/01/2006", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
