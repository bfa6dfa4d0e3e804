// Package fundamentals pulls per-ticker financial-statement blocks, hashes
// them to detect change, and normalizes the numeric metrics into warehouse
// point rows.
package fundamentals

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nkgotcode/vietmarket/internal/source"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// Endpoints fanned out per (ticker, period). The statement endpoints carry
// the metric payloads; the overview endpoints ride along in the block so a
// change anywhere flips the hash.
var endpoints = []string{
	"periodSelect", "structureOverview", "aggCompareOverview",
	"is", "bs", "cf", "ratio",
}

// statementEndpoints are the block keys normalized into fi rows.
var statementEndpoints = []string{"is", "bs", "cf", "ratio"}

// metricRE admits normalizable metric keys. Everything else in an item
// (labels, nested structures) is passthrough kept only in the raw block.
var metricRE = regexp.MustCompile(`^(is|bs|cf|r|ratio)\d+$`)

// Block is one (ticker, period) bundle: endpoint name to decoded payload.
type Block map[string]any

// Fetcher pulls statement payloads from the fundamentals API.
type Fetcher struct {
	Client  *source.Client
	BaseURL string
	Token   string // bearer token; yearly data requires it
}

// FetchBlock fans out all endpoints in parallel and composes the block.
// Endpoint failures are fatal for the pair: a partial block would produce
// a misleading hash.
func (f *Fetcher) FetchBlock(ctx context.Context, ticker, period string) (Block, error) {
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		block = make(Block, len(endpoints))
		errs  []error
	)

	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep string) {
			defer wg.Done()

			opts := source.Options{}
			if f.Token != "" {
				opts.Headers = map[string]string{"Authorization": "Bearer " + f.Token}
			}
			res, err := f.Client.Get(ctx, f.endpointURL(ep, ticker, period), opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ep, err))
				return
			}
			if res.JSON != nil {
				block[ep] = res.JSON
			} else {
				block[ep] = string(res.Body)
			}
		}(ep)
	}
	wg.Wait()

	if len(errs) > 0 {
		return nil, fmt.Errorf("fetch block %s/%s: %v", ticker, period, errs[0])
	}
	return block, nil
}

func (f *Fetcher) endpointURL(endpoint, ticker, period string) string {
	v := url.Values{}
	v.Set("ticker", ticker)
	v.Set("period", period)
	return strings.TrimRight(f.BaseURL, "/") + "/" + endpoint + "?" + v.Encode()
}

// parsePeriodDate pads partial dates: "2025-12" becomes the first of the
// month, "2025" the first of the year.
func parsePeriodDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 7: // YYYY-MM
		s += "-01"
	case 4: // YYYY
		s += "-01-01"
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// NormalizeBlock extracts fi points from the statement payloads. Only
// numeric values under metric-shaped keys survive; items without a
// parseable periodDate are dropped.
func NormalizeBlock(ticker, period string, block Block, fetchedAt time.Time) []warehouse.FIPoint {
	var out []warehouse.FIPoint
	for _, stmt := range statementEndpoints {
		payload, ok := block[stmt].(map[string]any)
		if !ok {
			continue
		}
		items, ok := payload["items"].([]any)
		if !ok {
			continue
		}

		for _, raw := range items {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			dateStr, _ := item["periodDate"].(string)
			periodDate, ok := parsePeriodDate(dateStr)
			if !ok {
				continue
			}
			var dateName *string
			if s, ok := item["periodDateName"].(string); ok && s != "" {
				dateName = &s
			}

			for key, val := range item {
				if !metricRE.MatchString(key) {
					continue
				}
				num, ok := toFloat(val)
				if !ok {
					continue
				}
				pd := periodDate
				fa := fetchedAt
				v := num
				out = append(out, warehouse.FIPoint{
					Ticker:         ticker,
					Period:         period,
					Statement:      stmt,
					PeriodDate:     &pd,
					PeriodDateName: dateName,
					Metric:         key,
					Value:          &v,
					FetchedAt:      &fa,
				})
			}
		}
	}
	return out
}

// LatestRows reduces normalized points to the newest period per
// (statement, metric) for the fi_latest refresh.
func LatestRows(points []warehouse.FIPoint) []warehouse.FILatestRow {
	type key struct{ statement, metric string }
	best := map[key]warehouse.FIPoint{}
	for _, p := range points {
		k := key{p.Statement, p.Metric}
		cur, ok := best[k]
		if !ok || (p.PeriodDate != nil && cur.PeriodDate != nil && p.PeriodDate.After(*cur.PeriodDate)) {
			best[k] = p
		}
	}

	out := make([]warehouse.FILatestRow, 0, len(best))
	for _, p := range best {
		out = append(out, warehouse.FILatestRow{
			Ticker:     p.Ticker,
			Period:     p.Period,
			Statement:  p.Statement,
			PeriodDate: p.PeriodDate,
			Metric:     p.Metric,
			Value:      p.Value,
			FetchedAt:  p.FetchedAt,
		})
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
