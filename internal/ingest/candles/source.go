// Package candles is the sharded OHLCV ingest worker: it claims a shard
// lease, pages bars from the quote API for a cursor-selected batch of
// tickers, and upserts them with snapshot maintenance.
package candles

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nkgotcode/vietmarket/internal/source"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// PageFetcher returns up to limit bars for (ticker, tf) with ts in
// [fromMS, toMS], ascending. Implementations page; the worker drives the
// window forward from the newest returned bar.
type PageFetcher interface {
	FetchPage(ctx context.Context, ticker, tf string, fromMS, toMS int64, limit int) ([]warehouse.Candle, error)
}

// resolution maps our tf names onto the quote API's resolution codes.
var resolution = map[string]string{
	"15m": "15",
	"1h":  "1H",
	"1d":  "1D",
}

// QuoteAPI fetches bars from a tradingview-style history endpoint that
// returns parallel arrays {t:[], o:[], h:[], l:[], c:[], v:[]}.
type QuoteAPI struct {
	Client  *source.Client
	BaseURL string
	Source  string // recorded in candles.source
}

type historyPayload struct {
	S string    `json:"s"`
	T []int64   `json:"t"`
	O []float64 `json:"o"`
	H []float64 `json:"h"`
	L []float64 `json:"l"`
	C []float64 `json:"c"`
	V []float64 `json:"v"`
}

// FetchPage implements PageFetcher. Timestamps on the wire are unix
// seconds; rows come back as unix-ms candles.
func (q *QuoteAPI) FetchPage(ctx context.Context, ticker, tf string, fromMS, toMS int64, limit int) ([]warehouse.Candle, error) {
	res, err := q.Client.Get(ctx, q.historyURL(ticker, tf, fromMS, toMS, limit), source.Options{})
	if err != nil {
		return nil, err
	}

	var payload historyPayload
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode history %s %s: %w", ticker, tf, err)
	}
	if payload.S != "" && payload.S != "ok" {
		// "no_data" past the listing date is a normal frontier signal.
		return nil, nil
	}

	n := len(payload.T)
	if len(payload.O) != n || len(payload.H) != n || len(payload.L) != n || len(payload.C) != n {
		return nil, fmt.Errorf("decode history %s %s: ragged arrays", ticker, tf)
	}

	src := q.Source
	rows := make([]warehouse.Candle, 0, n)
	for i := 0; i < n; i++ {
		row := warehouse.Candle{
			Ticker: ticker,
			TF:     tf,
			TS:     payload.T[i] * 1000,
			O:      payload.O[i],
			H:      payload.H[i],
			L:      payload.L[i],
			C:      payload.C[i],
		}
		if src != "" {
			row.Source = &src
		}
		if i < len(payload.V) {
			v := payload.V[i]
			row.V = &v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (q *QuoteAPI) historyURL(ticker, tf string, fromMS, toMS int64, limit int) string {
	v := url.Values{}
	v.Set("symbol", ticker)
	v.Set("resolution", resolution[tf])
	v.Set("from", fmt.Sprint(fromMS/1000))
	v.Set("to", fmt.Sprint(toMS/1000))
	if limit > 0 {
		v.Set("countback", fmt.Sprint(limit))
	}
	return strings.TrimRight(q.BaseURL, "/") + "/history?" + v.Encode()
}

// alignDown snaps ts to the tf grid.
func alignDown(ts int64, tf string) int64 {
	step := warehouse.TFStepMS(tf)
	if step == 0 {
		return ts
	}
	return ts - ts%step
}

func nowMS() int64 { return time.Now().UTC().UnixMilli() }
