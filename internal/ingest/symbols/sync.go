// Package symbols syncs the listing directory into the symbols table.
package symbols

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nkgotcode/vietmarket/internal/source"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// Syncer pulls the full listing directory page by page and merges it into
// the warehouse. The directory API pages with q/size/page parameters.
type Syncer struct {
	DB       *warehouse.Warehouse
	Client   *source.Client
	BaseURL  string
	PageSize int // 0 means 100
}

type directoryPage struct {
	Data []struct {
		Code     string `json:"code"`
		Name     string `json:"companyName"`
		Exchange string `json:"floor"`
		Status   string `json:"status"`
	} `json:"data"`
	TotalElements int `json:"totalElements"`
}

// Summary is the structured result of one symbol sync.
type Summary struct {
	Pages   int `json:"pages"`
	Symbols int `json:"symbols"`
}

// Run walks pages until a page comes back short.
func (s *Syncer) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	size := s.PageSize
	if size <= 0 {
		size = 100
	}
	nowMS := time.Now().UTC().UnixMilli()

	for page := 1; ; page++ {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}

		res, err := s.Client.Get(ctx, s.pageURL(size, page), source.Options{})
		if err != nil {
			return sum, fmt.Errorf("directory page %d: %w", page, err)
		}
		var payload directoryPage
		if err := json.Unmarshal(res.Body, &payload); err != nil {
			return sum, fmt.Errorf("decode directory page %d: %w", page, err)
		}
		if len(payload.Data) == 0 {
			break
		}
		sum.Pages++

		rows := make([]warehouse.Symbol, 0, len(payload.Data))
		for _, d := range payload.Data {
			ticker := strings.ToUpper(strings.TrimSpace(d.Code))
			if ticker == "" {
				continue
			}
			row := warehouse.Symbol{Ticker: ticker, UpdatedAt: &nowMS}
			if d.Name != "" {
				name := d.Name
				row.Name = &name
			}
			if d.Exchange != "" {
				ex := d.Exchange
				row.Exchange = &ex
			}
			active := d.Status == "" || strings.EqualFold(d.Status, "listed")
			row.Active = &active
			rows = append(rows, row)
		}
		if err := s.DB.UpsertSymbols(ctx, rows); err != nil {
			return sum, err
		}
		sum.Symbols += len(rows)

		if len(payload.Data) < size {
			break
		}
	}

	log.Info().Int("pages", sum.Pages).Int("symbols", sum.Symbols).Msg("symbol sync complete")
	return sum, nil
}

func (s *Syncer) pageURL(size, page int) string {
	v := url.Values{}
	v.Set("q", "type:stock,ifc")
	v.Set("size", fmt.Sprint(size))
	v.Set("page", fmt.Sprint(page))
	return strings.TrimRight(s.BaseURL, "/") + "/stocks?" + v.Encode()
}
