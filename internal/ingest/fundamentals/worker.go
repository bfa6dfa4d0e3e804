package fundamentals

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nkgotcode/vietmarket/internal/atomicio"
	"github.com/nkgotcode/vietmarket/internal/stablejson"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// Config drives one fundamentals run.
type Config struct {
	Tickers     []string
	Period      string // Q or Y
	OutDir      string
	Token       string
	NoFallbackQ bool // disable the Y-without-token fallback
	TimeBudget  time.Duration
}

// State is state.json: the last block hash per "ticker:period".
type State struct {
	Hashes    map[string]string `json:"hashes"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Summary is the structured result of one fundamentals run.
type Summary struct {
	Tickers   int  `json:"tickers"`
	Changed   int  `json:"changed"`
	Points    int  `json:"points"`
	Fallbacks int  `json:"fallbacks"`
	TimedOut  bool `json:"timed_out,omitempty"`
}

// Worker fetches, hashes, and normalizes fundamentals blocks.
type Worker struct {
	DB      *warehouse.Warehouse
	Fetcher *Fetcher
	Cfg     Config
}

// Run processes each configured ticker: fetch the block, compare the stable
// hash, and only on change write the dated snapshot, NDJSON log, and
// warehouse points.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	period := w.Cfg.Period
	if period != "Q" && period != "Y" {
		return sum, fmt.Errorf("period %q must be Q or Y", period)
	}

	state, err := w.loadState()
	if err != nil {
		return sum, err
	}

	start := time.Now()
	for _, ticker := range w.Cfg.Tickers {
		if w.Cfg.TimeBudget > 0 && time.Since(start) > w.Cfg.TimeBudget {
			sum.TimedOut = true
			break
		}
		if ctx.Err() != nil {
			sum.TimedOut = true
			break
		}

		effective := period
		if period == "Y" && w.Fetcher.Token == "" {
			if w.Cfg.NoFallbackQ {
				log.Warn().Str("ticker", ticker).Msg("yearly data needs a token and fallback is disabled, skipping")
				continue
			}
			effective = "Q"
			sum.Fallbacks++
			log.Debug().Str("ticker", ticker).Msg("no token for yearly data, falling back to quarterly")
		}

		n, changed, err := w.processPair(ctx, ticker, effective, state)
		if err != nil {
			log.Warn().Str("ticker", ticker).Str("period", effective).Err(err).Msg("fundamentals pair failed")
			continue
		}
		sum.Tickers++
		sum.Points += n
		if changed {
			sum.Changed++
		}
	}

	if err := w.saveState(state); err != nil {
		return sum, err
	}

	log.Info().Int("tickers", sum.Tickers).Int("changed", sum.Changed).
		Int("points", sum.Points).Int("fallbacks", sum.Fallbacks).
		Bool("timed_out", sum.TimedOut).Msg("fundamentals run complete")
	return sum, nil
}

func (w *Worker) processPair(ctx context.Context, ticker, period string, state *State) (points int, changed bool, err error) {
	block, err := w.Fetcher.FetchBlock(ctx, ticker, period)
	if err != nil {
		return 0, false, err
	}
	hash, err := stablejson.Hash(block)
	if err != nil {
		return 0, false, err
	}

	latestPath := filepath.Join(w.Cfg.OutDir, "raw", fmt.Sprintf("%s_%s_latest.json", ticker, period))
	if err := atomicio.WriteJSON(latestPath, block); err != nil {
		return 0, false, err
	}

	key := ticker + ":" + period
	if state.Hashes[key] == hash {
		return 0, false, nil
	}

	// Hash changed: dated snapshot, normalized NDJSON, warehouse points.
	now := time.Now().UTC()
	snapPath := filepath.Join(w.Cfg.OutDir, "raw", now.Format("2006-01-02"),
		fmt.Sprintf("%s_%s.json", ticker, period))
	if err := atomicio.WriteJSON(snapPath, block); err != nil {
		return 0, false, err
	}

	rows := NormalizeBlock(ticker, period, block, now)
	if len(rows) > 0 {
		ndPath := filepath.Join(w.Cfg.OutDir, "normalized", fmt.Sprintf("%s_%s.ndjson", ticker, period))
		lines := make([]any, len(rows))
		for i, r := range rows {
			lines[i] = r
		}
		if err := atomicio.AppendNDJSON(ndPath, lines...); err != nil {
			return 0, false, err
		}
		if err := w.DB.UpsertFIPoints(ctx, rows); err != nil {
			return 0, false, err
		}
		if err := w.DB.ReplaceFILatest(ctx, LatestRows(rows)); err != nil {
			return 0, false, err
		}
	}

	state.Hashes[key] = hash
	return len(rows), true, nil
}

func (w *Worker) statePath() string {
	return filepath.Join(w.Cfg.OutDir, "state.json")
}

func (w *Worker) loadState() (*State, error) {
	var st State
	err := atomicio.ReadJSON(w.statePath(), &st)
	if errors.Is(err, os.ErrNotExist) {
		return &State{Hashes: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if st.Hashes == nil {
		st.Hashes = map[string]string{}
	}
	return &st, nil
}

func (w *Worker) saveState(st *State) error {
	st.UpdatedAt = time.Now().UTC()
	return atomicio.WriteJSON(w.statePath(), st)
}

// Publish aggregates every raw latest block into publish/latest.json keyed
// by "ticker:period", the file the read API's composed dashboards consume.
func Publish(outDir string) (int, error) {
	rawDir := filepath.Join(outDir, "raw")
	entries, err := os.ReadDir(rawDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("publish: %w", err)
	}

	combined := map[string]any{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, "_latest.json") {
			continue
		}
		// {ticker}_{period}_latest.json
		base := strings.TrimSuffix(name, "_latest.json")
		i := strings.LastIndex(base, "_")
		if i <= 0 {
			continue
		}
		key := base[:i] + ":" + base[i+1:]

		var block any
		if err := atomicio.ReadJSON(filepath.Join(rawDir, name), &block); err != nil {
			log.Warn().Str("file", name).Err(err).Msg("skipping unreadable block")
			continue
		}
		combined[key] = block
	}

	if err := atomicio.WriteJSON(filepath.Join(outDir, "publish", "latest.json"), combined); err != nil {
		return 0, err
	}
	log.Info().Int("blocks", len(combined)).Msg("published latest fundamentals")
	return len(combined), nil
}
