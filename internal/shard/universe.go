package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// tickerRE is the admission filter for universe entries. Entries failing it
// are dropped, not errored: upstream symbol lists carry junk rows.
var tickerRE = regexp.MustCompile(`^[A-Z0-9._-]{2,10}$`)

// MarketIndices are the broad VN indices appended when include_indices is
// set on a worker.
var MarketIndices = []string{"VNINDEX", "HNXINDEX", "UPCOMINDEX"}

// UniverseSource loads tickers from the warehouse symbols table.
type UniverseSource interface {
	QueryUniverse(ctx context.Context, filterClause string) ([]string, error)
}

// LoadUniverseFile reads a {"tickers": [...]} JSON file (or a plain
// whitespace-separated list) and normalizes it.
func LoadUniverseFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe file: %w", err)
	}

	text := strings.TrimSpace(string(data))
	var raw []string
	if strings.HasPrefix(text, "{") {
		var obj struct {
			Tickers []string `json:"tickers"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("parse universe file %s: %w", path, err)
		}
		raw = obj.Tickers
	} else {
		raw = strings.Fields(text)
	}

	return Normalize(raw), nil
}

// LoadUniverseSQL queries the symbols table with an optional filter clause.
func LoadUniverseSQL(ctx context.Context, src UniverseSource, filterClause string) ([]string, error) {
	raw, err := src.QueryUniverse(ctx, filterClause)
	if err != nil {
		return nil, err
	}
	return Normalize(raw), nil
}

// Normalize uppercases, trims, deduplicates, drops tickers failing the
// admission regex, and sorts. The sorted order is the canonical visit order
// that cursors index into.
func Normalize(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	dropped := 0
	for _, t := range raw {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !tickerRE.MatchString(t) {
			dropped++
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Msg("universe entries failed ticker regex")
	}
	return out
}

// WithIndices appends the market indices not already present. Indices are
// appended after the sorted universe so cursor positions of existing
// tickers do not shift when the flag is toggled on.
func WithIndices(universe []string) []string {
	seen := make(map[string]struct{}, len(universe))
	for _, t := range universe {
		seen[t] = struct{}{}
	}
	out := universe
	for _, idx := range MarketIndices {
		if _, ok := seen[idx]; !ok {
			out = append(out, idx)
		}
	}
	return out
}
