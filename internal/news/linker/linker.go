// Package linker extracts stock tickers from Vietnamese news text with a
// fixed, deterministic rule table. Confidence encodes how unambiguous the
// match pattern is; a parenthesised ticker beats a bare uppercase token.
package linker

import (
	"regexp"
	"sort"
	"strings"
)

// Link is one extracted ticker with the rule that produced it.
type Link struct {
	Ticker     string  `json:"ticker"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
}

// tickerShape admits candidates before any rule runs. Stricter than the
// universe regex on purpose: 2-5 plain letters is what appears in prose.
var tickerShape = regexp.MustCompile(`^[A-Z]{2,5}$`)

// stopwords are uppercase tokens that pass tickerShape but are never
// tickers in running text.
var stopwords = map[string]struct{}{
	"ETF": {}, "USD": {}, "VND": {}, "VNINDEX": {}, "HNX": {},
	"HOSE": {}, "UPCOM": {}, "CTCP": {}, "VNI": {},
}

// Rules, highest confidence first. All run over the uppercased text.
var (
	reParen         = regexp.MustCompile(`\(([A-Z]{2,5})\)`)
	reExchangeParen = regexp.MustCompile(`\b([A-Z]{2,5})\s*\((?:HOSE|HNX|UPCOM)\)`)
	reExchangeColon = regexp.MustCompile(`\b(?:HOSE|HNX|UPCOM)[:\-]\s*([A-Z]{2,5})\b`)
	reKeyword       = regexp.MustCompile(`(?:CỔ PHIẾU|MÃ CHỨNG KHOÁN|MÃ CK|MÃ)\s+([A-Z]{2,5})\b`)
	reToken         = regexp.MustCompile(`\b([A-Z]{2,5})\b`)
)

type rule struct {
	re         *regexp.Regexp
	confidence float64
	method     string
}

var rules = []rule{
	{reParen, 0.95, "paren"},
	{reExchangeParen, 0.92, "exchange_paren"},
	{reExchangeColon, 0.92, "exchange_colon"},
	{reKeyword, 0.90, "keyword"},
	{reToken, 0.60, "token"},
}

// FromTitle extracts links from an article title. Methods carry a title_
// prefix so link provenance survives in article_symbols.
func FromTitle(title string, known map[string]struct{}) []Link {
	return extract(title, known, "title_")
}

// FromBody extracts links from article body text.
func FromBody(body string, known map[string]struct{}) []Link {
	return extract(body, known, "body_")
}

func extract(text string, known map[string]struct{}, prefix string) []Link {
	upper := strings.ToUpper(text)

	best := map[string]Link{}
	for _, r := range rules {
		for _, m := range r.re.FindAllStringSubmatch(upper, -1) {
			tkr := m[1]
			if !admit(tkr, known) {
				continue
			}
			if cur, ok := best[tkr]; ok && cur.Confidence >= r.confidence {
				continue
			}
			best[tkr] = Link{Ticker: tkr, Confidence: r.confidence, Method: prefix + r.method}
		}
	}

	out := make([]Link, 0, len(best))
	for _, l := range best {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Ticker < out[j].Ticker
	})
	return out
}

func admit(tkr string, known map[string]struct{}) bool {
	if !tickerShape.MatchString(tkr) {
		return false
	}
	if _, stopped := stopwords[tkr]; stopped {
		return false
	}
	if known != nil {
		if _, ok := known[tkr]; !ok {
			return false
		}
	}
	return true
}
