package linker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func known(tickers ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		m[t] = struct{}{}
	}
	return m
}

func TestFromTitleKeywordAndParen(t *testing.T) {
	links := FromTitle("Cổ phiếu FPT tăng mạnh, HPG (HPG) bứt tốc", known("FPT", "HPG", "VNM"))

	byTicker := map[string]Link{}
	for _, l := range links {
		byTicker[l.Ticker] = l
	}

	require.Contains(t, byTicker, "FPT")
	require.Contains(t, byTicker, "HPG")
	assert.NotContains(t, byTicker, "VNM")

	assert.GreaterOrEqual(t, byTicker["FPT"].Confidence, 0.9)
	assert.Equal(t, "title_keyword", byTicker["FPT"].Method)
	assert.Equal(t, 0.95, byTicker["HPG"].Confidence)
	assert.Equal(t, "title_paren", byTicker["HPG"].Method)
}

func TestExchangePatterns(t *testing.T) {
	links := FromBody("VNM (HOSE) và HNX: SHS cùng tăng trần", known("VNM", "SHS"))

	byTicker := map[string]Link{}
	for _, l := range links {
		byTicker[l.Ticker] = l
	}
	require.Len(t, links, 2)
	assert.Equal(t, 0.92, byTicker["VNM"].Confidence)
	assert.Equal(t, "body_exchange_paren", byTicker["VNM"].Method)
	assert.Equal(t, 0.92, byTicker["SHS"].Confidence)
	assert.Equal(t, "body_exchange_colon", byTicker["SHS"].Method)
}

func TestBareTokenLowConfidence(t *testing.T) {
	links := FromBody("Lợi nhuận của MWG vượt kỳ vọng", known("MWG"))
	require.Len(t, links, 1)
	assert.Equal(t, Link{Ticker: "MWG", Confidence: 0.60, Method: "body_token"}, links[0])
}

func TestStopwordsFiltered(t *testing.T) {
	links := FromBody("Tỷ giá USD và VND biến động, VNINDEX giảm điểm", nil)
	assert.Empty(t, links)
}

func TestNoKnownSetEmitsAnyShapeMatch(t *testing.T) {
	links := FromTitle("Mã ABC được khuyến nghị", nil)
	require.Len(t, links, 1)
	assert.Equal(t, "ABC", links[0].Ticker)
	assert.Equal(t, 0.90, links[0].Confidence)
}

func TestOrderingConfidenceDescTickerAsc(t *testing.T) {
	links := FromBody("ZZZ (AAA) cùng BBB và mã CCC", known("AAA", "BBB", "CCC", "ZZZ"))
	require.Len(t, links, 4)
	assert.Equal(t, "AAA", links[0].Ticker) // paren 0.95
	assert.Equal(t, "CCC", links[1].Ticker) // keyword 0.90
	assert.Equal(t, "BBB", links[2].Ticker) // token 0.60, ticker asc
	assert.Equal(t, "ZZZ", links[3].Ticker)
}

func TestDeterministic(t *testing.T) {
	text := "Cổ phiếu FPT và HPG (HPG), HOSE: VNM"
	k := known("FPT", "HPG", "VNM")
	first := FromBody(text, k)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, FromBody(text, k))
	}
}
