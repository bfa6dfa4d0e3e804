package fundamentals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkgotcode/vietmarket/internal/stablejson"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

func TestNormalizeBlock(t *testing.T) {
	fetched := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	block := Block{
		"is": map[string]any{
			"items": []any{
				map[string]any{
					"periodDate":     "2025-12",
					"periodDateName": "Q4/2025",
					"is1":            float64(10),
					"is2":            float64(20),
					"foo":            "bar",
				},
			},
		},
		"structureOverview": map[string]any{"ignored": true},
	}

	rows := NormalizeBlock("FPT", "Q", block, fetched)
	require.Len(t, rows, 2)

	byMetric := map[string]float64{}
	for _, r := range rows {
		assert.Equal(t, "FPT", r.Ticker)
		assert.Equal(t, "Q", r.Period)
		assert.Equal(t, "is", r.Statement)
		require.NotNil(t, r.PeriodDate)
		assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), *r.PeriodDate)
		require.NotNil(t, r.PeriodDateName)
		assert.Equal(t, "Q4/2025", *r.PeriodDateName)
		require.NotNil(t, r.Value)
		byMetric[r.Metric] = *r.Value
	}
	assert.Equal(t, map[string]float64{"is1": 10, "is2": 20}, byMetric)
}

func TestNormalizeBlockYearPadding(t *testing.T) {
	block := Block{
		"bs": map[string]any{
			"items": []any{
				map[string]any{"periodDate": "2025", "bs3": float64(7)},
			},
		},
	}
	rows := NormalizeBlock("HPG", "Y", block, time.Now())
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *rows[0].PeriodDate)
}

func TestNormalizeBlockDropsBadItems(t *testing.T) {
	block := Block{
		"cf": map[string]any{
			"items": []any{
				map[string]any{"cf1": float64(1)},                         // no periodDate
				map[string]any{"periodDate": "junk", "cf2": float64(2)},   // unparseable
				map[string]any{"periodDate": "2025-06", "cf3": "notnum"},  // non-numeric
				map[string]any{"periodDate": "2025-06", "cf4": float64(4)},
			},
		},
	}
	rows := NormalizeBlock("VNM", "Q", block, time.Now())
	require.Len(t, rows, 1)
	assert.Equal(t, "cf4", rows[0].Metric)
}

func TestMetricRegex(t *testing.T) {
	for _, ok := range []string{"is1", "bs12", "cf3", "r45", "ratio7"} {
		assert.True(t, metricRE.MatchString(ok), ok)
	}
	for _, bad := range []string{"is", "foo1", "IS1", "is1b", "kpi2"} {
		assert.False(t, metricRE.MatchString(bad), bad)
	}
}

func TestLatestRowsPicksNewestPeriod(t *testing.T) {
	old := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	v1, v2 := 1.0, 2.0
	points := []warehouse.FIPoint{
		{Ticker: "FPT", Period: "Q", Statement: "is", Metric: "is1", PeriodDate: &old, Value: &v1},
		{Ticker: "FPT", Period: "Q", Statement: "is", Metric: "is1", PeriodDate: &newer, Value: &v2},
	}

	rows := LatestRows(points)
	require.Len(t, rows, 1)
	assert.Equal(t, newer, *rows[0].PeriodDate)
	assert.Equal(t, 2.0, *rows[0].Value)
}

func TestBlockHashStableAcrossKeyOrder(t *testing.T) {
	a := Block{"is": map[string]any{"x": float64(1), "y": float64(2)}}
	b := Block{"is": map[string]any{"y": float64(2), "x": float64(1)}}

	ha, err := stablejson.Hash(a)
	require.NoError(t, err)
	hb, err := stablejson.Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	c := Block{"is": map[string]any{"x": float64(1), "y": float64(3)}}
	hc, err := stablejson.Hash(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}
