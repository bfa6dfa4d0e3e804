package gaps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dayMS(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli()
}

func TestExpectedGridDailySkipsWeekends(t *testing.T) {
	// 2026-08-14 is a Friday; 15/16 are the weekend.
	grid := ExpectedGrid("1d", dayMS(2026, 8, 14), dayMS(2026, 8, 18))
	assert.Equal(t, []int64{
		dayMS(2026, 8, 14),
		dayMS(2026, 8, 17),
		dayMS(2026, 8, 18),
	}, grid)
}

func TestExpectedGridHourlyUnfiltered(t *testing.T) {
	from := dayMS(2026, 8, 15) // Saturday: intraday grids are not filtered
	grid := ExpectedGrid("1h", from, from+3*step1h)
	require.Len(t, grid, 4)
	assert.Equal(t, from, grid[0])
	assert.Equal(t, from+3*step1h, grid[3])
}

func TestExpectedGridAlignsUp(t *testing.T) {
	from := dayMS(2026, 8, 17) + 7*60*1000 // 00:07, off-grid
	grid := ExpectedGrid("15m", from, from+step15m)
	require.Len(t, grid, 1)
	assert.Equal(t, dayMS(2026, 8, 17)+step15m, grid[0])
}

func TestMissingWindowsCoalesces(t *testing.T) {
	base := dayMS(2026, 8, 17)
	expected := []int64{base, base + step1h, base + 2*step1h, base + 3*step1h, base + 4*step1h}
	have := map[int64]struct{}{
		base:            {},
		base + 3*step1h: {},
	}

	wins := MissingWindows("1h", expected, have)
	require.Len(t, wins, 2)
	assert.Equal(t, Window{StartMS: base + step1h, EndMS: base + 2*step1h, ExpectedBars: 2}, wins[0])
	assert.Equal(t, Window{StartMS: base + 4*step1h, EndMS: base + 4*step1h, ExpectedBars: 1}, wins[1])
}

func TestMissingWindowsDailySpansWeekend(t *testing.T) {
	// Missing Friday and Monday with the weekend between: one window,
	// because no present bar interrupts the run.
	expected := []int64{dayMS(2026, 8, 13), dayMS(2026, 8, 14), dayMS(2026, 8, 17)}
	have := map[int64]struct{}{dayMS(2026, 8, 13): {}}

	wins := MissingWindows("1d", expected, have)
	require.Len(t, wins, 1)
	assert.Equal(t, dayMS(2026, 8, 14), wins[0].StartMS)
	assert.Equal(t, dayMS(2026, 8, 17), wins[0].EndMS)
	assert.Equal(t, 2, wins[0].ExpectedBars)
}

func TestMissingWindowsNoneMissing(t *testing.T) {
	base := dayMS(2026, 8, 17)
	expected := []int64{base, base + step1d}
	have := map[int64]struct{}{base: {}, base + step1d: {}}
	assert.Empty(t, MissingWindows("1d", expected, have))
}
