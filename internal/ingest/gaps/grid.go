// Package gaps finds missing candle bars and drives the self-healing
// repair queue.
package gaps

import (
	"time"
)

// tf bar intervals in ms, duplicated here so grid math has no DB dependency.
const (
	step15m = 15 * 60 * 1000
	step1h  = 60 * 60 * 1000
	step1d  = 24 * 60 * 60 * 1000
)

func stepMS(tf string) int64 {
	switch tf {
	case "15m":
		return step15m
	case "1h":
		return step1h
	case "1d":
		return step1d
	}
	return 0
}

// tradingDay reports whether a daily bar is expected at ts. The calendar is
// a static weekend filter; exchange holidays are not modeled, so holiday
// windows enter the queue and drain with zero fetched bars.
func tradingDay(ts int64) bool {
	wd := time.UnixMilli(ts).UTC().Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// ExpectedGrid returns the bar timestamps expected in [fromMS, toMS] for tf,
// aligned to the grid. Daily grids skip weekends; intraday grids are
// unfiltered.
func ExpectedGrid(tf string, fromMS, toMS int64) []int64 {
	step := stepMS(tf)
	if step == 0 || toMS < fromMS {
		return nil
	}

	start := fromMS
	if rem := start % step; rem != 0 {
		start += step - rem
	}

	var out []int64
	for ts := start; ts <= toMS; ts += step {
		if tf == "1d" && !tradingDay(ts) {
			continue
		}
		out = append(out, ts)
	}
	return out
}

// Window is one contiguous run of missing bars.
type Window struct {
	StartMS      int64
	EndMS        int64
	ExpectedBars int
}

// MissingWindows coalesces expected timestamps absent from have into
// contiguous windows. have holds timestamps that exist.
func MissingWindows(tf string, expected []int64, have map[int64]struct{}) []Window {
	step := stepMS(tf)

	var out []Window
	var cur *Window
	prev := int64(0)
	for _, ts := range expected {
		if _, ok := have[ts]; ok {
			cur = nil
			prev = ts
			continue
		}
		// A weekend hole in a 1d grid keeps the window contiguous as long
		// as no present bar interrupts it.
		if cur != nil && (tf == "1d" || ts-prev == step) {
			cur.EndMS = ts
			cur.ExpectedBars++
		} else {
			out = append(out, Window{StartMS: ts, EndMS: ts, ExpectedBars: 1})
			cur = &out[len(out)-1]
		}
		prev = ts
	}
	return out
}
