// Package metrics holds the prometheus collectors shared by workers and the
// query service, plus the freshness evaluation used by health surfaces.
package metrics

import "time"

// Freshness is the outcome of comparing an observed timestamp against a
// maximum acceptable age.
type Freshness struct {
	OK     bool    `json:"ok"`
	Reason string  `json:"reason,omitempty"`
	AgeMS  int64   `json:"age_ms,omitempty"`
	Ratio  float64 `json:"ratio,omitempty"`
}

// Freshness reasons.
const (
	ReasonStale            = "stale"
	ReasonMissingTimestamp = "missing_timestamp"
	ReasonClockSkew        = "clock_skew"
)

// Evaluate compares now against the last observed timestamp. A nil last is
// not fresh (missing_timestamp). now before last reports ok with
// clock_skew so a skewed producer clock never flags healthy data as stale.
func Evaluate(now time.Time, last *time.Time, maxAge time.Duration) Freshness {
	if last == nil {
		return Freshness{OK: false, Reason: ReasonMissingTimestamp}
	}
	if now.Before(*last) {
		return Freshness{OK: true, Reason: ReasonClockSkew}
	}
	age := now.Sub(*last)
	f := Freshness{AgeMS: age.Milliseconds()}
	if maxAge > 0 {
		f.Ratio = float64(age) / float64(maxAge)
	}
	if age > maxAge {
		f.OK = false
		f.Reason = ReasonStale
		return f
	}
	f.OK = true
	return f
}
