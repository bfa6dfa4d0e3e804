package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVNDate(t *testing.T) {
	got := parseVNDate("15/09/2026")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC), *got)

	got = parseVNDate("2026-09-15")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC), *got)

	assert.Nil(t, parseVNDate(""))
	assert.Nil(t, parseVNDate("-"))
	assert.Nil(t, parseVNDate("junk"))
}

func TestBuildActionStableID(t *testing.T) {
	a := buildAction("vsd", "https://x/calendar", "fpt", "HOSE", "15/09/2026", "", "", "cash dividend", "Trả cổ tức 10%")
	b := buildAction("vsd", "https://x/calendar", "FPT", "HOSE", "15/09/2026", "16/09/2026", "", "cash dividend", "Trả cổ tức 10%")
	require.NotNil(t, a)
	require.NotNil(t, b)

	// Record/pay dates are mergeable detail, not identity: same id.
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "FPT", a.Ticker)

	c := buildAction("vsd", "https://x/calendar", "FPT", "HOSE", "15/09/2026", "", "", "stock dividend", "Trả cổ tức 10%")
	assert.NotEqual(t, a.ID, c.ID)
}

func TestBuildActionRejectsEmptyTicker(t *testing.T) {
	assert.Nil(t, buildAction("vsd", "u", "  ", "", "", "", "", "", ""))
}

func TestTokenRegex(t *testing.T) {
	page := `<form><input name="__RequestVerificationToken" type="hidden" value="abc123"/></form>`
	m := tokenRE.FindStringSubmatch(page)
	require.NotNil(t, m)
	assert.Equal(t, "abc123", m[1])
}
