package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubstituteFilterCollapsesToNoFilter(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "", SubstituteFilter("", 0, now))
	assert.Equal(t, "", SubstituteFilter("N", 0, now))
}

func TestSubstituteFilterShipDate(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	got := SubstituteFilter("$filter=ShipDate eq '{SHIPDATE}'", 0, now)
	assert.Equal(t, "$filter=ShipDate eq '2024-03-15'", got)
}

func TestSubstituteFilterWeekdayOffset(t *testing.T) {
	// 2024-03-15 is a Friday; a two-day tenant offset lands on Sunday.
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	got := SubstituteFilter("day={WEEKDAY}", 2, now)
	assert.Equal(t, "day=Sunday", got)
}

func TestSubstituteFilterOrderDateBeforeCutoff(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 59, 0, 0, time.UTC)
	got := SubstituteFilter("od={ORDERDATE}", 0, now)
	assert.Equal(t, "od=2024-03-15", got)
}

func TestSubstituteFilterOrderDateRollsAfterCutoff(t *testing.T) {
	now := time.Date(2024, 3, 15, 13, 0, 0, 0, time.UTC)
	got := SubstituteFilter("od={ORDERDATE}", 0, now)
	assert.Equal(t, "od=2024-03-16", got)
}

func TestSubstituteFilterWeekAgo(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	got := SubstituteFilter("since={WEEKAGO}", 0, now)
	assert.Equal(t, "since=2024-03-08", got)
}
