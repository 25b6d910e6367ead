package engine

import (
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// orderCutoffHour is the local hour past which the order date placeholder
// rolls to tomorrow.
const orderCutoffHour = 13

// SubstituteFilter produces the endpoint filter string from its template by
// substituting the business placeholders:
//
//	{SHIPDATE}  today's date
//	{WEEKDAY}   weekday name of today shifted by the tenant day offset
//	{ORDERDATE} today's date, or tomorrow's when local time is past 13:00
//	{WEEKAGO}   the date one week ago
//
// An empty template or the literal "N" collapses to no filter.
func SubstituteFilter(template string, dayOffset int, now time.Time) string {
	if template == "" || template == "N" {
		return ""
	}

	orderDate := now
	if now.Hour() >= orderCutoffHour {
		orderDate = now.AddDate(0, 0, 1)
	}

	r := strings.NewReplacer(
		"{SHIPDATE}", now.Format(dateLayout),
		"{WEEKDAY}", now.AddDate(0, 0, dayOffset).Weekday().String(),
		"{ORDERDATE}", orderDate.Format(dateLayout),
		"{WEEKAGO}", now.AddDate(0, 0, -7).Format(dateLayout),
	)
	return r.Replace(template)
}
