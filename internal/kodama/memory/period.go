package memory

import (
	"time"

	"github.com/bdobrica/Kodama/internal/kodama/store"
)

// PeriodFor returns the [start, end) period of the given kind containing
// date, in the local calendar. Daily covers the date's day, weekly the
// Monday-anchored week, monthly the calendar month. Manual records cover
// just the date's day.
func PeriodFor(kind store.MemoryKind, date time.Time) (start, end time.Time) {
	y, m, d := date.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, date.Location())

	switch kind {
	case store.KindWeekly:
		weekday := int(day.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start = day.AddDate(0, 0, 1-weekday)
		end = start.AddDate(0, 0, 7)
	case store.KindMonthly:
		start = time.Date(y, m, 1, 0, 0, 0, 0, date.Location())
		end = start.AddDate(0, 1, 0)
	default:
		start = day
		end = day.AddDate(0, 0, 1)
	}
	return start, end
}
