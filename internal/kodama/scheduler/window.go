package scheduler

import (
	"time"
)

// Window is a daily posting window expressed in minutes since local
// midnight. A window whose end is before its start wraps past midnight into
// the next calendar day; an all-zero window is invalid and rejected at
// config load.
type Window struct {
	StartMin int
	EndMin   int
}

// Wraps reports whether the window spans local midnight.
func (w Window) Wraps() bool { return w.EndMin < w.StartMin }

// anchor returns the concrete [start, end) instance of the window whose
// start falls on the given day.
func (w Window) anchor(day time.Time) (start, end time.Time) {
	y, m, d := day.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	start = midnight.Add(time.Duration(w.StartMin) * time.Minute)
	end = midnight.Add(time.Duration(w.EndMin) * time.Minute)
	if w.Wraps() {
		end = end.AddDate(0, 0, 1)
	}
	return start, end
}

// instanceAt returns the window instance that contains now, or, when now is
// outside any instance, the next upcoming one. For wrapping windows the
// instance that started yesterday is checked first so an early-morning tick
// lands in the still-open tail rather than tonight's instance.
func (w Window) instanceAt(now time.Time) (start, end time.Time) {
	if w.Wraps() {
		ystart, yend := w.anchor(now.AddDate(0, 0, -1))
		if now.Before(yend) && !now.Before(ystart) {
			return ystart, yend
		}
	}
	start, end = w.anchor(now)
	if !now.Before(end) {
		return w.anchor(now.AddDate(0, 0, 1))
	}
	return start, end
}

// contains reports whether now falls inside an active window instance.
func (w Window) contains(now time.Time) bool {
	start, end := w.instanceAt(now)
	return !now.Before(start) && now.Before(end)
}

// draw picks a uniformly random instant within the remaining valid
// sub-window: no earlier than now, no earlier than lastPost+minInterval,
// inside the window instance active at (or next after) now, and on the
// current day's instance only. It returns false when no such instant exists
// before the instance ends, which skips posting for the rest of the day.
func (w Window) draw(now, lastPost time.Time, minInterval time.Duration, rng *lockedRand) (time.Time, bool) {
	start, end := w.instanceAt(now)

	earliest := start
	if earliest.Before(now) {
		earliest = now
	}
	if !lastPost.IsZero() {
		if next := lastPost.Add(minInterval); earliest.Before(next) {
			earliest = next
		}
	}
	if !earliest.Before(end) {
		return time.Time{}, false
	}

	span := end.Sub(earliest)
	return earliest.Add(time.Duration(rng.Int63n(int64(span)))), true
}
