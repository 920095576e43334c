package availability

import "time"

type Slot struct {
	Start     time.Time
	End       time.Time
	Available bool
}

// Rules are the per-request inputs of slot generation.
type Rules struct {
	Duration       time.Duration
	Buffer         time.Duration
	MinimumNotice  time.Duration
	SameDayAllowed bool
	// MaxAdvanceDays limits how far ahead slots are offered. Zero disables the limit.
	MaxAdvanceDays int
}

// Generate lays out candidate slots inside w. Slots start at w.Start and
// advance by Duration+Buffer; a slot is emitted only if it ends by w.End.
// On the current date (in the window's timezone) slots starting before
// now+Buffer+MinimumNotice, rounded up to a Duration boundary from the top
// of the hour, are skipped.
func Generate(w Window, r Rules, now time.Time) []Slot {
	if !w.Open || r.Duration <= 0 || r.Buffer < 0 {
		return nil
	}
	loc := w.Start.Location()
	localNow := now.In(loc)
	today := localNow.Format(DateLayout)

	if w.Date < today {
		return nil
	}
	if r.MaxAdvanceDays > 0 {
		last := time.Date(localNow.Year(), localNow.Month(), localNow.Day()+r.MaxAdvanceDays, 0, 0, 0, 0, loc)
		if w.Date > last.Format(DateLayout) {
			return nil
		}
	}

	var earliest time.Time
	if w.Date == today {
		if !r.SameDayAllowed {
			return nil
		}
		earliest = roundUp(localNow.Add(r.Buffer+r.MinimumNotice), r.Duration)
	}

	step := r.Duration + r.Buffer
	var slots []Slot
	for t := w.Start; !t.Add(r.Duration).After(w.End); t = t.Add(step) {
		if t.Before(earliest) {
			continue
		}
		slots = append(slots, Slot{Start: t, End: t.Add(r.Duration), Available: true})
	}
	return slots
}

// roundUp moves t forward to the next multiple of d counted from the top of t's hour.
func roundUp(t time.Time, d time.Duration) time.Time {
	hour := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	elapsed := t.Sub(hour)
	if elapsed%d == 0 {
		return t
	}
	return hour.Add((elapsed/d + 1) * d)
}
