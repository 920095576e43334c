package availability

import (
	"fmt"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/policy"
)

const DateLayout = "2006-01-02"

// Window is the effective working window of one civil date.
type Window struct {
	Date  string
	Open  bool
	Start time.Time
	End   time.Time
	// Reduced is the reduced_hours override range, when one applied.
	Reduced *Interval
}

// ParseDate parses a civil date and anchors it at local midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	return d, nil
}

// Resolve computes the working window for day (any instant of that civil date in loc).
func Resolve(day time.Time, loc *time.Location, weekly []model.WeeklyAvailability, overrides []model.ScheduleOverride, mode policy.ReducedHoursMode) Window {
	day = day.In(loc)
	key := day.Format(DateLayout)
	closed := Window{Date: key}

	row, ok := weeklyFor(weekly, day.Weekday())
	if !ok || !row.IsAvailable || row.EndMinute <= row.StartMinute {
		return closed
	}
	start := atMinute(day, row.StartMinute)
	end := atMinute(day, row.EndMinute)

	var reduced *Interval
	for _, o := range overrides {
		if !o.Covers(key) {
			continue
		}
		switch o.Kind {
		case model.OverrideUnavailable:
			return closed
		case model.OverrideReducedHours:
			if o.StartMinute == nil || o.EndMinute == nil {
				continue
			}
			r := Interval{Start: atMinute(day, *o.StartMinute), End: atMinute(day, *o.EndMinute)}
			if reduced == nil {
				reduced = &r
				continue
			}
			// Several reduced_hours overrides on one date narrow each other.
			reduced = &Interval{Start: later(reduced.Start, r.Start), End: earlier(reduced.End, r.End)}
		}
	}

	if reduced != nil {
		if mode == policy.ReducedHoursReplace {
			start, end = reduced.Start, reduced.End
		} else {
			start, end = later(start, reduced.Start), earlier(end, reduced.End)
		}
	}
	if !end.After(start) {
		return closed
	}
	return Window{Date: key, Open: true, Start: start, End: end, Reduced: reduced}
}

func weeklyFor(weekly []model.WeeklyAvailability, wd time.Weekday) (model.WeeklyAvailability, bool) {
	for _, w := range weekly {
		if w.DayOfWeek == int(wd) {
			return w, true
		}
	}
	return model.WeeklyAvailability{}, false
}

func atMinute(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, day.Location())
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
