package availability

import (
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// BusyIntervals returns the ranges held by bookings in an occupying status.
func BusyIntervals(bookings []model.Booking) []Interval {
	out := make([]Interval, 0, len(bookings))
	for _, b := range bookings {
		if !b.Status.Occupies() {
			continue
		}
		out = append(out, Interval{Start: b.StartTime, End: b.EndTime})
	}
	return out
}

// FilterConflicts drops slots overlapping any busy interval, and slots that
// leave the reduced-hours range when one is given.
func FilterConflicts(slots []Slot, busy []Interval, reduced *Interval) []Slot {
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if reduced != nil && (s.Start.Before(reduced.Start) || s.End.After(reduced.End)) {
			continue
		}
		if overlapsAny(s.Start, s.End, busy) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		// Half-open intervals: [start,end) overlaps [b.Start,b.End) iff start < b.End && b.Start < end.
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}
