package model

// WeeklyAvailability is one organization's working hours for a weekday.
// Times are minutes from local midnight; DayOfWeek follows time.Weekday (0 = Sunday).
type WeeklyAvailability struct {
	OrganizationID string
	DayOfWeek      int
	StartMinute    int
	EndMinute      int
	IsAvailable    bool
}

type OverrideKind string

const (
	OverrideUnavailable  OverrideKind = "unavailable"
	OverrideReducedHours OverrideKind = "reduced_hours"
)

// ScheduleOverride applies to every civil date in [StartDate, EndDate].
// Dates use the "2006-01-02" layout in the organization's timezone.
type ScheduleOverride struct {
	ID             string
	OrganizationID string
	StartDate      string
	EndDate        string
	Kind           OverrideKind
	StartMinute    *int
	EndMinute      *int
	Reason         string
}

// Covers reports whether the override applies to the civil date.
func (o ScheduleOverride) Covers(date string) bool {
	return o.StartDate <= date && date <= o.EndDate
}
