package model

import "time"

type Organization struct {
	ID         string
	Slug       string
	Name       string
	Timezone   string
	OwnerEmail string

	// Per-organization policy overrides. Nil means "use the platform default".
	BufferMinutes          *int
	MinimumNoticeMinutes   *int
	SameDayBookingAllowed  *bool
	MaxAdvanceDays         *int
	DefaultDurationMinutes *int
}

// Location resolves the organization's IANA timezone, falling back to UTC.
func (o Organization) Location() *time.Location {
	if o.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type LocationKind string

const (
	LocationVirtual  LocationKind = "virtual"
	LocationInPerson LocationKind = "in_person"
)

type AppointmentType struct {
	ID               string
	OrganizationID   string
	Name             string
	DurationMinutes  int
	IsActive         bool
	RequiresPayment  bool
	PaymentReference string
	PriceCents       int64
	Currency         string
	LocationKind     LocationKind
	Address          string
}

func (t AppointmentType) Duration() time.Duration {
	return time.Duration(t.DurationMinutes) * time.Minute
}
