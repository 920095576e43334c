// Package scheduling answers "when can this organization be booked".
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/policy"
)

var tracer = otel.Tracer("clinicbook/scheduling")

const dateFormatMessage = "must be YYYY-MM-DD"

// Reader is the read side of the booking repository.
type Reader interface {
	GetOrganization(ctx context.Context, ref string) (model.Organization, error)
	GetWeeklyAvailability(ctx context.Context, organizationID string) ([]model.WeeklyAvailability, error)
	GetOverrides(ctx context.Context, organizationID, fromDate, toDate string) ([]model.ScheduleOverride, error)
	GetAppointmentType(ctx context.Context, organizationID, appointmentTypeID string) (model.AppointmentType, error)
	FindBookingsOverlapping(ctx context.Context, organizationID string, start, end time.Time, statuses []model.Status) ([]model.Booking, error)
}

type Service struct {
	repo     Reader
	policies policy.Provider
	logger   *slog.Logger
	metrics  *metrics.BookingMetrics
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.BookingMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(repo Reader, policies policy.Provider, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, policies: policies, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Offer is everything slot computation needs for one organization and appointment type.
type Offer struct {
	Organization    model.Organization
	AppointmentType model.AppointmentType
	Policy          policy.BookingPolicyConfig
	Location        *time.Location
}

func (o Offer) rules() availability.Rules {
	return availability.Rules{
		Duration:       o.AppointmentType.Duration(),
		Buffer:         o.Policy.Buffer,
		MinimumNotice:  o.Policy.MinimumNotice,
		SameDayAllowed: o.Policy.SameDayBookingAllowed,
		MaxAdvanceDays: o.Policy.MaxAdvanceDays,
	}
}

// DateAvailability is one bookable date with the number of open slots.
type DateAvailability struct {
	Date      string
	SlotCount int
}

// Prepare resolves the organization (by id or slug), its policy and the
// appointment type. An empty appointmentTypeID uses the default duration.
func (s *Service) Prepare(ctx context.Context, orgRef, appointmentTypeID string) (Offer, error) {
	org, err := s.repo.GetOrganization(ctx, orgRef)
	if err != nil {
		return Offer{}, fmt.Errorf("organization %q: %w", orgRef, err)
	}
	pol, err := s.policies.BookingPolicy(ctx, org)
	if err != nil {
		return Offer{}, fmt.Errorf("booking policy: %w", err)
	}

	apptType := model.AppointmentType{
		OrganizationID:  org.ID,
		DurationMinutes: int(pol.DefaultDuration / time.Minute),
		IsActive:        true,
	}
	if appointmentTypeID != "" {
		apptType, err = s.repo.GetAppointmentType(ctx, org.ID, appointmentTypeID)
		if err != nil {
			return Offer{}, fmt.Errorf("appointment type %q: %w", appointmentTypeID, err)
		}
		if !apptType.IsActive {
			return Offer{}, fmt.Errorf("appointment type %q inactive: %w", appointmentTypeID, model.ErrNotFound)
		}
	}
	if apptType.DurationMinutes <= 0 {
		return Offer{}, model.Invalid("appointment_type_id", "appointment type has no duration")
	}
	return Offer{Organization: org, AppointmentType: apptType, Policy: pol, Location: org.Location()}, nil
}

// ListAvailableSlots returns the open slots of one civil date.
func (s *Service) ListAvailableSlots(ctx context.Context, orgRef, date, appointmentTypeID string) ([]availability.Slot, error) {
	ctx, span := tracer.Start(ctx, "scheduling.ListAvailableSlots")
	defer span.End()
	started := time.Now()
	defer func() { s.metrics.ObserveSlotLatency("slots", time.Since(started).Seconds()) }()

	offer, err := s.Prepare(ctx, orgRef, appointmentTypeID)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("organization.id", offer.Organization.ID), attribute.String("date", date))

	day, err := availability.ParseDate(date, offer.Location)
	if err != nil {
		return nil, model.Invalid("date", dateFormatMessage)
	}
	slots, err := s.slotsForRange(ctx, offer, day, day, true)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	return slots[day.Format(availability.DateLayout)], nil
}

// ListAvailableDates returns the dates in [from, to] that have at least one open slot.
func (s *Service) ListAvailableDates(ctx context.Context, orgRef, from, to, appointmentTypeID string) ([]DateAvailability, error) {
	ctx, span := tracer.Start(ctx, "scheduling.ListAvailableDates")
	defer span.End()
	started := time.Now()
	defer func() { s.metrics.ObserveSlotLatency("dates", time.Since(started).Seconds()) }()

	offer, err := s.Prepare(ctx, orgRef, appointmentTypeID)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("organization.id", offer.Organization.ID), attribute.String("from", from), attribute.String("to", to))

	first, err := availability.ParseDate(from, offer.Location)
	if err != nil {
		return nil, model.Invalid("from", dateFormatMessage)
	}
	last, err := availability.ParseDate(to, offer.Location)
	if err != nil {
		return nil, model.Invalid("to", dateFormatMessage)
	}
	if last.Before(first) {
		return nil, model.Invalid("to", "must not be before from")
	}
	if days := daysBetween(first, last) + 1; offer.Policy.MaxRangeDays > 0 && days > offer.Policy.MaxRangeDays {
		return nil, model.Invalid("to", "range may span at most %d days", offer.Policy.MaxRangeDays)
	}

	byDate, err := s.slotsForRange(ctx, offer, first, last, true)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	var out []DateAvailability
	for d := first; !d.After(last); d = nextDay(d) {
		key := d.Format(availability.DateLayout)
		if n := len(byDate[key]); n > 0 {
			out = append(out, DateAvailability{Date: key, SlotCount: n})
		}
	}
	return out, nil
}

// CheckSlot verifies start is a slot the organization offers for the
// appointment type, ignoring existing bookings. The transactor re-checks
// conflicts atomically.
func (s *Service) CheckSlot(ctx context.Context, offer Offer, start time.Time) (availability.Slot, error) {
	local := start.In(offer.Location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, offer.Location)
	byDate, err := s.slotsForRange(ctx, offer, day, day, false)
	if err != nil {
		return availability.Slot{}, err
	}
	for _, slot := range byDate[day.Format(availability.DateLayout)] {
		if slot.Start.Equal(start) {
			return slot, nil
		}
	}
	return availability.Slot{}, model.Invalid("start_time", "requested time is not an offered slot")
}

// slotsForRange computes slots for every date in [first, last], keyed by civil date.
func (s *Service) slotsForRange(ctx context.Context, offer Offer, first, last time.Time, filterBooked bool) (map[string][]availability.Slot, error) {
	orgID := offer.Organization.ID
	weekly, err := s.repo.GetWeeklyAvailability(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("weekly availability: %w", err)
	}
	overrides, err := s.repo.GetOverrides(ctx, orgID, first.Format(availability.DateLayout), last.Format(availability.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("schedule overrides: %w", err)
	}

	var busy []availability.Interval
	if filterBooked {
		bookings, err := s.repo.FindBookingsOverlapping(ctx, orgID, first, nextDay(last), model.OccupyingStatuses)
		if err != nil {
			return nil, fmt.Errorf("existing bookings: %w", err)
		}
		busy = availability.BusyIntervals(bookings)
	}

	now := s.now()
	rules := offer.rules()
	out := make(map[string][]availability.Slot)
	for d := first; !d.After(last); d = nextDay(d) {
		w := availability.Resolve(d, offer.Location, weekly, overrides, offer.Policy.ReducedHoursMode)
		slots := availability.FilterConflicts(availability.Generate(w, rules, now), busy, w.Reduced)
		if len(slots) > 0 {
			out[w.Date] = slots
		}
	}
	return out, nil
}

func nextDay(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, d.Location())
}

func daysBetween(a, b time.Time) int {
	n := 0
	for d := a; d.Before(b); d = nextDay(d) {
		n++
	}
	return n
}

func recordErr(span trace.Span, err error) {
	if errors.Is(err, model.ErrNotFound) || model.IsValidation(err) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
