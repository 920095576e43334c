package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/policy"
)

const (
	testOrgID  = "org-1"
	therapyID  = "type-therapy"
	retiredID  = "type-retired"
	longTypeID = "type-long"
)

type fakeReader struct {
	orgs      []model.Organization
	weekly    []model.WeeklyAvailability
	overrides []model.ScheduleOverride
	types     map[string]model.AppointmentType
	bookings  []model.Booking
	err       error
}

func (f *fakeReader) GetOrganization(_ context.Context, ref string) (model.Organization, error) {
	for _, o := range f.orgs {
		if o.ID == ref || o.Slug == ref {
			return o, nil
		}
	}
	return model.Organization{}, model.ErrNotFound
}

func (f *fakeReader) GetWeeklyAvailability(context.Context, string) ([]model.WeeklyAvailability, error) {
	return f.weekly, f.err
}

func (f *fakeReader) GetOverrides(_ context.Context, _, from, to string) ([]model.ScheduleOverride, error) {
	var out []model.ScheduleOverride
	for _, o := range f.overrides {
		if o.StartDate <= to && o.EndDate >= from {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeReader) GetAppointmentType(_ context.Context, orgID, id string) (model.AppointmentType, error) {
	t, ok := f.types[id]
	if !ok || t.OrganizationID != orgID {
		return model.AppointmentType{}, model.ErrNotFound
	}
	return t, nil
}

func (f *fakeReader) FindBookingsOverlapping(_ context.Context, _ string, start, end time.Time, statuses []model.Status) ([]model.Booking, error) {
	var out []model.Booking
	for _, b := range f.bookings {
		if !b.Overlaps(start, end) {
			continue
		}
		for _, s := range statuses {
			if b.Status == s {
				out = append(out, b)
				break
			}
		}
	}
	return out, nil
}

func newReader(tz string) *fakeReader {
	return &fakeReader{
		orgs: []model.Organization{{ID: testOrgID, Slug: "downtown-clinic", Name: "Downtown Clinic", Timezone: tz}},
		types: map[string]model.AppointmentType{
			therapyID:  {ID: therapyID, OrganizationID: testOrgID, Name: "Therapy", DurationMinutes: 30, IsActive: true},
			retiredID:  {ID: retiredID, OrganizationID: testOrgID, Name: "Old intake", DurationMinutes: 30, IsActive: false},
			longTypeID: {ID: longTypeID, OrganizationID: testOrgID, Name: "Assessment", DurationMinutes: 60, IsActive: true},
		},
	}
}

func newService(r Reader, now time.Time) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(r, policy.NewStaticProvider(policy.Defaults()), logger, WithClock(func() time.Time { return now }))
}

var clock = time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)

func TestListAvailableDatesCountsOpenSlots(t *testing.T) {
	r := newReader("UTC")
	r.weekly = []model.WeeklyAvailability{
		{OrganizationID: testOrgID, DayOfWeek: int(time.Monday), StartMinute: 9 * 60, EndMinute: 12 * 60, IsAvailable: true},
		{OrganizationID: testOrgID, DayOfWeek: int(time.Tuesday), StartMinute: 9 * 60, EndMinute: 10 * 60, IsAvailable: true},
		{OrganizationID: testOrgID, DayOfWeek: int(time.Wednesday), StartMinute: 9 * 60, EndMinute: 10 * 60, IsAvailable: true},
		{OrganizationID: testOrgID, DayOfWeek: int(time.Friday), StartMinute: 9 * 60, EndMinute: 10 * 60, IsAvailable: false},
	}
	r.overrides = []model.ScheduleOverride{
		{OrganizationID: testOrgID, StartDate: "2026-03-04", EndDate: "2026-03-04", Kind: model.OverrideUnavailable},
	}
	monday := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tuesday := monday.AddDate(0, 0, 1)
	r.bookings = []model.Booking{
		{ID: "bk-1", OrganizationID: testOrgID, StartTime: monday, EndTime: monday.Add(30 * time.Minute), Status: model.StatusConfirmed},
		{ID: "bk-2", OrganizationID: testOrgID, StartTime: monday.Add(time.Hour), EndTime: monday.Add(90 * time.Minute), Status: model.StatusPendingPayment},
		// Released slots stay bookable.
		{ID: "bk-3", OrganizationID: testOrgID, StartTime: tuesday, EndTime: tuesday.Add(30 * time.Minute), Status: model.StatusFailedPayment},
		{ID: "bk-4", OrganizationID: testOrgID, StartTime: tuesday.Add(30 * time.Minute), EndTime: tuesday.Add(time.Hour), Status: model.StatusCancelled},
	}
	svc := newService(r, clock)

	got, err := svc.ListAvailableDates(context.Background(), "downtown-clinic", "2026-03-01", "2026-03-08", therapyID)
	require.NoError(t, err)
	assert.Equal(t, []DateAvailability{
		{Date: "2026-03-02", SlotCount: 4},
		{Date: "2026-03-03", SlotCount: 2},
	}, got)

	// A single-day range works and an empty result is not an error.
	got, err = svc.ListAvailableDates(context.Background(), testOrgID, "2026-03-04", "2026-03-04", therapyID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListAvailableDatesValidatesRange(t *testing.T) {
	svc := newService(newReader("UTC"), clock)
	ctx := context.Background()

	// Defaults allow 62 days inclusive.
	_, err := svc.ListAvailableDates(ctx, testOrgID, "2026-03-01", "2026-05-01", therapyID)
	require.NoError(t, err)

	_, err = svc.ListAvailableDates(ctx, testOrgID, "2026-03-01", "2026-05-02", therapyID)
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "to", verr.Field)
	assert.Contains(t, verr.Message, "62")

	_, err = svc.ListAvailableDates(ctx, testOrgID, "2026-03-08", "2026-03-01", therapyID)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "to", verr.Field)

	_, err = svc.ListAvailableDates(ctx, testOrgID, "March 1", "2026-03-08", therapyID)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "from: must be YYYY-MM-DD", err.Error())

	_, err = svc.ListAvailableDates(ctx, testOrgID, "2026-03-01", "2026-13-01", therapyID)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "to: must be YYYY-MM-DD", err.Error())
}

func TestListAvailableSlotsRejectsMalformedDate(t *testing.T) {
	svc := newService(newReader("UTC"), clock)

	for _, date := range []string{"03/02/2026", "2026-02-30", "", "2026-3-2"} {
		_, err := svc.ListAvailableSlots(context.Background(), testOrgID, date, therapyID)
		require.True(t, model.IsValidation(err), date)
		assert.Equal(t, "date: must be YYYY-MM-DD", err.Error(), date)
		assert.NotContains(t, err.Error(), "parsing time", date)
	}
}

func TestPrepareResolvesOffer(t *testing.T) {
	r := newReader("America/Chicago")
	svc := newService(r, clock)
	ctx := context.Background()

	offer, err := svc.Prepare(ctx, "downtown-clinic", therapyID)
	require.NoError(t, err)
	assert.Equal(t, testOrgID, offer.Organization.ID)
	assert.Equal(t, 30*time.Minute, offer.AppointmentType.Duration())
	assert.Equal(t, policy.Defaults().MaxRangeDays, offer.Policy.MaxRangeDays)

	_, err = svc.Prepare(ctx, "downtown-clinic", retiredID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.Prepare(ctx, "downtown-clinic", "type-missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.Prepare(ctx, "uptown-clinic", therapyID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPrepareWithoutTypeUsesDefaultDuration(t *testing.T) {
	r := newReader("UTC")
	r.weekly = []model.WeeklyAvailability{
		{OrganizationID: testOrgID, DayOfWeek: int(time.Monday), StartMinute: 9 * 60, EndMinute: 12 * 60, IsAvailable: true},
	}
	svc := newService(r, clock)
	ctx := context.Background()

	offer, err := svc.Prepare(ctx, testOrgID, "")
	require.NoError(t, err)
	assert.Equal(t, 30, offer.AppointmentType.DurationMinutes)
	assert.True(t, offer.AppointmentType.IsActive)

	slots, err := svc.ListAvailableSlots(ctx, testOrgID, "2026-03-02", "")
	require.NoError(t, err)
	assert.Len(t, slots, 6)

	// The organization's own default wins over the platform one.
	fortyFive := 45
	r.orgs[0].DefaultDurationMinutes = &fortyFive
	offer, err = svc.Prepare(ctx, testOrgID, "")
	require.NoError(t, err)
	assert.Equal(t, 45, offer.AppointmentType.DurationMinutes)

	slots, err = svc.ListAvailableSlots(ctx, testOrgID, "2026-03-02", "")
	require.NoError(t, err)
	require.Len(t, slots, 4)
	assert.Equal(t, time.Date(2026, 3, 2, 11, 15, 0, 0, time.UTC), slots[3].Start)
}

func TestSlotsAcrossSpringForward(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	r := newReader("America/New_York")
	r.weekly = []model.WeeklyAvailability{
		{OrganizationID: testOrgID, DayOfWeek: int(time.Sunday), StartMinute: 0, EndMinute: 24 * 60, IsAvailable: true},
	}
	svc := newService(r, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	// 2026-03-08 has 23 hours in New York: 02:00 local never happens.
	slots, err := svc.ListAvailableSlots(ctx, testOrgID, "2026-03-08", longTypeID)
	require.NoError(t, err)
	require.Len(t, slots, 23)
	assert.Equal(t, time.Date(2026, 3, 8, 0, 0, 0, 0, loc).UTC(), slots[0].Start.UTC())
	assert.Equal(t, time.Date(2026, 3, 8, 1, 0, 0, 0, loc).UTC(), slots[1].Start.UTC())
	assert.Equal(t, time.Date(2026, 3, 8, 3, 0, 0, 0, loc).UTC(), slots[2].Start.UTC())
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, loc).UTC(), slots[22].End.UTC())
	for _, s := range slots {
		assert.Equal(t, time.Hour, s.End.Sub(s.Start))
	}

	dates, err := svc.ListAvailableDates(ctx, testOrgID, "2026-03-07", "2026-03-09", longTypeID)
	require.NoError(t, err)
	assert.Equal(t, []DateAvailability{{Date: "2026-03-08", SlotCount: 23}}, dates)
}

func TestReaderFailureIsReturned(t *testing.T) {
	r := newReader("UTC")
	r.err = errors.New("connection reset")
	svc := newService(r, clock)

	_, err := svc.ListAvailableSlots(context.Background(), testOrgID, "2026-03-02", therapyID)
	require.Error(t, err)
	assert.False(t, model.IsValidation(err))
	assert.Contains(t, err.Error(), "weekly availability")
}
