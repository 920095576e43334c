package booking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/gateway"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
)

// memStore is an in-memory Store. InTx holds one lock for the whole
// transaction and restores the previous state when fn fails.
type memStore struct {
	mu        sync.Mutex
	seq       int
	orgs      map[string]model.Organization
	weekly    map[string][]model.WeeklyAvailability
	overrides []model.ScheduleOverride
	types     map[string]model.AppointmentType
	patients  map[string]model.Patient
	bookings  map[string]model.Booking
	idem      map[string]IdempotencyRecord
	webhooks  map[string]bool
	events    []outbox.Event
	creds     map[string]gateway.CalendarCredentials
}

func newMemStore() *memStore {
	return &memStore{
		orgs:     map[string]model.Organization{},
		weekly:   map[string][]model.WeeklyAvailability{},
		types:    map[string]model.AppointmentType{},
		patients: map[string]model.Patient{},
		bookings: map[string]model.Booking{},
		idem:     map[string]IdempotencyRecord{},
		webhooks: map[string]bool{},
		creds:    map[string]gateway.CalendarCredentials{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := struct {
		patients map[string]model.Patient
		bookings map[string]model.Booking
		idem     map[string]IdempotencyRecord
		webhooks map[string]bool
		events   int
	}{cloneMap(m.patients), cloneMap(m.bookings), cloneMap(m.idem), cloneMap(m.webhooks), len(m.events)}

	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.patients, m.bookings, m.idem, m.webhooks = snapshot.patients, snapshot.bookings, snapshot.idem, snapshot.webhooks
		m.events = m.events[:snapshot.events]
		return err
	}
	return nil
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *memStore) GetOrganization(_ context.Context, ref string) (model.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orgs {
		if o.ID == ref || o.Slug == ref {
			return o, nil
		}
	}
	return model.Organization{}, model.ErrNotFound
}

func (m *memStore) GetWeeklyAvailability(_ context.Context, orgID string) ([]model.WeeklyAvailability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weekly[orgID], nil
}

func (m *memStore) GetOverrides(_ context.Context, orgID, from, to string) ([]model.ScheduleOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ScheduleOverride
	for _, o := range m.overrides {
		if o.OrganizationID == orgID && o.StartDate <= to && o.EndDate >= from {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) GetAppointmentType(_ context.Context, orgID, id string) (model.AppointmentType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appointmentType(orgID, id)
}

func (m *memStore) appointmentType(orgID, id string) (model.AppointmentType, error) {
	t, ok := m.types[id]
	if !ok || t.OrganizationID != orgID {
		return model.AppointmentType{}, model.ErrNotFound
	}
	return t, nil
}

func (m *memStore) FindBookingsOverlapping(_ context.Context, orgID string, start, end time.Time, statuses []model.Status) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlapping(orgID, start, end, statuses), nil
}

func (m *memStore) overlapping(orgID string, start, end time.Time, statuses []model.Status) []model.Booking {
	var out []model.Booking
	for _, b := range m.bookings {
		if b.OrganizationID != orgID || !b.Overlaps(start, end) {
			continue
		}
		for _, s := range statuses {
			if b.Status == s {
				out = append(out, b)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (m *memStore) GetBooking(_ context.Context, id string) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return model.Booking{}, model.ErrNotFound
	}
	return b, nil
}

func (m *memStore) ListBookings(_ context.Context, orgID string, from, to time.Time) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Booking
	for _, b := range m.bookings {
		if b.OrganizationID == orgID && !b.StartTime.Before(from) && b.StartTime.Before(to) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *memStore) GetPatient(_ context.Context, id string) (model.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return model.Patient{}, model.ErrNotFound
	}
	return p, nil
}

func (m *memStore) GetCalendarCredentials(_ context.Context, orgID string) (gateway.CalendarCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[orgID]
	if !ok {
		return gateway.CalendarCredentials{}, model.ErrNotFound
	}
	return c, nil
}

func (m *memStore) SaveCalendarToken(_ context.Context, orgID string, token gateway.OAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.creds[orgID]
	c.OrganizationID = orgID
	c.Token = token
	m.creds[orgID] = c
	return nil
}

func (m *memStore) SetCalendarEvent(_ context.Context, bookingID, eventID, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return model.ErrNotFound
	}
	b.CalendarEventID, b.MeetingLink = eventID, link
	m.bookings[bookingID] = b
	return nil
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.EventType)
	}
	return out
}

type memTx struct {
	m *memStore
}

func (t *memTx) LockIdempotencyKey(_ context.Context, orgID, key, hash string) (IdempotencyRecord, bool, error) {
	k := orgID + "|" + key
	if rec, ok := t.m.idem[k]; ok {
		return rec, true, nil
	}
	rec := IdempotencyRecord{OrganizationID: orgID, Key: key, RequestHash: hash}
	t.m.idem[k] = rec
	return rec, false, nil
}

func (t *memTx) FinalizeIdempotency(_ context.Context, orgID, key, bookingID string) error {
	k := orgID + "|" + key
	rec := t.m.idem[k]
	rec.BookingID = bookingID
	t.m.idem[k] = rec
	return nil
}

func (t *memTx) LockOrganization(context.Context, string) error { return nil }

func (t *memTx) GetAppointmentType(_ context.Context, orgID, id string) (model.AppointmentType, error) {
	return t.m.appointmentType(orgID, id)
}

func (t *memTx) FindBookingsOverlapping(_ context.Context, orgID string, start, end time.Time, statuses []model.Status) ([]model.Booking, error) {
	return t.m.overlapping(orgID, start, end, statuses), nil
}

func (t *memTx) FindOrCreatePatient(_ context.Context, orgID string, info model.PatientInfo) (model.Patient, error) {
	for id, p := range t.m.patients {
		if p.OrganizationID == orgID && strings.EqualFold(p.Email, info.Email) {
			p.Name, p.Phone = info.Name, info.Phone
			t.m.patients[id] = p
			return p, nil
		}
	}
	p := model.Patient{ID: t.m.nextID("pat"), OrganizationID: orgID, Email: info.Email, Name: info.Name, Phone: info.Phone}
	t.m.patients[p.ID] = p
	return p, nil
}

func (t *memTx) InsertBooking(_ context.Context, b model.Booking) (model.Booking, error) {
	if b.Status.Occupies() && len(t.m.overlapping(b.OrganizationID, b.StartTime, b.EndTime, model.OccupyingStatuses)) > 0 {
		return model.Booking{}, model.ErrConflict
	}
	b.ID = t.m.nextID("bk")
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	b.StatusChangedAt = b.CreatedAt
	t.m.bookings[b.ID] = b
	return b, nil
}

func (t *memTx) GetBookingForUpdate(_ context.Context, id string) (model.Booking, error) {
	b, ok := t.m.bookings[id]
	if !ok {
		return model.Booking{}, model.ErrNotFound
	}
	return b, nil
}

func (t *memTx) UpdateBookingState(_ context.Context, id string, st model.State) (model.Booking, error) {
	b, ok := t.m.bookings[id]
	if !ok {
		return model.Booking{}, model.ErrNotFound
	}
	if st.Status.Occupies() && !b.Status.Occupies() {
		for _, other := range t.m.overlapping(b.OrganizationID, b.StartTime, b.EndTime, model.OccupyingStatuses) {
			if other.ID != id {
				return model.Booking{}, model.ErrConflict
			}
		}
	}
	b.Status, b.PaymentStatus = st.Status, st.PaymentStatus
	b.UpdatedAt = time.Now()
	b.StatusChangedAt = b.UpdatedAt
	t.m.bookings[id] = b
	return b, nil
}

func (t *memTx) SetPaymentSession(_ context.Context, id, sessionID, url string) error {
	b, ok := t.m.bookings[id]
	if !ok {
		return model.ErrNotFound
	}
	b.PaymentSessionID, b.CheckoutURL = sessionID, url
	t.m.bookings[id] = b
	return nil
}

func (t *memTx) RecordWebhookEvent(_ context.Context, provider, eventID, _ string, _ []byte) (bool, error) {
	k := provider + "|" + eventID
	if t.m.webhooks[k] {
		return false, nil
	}
	t.m.webhooks[k] = true
	return true, nil
}

func (t *memTx) InsertOutboxEvent(_ context.Context, evt outbox.Event) error {
	t.m.events = append(t.m.events, evt)
	return nil
}

var _ Store = (*memStore)(nil)
