package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/clinicbook/libs/secretbox"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/gateway"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
)

// Conn is satisfied by *db.Pool and by pgxmock pools.
type Conn interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type BookingRepository struct {
	conn   Conn
	outbox *outbox.Repository
	box    *secretbox.Box
}

// NewBookingRepository returns the Postgres booking store. box seals calendar
// tokens at rest; without it calendar credentials cannot be read or saved.
func NewBookingRepository(conn Conn, box *secretbox.Box) *BookingRepository {
	return &BookingRepository{conn: conn, outbox: outbox.NewRepository(), box: box}
}

var _ booking.Store = (*BookingRepository)(nil)

func (r *BookingRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx booking.Tx) error) error {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &bookingTx{tx: tx, outbox: r.outbox}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// GetOrganization looks an organization up by id or slug.
func (r *BookingRepository) GetOrganization(ctx context.Context, ref string) (model.Organization, error) {
	var org model.Organization
	err := r.conn.QueryRow(ctx, `
		SELECT id::text, slug, name, timezone, owner_email,
			buffer_minutes, minimum_notice_minutes, same_day_booking_allowed,
			max_advance_days, default_duration_minutes
		FROM organizations
		WHERE id::text = $1 OR slug = $1
		LIMIT 1
	`, ref).Scan(
		&org.ID,
		&org.Slug,
		&org.Name,
		&org.Timezone,
		&org.OwnerEmail,
		&org.BufferMinutes,
		&org.MinimumNoticeMinutes,
		&org.SameDayBookingAllowed,
		&org.MaxAdvanceDays,
		&org.DefaultDurationMinutes,
	)
	if err != nil {
		return model.Organization{}, mapErr(err)
	}
	return org, nil
}

func (r *BookingRepository) GetWeeklyAvailability(ctx context.Context, organizationID string) ([]model.WeeklyAvailability, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT organization_id::text, day_of_week, start_minute, end_minute, is_available
		FROM weekly_availability
		WHERE organization_id = $1
		ORDER BY day_of_week
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeeklyAvailability
	for rows.Next() {
		var w model.WeeklyAvailability
		if err := rows.Scan(&w.OrganizationID, &w.DayOfWeek, &w.StartMinute, &w.EndMinute, &w.IsAvailable); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetOverrides returns overrides touching any date in [fromDate, toDate].
func (r *BookingRepository) GetOverrides(ctx context.Context, organizationID, fromDate, toDate string) ([]model.ScheduleOverride, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id::text, organization_id::text, start_date::text, end_date::text, kind,
			start_minute, end_minute, COALESCE(reason, '')
		FROM schedule_overrides
		WHERE organization_id = $1
			AND start_date <= $3::date
			AND end_date >= $2::date
		ORDER BY start_date, id
	`, organizationID, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduleOverride
	for rows.Next() {
		var o model.ScheduleOverride
		var kind string
		if err := rows.Scan(&o.ID, &o.OrganizationID, &o.StartDate, &o.EndDate, &kind, &o.StartMinute, &o.EndMinute, &o.Reason); err != nil {
			return nil, err
		}
		o.Kind = model.OverrideKind(kind)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *BookingRepository) GetAppointmentType(ctx context.Context, organizationID, appointmentTypeID string) (model.AppointmentType, error) {
	return getAppointmentType(ctx, r.conn, organizationID, appointmentTypeID)
}

func (r *BookingRepository) FindBookingsOverlapping(ctx context.Context, organizationID string, start, end time.Time, statuses []model.Status) ([]model.Booking, error) {
	return findOverlapping(ctx, r.conn, organizationID, start, end, statuses)
}

func (r *BookingRepository) GetBooking(ctx context.Context, bookingID string) (model.Booking, error) {
	b, err := scanBooking(r.conn.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM appointments
		WHERE id = $1
	`, bookingID))
	if err != nil {
		return model.Booking{}, mapErr(err)
	}
	return b, nil
}

// ListBookings returns bookings starting in [from, to), oldest first.
func (r *BookingRepository) ListBookings(ctx context.Context, organizationID string, from, to time.Time) ([]model.Booking, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM appointments
		WHERE organization_id = $1
			AND start_time >= $2
			AND start_time < $3
		ORDER BY start_time ASC
		LIMIT 500
	`, organizationID, from, to)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *BookingRepository) GetPatient(ctx context.Context, patientID string) (model.Patient, error) {
	var p model.Patient
	err := r.conn.QueryRow(ctx, `
		SELECT id::text, organization_id::text, email, name, COALESCE(phone, '')
		FROM patients
		WHERE id = $1
	`, patientID).Scan(&p.ID, &p.OrganizationID, &p.Email, &p.Name, &p.Phone)
	if err != nil {
		return model.Patient{}, mapErr(err)
	}
	return p, nil
}

func (r *BookingRepository) GetCalendarCredentials(ctx context.Context, organizationID string) (gateway.CalendarCredentials, error) {
	var (
		calendarID string
		sealed     string
	)
	err := r.conn.QueryRow(ctx, `
		SELECT calendar_id, token_ciphertext
		FROM calendar_credentials
		WHERE organization_id = $1
	`, organizationID).Scan(&calendarID, &sealed)
	if err != nil {
		return gateway.CalendarCredentials{}, mapErr(err)
	}
	if r.box == nil {
		return gateway.CalendarCredentials{}, errors.New("calendar token key not configured")
	}
	plain, err := r.box.Open(sealed, []byte(organizationID))
	if err != nil {
		return gateway.CalendarCredentials{}, fmt.Errorf("open calendar token: %w", err)
	}
	var token gateway.OAuthToken
	if err := json.Unmarshal(plain, &token); err != nil {
		return gateway.CalendarCredentials{}, fmt.Errorf("decode calendar token: %w", err)
	}
	return gateway.CalendarCredentials{OrganizationID: organizationID, CalendarID: calendarID, Token: token}, nil
}

// SaveCalendarToken stores a (possibly refreshed) token, keeping the calendar id.
func (r *BookingRepository) SaveCalendarToken(ctx context.Context, organizationID string, token gateway.OAuthToken) error {
	if r.box == nil {
		return errors.New("calendar token key not configured")
	}
	plain, err := json.Marshal(token)
	if err != nil {
		return err
	}
	sealed, err := r.box.Seal(plain, []byte(organizationID))
	if err != nil {
		return fmt.Errorf("seal calendar token: %w", err)
	}
	_, err = r.conn.Exec(ctx, `
		INSERT INTO calendar_credentials (organization_id, calendar_id, token_ciphertext)
		VALUES ($1, 'primary', $2)
		ON CONFLICT (organization_id) DO UPDATE
		SET token_ciphertext = EXCLUDED.token_ciphertext,
			updated_at = now()
	`, organizationID, sealed)
	return err
}

func (r *BookingRepository) SetCalendarEvent(ctx context.Context, bookingID, eventID, link string) error {
	tag, err := r.conn.Exec(ctx, `
		UPDATE appointments
		SET calendar_event_id = $2,
			meeting_link = NULLIF($3, ''),
			updated_at = now()
		WHERE id = $1
	`, bookingID, eventID, link)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

type bookingTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

// LockIdempotencyKey claims key for the organization. The returned bool is
// true when an earlier request already finished under the same key.
func (t *bookingTx) LockIdempotencyKey(ctx context.Context, organizationID, key, requestHash string) (booking.IdempotencyRecord, bool, error) {
	rec, err := t.selectIdempotencyForUpdate(ctx, organizationID, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return booking.IdempotencyRecord{}, false, err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (organization_id, idempotency_key, request_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, idempotency_key) DO NOTHING
	`, organizationID, key, requestHash)
	if err != nil {
		return booking.IdempotencyRecord{}, false, err
	}

	// A concurrent request with the same key may have committed while the insert waited.
	rec, err = t.selectIdempotencyForUpdate(ctx, organizationID, key)
	if err != nil {
		return booking.IdempotencyRecord{}, false, err
	}
	return rec, rec.BookingID != "", nil
}

func (t *bookingTx) selectIdempotencyForUpdate(ctx context.Context, organizationID, key string) (booking.IdempotencyRecord, error) {
	var rec booking.IdempotencyRecord
	err := t.tx.QueryRow(ctx, `
		SELECT organization_id::text, idempotency_key, request_hash, COALESCE(booking_id::text, '')
		FROM booking_idempotency_keys
		WHERE organization_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, organizationID, key).Scan(&rec.OrganizationID, &rec.Key, &rec.RequestHash, &rec.BookingID)
	return rec, err
}

func (t *bookingTx) FinalizeIdempotency(ctx context.Context, organizationID, key, bookingID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET booking_id = $3,
			updated_at = now()
		WHERE organization_id = $1 AND idempotency_key = $2
	`, organizationID, key, bookingID)
	return err
}

// LockOrganization serializes booking writers of one organization until the
// transaction ends.
func (t *bookingTx) LockOrganization(ctx context.Context, organizationID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, organizationID)
	return err
}

func (t *bookingTx) GetAppointmentType(ctx context.Context, organizationID, appointmentTypeID string) (model.AppointmentType, error) {
	return getAppointmentType(ctx, t.tx, organizationID, appointmentTypeID)
}

func (t *bookingTx) FindBookingsOverlapping(ctx context.Context, organizationID string, start, end time.Time, statuses []model.Status) ([]model.Booking, error) {
	return findOverlapping(ctx, t.tx, organizationID, start, end, statuses)
}

// FindOrCreatePatient upserts by (organization, case-insensitive email) and
// refreshes the stored name and phone.
func (t *bookingTx) FindOrCreatePatient(ctx context.Context, organizationID string, info model.PatientInfo) (model.Patient, error) {
	var p model.Patient
	err := t.tx.QueryRow(ctx, `
		INSERT INTO patients (organization_id, email, name, phone)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (organization_id, lower(email)) DO UPDATE
		SET name = EXCLUDED.name,
			phone = COALESCE(EXCLUDED.phone, patients.phone),
			updated_at = now()
		RETURNING id::text, organization_id::text, email, name, COALESCE(phone, '')
	`, organizationID, info.Email, info.Name, info.Phone).Scan(&p.ID, &p.OrganizationID, &p.Email, &p.Name, &p.Phone)
	if err != nil {
		return model.Patient{}, err
	}
	return p, nil
}

func (t *bookingTx) InsertBooking(ctx context.Context, b model.Booking) (model.Booking, error) {
	created, err := scanBooking(t.tx.QueryRow(ctx, `
		INSERT INTO appointments
			(organization_id, patient_id, appointment_type_id, start_time, end_time, status, payment_status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		RETURNING `+bookingColumns,
		b.OrganizationID, b.PatientID, b.AppointmentTypeID, b.StartTime, b.EndTime,
		string(b.Status), string(b.PaymentStatus), b.Notes))
	if err != nil {
		return model.Booking{}, mapErr(err)
	}
	return created, nil
}

func (t *bookingTx) GetBookingForUpdate(ctx context.Context, bookingID string) (model.Booking, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, bookingID))
	if err != nil {
		return model.Booking{}, mapErr(err)
	}
	return b, nil
}

func (t *bookingTx) UpdateBookingState(ctx context.Context, bookingID string, st model.State) (model.Booking, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
			payment_status = $3,
			status_changed_at = now(),
			updated_at = now()
		WHERE id = $1
		RETURNING `+bookingColumns,
		bookingID, string(st.Status), string(st.PaymentStatus)))
	if err != nil {
		return model.Booking{}, mapErr(err)
	}
	return b, nil
}

func (t *bookingTx) SetPaymentSession(ctx context.Context, bookingID, sessionID, checkoutURL string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET payment_session_id = $2,
			checkout_url = $3,
			updated_at = now()
		WHERE id = $1
	`, bookingID, sessionID, checkoutURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// RecordWebhookEvent returns false when the provider event was seen before.
func (t *bookingTx) RecordWebhookEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType, payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *bookingTx) InsertOutboxEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

const bookingColumns = `id::text, organization_id::text, patient_id::text, appointment_type_id::text,
			start_time, end_time, status, payment_status,
			COALESCE(payment_session_id, ''), COALESCE(checkout_url, ''),
			COALESCE(meeting_link, ''), COALESCE(calendar_event_id, ''), COALESCE(notes, ''),
			created_at, updated_at, status_changed_at`

func scanBooking(row pgx.Row) (model.Booking, error) {
	var (
		b             model.Booking
		status        string
		paymentStatus string
	)
	err := row.Scan(
		&b.ID,
		&b.OrganizationID,
		&b.PatientID,
		&b.AppointmentTypeID,
		&b.StartTime,
		&b.EndTime,
		&status,
		&paymentStatus,
		&b.PaymentSessionID,
		&b.CheckoutURL,
		&b.MeetingLink,
		&b.CalendarEventID,
		&b.Notes,
		&b.CreatedAt,
		&b.UpdatedAt,
		&b.StatusChangedAt,
	)
	if err != nil {
		return model.Booking{}, err
	}
	b.Status = model.Status(status)
	b.PaymentStatus = model.PaymentStatus(paymentStatus)
	return b, nil
}

func collectBookings(rows pgx.Rows) ([]model.Booking, error) {
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func getAppointmentType(ctx context.Context, q querier, organizationID, appointmentTypeID string) (model.AppointmentType, error) {
	var (
		t            model.AppointmentType
		locationKind string
	)
	err := q.QueryRow(ctx, `
		SELECT id::text, organization_id::text, name, duration_minutes, is_active,
			requires_payment, COALESCE(payment_reference, ''), COALESCE(price_cents, 0),
			COALESCE(currency, ''), location_kind, COALESCE(address, '')
		FROM appointment_types
		WHERE organization_id = $1 AND id = $2
	`, organizationID, appointmentTypeID).Scan(
		&t.ID,
		&t.OrganizationID,
		&t.Name,
		&t.DurationMinutes,
		&t.IsActive,
		&t.RequiresPayment,
		&t.PaymentReference,
		&t.PriceCents,
		&t.Currency,
		&locationKind,
		&t.Address,
	)
	if err != nil {
		return model.AppointmentType{}, mapErr(err)
	}
	t.LocationKind = model.LocationKind(locationKind)
	return t, nil
}

func findOverlapping(ctx context.Context, q querier, organizationID string, start, end time.Time, statuses []model.Status) ([]model.Booking, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := q.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM appointments
		WHERE organization_id = $1
			AND start_time < $3
			AND end_time > $2
			AND status = ANY($4)
		ORDER BY start_time ASC
	`, organizationID, start, end, names)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

// mapErr translates driver errors into domain errors. 23P01 is the
// appointments exclusion constraint rejecting an overlapping booking.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23P01":
			return model.ErrConflict
		case "22P02":
			// malformed uuid in a lookup
			return model.ErrNotFound
		}
	}
	return err
}
