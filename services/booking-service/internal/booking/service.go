package booking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/gateway"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/scheduling"
)

var tracer = otel.Tracer("clinicbook/booking")

type Deps struct {
	Store    Store
	Schedule *scheduling.Service
	Calendar gateway.CalendarGateway
	Payments gateway.PaymentGateway
	Notifier gateway.Notifier
	Logger   *slog.Logger
	Metrics  *metrics.BookingMetrics
	// PublicBaseURL is where patient-facing pages live (success, cancel and retry links).
	PublicBaseURL  string
	GatewayTimeout time.Duration
}

// Service is the booking transactor and state machine driver.
type Service struct {
	store          Store
	schedule       *scheduling.Service
	calendar       gateway.CalendarGateway
	payments       gateway.PaymentGateway
	notifier       gateway.Notifier
	logger         *slog.Logger
	metrics        *metrics.BookingMetrics
	baseURL        string
	gatewayTimeout time.Duration
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.GatewayTimeout <= 0 {
		d.GatewayTimeout = 5 * time.Second
	}
	return &Service{
		store:          d.Store,
		schedule:       d.Schedule,
		calendar:       d.Calendar,
		payments:       d.Payments,
		notifier:       d.Notifier,
		logger:         d.Logger,
		metrics:        d.Metrics,
		baseURL:        strings.TrimRight(d.PublicBaseURL, "/"),
		gatewayTimeout: d.GatewayTimeout,
	}
}

type BookRequest struct {
	OrganizationRef   string
	AppointmentTypeID string
	StartTime         time.Time
	Patient           model.PatientInfo
	Notes             string
	IdempotencyKey    string
}

type BookResult struct {
	Booking     model.Booking
	CheckoutURL string
	RetryURL    string
	// Replayed is set when the Idempotency-Key matched an earlier request.
	Replayed bool
}

func (r *BookRequest) normalize() error {
	r.Patient.Name = strings.TrimSpace(r.Patient.Name)
	r.Patient.Email = strings.ToLower(strings.TrimSpace(r.Patient.Email))
	r.Patient.Phone = strings.TrimSpace(r.Patient.Phone)
	r.Notes = strings.TrimSpace(r.Notes)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)

	switch {
	case r.AppointmentTypeID == "":
		return model.Invalid("appointment_type_id", "is required")
	case r.StartTime.IsZero():
		return model.Invalid("start_time", "is required")
	case r.Patient.Name == "" || len(r.Patient.Name) > 200:
		return model.Invalid("name", "must be between 1 and 200 characters")
	case len(r.Patient.Phone) > 32:
		return model.Invalid("phone", "must be at most 32 characters")
	case len(r.Notes) > 2000:
		return model.Invalid("notes", "must be at most 2000 characters")
	case len(r.IdempotencyKey) > 200:
		return model.Invalid("idempotency_key", "must be at most 200 characters")
	}
	addr, err := mail.ParseAddress(r.Patient.Email)
	if err != nil || addr.Address != r.Patient.Email {
		return model.Invalid("email", "must be a valid address")
	}
	return nil
}

func (r BookRequest) hash(organizationID string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		organizationID, r.AppointmentTypeID, r.StartTime.UTC().Format(time.RFC3339), r.Patient.Email,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// BookAppointment turns a slot choice into a booking. The conflict check and
// insert run in one transaction; calendar, payment and email calls happen
// after commit and never undo the booking.
func (s *Service) BookAppointment(ctx context.Context, req BookRequest) (BookResult, error) {
	ctx, span := tracer.Start(ctx, "booking.BookAppointment")
	defer span.End()

	if err := req.normalize(); err != nil {
		return BookResult{}, err
	}
	offer, err := s.schedule.Prepare(ctx, req.OrganizationRef, req.AppointmentTypeID)
	if err != nil {
		return BookResult{}, err
	}
	orgID := offer.Organization.ID
	span.SetAttributes(attribute.String("organization.id", orgID), attribute.String("appointment_type.id", req.AppointmentTypeID))

	slot, err := s.schedule.CheckSlot(ctx, offer, req.StartTime)
	if err != nil {
		return BookResult{}, err
	}

	var (
		created  model.Booking
		patient  model.Patient
		replayed bool
	)
	reqHash := req.hash(orgID)
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if req.IdempotencyKey != "" {
			rec, existing, err := tx.LockIdempotencyKey(ctx, orgID, req.IdempotencyKey, reqHash)
			if err != nil {
				return fmt.Errorf("idempotency key: %w", err)
			}
			if existing && rec.BookingID != "" {
				if rec.RequestHash != reqHash {
					return model.Invalid("idempotency_key", "was already used for a different request")
				}
				created, err = tx.GetBookingForUpdate(ctx, rec.BookingID)
				replayed = err == nil
				return err
			}
		}

		if err := tx.LockOrganization(ctx, orgID); err != nil {
			return fmt.Errorf("lock organization: %w", err)
		}
		apptType, err := tx.GetAppointmentType(ctx, orgID, req.AppointmentTypeID)
		if err != nil {
			return fmt.Errorf("appointment type: %w", err)
		}
		if !apptType.IsActive || apptType.Duration() != slot.End.Sub(slot.Start) {
			return model.Invalid("appointment_type_id", "appointment type changed, reload available slots")
		}
		taken, err := tx.FindBookingsOverlapping(ctx, orgID, slot.Start, slot.End, model.OccupyingStatuses)
		if err != nil {
			return fmt.Errorf("overlap check: %w", err)
		}
		if len(taken) > 0 {
			return model.ErrConflict
		}

		patient, err = tx.FindOrCreatePatient(ctx, orgID, req.Patient)
		if err != nil {
			return fmt.Errorf("patient: %w", err)
		}
		state := InitialState(apptType)
		created, err = tx.InsertBooking(ctx, model.Booking{
			OrganizationID:    orgID,
			PatientID:         patient.ID,
			AppointmentTypeID: apptType.ID,
			StartTime:         slot.Start.UTC(),
			EndTime:           slot.End.UTC(),
			Status:            state.Status,
			PaymentStatus:     state.PaymentStatus,
			Notes:             req.Notes,
		})
		if err != nil {
			return err
		}
		if err := s.emit(ctx, tx, outbox.EventBookingBooked, created, ""); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			if err := tx.FinalizeIdempotency(ctx, orgID, req.IdempotencyKey, created.ID); err != nil {
				return fmt.Errorf("finalize idempotency: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			s.metrics.ObserveConflict()
		} else if !model.IsValidation(err) && !errors.Is(err, model.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return BookResult{}, err
	}

	if replayed {
		res := BookResult{Booking: created, CheckoutURL: created.CheckoutURL, Replayed: true}
		if created.Status == model.StatusFailedPayment {
			res.RetryURL = s.retryURL(offer.Organization, created)
		}
		return res, nil
	}

	s.metrics.ObserveBookingCreated(string(created.Status))
	s.logger.Info("booking created",
		"booking_id", created.ID,
		"organization_id", orgID,
		"status", created.Status,
		"start_time", created.StartTime,
	)

	// Side effects outlive the request.
	sctx := context.WithoutCancel(ctx)
	notice := gateway.BookingNotice{Organization: offer.Organization, Booking: created, AppointmentType: offer.AppointmentType, Patient: patient}
	if created.Status == model.StatusConfirmed {
		notice.Booking = s.afterConfirmed(sctx, notice)
		return BookResult{Booking: notice.Booking}, nil
	}
	return s.startCheckout(sctx, notice)
}

// emit writes an appointment event to the outbox within tx.
func (s *Service) emit(ctx context.Context, tx Tx, eventType string, b model.Booking, previous model.Status) error {
	evt, err := outbox.NewBookingEvent(eventType, outbox.BookingPayload{
		BookingID:         b.ID,
		OrganizationID:    b.OrganizationID,
		PatientID:         b.PatientID,
		AppointmentTypeID: b.AppointmentTypeID,
		StartTime:         b.StartTime,
		EndTime:           b.EndTime,
		Status:            string(b.Status),
		PaymentStatus:     string(b.PaymentStatus),
		PreviousStatus:    string(previous),
	})
	if err != nil {
		return fmt.Errorf("build %s: %w", eventType, err)
	}
	if err := tx.InsertOutboxEvent(ctx, evt); err != nil {
		return fmt.Errorf("outbox %s: %w", eventType, err)
	}
	return nil
}

func (s *Service) retryURL(org model.Organization, b model.Booking) string {
	return fmt.Sprintf("%s/book/%s/retry?booking_id=%s", s.baseURL, org.Slug, b.ID)
}

func (s *Service) successURL(org model.Organization, b model.Booking) string {
	return fmt.Sprintf("%s/book/%s/success?booking_id=%s", s.baseURL, org.Slug, b.ID)
}

func (s *Service) cancelURL(org model.Organization, b model.Booking) string {
	return fmt.Sprintf("%s/book/%s/cancelled?booking_id=%s", s.baseURL, org.Slug, b.ID)
}
