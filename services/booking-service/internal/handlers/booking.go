package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/md-rashed-zaman/clinicbook/libs/auth"
	"github.com/md-rashed-zaman/clinicbook/libs/httpx"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/gateway"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/scheduling"
)

const maxWebhookBytes = 64 << 10

// Scheduler answers availability queries. *scheduling.Service implements it.
type Scheduler interface {
	ListAvailableDates(ctx context.Context, orgRef, from, to, appointmentTypeID string) ([]scheduling.DateAvailability, error)
	ListAvailableSlots(ctx context.Context, orgRef, date, appointmentTypeID string) ([]availability.Slot, error)
}

// Bookings is the booking engine. *booking.Service implements it.
type Bookings interface {
	BookAppointment(ctx context.Context, req booking.BookRequest) (booking.BookResult, error)
	RetryPayment(ctx context.Context, bookingID string) (booking.BookResult, error)
	AbandonCheckout(ctx context.Context, bookingID string) (booking.BookResult, error)
	HandlePaymentEvent(ctx context.Context, ev gateway.PaymentEvent) error
	ApplyStaffAction(ctx context.Context, organizationID, bookingID, action string) (model.Booking, error)
	ListBookings(ctx context.Context, organizationID string, from, to time.Time) ([]model.Booking, error)
}

// WebhookParser verifies provider webhooks. *payments.Gateway implements it.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (gateway.PaymentEvent, error)
}

type BookingHandler struct {
	schedule Scheduler
	bookings Bookings
	webhooks WebhookParser
	logger   *slog.Logger
}

func NewBookingHandler(schedule Scheduler, bookings Bookings, webhooks WebhookParser, logger *slog.Logger) *BookingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookingHandler{schedule: schedule, bookings: bookings, webhooks: webhooks, logger: logger}
}

// RouterConfig holds the middleware the router wraps around route groups.
type RouterConfig struct {
	StaffJWTSecret string
	// PublicLimit throttles the patient-facing endpoints. Nil disables it.
	PublicLimit httpx.Middleware
}

// Routes returns the /api/v1 router.
func (h *BookingHandler) Routes(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Route("/public", func(public chi.Router) {
		if cfg.PublicLimit != nil {
			public.Use(cfg.PublicLimit)
		}
		public.Use(httpx.WithBodyLimit(32 << 10))
		public.Route("/orgs/{org}", func(org chi.Router) {
			org.Get("/dates", h.ListDates)
			org.Get("/slots", h.ListSlots)
			org.Post("/bookings", h.Create)
		})
		public.Post("/bookings/{id}/retry-payment", h.RetryPayment)
		public.Post("/bookings/{id}/abandon", h.Abandon)
	})

	r.Post("/webhooks/stripe", h.StripeWebhook)

	r.Group(func(staff chi.Router) {
		staff.Use(auth.RequireStaff(cfg.StaffJWTSecret))
		staff.Get("/appointments", h.ListAppointments)
		staff.Post("/appointments/{id}/{action}", h.StaffAction)
	})
	return r
}

type dateItem struct {
	Date      string `json:"date"`
	SlotCount int    `json:"slot_count"`
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (h *BookingHandler) ListDates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dates, err := h.schedule.ListAvailableDates(r.Context(), chi.URLParam(r, "org"), q.Get("from"), q.Get("to"), q.Get("appointment_type_id"))
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	out := make([]dateItem, 0, len(dates))
	for _, d := range dates {
		out = append(out, dateItem{Date: d.Date, SlotCount: d.SlotCount})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *BookingHandler) ListSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := strings.TrimSpace(q.Get("date"))
	if date == "" {
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Error: "date is required", Code: "invalid_request"})
		return
	}
	slots, err := h.schedule.ListAvailableSlots(r.Context(), chi.URLParam(r, "org"), date, q.Get("appointment_type_id"))
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	out := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotItem{StartTime: s.Start.UTC().Format(time.RFC3339), EndTime: s.End.UTC().Format(time.RFC3339)})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type createBookingRequest struct {
	AppointmentTypeID string `json:"appointment_type_id"`
	StartTime         string `json:"start_time"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	Phone             string `json:"phone"`
	Notes             string `json:"notes"`
}

type bookingResponse struct {
	BookingID     string `json:"booking_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	StartTime     string `json:"start_time,omitempty"`
	EndTime       string `json:"end_time,omitempty"`
	MeetingLink   string `json:"meeting_link,omitempty"`
	CheckoutURL   string `json:"checkout_url,omitempty"`
	RetryURL      string `json:"retry_url,omitempty"`
}

func toResponse(res booking.BookResult) bookingResponse {
	b := res.Booking
	return bookingResponse{
		BookingID:     b.ID,
		Status:        string(b.Status),
		PaymentStatus: string(b.PaymentStatus),
		StartTime:     b.StartTime.UTC().Format(time.RFC3339),
		EndTime:       b.EndTime.UTC().Format(time.RFC3339),
		MeetingLink:   b.MeetingLink,
		CheckoutURL:   res.CheckoutURL,
		RetryURL:      res.RetryURL,
	}
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Error: "invalid json body", Code: "invalid_request"})
		return
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.StartTime))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Error: "start_time must be RFC 3339", Code: "invalid_request"})
		return
	}

	res, err := h.bookings.BookAppointment(r.Context(), booking.BookRequest{
		OrganizationRef:   chi.URLParam(r, "org"),
		AppointmentTypeID: strings.TrimSpace(req.AppointmentTypeID),
		StartTime:         start,
		Patient:           model.PatientInfo{Name: req.Name, Email: req.Email, Phone: req.Phone},
		Notes:             req.Notes,
		IdempotencyKey:    r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}

	status := http.StatusCreated
	switch {
	case res.Replayed:
		status = http.StatusOK
	case res.Booking.Status == model.StatusFailedPayment:
		// Booking exists but the patient must come back through the retry link.
		status = http.StatusPaymentRequired
	}
	httpx.WriteJSON(w, status, toResponse(res))
}

func (h *BookingHandler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.bookings.RetryPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err, res.RetryURL)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResponse(res))
}

func (h *BookingHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	res, err := h.bookings.AbandonCheckout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResponse(res))
}

// StripeWebhook verifies and applies a Stripe event. Anything that verified
// is acknowledged with 200 so Stripe stops retrying; only storage failures
// ask for a redelivery.
func (h *BookingHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhooks == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.ErrorBody{Error: "payments not configured"})
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, httpx.ErrorBody{Error: "payload too large"})
			return
		}
		h.logger.Warn("stripe webhook body unreadable", "err", err)
		httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Error: "could not read request body"})
		return
	}
	ev, err := h.webhooks.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("stripe webhook rejected", "err", err)
		writeError(w, r, h.logger, err, "")
		return
	}
	if err := h.bookings.HandlePaymentEvent(r.Context(), ev); err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type appointmentItem struct {
	BookingID         string `json:"booking_id"`
	PatientID         string `json:"patient_id"`
	AppointmentTypeID string `json:"appointment_type_id"`
	StartTime         string `json:"start_time"`
	EndTime           string `json:"end_time"`
	Status            string `json:"status"`
	PaymentStatus     string `json:"payment_status"`
	MeetingLink       string `json:"meeting_link,omitempty"`
	CreatedAt         string `json:"created_at"`
}

// ListAppointments lists the caller's organization bookings starting in
// [from, to). The window defaults to the next 30 days.
func (h *BookingHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.OrganizationID == "" {
		httpx.WriteError(w, http.StatusForbidden, httpx.ErrorBody{Error: "forbidden"})
		return
	}

	from := time.Now().UTC().Truncate(24 * time.Hour)
	to := from.AddDate(0, 0, 30)
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Error: "from must be RFC 3339", Code: "invalid_request"})
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Error: "to must be RFC 3339", Code: "invalid_request"})
			return
		}
		to = t
	}

	list, err := h.bookings.ListBookings(r.Context(), claims.OrganizationID, from, to)
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	out := make([]appointmentItem, 0, len(list))
	for _, b := range list {
		out = append(out, appointmentItem{
			BookingID:         b.ID,
			PatientID:         b.PatientID,
			AppointmentTypeID: b.AppointmentTypeID,
			StartTime:         b.StartTime.UTC().Format(time.RFC3339),
			EndTime:           b.EndTime.UTC().Format(time.RFC3339),
			Status:            string(b.Status),
			PaymentStatus:     string(b.PaymentStatus),
			MeetingLink:       b.MeetingLink,
			CreatedAt:         b.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *BookingHandler) StaffAction(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.OrganizationID == "" {
		httpx.WriteError(w, http.StatusForbidden, httpx.ErrorBody{Error: "forbidden"})
		return
	}
	b, err := h.bookings.ApplyStaffAction(r.Context(), claims.OrganizationID, chi.URLParam(r, "id"), chi.URLParam(r, "action"))
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResponse(booking.BookResult{Booking: b}))
}
