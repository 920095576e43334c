package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// ReducedHoursMode decides how a reduced_hours override combines with weekly hours.
type ReducedHoursMode string

const (
	// ReducedHoursIntersect narrows the weekly window to the override hours.
	ReducedHoursIntersect ReducedHoursMode = "intersect"
	// ReducedHoursReplace uses the override hours as the day's window.
	ReducedHoursReplace ReducedHoursMode = "replace"
)

func ParseReducedHoursMode(s string) (ReducedHoursMode, error) {
	switch ReducedHoursMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReducedHoursIntersect:
		return ReducedHoursIntersect, nil
	case ReducedHoursReplace:
		return ReducedHoursReplace, nil
	default:
		return "", fmt.Errorf("unknown reduced hours mode %q", s)
	}
}

// BookingPolicyConfig holds the tunables of slot generation and booking.
type BookingPolicyConfig struct {
	DefaultDuration       time.Duration
	Buffer                time.Duration
	MinimumNotice         time.Duration
	SameDayBookingAllowed bool
	MaxAdvanceDays        int
	MaxRangeDays          int
	GatewayTimeout        time.Duration
	ReducedHoursMode      ReducedHoursMode
}

func Defaults() BookingPolicyConfig {
	return BookingPolicyConfig{
		DefaultDuration:       30 * time.Minute,
		Buffer:                0,
		MinimumNotice:         15 * time.Minute,
		SameDayBookingAllowed: true,
		MaxAdvanceDays:        90,
		MaxRangeDays:          62,
		GatewayTimeout:        5 * time.Second,
		ReducedHoursMode:      ReducedHoursIntersect,
	}
}

// ForOrganization applies the organization's overrides on top of c.
func (c BookingPolicyConfig) ForOrganization(org model.Organization) BookingPolicyConfig {
	out := c
	if org.BufferMinutes != nil && *org.BufferMinutes >= 0 {
		out.Buffer = time.Duration(*org.BufferMinutes) * time.Minute
	}
	if org.MinimumNoticeMinutes != nil && *org.MinimumNoticeMinutes >= 0 {
		out.MinimumNotice = time.Duration(*org.MinimumNoticeMinutes) * time.Minute
	}
	if org.SameDayBookingAllowed != nil {
		out.SameDayBookingAllowed = *org.SameDayBookingAllowed
	}
	if org.MaxAdvanceDays != nil && *org.MaxAdvanceDays > 0 {
		out.MaxAdvanceDays = *org.MaxAdvanceDays
	}
	if org.DefaultDurationMinutes != nil && *org.DefaultDurationMinutes > 0 {
		out.DefaultDuration = time.Duration(*org.DefaultDurationMinutes) * time.Minute
	}
	return out
}

// Provider resolves the effective policy for an organization.
type Provider interface {
	BookingPolicy(ctx context.Context, org model.Organization) (BookingPolicyConfig, error)
}

type staticProvider struct {
	base BookingPolicyConfig
}

func NewStaticProvider(base BookingPolicyConfig) Provider {
	return &staticProvider{base: base}
}

func (p *staticProvider) BookingPolicy(_ context.Context, org model.Organization) (BookingPolicyConfig, error) {
	return p.base.ForOrganization(org), nil
}
