// Package config reads the booking-service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/clinicbook/libs/config"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/policy"
)

type EmailProvider string

const (
	EmailSendGrid EmailProvider = "sendgrid"
	EmailSES      EmailProvider = "ses"
	EmailStub     EmailProvider = "stub"
)

type Config struct {
	ServiceName string
	Port        string
	GRPCPort    string
	LogLevel    string

	DatabaseURL string
	DBMaxConns  int

	KafkaBrokers string

	RedisAddr          string
	RateLimitPerMinute int

	StaffJWTSecret     string
	PublicBaseURL      string
	CORSAllowedOrigins []string

	Stripe   StripeConfig
	Calendar CalendarConfig
	Email    EmailConfig

	Policy policy.BookingPolicyConfig
}

type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	DryRun           bool
	// CheckoutTTL is how long a pending_payment booking waits for a webhook
	// before the sweeper releases its slot.
	CheckoutTTL   time.Duration
	SweepInterval time.Duration
}

type CalendarConfig struct {
	ClientID     string
	ClientSecret string
	// TokenKey is the hex key sealing stored OAuth tokens.
	TokenKey string
}

type EmailConfig struct {
	Provider       EmailProvider
	SendGridAPIKey string
	From           string
	FromName       string
	AWSRegion      string
}

// Load reads the environment. Every problem is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	c := Config{
		ServiceName:        config.String("SERVICE_NAME", "booking-service"),
		LogLevel:           config.String("LOG_LEVEL", "info"),
		KafkaBrokers:       config.String("KAFKA_BROKERS", ""),
		RedisAddr:          config.String("REDIS_ADDR", ""),
		StaffJWTSecret:     config.String("STAFF_JWT_SECRET", ""),
		PublicBaseURL:      strings.TrimRight(config.String("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
		CORSAllowedOrigins: config.List("CORS_ALLOWED_ORIGINS"),
	}

	var err error
	c.Port, err = config.Port("PORT", "8083")
	collect(err)
	c.GRPCPort, err = config.Port("GRPC_PORT", "9083")
	collect(err)
	c.DatabaseURL, err = config.RequiredString("DATABASE_URL")
	collect(err)
	c.DBMaxConns, err = config.Int("DB_MAX_CONNS", 10)
	collect(err)
	c.RateLimitPerMinute, err = config.Int("RATE_LIMIT_PER_MINUTE", 60)
	collect(err)

	c.Stripe.SecretKey = config.String("STRIPE_SECRET_KEY", "")
	c.Stripe.WebhookSecret = config.String("STRIPE_WEBHOOK_SECRET", "")
	toleranceSecs, err := config.Int("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300)
	collect(err)
	c.Stripe.WebhookTolerance = time.Duration(toleranceSecs) * time.Second
	c.Stripe.DryRun, err = config.Bool("STRIPE_DRY_RUN", false)
	collect(err)
	c.Stripe.CheckoutTTL, err = config.Duration("CHECKOUT_TTL", 35*time.Minute)
	collect(err)
	c.Stripe.SweepInterval, err = config.Duration("CHECKOUT_SWEEP_INTERVAL", time.Minute)
	collect(err)

	c.Calendar = CalendarConfig{
		ClientID:     config.String("GOOGLE_CLIENT_ID", ""),
		ClientSecret: config.String("GOOGLE_CLIENT_SECRET", ""),
		TokenKey:     config.String("CALENDAR_TOKEN_KEY", ""),
	}

	c.Email = EmailConfig{
		Provider:       EmailProvider(strings.ToLower(config.String("EMAIL_PROVIDER", string(EmailStub)))),
		SendGridAPIKey: config.String("SENDGRID_API_KEY", ""),
		From:           config.String("EMAIL_FROM", ""),
		FromName:       config.String("EMAIL_FROM_NAME", "ClinicBook"),
		AWSRegion:      config.String("AWS_REGION", "us-east-1"),
	}
	switch c.Email.Provider {
	case EmailStub:
	case EmailSendGrid:
		if c.Email.SendGridAPIKey == "" {
			collect(errors.New("SENDGRID_API_KEY is required when EMAIL_PROVIDER=sendgrid"))
		}
		if c.Email.From == "" {
			collect(errors.New("EMAIL_FROM is required when EMAIL_PROVIDER=sendgrid"))
		}
	case EmailSES:
		if c.Email.From == "" {
			collect(errors.New("EMAIL_FROM is required when EMAIL_PROVIDER=ses"))
		}
	default:
		collect(fmt.Errorf("EMAIL_PROVIDER must be sendgrid, ses or stub (got %q)", c.Email.Provider))
	}

	c.Policy, err = loadPolicy()
	collect(err)

	if c.RateLimitPerMinute < 0 {
		collect(errors.New("RATE_LIMIT_PER_MINUTE must not be negative"))
	}
	return c, errors.Join(errs...)
}

func loadPolicy() (policy.BookingPolicyConfig, error) {
	p := policy.Defaults()
	var errs []error
	dur := func(key string, target *time.Duration) {
		d, err := config.Duration(key, *target)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", key))
			return
		}
		*target = d
	}
	num := func(key string, target *int) {
		n, err := config.Int(key, *target)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
			return
		}
		*target = n
	}

	dur("BOOKING_DEFAULT_DURATION", &p.DefaultDuration)
	dur("BOOKING_BUFFER", &p.Buffer)
	dur("BOOKING_MINIMUM_NOTICE", &p.MinimumNotice)
	dur("BOOKING_GATEWAY_TIMEOUT", &p.GatewayTimeout)
	num("BOOKING_MAX_ADVANCE_DAYS", &p.MaxAdvanceDays)
	num("BOOKING_MAX_RANGE_DAYS", &p.MaxRangeDays)

	sameDay, err := config.Bool("BOOKING_SAME_DAY_ALLOWED", p.SameDayBookingAllowed)
	if err != nil {
		errs = append(errs, err)
	}
	p.SameDayBookingAllowed = sameDay

	mode, err := policy.ParseReducedHoursMode(config.String("BOOKING_REDUCED_HOURS_MODE", string(p.ReducedHoursMode)))
	if err != nil {
		errs = append(errs, fmt.Errorf("BOOKING_REDUCED_HOURS_MODE: %w", err))
	} else {
		p.ReducedHoursMode = mode
	}
	if p.DefaultDuration <= 0 {
		errs = append(errs, errors.New("BOOKING_DEFAULT_DURATION must be positive"))
	}
	return p, errors.Join(errs...)
}
