package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/clinicbook/libs/db"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/migrations"
)

// openTestDB migrates and connects to TEST_DATABASE_URL, skipping when unset.
func openTestDB(t *testing.T) *db.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	sqlDB, err := sql.Open("pgx", url)
	require.NoError(t, err)
	defer sqlDB.Close()
	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: "booking_schema_migrations"})
	require.NoError(t, err)
	src, err := iofs.New(migrations.FS, ".")
	require.NoError(t, err)
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}

	pool, err := db.Open(context.Background(), url, db.Options{MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

type fixture struct {
	orgID, typeID, patientID string
}

func seed(t *testing.T, pool *db.Pool) fixture {
	t.Helper()
	ctx := context.Background()
	var f fixture
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO organizations (slug, name, timezone, owner_email)
		VALUES ($1, 'Integration Clinic', 'UTC', 'owner@clinic.test')
		RETURNING id::text
	`, "it-"+uuid.NewString()).Scan(&f.orgID))
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO appointment_types (organization_id, name, duration_minutes)
		VALUES ($1, 'Consultation', 30)
		RETURNING id::text
	`, f.orgID).Scan(&f.typeID))
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO patients (organization_id, email, name)
		VALUES ($1, 'pat@example.com', 'Pat')
		RETURNING id::text
	`, f.orgID).Scan(&f.patientID))
	return f
}

func TestExclusionConstraintAllowsOneOfConcurrentInserts(t *testing.T) {
	pool := openTestDB(t)
	f := seed(t, pool)
	repo := NewBookingRepository(pool, nil)
	start := time.Date(2030, 1, 7, 9, 0, 0, 0, time.UTC)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Skip the advisory lock so only the constraint stands between writers.
			err := repo.InTx(context.Background(), func(ctx context.Context, tx booking.Tx) error {
				_, err := tx.InsertBooking(ctx, model.Booking{
					OrganizationID: f.orgID, PatientID: f.patientID, AppointmentTypeID: f.typeID,
					StartTime: start, EndTime: start.Add(30 * time.Minute),
					Status: model.StatusConfirmed, PaymentStatus: model.PaymentNotRequired,
				})
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestReleasedStatusesFreeTheRange(t *testing.T) {
	pool := openTestDB(t)
	f := seed(t, pool)
	repo := NewBookingRepository(pool, nil)
	ctx := context.Background()
	start := time.Date(2030, 1, 8, 9, 0, 0, 0, time.UTC)

	insert := func() (model.Booking, error) {
		var b model.Booking
		err := repo.InTx(ctx, func(ctx context.Context, tx booking.Tx) error {
			var err error
			b, err = tx.InsertBooking(ctx, model.Booking{
				OrganizationID: f.orgID, PatientID: f.patientID, AppointmentTypeID: f.typeID,
				StartTime: start, EndTime: start.Add(30 * time.Minute),
				Status: model.StatusPendingPayment, PaymentStatus: model.PaymentPending,
			})
			return err
		})
		return b, err
	}

	first, err := insert()
	require.NoError(t, err)
	_, err = insert()
	require.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, repo.InTx(ctx, func(ctx context.Context, tx booking.Tx) error {
		_, err := tx.UpdateBookingState(ctx, first.ID, model.State{Status: model.StatusFailedPayment, PaymentStatus: model.PaymentFailed})
		return err
	}))
	_, err = insert()
	assert.NoError(t, err)

	overlapping, err := repo.FindBookingsOverlapping(ctx, f.orgID, start, start.Add(time.Hour), model.OccupyingStatuses)
	require.NoError(t, err)
	assert.Len(t, overlapping, 1)
}
