package storage

import (
	"context"
	"fmt"
	"time"
)

// ClaimStalePendingPayments lists pending_payment bookings untouched since
// before. Bookings whose payment is processing wait for the provider instead. Only the replica holding the transaction-scoped advisory lock gets
// rows; the others get nil so one sweeper works at a time.
func (r *BookingRepository) ClaimStalePendingPayments(ctx context.Context, lockKey int64, before time.Time, limit int) ([]string, error) {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, lockKey).Scan(&locked); err != nil {
		return nil, fmt.Errorf("sweep lock: %w", err)
	}
	if !locked {
		return nil, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id::text
		FROM appointments
		WHERE status = 'pending_payment'
		  AND payment_status = 'pending'
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, tx.Commit(ctx)
}
