package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// IdempotencyRecord is one finished (or in-flight) booking request keyed by
// requester and Idempotency-Key header.
type IdempotencyRecord struct {
	RequesterID     string
	IdempotencyKey  string
	AppointmentID   string
	StatusCode      int
	ResponsePayload []byte
}

// LockIdempotencyKey claims the key inside tx. It returns the stored record
// and true when a previous request already holds it; otherwise it inserts a
// placeholder row, locks it, and returns false. Concurrent duplicates block
// on the row lock until the first request finalizes.
func (r *Repository) LockIdempotencyKey(ctx context.Context, tx pgx.Tx, requesterID, key string) (IdempotencyRecord, bool, error) {
	rec, err := selectIdempotencyForUpdate(ctx, tx, requesterID, key)
	if err == nil {
		return rec, rec.StatusCode != 0, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (requester_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (requester_id, idempotency_key) DO NOTHING
	`, requesterID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}

	rec, err = selectIdempotencyForUpdate(ctx, tx, requesterID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, rec.StatusCode != 0, nil
}

func (r *Repository) FinalizeIdempotency(ctx context.Context, tx pgx.Tx, requesterID, key, appointmentID string, statusCode int, response []byte) error {
	// Rejected bookings have no appointment; the uuid column takes NULL.
	var apptID any
	if appointmentID != "" {
		apptID = appointmentID
	}
	_, err := tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3,
			status_code = $4,
			response_payload = $5,
			updated_at = now()
		WHERE requester_id = $1 AND idempotency_key = $2
	`, requesterID, key, apptID, statusCode, response)
	return err
}

// BeginRaw exposes a plain pgx transaction for the idempotency wrapper,
// which brackets the engine call rather than running inside it.
func (r *Repository) BeginRaw(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func selectIdempotencyForUpdate(ctx context.Context, tx pgx.Tx, requesterID, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseText string
	err := tx.QueryRow(ctx, `
		SELECT requester_id,
			idempotency_key,
			COALESCE(appointment_id::text, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE requester_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, requesterID, key).Scan(
		&rec.RequesterID,
		&rec.IdempotencyKey,
		&rec.AppointmentID,
		&rec.StatusCode,
		&responseText,
	)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, nil
}
