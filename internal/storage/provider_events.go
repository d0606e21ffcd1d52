package storage

import (
	"context"
	"errors"
)

var ErrDuplicateProviderEvent = errors.New("duplicate provider event")

// ProviderEvent is one raw payment-provider notification kept for replay
// dedup and audit.
type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

// RecordProviderEvent stores the event once; a replayed delivery returns
// ErrDuplicateProviderEvent and the caller acknowledges without acting.
func (r *Repository) RecordProviderEvent(ctx context.Context, evt ProviderEvent) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO payment_provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, evt.Payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}
