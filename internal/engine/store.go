package engine

import (
	"context"
	"errors"
	"time"

	"github.com/nadim-ashraf/bookflow/internal/availability"
	"github.com/nadim-ashraf/bookflow/internal/model"
	"github.com/nadim-ashraf/bookflow/internal/outbox"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleState signals an optimistic version mismatch. The caller
	// re-reads and retries with fresh state.
	ErrStaleState = errors.New("stale state")
)

// Store is the persistence port the engine drives. The pgx repository in
// internal/storage is the production implementation; tests use an
// in-memory fake.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]model.Appointment, error)
	ListStatusChanges(ctx context.Context, appointmentID string) ([]model.StatusChange, error)
	ListOccupied(ctx context.Context, providerID string, from, to time.Time, excludeID string) ([]availability.Interval, error)

	ListRules(ctx context.Context, providerID string) ([]model.AvailabilityRule, error)
	UpsertRule(ctx context.Context, rule model.AvailabilityRule) (model.AvailabilityRule, error)
	DeleteRule(ctx context.Context, providerID, ruleID string) error
	GetProviderSettings(ctx context.Context, providerID string) (model.ProviderSettings, error)
	UpsertProviderSettings(ctx context.Context, s model.ProviderSettings) error

	ListPaymentTimeouts(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListCompletable(ctx context.Context, now time.Time, limit int) ([]string, error)

	SetPaymentRef(ctx context.Context, id, ref string) error
	SetSessionRef(ctx context.Context, id, ref string) error
}

// Tx is one engine transaction. A transition commits status update,
// history append, and outbox insert atomically or not at all.
type Tx interface {
	// LockProviderDays takes the cross-instance advisory locks matching the
	// in-process guard keys. Held until commit or rollback.
	LockProviderDays(ctx context.Context, keys []string) error

	GetAppointmentForUpdate(ctx context.Context, id string) (model.Appointment, error)
	ListRules(ctx context.Context, providerID string) ([]model.AvailabilityRule, error)
	ListOccupied(ctx context.Context, providerID string, from, to time.Time, excludeID string) ([]availability.Interval, error)

	InsertAppointment(ctx context.Context, appt *model.Appointment) error
	// UpdateAppointment bumps Version; a concurrent bump since the read
	// surfaces as ErrStaleState.
	UpdateAppointment(ctx context.Context, appt *model.Appointment) error
	AppendStatusChange(ctx context.Context, change model.StatusChange) error
	InsertEvent(ctx context.Context, evt outbox.Event) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type ListFilter struct {
	ProviderID  string
	RequesterID string
	Status      string
	Limit       int
}
