// Package storage is the Postgres implementation of the engine's
// persistence port: hand-written SQL over pgx, row locks via FOR UPDATE,
// advisory locks for provider-day serialization, and SQLSTATE mapping into
// the domain error kinds.
package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nadim-ashraf/bookflow/internal/availability"
	"github.com/nadim-ashraf/bookflow/internal/engine"
	"github.com/nadim-ashraf/bookflow/internal/lifecycle"
	"github.com/nadim-ashraf/bookflow/internal/model"
	"github.com/nadim-ashraf/bookflow/internal/outbox"
	"github.com/nadim-ashraf/bookflow/libs/db"
	otelx "github.com/nadim-ashraf/bookflow/libs/otel"
)

const appointmentColumns = `id, provider_id, requester_id, start_time, end_time, status,
	fee_cents, currency, COALESCE(payment_ref, ''), payment_deadline,
	COALESCE(communication_session_ref, ''), COALESCE(notes, ''), version, created_at, updated_at`

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (engine.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (r *Repository) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *Repository) ListAppointments(ctx context.Context, f engine.ListFilter) ([]model.Appointment, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1 = '' OR provider_id::text = $1)
			AND ($2 = '' OR requester_id::text = $2)
			AND ($3 = '' OR status = $3)
		ORDER BY start_time DESC
		LIMIT $4
	`, f.ProviderID, f.RequesterID, f.Status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (r *Repository) ListStatusChanges(ctx context.Context, appointmentID string) ([]model.StatusChange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT appointment_id, COALESCE(from_status, ''), to_status, actor_id, actor_role, COALESCE(reason, ''), occurred_at
		FROM appointment_status_history
		WHERE appointment_id = $1
		ORDER BY id ASC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []model.StatusChange
	for rows.Next() {
		var c model.StatusChange
		if err := rows.Scan(&c.AppointmentID, &c.FromStatus, &c.ToStatus, &c.ActorID, &c.ActorRole, &c.Reason, &c.OccurredAt); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (r *Repository) ListOccupied(ctx context.Context, providerID string, from, to time.Time, excludeID string) ([]availability.Interval, error) {
	return listOccupied(ctx, r.pool, providerID, from, to, excludeID)
}

func (r *Repository) ListRules(ctx context.Context, providerID string) ([]model.AvailabilityRule, error) {
	return listRules(ctx, r.pool, providerID)
}

func (r *Repository) UpsertRule(ctx context.Context, rule model.AvailabilityRule) (model.AvailabilityRule, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO availability_rules (id, provider_id, day_of_week, start_minute, end_minute, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET day_of_week = EXCLUDED.day_of_week,
			start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			enabled = EXCLUDED.enabled
		WHERE availability_rules.provider_id = EXCLUDED.provider_id
		RETURNING created_at
	`, rule.ID, rule.ProviderID, rule.DayOfWeek, rule.StartMinute, rule.EndMinute, rule.Enabled).Scan(&rule.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Upsert against a rule owned by another provider.
		return model.AvailabilityRule{}, engine.ErrNotFound
	}
	if err != nil {
		return model.AvailabilityRule{}, err
	}
	return rule, nil
}

func (r *Repository) DeleteRule(ctx context.Context, providerID, ruleID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM availability_rules WHERE id = $1 AND provider_id = $2
	`, ruleID, providerID)
	return err
}

func (r *Repository) GetProviderSettings(ctx context.Context, providerID string) (model.ProviderSettings, error) {
	var s model.ProviderSettings
	err := r.pool.QueryRow(ctx, `
		SELECT provider_id, fee_cents, currency, slot_step_minutes, payment_window_minutes
		FROM provider_settings
		WHERE provider_id = $1
	`, providerID).Scan(&s.ProviderID, &s.FeeCents, &s.Currency, &s.SlotStepMinutes, &s.PaymentWindowMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProviderSettings{}, engine.ErrNotFound
	}
	if err != nil {
		return model.ProviderSettings{}, err
	}
	return s, nil
}

func (r *Repository) UpsertProviderSettings(ctx context.Context, s model.ProviderSettings) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO provider_settings (provider_id, fee_cents, currency, slot_step_minutes, payment_window_minutes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_id) DO UPDATE
		SET fee_cents = EXCLUDED.fee_cents,
			currency = EXCLUDED.currency,
			slot_step_minutes = EXCLUDED.slot_step_minutes,
			payment_window_minutes = EXCLUDED.payment_window_minutes,
			updated_at = now()
	`, s.ProviderID, s.FeeCents, s.Currency, s.SlotStepMinutes, s.PaymentWindowMinutes)
	return err
}

func (r *Repository) ListPaymentTimeouts(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM appointments
		WHERE status = 'awaiting_payment' AND payment_deadline <= $1
		ORDER BY payment_deadline ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r *Repository) ListCompletable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM appointments
		WHERE status = 'confirmed' AND end_time <= $1
		ORDER BY end_time ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r *Repository) SetPaymentRef(ctx context.Context, id, ref string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET payment_ref = $2, version = version + 1, updated_at = now()
		WHERE id = $1
	`, id, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (r *Repository) SetSessionRef(ctx context.Context, id, ref string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET communication_session_ref = $2, version = version + 1, updated_at = now()
		WHERE id = $1
	`, id, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// Tx is one engine transaction over a pgx transaction.
type Tx struct {
	tx pgx.Tx
}

// LockProviderDays takes one advisory lock per provider-day key, in sorted
// order to match the in-process guard's acquisition order. The locks release
// at commit or rollback.
func (t *Tx) LockProviderDays(ctx context.Context, keys []string) error {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	for _, key := range sorted {
		if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) GetAppointmentForUpdate(ctx context.Context, id string) (model.Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (t *Tx) ListRules(ctx context.Context, providerID string) ([]model.AvailabilityRule, error) {
	return listRules(ctx, t.tx, providerID)
}

func (t *Tx) ListOccupied(ctx context.Context, providerID string, from, to time.Time, excludeID string) ([]availability.Interval, error) {
	return listOccupied(ctx, t.tx, providerID, from, to, excludeID)
}

func (t *Tx) InsertAppointment(ctx context.Context, appt *model.Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments
			(id, provider_id, requester_id, start_time, end_time, status,
			 fee_cents, currency, notes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, appt.ID, appt.ProviderID, appt.RequesterID, appt.StartTime, appt.EndTime, appt.Status,
		appt.FeeCents, appt.Currency, appt.Notes, appt.Version, appt.CreatedAt, appt.UpdatedAt)
	if isExclusionConflict(err) {
		return lifecycle.SlotConflict("slot %s is not available", appt.StartTime.UTC().Format(time.RFC3339))
	}
	return err
}

func (t *Tx) UpdateAppointment(ctx context.Context, appt *model.Appointment) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET start_time = $3,
			end_time = $4,
			status = $5,
			payment_ref = $6,
			payment_deadline = $7,
			communication_session_ref = $8,
			version = version + 1,
			updated_at = $9
		WHERE id = $1 AND version = $2
		RETURNING version
	`, appt.ID, appt.Version, appt.StartTime, appt.EndTime, appt.Status,
		appt.PaymentRef, appt.PaymentDeadline, appt.SessionRef, appt.UpdatedAt).Scan(&appt.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.ErrStaleState
	}
	if isExclusionConflict(err) {
		return lifecycle.SlotConflict("slot %s is not available", appt.StartTime.UTC().Format(time.RFC3339))
	}
	return err
}

func (t *Tx) AppendStatusChange(ctx context.Context, change model.StatusChange) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointment_status_history
			(appointment_id, from_status, to_status, actor_id, actor_role, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, change.AppointmentID, change.FromStatus, change.ToStatus, change.ActorID, change.ActorRole, change.Reason, change.OccurredAt)
	return err
}

func (t *Tx) InsertEvent(ctx context.Context, evt outbox.Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, traceparent, tracestate)
	return err
}

func (t *Tx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	if isExclusionConflict(err) {
		return lifecycle.SlotConflict("slot is not available")
	}
	return err
}

func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listRules(ctx context.Context, q querier, providerID string) ([]model.AvailabilityRule, error) {
	rows, err := q.Query(ctx, `
		SELECT id, provider_id, day_of_week, start_minute, end_minute, enabled, created_at
		FROM availability_rules
		WHERE provider_id = $1 AND enabled
		ORDER BY day_of_week ASC, start_minute ASC
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.AvailabilityRule
	for rows.Next() {
		var r model.AvailabilityRule
		if err := rows.Scan(&r.ID, &r.ProviderID, &r.DayOfWeek, &r.StartMinute, &r.EndMinute, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func listOccupied(ctx context.Context, q querier, providerID string, from, to time.Time, excludeID string) ([]availability.Interval, error) {
	rows, err := q.Query(ctx, `
		SELECT start_time, end_time
		FROM appointments
		WHERE provider_id = $1
			AND status IN ('pending', 'awaiting_payment', 'confirmed')
			AND start_time < $3
			AND end_time > $2
			AND ($4 = '' OR id::text <> $4)
		ORDER BY start_time ASC
	`, providerID, from, to, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var busy []availability.Interval
	for rows.Next() {
		var iv availability.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		busy = append(busy, iv)
	}
	return busy, rows.Err()
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	var deadline *time.Time
	err := row.Scan(
		&appt.ID,
		&appt.ProviderID,
		&appt.RequesterID,
		&appt.StartTime,
		&appt.EndTime,
		&appt.Status,
		&appt.FeeCents,
		&appt.Currency,
		&appt.PaymentRef,
		&deadline,
		&appt.SessionRef,
		&appt.Notes,
		&appt.Version,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, engine.ErrNotFound
	}
	if err != nil {
		return model.Appointment{}, err
	}
	appt.PaymentDeadline = deadline
	return appt, nil
}

func scanAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var appts []model.Appointment
	for rows.Next() {
		var appt model.Appointment
		var deadline *time.Time
		if err := rows.Scan(
			&appt.ID,
			&appt.ProviderID,
			&appt.RequesterID,
			&appt.StartTime,
			&appt.EndTime,
			&appt.Status,
			&appt.FeeCents,
			&appt.Currency,
			&appt.PaymentRef,
			&deadline,
			&appt.SessionRef,
			&appt.Notes,
			&appt.Version,
			&appt.CreatedAt,
			&appt.UpdatedAt,
		); err != nil {
			return nil, err
		}
		appt.PaymentDeadline = deadline
		appts = append(appts, appt)
	}
	return appts, rows.Err()
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// isExclusionConflict reports SQLSTATE 23P01, raised by the occupancy
// EXCLUDE constraint when two occupying rows would overlap.
func isExclusionConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}
