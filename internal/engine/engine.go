// Package engine orchestrates the appointment lifecycle: it plans
// transitions against the pure table in internal/lifecycle, serializes
// occupancy changes through the conflict guard, and commits each approved
// transition atomically with its history row and outbox event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nadim-ashraf/bookflow/internal/availability"
	"github.com/nadim-ashraf/bookflow/internal/guard"
	"github.com/nadim-ashraf/bookflow/internal/lifecycle"
	"github.com/nadim-ashraf/bookflow/internal/model"
	"github.com/nadim-ashraf/bookflow/internal/outbox"
	"github.com/nadim-ashraf/bookflow/internal/payments"
	"github.com/nadim-ashraf/bookflow/internal/sessions"
)

const (
	defaultStepMinutes          = 30
	defaultPaymentWindowMinutes = 30
	defaultCurrency             = "usd"

	sweepBatchSize = 100
)

type Engine struct {
	store  Store
	locks  *guard.Keyed
	gate   payments.Gate
	rooms  sessions.Provider
	logger *slog.Logger
	now    func() time.Time
}

type Options struct {
	Gate     payments.Gate
	Sessions sessions.Provider
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(store Store, opts Options) *Engine {
	e := &Engine{
		store:  store,
		locks:  guard.NewKeyed(),
		gate:   opts.Gate,
		rooms:  opts.Sessions,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

type Slot struct {
	Start time.Time
	End   time.Time
}

// ResolveSlots returns the free slots for a provider within [from, to).
// durationMinutes zero means one step. Occupancy is re-read on every call.
func (e *Engine) ResolveSlots(ctx context.Context, providerID string, from, to time.Time, durationMinutes int) ([]Slot, error) {
	if providerID == "" {
		return nil, lifecycle.Validation("provider_id is required")
	}
	if !to.After(from) {
		return nil, lifecycle.Validation("empty range")
	}

	settings, err := e.settings(ctx, providerID)
	if err != nil {
		return nil, err
	}
	step := time.Duration(settings.SlotStepMinutes) * time.Minute
	duration := step
	if durationMinutes > 0 {
		duration = time.Duration(durationMinutes) * time.Minute
	}

	rules, err := e.store.ListRules(ctx, providerID)
	if err != nil {
		return nil, err
	}

	// Expand over whole days so the step grid stays anchored at rule
	// starts even when the requested range begins mid-window.
	dayStart, dayEnd := dayBounds(from, to)
	windows := availability.ExpandRules(rules, dayStart, dayEnd, time.UTC)
	busy, err := e.store.ListOccupied(ctx, providerID, dayStart, dayEnd, "")
	if err != nil {
		return nil, err
	}

	starts := availability.FreeSlots(windows, busy, duration, step, e.now())
	slots := make([]Slot, 0, len(starts))
	for _, s := range starts {
		if s.Before(from) || s.Add(duration).After(to) {
			continue
		}
		slots = append(slots, Slot{Start: s, End: s.Add(duration)})
	}
	return slots, nil
}

type RequestInput struct {
	RequesterID     string
	ProviderID      string
	Start           time.Time
	DurationMinutes int
	Notes           string
}

// Request books a new pending appointment on a free slot. The provider-day
// guard plus the in-transaction advisory lock serialize competing requests;
// the slot is re-validated against current occupancy under that lock, so of
// two concurrent overlapping requests exactly one commits.
func (e *Engine) Request(ctx context.Context, in RequestInput) (model.Appointment, error) {
	if in.RequesterID == "" || in.ProviderID == "" {
		return model.Appointment{}, lifecycle.Validation("requester_id and provider_id are required")
	}
	if in.Start.IsZero() {
		return model.Appointment{}, lifecycle.Validation("start_time is required")
	}

	now := e.now()
	if in.Start.Before(now) {
		return model.Appointment{}, lifecycle.Validation("start_time is in the past")
	}

	dec, err := lifecycle.Plan("", lifecycle.EventRequest, lifecycle.RoleRequester, "")
	if err != nil {
		return model.Appointment{}, err
	}

	settings, err := e.settings(ctx, in.ProviderID)
	if err != nil {
		return model.Appointment{}, err
	}
	step := time.Duration(settings.SlotStepMinutes) * time.Minute
	duration := step
	if in.DurationMinutes > 0 {
		duration = time.Duration(in.DurationMinutes) * time.Minute
	}
	end := in.Start.Add(duration)

	appt := model.Appointment{
		ID:          uuid.NewString(),
		ProviderID:  in.ProviderID,
		RequesterID: in.RequesterID,
		StartTime:   in.Start.UTC(),
		EndTime:     end.UTC(),
		Status:      string(dec.To),
		FeeCents:    settings.FeeCents,
		Currency:    settings.Currency,
		Notes:       in.Notes,
		Version:     1,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}

	keys := guard.DayKeys(in.ProviderID, appt.StartTime, appt.EndTime)
	err = e.locks.Do(ctx, keys, func() error {
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := tx.LockProviderDays(ctx, keys); err != nil {
			return err
		}
		if err := e.checkSlotFree(ctx, tx, appt, step, now); err != nil {
			return err
		}
		if err := tx.InsertAppointment(ctx, &appt); err != nil {
			return err
		}

		change := model.StatusChange{
			AppointmentID: appt.ID,
			FromStatus:    "",
			ToStatus:      appt.Status,
			ActorID:       in.RequesterID,
			ActorRole:     string(lifecycle.RoleRequester),
			OccurredAt:    now.UTC(),
		}
		if err := tx.AppendStatusChange(ctx, change); err != nil {
			return err
		}
		evt, err := outbox.TransitionEvent(appt, change)
		if err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, evt); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.Appointment{}, err
	}

	e.logger.Info("appointment requested",
		"appointment_id", appt.ID,
		"provider_id", appt.ProviderID,
		"start_time", appt.StartTime)
	return appt, nil
}

type TransitionInput struct {
	AppointmentID   string
	Event           lifecycle.Event
	ActorID         string
	ActorRole       lifecycle.Role
	Reason          string
	ExpectedVersion int64
	// NewStart is required for reschedule, ignored otherwise.
	NewStart *time.Time
	// PaymentRef ties a payment confirmation back to the order it settles.
	PaymentRef string
}

// Transition applies one lifecycle event. Occupancy-changing events run
// under the provider-day guard and re-validate the slot at commit time.
func (e *Engine) Transition(ctx context.Context, in TransitionInput) (model.Appointment, error) {
	if in.AppointmentID == "" {
		return model.Appointment{}, lifecycle.Validation("appointment_id is required")
	}
	if _, ok := lifecycle.ParseRole(string(in.ActorRole)); !ok {
		return model.Appointment{}, lifecycle.Validation("unknown actor role %q", in.ActorRole)
	}

	if in.Event == lifecycle.EventReschedule {
		if in.NewStart == nil || in.NewStart.IsZero() {
			return model.Appointment{}, lifecycle.Validation("new start_time is required for reschedule")
		}
		if in.NewStart.Before(e.now()) {
			return model.Appointment{}, lifecycle.Validation("new start_time is in the past")
		}
		return e.reschedule(ctx, in)
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer tx.Rollback(ctx)

	appt, change, err := e.apply(ctx, tx, in)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	e.afterCommit(ctx, &appt, change, appt.SessionRef)
	return appt, nil
}

// reschedule moves a confirmed appointment back to pending on a new slot.
// The old interval is freed by the same row update that claims the new one,
// so both happen atomically.
func (e *Engine) reschedule(ctx context.Context, in TransitionInput) (model.Appointment, error) {
	current, err := e.store.GetAppointment(ctx, in.AppointmentID)
	if err != nil {
		return model.Appointment{}, err
	}

	settings, err := e.settings(ctx, current.ProviderID)
	if err != nil {
		return model.Appointment{}, err
	}
	step := time.Duration(settings.SlotStepMinutes) * time.Minute
	duration := current.EndTime.Sub(current.StartTime)
	newStart := in.NewStart.UTC()
	newEnd := newStart.Add(duration)

	var appt model.Appointment
	var change model.StatusChange
	var oldSessionRef string
	keys := guard.DayKeys(current.ProviderID, newStart, newEnd)
	err = e.locks.Do(ctx, keys, func() error {
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := tx.LockProviderDays(ctx, keys); err != nil {
			return err
		}

		appt, change, err = e.applyWith(ctx, tx, in, func(a *model.Appointment) error {
			probe := *a
			probe.StartTime = newStart
			probe.EndTime = newEnd
			if err := e.checkSlotFree(ctx, tx, probe, step, e.now()); err != nil {
				return err
			}
			a.StartTime = newStart
			a.EndTime = newEnd
			oldSessionRef = a.SessionRef
			a.PaymentRef = ""
			a.PaymentDeadline = nil
			a.SessionRef = ""
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.Appointment{}, err
	}

	e.afterCommit(ctx, &appt, change, oldSessionRef)
	return appt, nil
}

func (e *Engine) apply(ctx context.Context, tx Tx, in TransitionInput) (model.Appointment, model.StatusChange, error) {
	return e.applyWith(ctx, tx, in, nil)
}

// applyWith loads the appointment under a row lock, plans the transition,
// runs event-specific mutations, and stages the status update, history row,
// and outbox event on the transaction.
func (e *Engine) applyWith(ctx context.Context, tx Tx, in TransitionInput, mutate func(*model.Appointment) error) (model.Appointment, model.StatusChange, error) {
	appt, err := tx.GetAppointmentForUpdate(ctx, in.AppointmentID)
	if err != nil {
		return model.Appointment{}, model.StatusChange{}, err
	}
	if in.ExpectedVersion != 0 && appt.Version != in.ExpectedVersion {
		return model.Appointment{}, model.StatusChange{}, fmt.Errorf("%w: have version %d, expected %d", ErrStaleState, appt.Version, in.ExpectedVersion)
	}

	current := lifecycle.Status(appt.Status)
	if err := checkIdentity(appt, in.ActorRole, in.ActorID, current); err != nil {
		return model.Appointment{}, model.StatusChange{}, err
	}

	dec, err := lifecycle.Plan(current, in.Event, in.ActorRole, in.Reason)
	if err != nil {
		return model.Appointment{}, model.StatusChange{}, err
	}

	now := e.now()
	switch in.Event {
	case lifecycle.EventAccept:
		settings, err := e.settings(ctx, appt.ProviderID)
		if err != nil {
			return model.Appointment{}, model.StatusChange{}, err
		}
		deadline := now.Add(time.Duration(settings.PaymentWindowMinutes) * time.Minute).UTC()
		appt.PaymentDeadline = &deadline
	case lifecycle.EventPaymentConfirmed:
		if in.PaymentRef != "" && appt.PaymentRef != "" && in.PaymentRef != appt.PaymentRef {
			return model.Appointment{}, model.StatusChange{}, lifecycle.Forbidden(current, "payment reference %s does not match order", in.PaymentRef)
		}
		if in.PaymentRef != "" {
			appt.PaymentRef = in.PaymentRef
		}
	case lifecycle.EventPaymentTimeout:
		if appt.PaymentDeadline == nil || now.Before(*appt.PaymentDeadline) {
			return model.Appointment{}, model.StatusChange{}, lifecycle.Validation("payment window has not elapsed")
		}
	case lifecycle.EventComplete:
		if now.Before(appt.EndTime) {
			return model.Appointment{}, model.StatusChange{}, lifecycle.Validation("appointment has not ended")
		}
	}

	if mutate != nil {
		if err := mutate(&appt); err != nil {
			return model.Appointment{}, model.StatusChange{}, err
		}
	}

	appt.Status = string(dec.To)
	appt.UpdatedAt = now.UTC()
	if err := tx.UpdateAppointment(ctx, &appt); err != nil {
		return model.Appointment{}, model.StatusChange{}, err
	}

	change := model.StatusChange{
		AppointmentID: appt.ID,
		FromStatus:    string(current),
		ToStatus:      appt.Status,
		ActorID:       in.ActorID,
		ActorRole:     string(in.ActorRole),
		Reason:        in.Reason,
		OccurredAt:    now.UTC(),
	}
	if err := tx.AppendStatusChange(ctx, change); err != nil {
		return model.Appointment{}, model.StatusChange{}, err
	}
	evt, err := outbox.TransitionEvent(appt, change)
	if err != nil {
		return model.Appointment{}, model.StatusChange{}, err
	}
	if err := tx.InsertEvent(ctx, evt); err != nil {
		return model.Appointment{}, model.StatusChange{}, err
	}
	return appt, change, nil
}

// afterCommit runs post-commit collaborator calls. Failures are logged and
// left to out-of-band retry; they never unwind the committed transition.
// releasedRef names a session to hand back when the appointment left
// confirmed; callers that clear the ref inside the transaction pass the
// prior value.
func (e *Engine) afterCommit(ctx context.Context, appt *model.Appointment, change model.StatusChange, releasedRef string) {
	e.logger.Info("appointment transition",
		"appointment_id", appt.ID,
		"from_status", change.FromStatus,
		"to_status", change.ToStatus,
		"actor_role", change.ActorRole)

	switch lifecycle.Status(appt.Status) {
	case lifecycle.StatusAwaitingPayment:
		if e.gate == nil || appt.PaymentRef != "" {
			return
		}
		ref, err := e.gate.CreateOrder(ctx, *appt)
		if err != nil {
			e.logger.Error("payment order creation failed", "appointment_id", appt.ID, "error", err)
			return
		}
		if err := e.store.SetPaymentRef(ctx, appt.ID, ref); err != nil {
			e.logger.Error("payment ref store failed", "appointment_id", appt.ID, "error", err)
			return
		}
		appt.PaymentRef = ref
	case lifecycle.StatusConfirmed:
		if e.rooms == nil {
			return
		}
		ref, err := e.rooms.Allocate(ctx, *appt)
		if err != nil {
			e.logger.Error("session allocation failed", "appointment_id", appt.ID, "error", err)
			return
		}
		if err := e.store.SetSessionRef(ctx, appt.ID, ref); err != nil {
			e.logger.Error("session ref store failed", "appointment_id", appt.ID, "error", err)
			return
		}
		appt.SessionRef = ref
	default:
		if e.rooms == nil || change.FromStatus != string(lifecycle.StatusConfirmed) || releasedRef == "" {
			return
		}
		released := *appt
		released.SessionRef = releasedRef
		if err := e.rooms.Release(ctx, released); err != nil {
			e.logger.Warn("session release failed", "appointment_id", appt.ID, "error", err)
		}
	}
}

// checkSlotFree re-validates [StartTime, EndTime) against the provider's
// rules and current occupancy, inside the caller's transaction.
func (e *Engine) checkSlotFree(ctx context.Context, tx Tx, appt model.Appointment, step time.Duration, now time.Time) error {
	dayStart, dayEnd := dayBounds(appt.StartTime, appt.EndTime)
	rules, err := tx.ListRules(ctx, appt.ProviderID)
	if err != nil {
		return err
	}
	windows := availability.ExpandRules(rules, dayStart, dayEnd, time.UTC)
	busy, err := tx.ListOccupied(ctx, appt.ProviderID, dayStart, dayEnd, appt.ID)
	if err != nil {
		return err
	}
	duration := appt.EndTime.Sub(appt.StartTime)
	if !availability.SlotFree(windows, busy, appt.StartTime, duration, step, now) {
		return lifecycle.SlotConflict("slot %s is not available", appt.StartTime.UTC().Format(time.RFC3339))
	}
	return nil
}

// ExpirePayments moves appointments whose payment window lapsed to expired.
// Races with a landing payment are no-ops: the transition re-checks status
// under the row lock.
func (e *Engine) ExpirePayments(ctx context.Context) (int, error) {
	ids, err := e.store.ListPaymentTimeouts(ctx, e.now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	return e.sweep(ctx, ids, lifecycle.EventPaymentTimeout)
}

// CompletePast completes confirmed appointments whose end time has passed.
func (e *Engine) CompletePast(ctx context.Context) (int, error) {
	ids, err := e.store.ListCompletable(ctx, e.now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	return e.sweep(ctx, ids, lifecycle.EventComplete)
}

func (e *Engine) sweep(ctx context.Context, ids []string, event lifecycle.Event) (int, error) {
	n := 0
	for _, id := range ids {
		_, err := e.Transition(ctx, TransitionInput{
			AppointmentID: id,
			Event:         event,
			ActorID:       "sweeper",
			ActorRole:     lifecycle.RoleSystem,
		})
		switch {
		case err == nil:
			n++
		case skippableSweepError(err):
			// Lost the race to a concurrent transition; nothing to do.
		default:
			return n, err
		}
	}
	return n, nil
}

func skippableSweepError(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleState) {
		return true
	}
	var lcErr *lifecycle.Error
	if errors.As(err, &lcErr) {
		return lcErr.Kind == lifecycle.KindInvalidState
	}
	var vErr *lifecycle.ValidationError
	return errors.As(err, &vErr)
}

func (e *Engine) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	return e.store.GetAppointment(ctx, id)
}

func (e *Engine) ListAppointments(ctx context.Context, f ListFilter) ([]model.Appointment, error) {
	if f.ProviderID == "" && f.RequesterID == "" {
		return nil, lifecycle.Validation("provider_id or requester_id is required")
	}
	return e.store.ListAppointments(ctx, f)
}

func (e *Engine) History(ctx context.Context, appointmentID string) ([]model.StatusChange, error) {
	if appointmentID == "" {
		return nil, lifecycle.Validation("appointment_id is required")
	}
	return e.store.ListStatusChanges(ctx, appointmentID)
}

// ListRules returns the provider's enabled rules, resolver order.
func (e *Engine) ListRules(ctx context.Context, providerID string) ([]model.AvailabilityRule, error) {
	if providerID == "" {
		return nil, lifecycle.Validation("provider_id is required")
	}
	return e.store.ListRules(ctx, providerID)
}

func (e *Engine) UpsertRule(ctx context.Context, rule model.AvailabilityRule) (model.AvailabilityRule, error) {
	if rule.ProviderID == "" {
		return model.AvailabilityRule{}, lifecycle.Validation("provider_id is required")
	}
	if rule.DayOfWeek < 1 || rule.DayOfWeek > 7 {
		return model.AvailabilityRule{}, lifecycle.Validation("day_of_week must be 1..7")
	}
	if rule.StartMinute < 0 || rule.EndMinute > 24*60 || rule.StartMinute >= rule.EndMinute {
		return model.AvailabilityRule{}, lifecycle.Validation("rule interval must satisfy 0 <= start < end <= 1440")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	return e.store.UpsertRule(ctx, rule)
}

// DeleteRule is idempotent: deleting an absent rule is a no-op.
func (e *Engine) DeleteRule(ctx context.Context, providerID, ruleID string) error {
	if providerID == "" || ruleID == "" {
		return lifecycle.Validation("provider_id and rule id are required")
	}
	return e.store.DeleteRule(ctx, providerID, ruleID)
}

func (e *Engine) GetProviderSettings(ctx context.Context, providerID string) (model.ProviderSettings, error) {
	if providerID == "" {
		return model.ProviderSettings{}, lifecycle.Validation("provider_id is required")
	}
	return e.settings(ctx, providerID)
}

func (e *Engine) UpsertProviderSettings(ctx context.Context, s model.ProviderSettings) error {
	if s.ProviderID == "" {
		return lifecycle.Validation("provider_id is required")
	}
	if s.FeeCents < 0 {
		return lifecycle.Validation("fee_cents must not be negative")
	}
	if s.SlotStepMinutes < 5 || s.SlotStepMinutes > 480 {
		return lifecycle.Validation("slot_step_minutes must be 5..480")
	}
	if s.PaymentWindowMinutes < 1 {
		return lifecycle.Validation("payment_window_minutes must be positive")
	}
	s.Currency = strings.ToLower(strings.TrimSpace(s.Currency))
	if s.Currency == "" {
		s.Currency = defaultCurrency
	}
	return e.store.UpsertProviderSettings(ctx, s)
}

// settings returns the provider's settings, with defaults when no row exists.
func (e *Engine) settings(ctx context.Context, providerID string) (model.ProviderSettings, error) {
	s, err := e.store.GetProviderSettings(ctx, providerID)
	if errors.Is(err, ErrNotFound) {
		return model.ProviderSettings{
			ProviderID:           providerID,
			Currency:             defaultCurrency,
			SlotStepMinutes:      defaultStepMinutes,
			PaymentWindowMinutes: defaultPaymentWindowMinutes,
		}, nil
	}
	if err != nil {
		return model.ProviderSettings{}, err
	}
	if s.SlotStepMinutes <= 0 {
		s.SlotStepMinutes = defaultStepMinutes
	}
	if s.PaymentWindowMinutes <= 0 {
		s.PaymentWindowMinutes = defaultPaymentWindowMinutes
	}
	if s.Currency == "" {
		s.Currency = defaultCurrency
	}
	return s, nil
}

// checkIdentity binds requester and provider roles to the appointment's own
// parties. Admin, payment gate, and system actors are not party-bound.
func checkIdentity(appt model.Appointment, role lifecycle.Role, actorID string, current lifecycle.Status) error {
	switch role {
	case lifecycle.RoleRequester:
		if actorID != appt.RequesterID {
			return lifecycle.Forbidden(current, "requester %s is not party to this appointment", actorID)
		}
	case lifecycle.RoleProvider:
		if actorID != appt.ProviderID {
			return lifecycle.Forbidden(current, "provider %s is not party to this appointment", actorID)
		}
	}
	return nil
}

// dayBounds widens [start, end) to whole UTC days.
func dayBounds(start, end time.Time) (time.Time, time.Time) {
	dayStart := start.UTC().Truncate(24 * time.Hour)
	dayEnd := end.UTC().Add(-time.Nanosecond).Truncate(24 * time.Hour).AddDate(0, 0, 1)
	if !dayEnd.After(dayStart) {
		dayEnd = dayStart.AddDate(0, 0, 1)
	}
	return dayStart, dayEnd
}
