package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nadim-ashraf/bookflow/internal/engine"
	"github.com/nadim-ashraf/bookflow/internal/engine/enginetest"
	"github.com/nadim-ashraf/bookflow/internal/lifecycle"
	"github.com/nadim-ashraf/bookflow/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGate struct {
	mu    sync.Mutex
	calls int
}

func (g *fakeGate) CreateOrder(_ context.Context, appt model.Appointment) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return "cs_test_" + appt.ID[:8], nil
}

type fakeSessions struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeSessions) Allocate(_ context.Context, appt model.Appointment) (string, error) {
	return "room-" + appt.ID[:8], nil
}

func (f *fakeSessions) Release(_ context.Context, appt model.Appointment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, appt.SessionRef)
	return nil
}

const (
	provider  = "prov-1"
	requester = "req-1"
)

// monday is 2026-02-02, a Monday.
var monday = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type fixture struct {
	engine   *engine.Engine
	store    *enginetest.MemStore
	clock    *fakeClock
	gate     *fakeGate
	sessions *fakeSessions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := enginetest.NewMemStore()
	clock := &fakeClock{now: at(8, 0)}
	gate := &fakeGate{}
	rooms := &fakeSessions{}
	eng := engine.New(store, engine.Options{
		Gate:     gate,
		Sessions: rooms,
		Logger:   slog.New(slog.DiscardHandler),
		Now:      clock.Now,
	})
	ctx := context.Background()
	if err := eng.UpsertProviderSettings(ctx, model.ProviderSettings{
		ProviderID:           provider,
		FeeCents:             5000,
		Currency:             "usd",
		SlotStepMinutes:      30,
		PaymentWindowMinutes: 30,
	}); err != nil {
		t.Fatalf("settings: %v", err)
	}
	// Mondays 09:00-12:00.
	if _, err := eng.UpsertRule(ctx, model.AvailabilityRule{
		ProviderID:  provider,
		DayOfWeek:   1,
		StartMinute: 9 * 60,
		EndMinute:   12 * 60,
		Enabled:     true,
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}
	return &fixture{engine: eng, store: store, clock: clock, gate: gate, sessions: rooms}
}

func (f *fixture) book(t *testing.T, start time.Time) model.Appointment {
	t.Helper()
	appt, err := f.engine.Request(context.Background(), engine.RequestInput{
		RequesterID: requester,
		ProviderID:  provider,
		Start:       start,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return appt
}

func (f *fixture) transition(t *testing.T, in engine.TransitionInput) model.Appointment {
	t.Helper()
	appt, err := f.engine.Transition(context.Background(), in)
	if err != nil {
		t.Fatalf("transition %s: %v", in.Event, err)
	}
	return appt
}

func TestResolveSlotsMondayMorning(t *testing.T) {
	f := newFixture(t)
	slots, err := f.engine.ResolveSlots(context.Background(), provider, at(9, 0), at(12, 0), 30)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(slots) != 6 {
		t.Fatalf("got %d slots, want 6", len(slots))
	}
	for i, want := range []time.Time{at(9, 0), at(9, 30), at(10, 0), at(10, 30), at(11, 0), at(11, 30)} {
		if !slots[i].Start.Equal(want) {
			t.Errorf("slot %d starts %v, want %v", i, slots[i].Start, want)
		}
	}
}

func TestRequestRemovesExactlyTheBookedSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := f.book(t, at(9, 30))
	if appt.Status != string(lifecycle.StatusPending) {
		t.Fatalf("status %s, want pending", appt.Status)
	}
	if appt.FeeCents != 5000 || appt.Currency != "usd" {
		t.Fatalf("fee %d %s, want 5000 usd", appt.FeeCents, appt.Currency)
	}

	slots, err := f.engine.ResolveSlots(ctx, provider, at(9, 0), at(12, 0), 30)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(slots) != 5 {
		t.Fatalf("got %d slots after booking, want 5", len(slots))
	}
	for _, s := range slots {
		if s.Start.Equal(at(9, 30)) {
			t.Fatalf("booked slot still offered")
		}
	}
}

func TestRequestRejectsOccupiedAndOffGridSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, at(10, 0))

	cases := []struct {
		name  string
		start time.Time
	}{
		{"same slot", at(10, 0)},
		{"outside window", at(13, 0)},
		{"off grid", at(10, 45)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Request(ctx, engine.RequestInput{RequesterID: "req-2", ProviderID: provider, Start: tc.start})
			var lcErr *lifecycle.Error
			if !errors.As(err, &lcErr) || lcErr.Kind != lifecycle.KindSlotConflict {
				t.Fatalf("got %v, want slot_conflict", err)
			}
		})
	}
}

func TestConcurrentOverlappingRequestsAdmitOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Request(ctx, engine.RequestInput{
				RequesterID: "req-concurrent",
				ProviderID:  provider,
				Start:       at(11, 0),
			})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		var lcErr *lifecycle.Error
		if !errors.As(err, &lcErr) || lcErr.Kind != lifecycle.KindSlotConflict {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("%d requests won, want exactly 1", won)
	}
}

func TestAcceptPayConfirmComplete(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, at(9, 0))

	appt = f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventAccept,
		ActorID: provider, ActorRole: lifecycle.RoleProvider,
	})
	if appt.Status != string(lifecycle.StatusAwaitingPayment) {
		t.Fatalf("status %s, want awaiting_payment", appt.Status)
	}
	if appt.PaymentDeadline == nil || !appt.PaymentDeadline.Equal(at(8, 30)) {
		t.Fatalf("payment deadline %v, want %v", appt.PaymentDeadline, at(8, 30))
	}
	if appt.PaymentRef == "" {
		t.Fatalf("payment ref not assigned after accept")
	}
	if f.gate.calls != 1 {
		t.Fatalf("gate called %d times, want 1", f.gate.calls)
	}

	appt = f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventPaymentConfirmed,
		ActorID: "stripe", ActorRole: lifecycle.RolePaymentGate,
		PaymentRef: appt.PaymentRef,
	})
	if appt.Status != string(lifecycle.StatusConfirmed) {
		t.Fatalf("status %s, want confirmed", appt.Status)
	}
	if appt.SessionRef == "" {
		t.Fatalf("session ref not assigned after confirmation")
	}

	// Completing before the end time is rejected.
	_, err := f.engine.Transition(context.Background(), engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventComplete,
		ActorID: provider, ActorRole: lifecycle.RoleProvider,
	})
	var vErr *lifecycle.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("early complete: got %v, want validation error", err)
	}

	f.clock.Advance(2 * time.Hour)
	appt = f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventComplete,
		ActorID: provider, ActorRole: lifecycle.RoleProvider,
	})
	if appt.Status != string(lifecycle.StatusCompleted) {
		t.Fatalf("status %s, want completed", appt.Status)
	}

	history, err := f.engine.History(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantPath := []string{"pending", "awaiting_payment", "confirmed", "completed"}
	if len(history) != len(wantPath) {
		t.Fatalf("history has %d rows, want %d", len(history), len(wantPath))
	}
	for i, want := range wantPath {
		if history[i].ToStatus != want {
			t.Errorf("history[%d] to_status %s, want %s", i, history[i].ToStatus, want)
		}
	}

	events := f.store.Events()
	if len(events) != len(wantPath) {
		t.Fatalf("%d outbox events, want %d", len(events), len(wantPath))
	}
	if got := events[2].EventType; got != "booking.appointment.confirmed.v1" {
		t.Errorf("event type %s, want booking.appointment.confirmed.v1", got)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, at(9, 0))

	_, err := f.engine.Transition(context.Background(), engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventReject,
		ActorID: provider, ActorRole: lifecycle.RoleProvider,
	})
	var vErr *lifecycle.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("reject without reason: got %v, want validation error", err)
	}

	appt = f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventReject,
		ActorID: provider, ActorRole: lifecycle.RoleProvider,
		Reason: "double booked offline",
	})
	if appt.Status != string(lifecycle.StatusRejected) {
		t.Fatalf("status %s, want rejected", appt.Status)
	}

	// Rejected appointments stop occupying the slot.
	slots, err := f.engine.ResolveSlots(context.Background(), provider, at(9, 0), at(12, 0), 30)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(slots) != 6 {
		t.Fatalf("got %d slots after reject, want 6", len(slots))
	}
}

func TestIdentityBinding(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, at(9, 0))

	_, err := f.engine.Transition(context.Background(), engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventCancel,
		ActorID: "someone-else", ActorRole: lifecycle.RoleRequester,
	})
	var lcErr *lifecycle.Error
	if !errors.As(err, &lcErr) || lcErr.Kind != lifecycle.KindForbidden {
		t.Fatalf("foreign requester cancel: got %v, want forbidden", err)
	}

	_, err = f.engine.Transition(context.Background(), engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventAccept,
		ActorID: "other-provider", ActorRole: lifecycle.RoleProvider,
	})
	if !errors.As(err, &lcErr) || lcErr.Kind != lifecycle.KindForbidden {
		t.Fatalf("foreign provider accept: got %v, want forbidden", err)
	}
}

func TestStaleVersionRejected(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, at(9, 0))

	_, err := f.engine.Transition(context.Background(), engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventAccept,
		ActorID: provider, ActorRole: lifecycle.RoleProvider,
		ExpectedVersion: appt.Version + 5,
	})
	if !errors.Is(err, engine.ErrStaleState) {
		t.Fatalf("got %v, want ErrStaleState", err)
	}

	got := f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventAccept,
		ActorID: provider, ActorRole: lifecycle.RoleProvider,
		ExpectedVersion: appt.Version,
	})
	if got.Version <= appt.Version {
		t.Fatalf("version not bumped: %d -> %d", appt.Version, got.Version)
	}
}

func TestPaymentTimeoutSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, at(9, 0))
	f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventAccept,
		ActorID: provider, ActorRole: lifecycle.RoleProvider,
	})

	// Window still open: nothing to expire.
	n, err := f.engine.ExpirePayments(ctx)
	if err != nil || n != 0 {
		t.Fatalf("early sweep: n=%d err=%v, want 0 nil", n, err)
	}

	f.clock.Advance(31 * time.Minute)
	n, err = f.engine.ExpirePayments(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v, want 1 nil", n, err)
	}
	got, err := f.engine.GetAppointment(ctx, appt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != string(lifecycle.StatusExpired) {
		t.Fatalf("status %s, want expired", got.Status)
	}

	n, err = f.engine.ExpirePayments(ctx)
	if err != nil || n != 0 {
		t.Fatalf("repeat sweep: n=%d err=%v, want 0 nil", n, err)
	}
}

func TestCompletePastSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, at(9, 0))
	f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventAccept,
		ActorID: provider, ActorRole: lifecycle.RoleProvider,
	})
	f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventPaymentConfirmed,
		ActorID: "stripe", ActorRole: lifecycle.RolePaymentGate,
	})

	f.clock.Advance(3 * time.Hour)
	n, err := f.engine.CompletePast(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v, want 1 nil", n, err)
	}
	got, _ := f.engine.GetAppointment(ctx, appt.ID)
	if got.Status != string(lifecycle.StatusCompleted) {
		t.Fatalf("status %s, want completed", got.Status)
	}
}

func TestRescheduleFreesOldSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, at(9, 0))
	f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventAccept,
		ActorID: provider, ActorRole: lifecycle.RoleProvider,
	})
	appt = f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventPaymentConfirmed,
		ActorID: "stripe", ActorRole: lifecycle.RolePaymentGate,
	})
	sessionRef := appt.SessionRef

	newStart := at(11, 0)
	appt = f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventReschedule,
		ActorID: requester, ActorRole: lifecycle.RoleRequester,
		NewStart: &newStart,
	})
	if appt.Status != string(lifecycle.StatusPending) {
		t.Fatalf("status %s, want pending after reschedule", appt.Status)
	}
	if !appt.StartTime.Equal(newStart) {
		t.Fatalf("start %v, want %v", appt.StartTime, newStart)
	}
	if appt.PaymentRef != "" || appt.PaymentDeadline != nil || appt.SessionRef != "" {
		t.Fatalf("payment/session fields not cleared: %+v", appt)
	}

	f.sessions.mu.Lock()
	released := append([]string(nil), f.sessions.released...)
	f.sessions.mu.Unlock()
	if len(released) != 1 || released[0] != sessionRef {
		t.Fatalf("released %v, want [%s]", released, sessionRef)
	}

	slots, err := f.engine.ResolveSlots(ctx, provider, at(9, 0), at(12, 0), 30)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	starts := map[string]bool{}
	for _, s := range slots {
		starts[s.Start.Format("15:04")] = true
	}
	if !starts["09:00"] {
		t.Fatalf("old slot 09:00 not freed")
	}
	if starts["11:00"] {
		t.Fatalf("new slot 11:00 still offered")
	}
}

func TestRescheduleIntoOccupiedSlotConflicts(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, at(9, 0))
	f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventAccept,
		ActorID: provider, ActorRole: lifecycle.RoleProvider,
	})
	f.transition(t, engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventPaymentConfirmed,
		ActorID: "stripe", ActorRole: lifecycle.RolePaymentGate,
	})
	f.book(t, at(10, 0))

	newStart := at(10, 0)
	_, err := f.engine.Transition(context.Background(), engine.TransitionInput{
		AppointmentID: appt.ID, Event: lifecycle.EventReschedule,
		ActorID: requester, ActorRole: lifecycle.RoleRequester,
		NewStart: &newStart,
	})
	var lcErr *lifecycle.Error
	if !errors.As(err, &lcErr) || lcErr.Kind != lifecycle.KindSlotConflict {
		t.Fatalf("got %v, want slot_conflict", err)
	}

	// The failed reschedule left the appointment untouched.
	got, _ := f.engine.GetAppointment(context.Background(), appt.ID)
	if got.Status != string(lifecycle.StatusConfirmed) || !got.StartTime.Equal(at(9, 0)) {
		t.Fatalf("appointment mutated by failed reschedule: %+v", got)
	}
}

func TestRuleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := []model.AvailabilityRule{
		{ProviderID: provider, DayOfWeek: 0, StartMinute: 0, EndMinute: 60},
		{ProviderID: provider, DayOfWeek: 8, StartMinute: 0, EndMinute: 60},
		{ProviderID: provider, DayOfWeek: 3, StartMinute: 600, EndMinute: 600},
		{ProviderID: provider, DayOfWeek: 3, StartMinute: 700, EndMinute: 600},
		{ProviderID: provider, DayOfWeek: 3, StartMinute: 0, EndMinute: 1441},
	}
	for _, r := range bad {
		var vErr *lifecycle.ValidationError
		if _, err := f.engine.UpsertRule(ctx, r); !errors.As(err, &vErr) {
			t.Errorf("rule %+v accepted, want validation error", r)
		}
	}

	// Deleting an absent rule is a no-op.
	if err := f.engine.DeleteRule(ctx, provider, "missing"); err != nil {
		t.Fatalf("delete absent rule: %v", err)
	}
}

func TestResolveSlotsUsesDefaultSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.UpsertRule(ctx, model.AvailabilityRule{
		ProviderID:  "prov-fresh",
		DayOfWeek:   1,
		StartMinute: 9 * 60,
		EndMinute:   10 * 60,
		Enabled:     true,
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	slots, err := f.engine.ResolveSlots(ctx, "prov-fresh", monday, monday.AddDate(0, 0, 1), 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("got %d slots, want 2 at the default 30-minute step", len(slots))
	}
}
