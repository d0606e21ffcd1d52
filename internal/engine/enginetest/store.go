// Package enginetest provides an in-memory engine.Store for tests that
// exercise the lifecycle without a database. Transactions buffer writes and
// apply them on commit under the store lock.
package enginetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nadim-ashraf/bookflow/internal/availability"
	"github.com/nadim-ashraf/bookflow/internal/engine"
	"github.com/nadim-ashraf/bookflow/internal/lifecycle"
	"github.com/nadim-ashraf/bookflow/internal/model"
	"github.com/nadim-ashraf/bookflow/internal/outbox"
)

type MemStore struct {
	mu       sync.Mutex
	appts    map[string]model.Appointment
	history  []model.StatusChange
	rules    map[string]map[string]model.AvailabilityRule
	settings map[string]model.ProviderSettings
	events   []outbox.Event
}

func NewMemStore() *MemStore {
	return &MemStore{
		appts:    map[string]model.Appointment{},
		rules:    map[string]map[string]model.AvailabilityRule{},
		settings: map[string]model.ProviderSettings{},
	}
}

// Events returns a snapshot of the committed outbox events.
func (s *MemStore) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Event(nil), s.events...)
}

type memTx struct {
	store *MemStore
	done  bool

	readVersions map[string]int64
	upserts      []model.Appointment
	changes      []model.StatusChange
	events       []outbox.Event
}

func (s *MemStore) Begin(context.Context) (engine.Tx, error) {
	return &memTx{store: s, readVersions: map[string]int64{}}, nil
}

func (t *memTx) LockProviderDays(context.Context, []string) error { return nil }

func (t *memTx) GetAppointmentForUpdate(_ context.Context, id string) (model.Appointment, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	appt, ok := t.store.appts[id]
	if !ok {
		return model.Appointment{}, engine.ErrNotFound
	}
	t.readVersions[id] = appt.Version
	return appt, nil
}

func (t *memTx) ListRules(ctx context.Context, providerID string) ([]model.AvailabilityRule, error) {
	return t.store.ListRules(ctx, providerID)
}

func (t *memTx) ListOccupied(ctx context.Context, providerID string, from, to time.Time, excludeID string) ([]availability.Interval, error) {
	return t.store.ListOccupied(ctx, providerID, from, to, excludeID)
}

func (t *memTx) InsertAppointment(_ context.Context, appt *model.Appointment) error {
	t.upserts = append(t.upserts, *appt)
	return nil
}

func (t *memTx) UpdateAppointment(_ context.Context, appt *model.Appointment) error {
	appt.Version++
	t.upserts = append(t.upserts, *appt)
	return nil
}

func (t *memTx) AppendStatusChange(_ context.Context, change model.StatusChange) error {
	t.changes = append(t.changes, change)
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, evt outbox.Event) error {
	t.events = append(t.events, evt)
	return nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, v := range t.readVersions {
		if t.store.appts[id].Version != v {
			return engine.ErrStaleState
		}
	}
	for _, appt := range t.upserts {
		t.store.appts[appt.ID] = appt
	}
	t.store.history = append(t.store.history, t.changes...)
	t.store.events = append(t.store.events, t.events...)
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	t.done = true
	return nil
}

func (s *MemStore) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appts[id]
	if !ok {
		return model.Appointment{}, engine.ErrNotFound
	}
	return appt, nil
}

func (s *MemStore) ListAppointments(_ context.Context, f engine.ListFilter) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Appointment
	for _, a := range s.appts {
		if f.ProviderID != "" && a.ProviderID != f.ProviderID {
			continue
		}
		if f.RequesterID != "" && a.RequesterID != f.RequesterID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *MemStore) ListStatusChanges(_ context.Context, appointmentID string) ([]model.StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StatusChange
	for _, c := range s.history {
		if c.AppointmentID == appointmentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemStore) ListOccupied(_ context.Context, providerID string, from, to time.Time, excludeID string) ([]availability.Interval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []availability.Interval
	for _, a := range s.appts {
		if a.ProviderID != providerID || a.ID == excludeID {
			continue
		}
		if !lifecycle.Status(a.Status).Occupies() {
			continue
		}
		if a.StartTime.Before(to) && from.Before(a.EndTime) {
			out = append(out, availability.Interval{Start: a.StartTime, End: a.EndTime})
		}
	}
	return out, nil
}

func (s *MemStore) ListRules(_ context.Context, providerID string) ([]model.AvailabilityRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AvailabilityRule
	for _, r := range s.rules[providerID] {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].StartMinute < out[j].StartMinute
	})
	return out, nil
}

func (s *MemStore) UpsertRule(_ context.Context, rule model.AvailabilityRule) (model.AvailabilityRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rules[rule.ProviderID] == nil {
		s.rules[rule.ProviderID] = map[string]model.AvailabilityRule{}
	}
	s.rules[rule.ProviderID][rule.ID] = rule
	return rule, nil
}

func (s *MemStore) DeleteRule(_ context.Context, providerID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules[providerID], ruleID)
	return nil
}

func (s *MemStore) GetProviderSettings(_ context.Context, providerID string) (model.ProviderSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[providerID]
	if !ok {
		return model.ProviderSettings{}, engine.ErrNotFound
	}
	return st, nil
}

func (s *MemStore) UpsertProviderSettings(_ context.Context, st model.ProviderSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.ProviderID] = st
	return nil
}

func (s *MemStore) ListPaymentTimeouts(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.appts {
		if len(out) == limit {
			break
		}
		if a.Status != string(lifecycle.StatusAwaitingPayment) || a.PaymentDeadline == nil {
			continue
		}
		if !now.Before(*a.PaymentDeadline) {
			out = append(out, a.ID)
		}
	}
	return out, nil
}

func (s *MemStore) ListCompletable(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.appts {
		if len(out) == limit {
			break
		}
		if a.Status == string(lifecycle.StatusConfirmed) && !now.Before(a.EndTime) {
			out = append(out, a.ID)
		}
	}
	return out, nil
}

func (s *MemStore) SetPaymentRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return engine.ErrNotFound
	}
	a.PaymentRef = ref
	a.Version++
	s.appts[id] = a
	return nil
}

func (s *MemStore) SetSessionRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return engine.ErrNotFound
	}
	a.SessionRef = ref
	a.Version++
	s.appts[id] = a
	return nil
}
