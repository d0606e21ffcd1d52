package lifecycle

import (
	"errors"
	"testing"
)

func TestPlan_Table(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		event   Event
		actor   Role
		reason  string
		wantTo  Status
		wantErr ErrorKind // "" means success
	}{
		{"request", "", EventRequest, RoleRequester, "", StatusPending, ""},
		{"request wrong role", "", EventRequest, RoleProvider, "", "", KindForbidden},
		{"accept", StatusPending, EventAccept, RoleProvider, "", StatusAwaitingPayment, ""},
		{"accept by requester", StatusPending, EventAccept, RoleRequester, "", "", KindForbidden},
		{"reject", StatusPending, EventReject, RoleProvider, "double booked elsewhere", StatusRejected, ""},
		{"cancel pending by requester", StatusPending, EventCancel, RoleRequester, "", StatusCancelled, ""},
		{"cancel awaiting by admin", StatusAwaitingPayment, EventCancel, RoleAdmin, "dispute", StatusCancelled, ""},
		{"cancel confirmed by provider", StatusConfirmed, EventCancel, RoleProvider, "sick leave", StatusCancelled, ""},
		{"payment confirmed", StatusAwaitingPayment, EventPaymentConfirmed, RolePaymentGate, "", StatusConfirmed, ""},
		{"payment confirmed wrong actor", StatusAwaitingPayment, EventPaymentConfirmed, RoleRequester, "", "", KindForbidden},
		{"payment timeout", StatusAwaitingPayment, EventPaymentTimeout, RoleSystem, "", StatusExpired, ""},
		{"reschedule by requester", StatusConfirmed, EventReschedule, RoleRequester, "", StatusPending, ""},
		{"reschedule by provider", StatusConfirmed, EventReschedule, RoleProvider, "", StatusPending, ""},
		{"complete by provider", StatusConfirmed, EventComplete, RoleProvider, "", StatusCompleted, ""},
		{"complete by system", StatusConfirmed, EventComplete, RoleSystem, "", StatusCompleted, ""},
		{"no direct confirm", StatusPending, EventPaymentConfirmed, RolePaymentGate, "", "", KindInvalidState},
		{"no accept after confirm", StatusConfirmed, EventAccept, RoleProvider, "", "", KindInvalidState},
		{"no reschedule from pending", StatusPending, EventReschedule, RoleRequester, "", "", KindInvalidState},
		{"cancel after completion", StatusCompleted, EventCancel, RoleAdmin, "late", "", KindInvalidState},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dec, err := Plan(tc.current, tc.event, tc.actor, tc.reason)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Plan returned %v", err)
				}
				if dec.To != tc.wantTo {
					t.Fatalf("expected target %s, got %s", tc.wantTo, dec.To)
				}
				return
			}
			var lerr *Error
			if !errors.As(err, &lerr) {
				t.Fatalf("expected lifecycle error, got %v", err)
			}
			if lerr.Kind != tc.wantErr {
				t.Fatalf("expected kind %s, got %s", tc.wantErr, lerr.Kind)
			}
		})
	}
}

func TestPlan_ReasonRequired(t *testing.T) {
	if _, err := Plan(StatusPending, EventReject, RoleProvider, ""); err == nil {
		t.Fatal("reject without reason should fail")
	}
	if _, err := Plan(StatusConfirmed, EventCancel, RoleProvider, ""); err == nil {
		t.Fatal("provider cancel without reason should fail")
	}
	if _, err := Plan(StatusConfirmed, EventCancel, RoleAdmin, ""); err == nil {
		t.Fatal("admin cancel without reason should fail")
	}
	// Requester cancellations carry an optional reason.
	if _, err := Plan(StatusConfirmed, EventCancel, RoleRequester, ""); err != nil {
		t.Fatalf("requester cancel without reason: %v", err)
	}
}

// Every event not in the table for a given state must come back InvalidState,
// never succeed and never panic.
func TestPlan_Completeness(t *testing.T) {
	legal := map[Status]map[Event]bool{
		StatusPending:         {EventAccept: true, EventReject: true, EventCancel: true},
		StatusAwaitingPayment: {EventCancel: true, EventPaymentConfirmed: true, EventPaymentTimeout: true},
		StatusConfirmed:       {EventCancel: true, EventReschedule: true, EventComplete: true},
		StatusCompleted:       {},
		StatusRejected:        {},
		StatusCancelled:       {},
		StatusExpired:         {},
	}

	actors := []Role{RoleRequester, RoleProvider, RoleAdmin, RolePaymentGate, RoleSystem}
	for status, events := range legal {
		for _, event := range Events() {
			if event == EventRequest {
				continue // request starts from no state
			}
			anyAllowed := false
			for _, actor := range actors {
				_, err := Plan(status, event, actor, "reason")
				if err == nil {
					anyAllowed = true
					continue
				}
				var lerr *Error
				if errors.As(err, &lerr) && lerr.Kind == KindInvalidState && events[event] {
					t.Errorf("state %s: legal event %s rejected as invalid state", status, event)
				}
			}
			if anyAllowed && !events[event] {
				t.Errorf("state %s: event %s succeeded but is not in the table", status, event)
			}
			if !anyAllowed && events[event] {
				t.Errorf("state %s: event %s failed for every actor", status, event)
			}
		}
	}
}

func TestStatusOccupies(t *testing.T) {
	for _, s := range OccupyingStatuses {
		if !s.Occupies() {
			t.Errorf("%s should occupy", s)
		}
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusRejected, StatusCancelled, StatusExpired, StatusCompleted} {
		if s.Occupies() {
			t.Errorf("%s should not occupy", s)
		}
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
