package lifecycle

// transition is one row of the closed state machine table.
type transition struct {
	from      Status
	to        Status
	actors    []Role
	occupying bool
	// reasonFrom lists roles whose transitions require a reason.
	reasonFrom []Role
}

// table is the complete set of legal transitions. Any (status, event) pair
// absent here fails with InvalidState; an actor outside the row fails with
// Forbidden. There is no other way to change an appointment's status.
var table = map[Event][]transition{
	EventRequest: {
		{from: "", to: StatusPending, actors: []Role{RoleRequester}, occupying: true},
	},
	EventAccept: {
		{from: StatusPending, to: StatusAwaitingPayment, actors: []Role{RoleProvider}},
	},
	EventReject: {
		{from: StatusPending, to: StatusRejected, actors: []Role{RoleProvider},
			reasonFrom: []Role{RoleProvider}},
	},
	EventCancel: {
		{from: StatusPending, to: StatusCancelled,
			actors:     []Role{RoleRequester, RoleProvider, RoleAdmin},
			reasonFrom: []Role{RoleProvider, RoleAdmin}},
		{from: StatusAwaitingPayment, to: StatusCancelled,
			actors:     []Role{RoleRequester, RoleProvider, RoleAdmin},
			reasonFrom: []Role{RoleProvider, RoleAdmin}},
		{from: StatusConfirmed, to: StatusCancelled,
			actors:     []Role{RoleRequester, RoleProvider, RoleAdmin},
			reasonFrom: []Role{RoleProvider, RoleAdmin}},
	},
	EventPaymentConfirmed: {
		{from: StatusAwaitingPayment, to: StatusConfirmed, actors: []Role{RolePaymentGate}},
	},
	EventPaymentTimeout: {
		{from: StatusAwaitingPayment, to: StatusExpired, actors: []Role{RoleSystem}},
	},
	EventReschedule: {
		// Rescheduling always re-enters the approval flow, including
		// provider-initiated reschedules.
		{from: StatusConfirmed, to: StatusPending,
			actors: []Role{RoleRequester, RoleProvider}, occupying: true},
	},
	EventComplete: {
		{from: StatusConfirmed, to: StatusCompleted, actors: []Role{RoleProvider, RoleSystem}},
	},
}

// Decision is an approved transition. Occupying transitions must re-check
// the slot against current occupancy before committing.
type Decision struct {
	To        Status
	Occupying bool
}

// Plan validates (current status, event, actor role, reason) against the
// table. It is pure: callers enforce identity checks, slot checks, and
// deadline preconditions around the commit.
func Plan(current Status, event Event, actor Role, reason string) (Decision, error) {
	rows, ok := table[event]
	if !ok {
		return Decision{}, InvalidState(current, event)
	}

	var row *transition
	for i := range rows {
		if rows[i].from == current {
			row = &rows[i]
			break
		}
	}
	if row == nil {
		return Decision{}, InvalidState(current, event)
	}

	allowed := false
	for _, a := range row.actors {
		if a == actor {
			allowed = true
			break
		}
	}
	if !allowed {
		return Decision{}, Forbidden(current, "role %s may not %s", actor, event)
	}

	for _, a := range row.reasonFrom {
		if a == actor && reason == "" {
			return Decision{}, Validation("reason is required for %s by %s", event, actor)
		}
	}

	return Decision{To: row.to, Occupying: row.occupying}, nil
}

// Events returns every event the table knows, for completeness tests.
func Events() []Event {
	return []Event{
		EventRequest, EventAccept, EventReject, EventCancel,
		EventPaymentConfirmed, EventPaymentTimeout, EventReschedule, EventComplete,
	}
}
