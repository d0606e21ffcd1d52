package lifecycle

// Status is the appointment lifecycle state. The only mutation path is the
// transition table in Plan; nothing writes a status outside it.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusConfirmed       Status = "confirmed"
	StatusCompleted       Status = "completed"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
)

// Occupies reports whether an appointment in this status reserves its
// provider time range. Terminal statuses never occupy.
func (s Status) Occupies() bool {
	switch s {
	case StatusPending, StatusAwaitingPayment, StatusConfirmed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusCompleted, StatusExpired:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingPayment, StatusConfirmed,
		StatusCompleted, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// OccupyingStatuses is the occupancy filter used by slot resolution queries.
var OccupyingStatuses = []Status{StatusPending, StatusAwaitingPayment, StatusConfirmed}

// Event names an action an actor may attempt against an appointment.
type Event string

const (
	EventRequest          Event = "request"
	EventAccept           Event = "accept"
	EventReject           Event = "reject"
	EventCancel           Event = "cancel"
	EventPaymentConfirmed Event = "payment_confirmed"
	EventPaymentTimeout   Event = "payment_timeout"
	EventReschedule       Event = "reschedule"
	EventComplete         Event = "complete"
)

// Role identifies the kind of actor attempting an event.
type Role string

const (
	RoleRequester   Role = "requester"
	RoleProvider    Role = "provider"
	RoleAdmin       Role = "admin"
	RolePaymentGate Role = "payment_gate"
	RoleSystem      Role = "system"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleRequester, RoleProvider, RoleAdmin, RolePaymentGate, RoleSystem:
		return Role(s), true
	}
	return "", false
}
