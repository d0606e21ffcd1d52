package model

import "time"

// Appointment is one provider/requester booking. Status moves only through
// the lifecycle transition table; Version backs optimistic concurrency on
// every mutation.
type Appointment struct {
	ID              string
	ProviderID      string
	RequesterID     string
	StartTime       time.Time
	EndTime         time.Time
	Status          string
	FeeCents        int64
	Currency        string
	PaymentRef      string
	PaymentDeadline *time.Time
	SessionRef      string
	Notes           string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a Appointment) DurationMinutes() int {
	return int(a.EndTime.Sub(a.StartTime) / time.Minute)
}

// StatusChange is one append-only audit row: who moved the appointment
// between which statuses, and why.
type StatusChange struct {
	AppointmentID string
	FromStatus    string
	ToStatus      string
	ActorID       string
	ActorRole     string
	Reason        string
	OccurredAt    time.Time
}
