package outbox

import (
	"encoding/json"
	"time"

	"github.com/nadim-ashraf/bookflow/internal/model"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// TransitionPayload is the canonical lifecycle event body consumed by the
// notification and payment collaborators.
type TransitionPayload struct {
	AppointmentID string `json:"appointment_id"`
	ProviderID    string `json:"provider_id"`
	RequesterID   string `json:"requester_id"`
	FromStatus    string `json:"from_status"`
	ToStatus      string `json:"to_status"`
	ActorID       string `json:"actor_id"`
	ActorRole     string `json:"actor_role"`
	Reason        string `json:"reason,omitempty"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	FeeCents      int64  `json:"fee_cents"`
	Currency      string `json:"currency"`
	OccurredAt    string `json:"occurred_at"`
}

// TransitionEvent builds the outbox event for one committed transition.
// Topic names follow booking.appointment.<to_status>.v1.
func TransitionEvent(appt model.Appointment, change model.StatusChange) (Event, error) {
	payload, err := json.Marshal(TransitionPayload{
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		RequesterID:   appt.RequesterID,
		FromStatus:    change.FromStatus,
		ToStatus:      change.ToStatus,
		ActorID:       change.ActorID,
		ActorRole:     change.ActorRole,
		Reason:        change.Reason,
		StartTime:     appt.StartTime.UTC().Format(time.RFC3339),
		EndTime:       appt.EndTime.UTC().Format(time.RFC3339),
		FeeCents:      appt.FeeCents,
		Currency:      appt.Currency,
		OccurredAt:    change.OccurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     "booking.appointment." + change.ToStatus + ".v1",
		Payload:       payload,
	}, nil
}
