// Package payments is the outbound boundary to the external payment
// collaborator. The engine surfaces an order when an appointment enters
// awaiting_payment; confirmation comes back through the webhook or the
// payment-events consumer.
package payments

import (
	"context"

	"github.com/nadim-ashraf/bookflow/internal/model"
)

type Gate interface {
	// CreateOrder registers a payable order for the appointment and returns
	// the collaborator's reference for it.
	CreateOrder(ctx context.Context, appt model.Appointment) (string, error)
}
