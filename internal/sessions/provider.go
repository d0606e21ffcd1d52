package sessions

import (
	"context"

	"github.com/nadim-ashraf/bookflow/internal/model"
)

// Provider allocates a meeting session (video room, call link) for a
// confirmed appointment and releases it when the appointment leaves the
// confirmed state. Both operations are best effort from the engine's point
// of view: a failed allocation is logged and retried out of band, never
// rolled back into the state machine.
type Provider interface {
	Allocate(ctx context.Context, appt model.Appointment) (string, error)
	Release(ctx context.Context, appt model.Appointment) error
}
