package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/nadim-ashraf/bookflow/internal/engine"
	"github.com/nadim-ashraf/bookflow/internal/lifecycle"
)

// PaymentSettledTopic carries settled payment orders from an external
// billing deployment; the webhook path covers direct-Stripe deployments.
const PaymentSettledTopic = "payments.order.settled.v1"

type paymentSettledPayload struct {
	AppointmentID string `json:"appointment_id"`
	OrderRef      string `json:"order_ref"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
}

// NewPaymentSettledHandler drives paymentConfirmed from settled-order
// events. A transition already raced away (cancelled, expired, confirmed)
// is acknowledged without acting.
func NewPaymentSettledHandler(eng *engine.Engine, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var payload paymentSettledPayload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("malformed payment event", "err", err)
			// Not retryable; drop it.
			return nil
		}
		if payload.AppointmentID == "" {
			logger.Warn("payment event without appointment id", "order_ref", payload.OrderRef)
			return nil
		}

		appt, err := eng.GetAppointment(ctx, payload.AppointmentID)
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				logger.Warn("payment for unknown appointment", "appointment_id", payload.AppointmentID)
				return nil
			}
			return err
		}
		if payload.AmountCents != appt.FeeCents {
			logger.Error("settled amount does not match fee",
				"appointment_id", appt.ID,
				"amount_cents", payload.AmountCents,
				"fee_cents", appt.FeeCents)
			return nil
		}

		_, err = eng.Transition(ctx, engine.TransitionInput{
			AppointmentID: payload.AppointmentID,
			Event:         lifecycle.EventPaymentConfirmed,
			ActorID:       "billing",
			ActorRole:     lifecycle.RolePaymentGate,
			PaymentRef:    payload.OrderRef,
		})
		var lcErr *lifecycle.Error
		if errors.As(err, &lcErr) && lcErr.Kind == lifecycle.KindInvalidState {
			logger.Info("payment landed after terminal transition",
				"appointment_id", payload.AppointmentID,
				"current_status", lcErr.Current)
			return nil
		}
		return err
	}
}
