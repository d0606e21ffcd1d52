package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/nadim-ashraf/bookflow/internal/engine"
	"github.com/nadim-ashraf/bookflow/internal/lifecycle"
	"github.com/nadim-ashraf/bookflow/internal/storage"
)

// StripeWebhook drives paymentConfirmed from checkout.session.completed.
// No JWT here; the signature is the authentication. Replayed deliveries are
// deduplicated against the provider-event table, and the amount paid must
// match the stored fee before the transition fires.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.TrimSpace(h.stripeWebhookSecret) == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.stripeWebhookSecret, h.stripeWebhookTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	evtType := string(evt.Type)
	h.logger.Info("stripe event received",
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", time.Unix(evt.Created, 0).UTC().Format(time.RFC3339),
	)

	if h.repo != nil {
		err := h.repo.RecordProviderEvent(r.Context(), storage.ProviderEvent{
			Provider:        "stripe",
			ProviderEventID: evt.ID,
			EventType:       evtType,
			Payload:         body,
		})
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			h.logger.Info("stripe event duplicate ignored", "provider_event_id", evt.ID)
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		if err != nil {
			http.Error(w, "failed to record provider event", http.StatusInternalServerError)
			return
		}
	}

	if evtType != "checkout.session.completed" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
		h.logger.Error("stripe: invalid checkout session payload", "err", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	appointmentID := strings.TrimSpace(session.Metadata["appointment_id"])
	if appointmentID == "" {
		appointmentID = strings.TrimSpace(session.ClientReferenceID)
	}
	if appointmentID == "" {
		h.logger.Warn("stripe: checkout session without appointment_id", "session_id", session.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	appt, err := h.engine.GetAppointment(r.Context(), appointmentID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			h.logger.Warn("stripe: payment for unknown appointment", "appointment_id", appointmentID)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.writeEngineError(w, err)
		return
	}
	if session.AmountTotal != appt.FeeCents {
		h.logger.Error("stripe: paid amount does not match fee",
			"appointment_id", appt.ID,
			"amount_total", session.AmountTotal,
			"fee_cents", appt.FeeCents)
		writeJSON(w, http.StatusOK, map[string]string{"status": "amount_mismatch"})
		return
	}

	_, err = h.engine.Transition(r.Context(), engine.TransitionInput{
		AppointmentID: appointmentID,
		Event:         lifecycle.EventPaymentConfirmed,
		ActorID:       "stripe",
		ActorRole:     lifecycle.RolePaymentGate,
		PaymentRef:    session.ID,
	})
	if err != nil {
		var lcErr *lifecycle.Error
		if errors.As(err, &lcErr) && lcErr.Kind == lifecycle.KindInvalidState {
			// Payment landed after a cancel or expiry; acknowledge so Stripe
			// stops retrying. Refund handling is a manual followup.
			h.logger.Warn("stripe: payment after terminal transition",
				"appointment_id", appointmentID,
				"current_status", lcErr.Current)
			writeJSON(w, http.StatusOK, map[string]string{"status": "late_payment"})
			return
		}
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}
