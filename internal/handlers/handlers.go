// Package handlers is the HTTP surface over the lifecycle engine: public
// slot resolution and booking, authenticated transitions, availability and
// settings management, and the Stripe webhook.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nadim-ashraf/bookflow/internal/engine"
	"github.com/nadim-ashraf/bookflow/internal/lifecycle"
	"github.com/nadim-ashraf/bookflow/internal/model"
	"github.com/nadim-ashraf/bookflow/internal/storage"
	"github.com/nadim-ashraf/bookflow/libs/auth"
)

type Handler struct {
	engine *engine.Engine
	// repo backs request idempotency and webhook replay dedup; nil disables
	// both (engine-level tests run without a database).
	repo                   *storage.Repository
	logger                 *slog.Logger
	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
}

type Config struct {
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
}

func New(eng *engine.Engine, repo *storage.Repository, logger *slog.Logger, cfg Config) *Handler {
	if cfg.StripeWebhookTolerance <= 0 {
		cfg.StripeWebhookTolerance = 5 * time.Minute
	}
	return &Handler{
		engine:                 eng,
		repo:                   repo,
		logger:                 logger,
		stripeWebhookSecret:    cfg.StripeWebhookSecret,
		stripeWebhookTolerance: cfg.StripeWebhookTolerance,
	}
}

// actor reads the identity the auth middleware projected onto trusted
// headers. Only human-facing roles arrive this way; payment gate and system
// actors enter through the webhook, consumer, and sweeper paths.
func actor(r *http.Request) (string, lifecycle.Role, bool) {
	id := r.Header.Get(auth.UserIDHeader)
	role, ok := lifecycle.ParseRole(r.Header.Get(auth.RoleHeader))
	if !ok || id == "" {
		return "", "", false
	}
	switch role {
	case lifecycle.RoleRequester, lifecycle.RoleProvider, lifecycle.RoleAdmin:
		return id, role, true
	}
	return "", "", false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CurrentStatus string `json:"current_status,omitempty"`
}

// writeEngineError maps domain errors onto HTTP statuses. Conflict-shaped
// failures (stale version, slot taken, off-table event) all answer 409 so
// clients re-read and retry.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var vErr *lifecycle.ValidationError
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: vErr.Error(), Code: "validation"})
		return
	}

	var lcErr *lifecycle.Error
	if errors.As(err, &lcErr) {
		resp := errorResponse{Error: lcErr.Error(), Code: string(lcErr.Kind), CurrentStatus: string(lcErr.Current)}
		switch lcErr.Kind {
		case lifecycle.KindForbidden:
			writeJSON(w, http.StatusForbidden, resp)
		default:
			writeJSON(w, http.StatusConflict, resp)
		}
		return
	}

	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found", Code: "not_found"})
	case errors.Is(err, engine.ErrStaleState):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "stale_state"})
	default:
		h.logger.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
	}
}

type appointmentView struct {
	AppointmentID   string `json:"appointment_id"`
	ProviderID      string `json:"provider_id"`
	RequesterID     string `json:"requester_id"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	Status          string `json:"status"`
	FeeCents        int64  `json:"fee_cents"`
	Currency        string `json:"currency"`
	PaymentRef      string `json:"payment_ref,omitempty"`
	PaymentDeadline string `json:"payment_deadline,omitempty"`
	SessionRef      string `json:"communication_session_ref,omitempty"`
	Notes           string `json:"notes,omitempty"`
	Version         int64  `json:"version"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func viewOf(appt model.Appointment) appointmentView {
	v := appointmentView{
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		RequesterID:   appt.RequesterID,
		StartTime:     appt.StartTime.UTC().Format(time.RFC3339),
		EndTime:       appt.EndTime.UTC().Format(time.RFC3339),
		Status:        appt.Status,
		FeeCents:      appt.FeeCents,
		Currency:      appt.Currency,
		PaymentRef:    appt.PaymentRef,
		SessionRef:    appt.SessionRef,
		Notes:         appt.Notes,
		Version:       appt.Version,
		CreatedAt:     appt.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     appt.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if appt.PaymentDeadline != nil {
		v.PaymentDeadline = appt.PaymentDeadline.UTC().Format(time.RFC3339)
	}
	return v
}
