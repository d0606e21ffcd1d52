package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadim-ashraf/bookflow/internal/engine"
	"github.com/nadim-ashraf/bookflow/internal/lifecycle"
	"github.com/nadim-ashraf/bookflow/libs/auth"
)

type bookRequest struct {
	ProviderID      string `json:"provider_id"`
	RequesterID     string `json:"requester_id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Notes           string `json:"notes"`
}

// Book creates a pending booking request. An authenticated call takes the
// requester identity from the token; anonymous public calls must carry
// requester_id in the body. The Idempotency-Key header makes retries safe.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body", Code: "validation"})
		return
	}

	requesterID := strings.TrimSpace(r.Header.Get(auth.UserIDHeader))
	if requesterID == "" {
		requesterID = strings.TrimSpace(req.RequesterID)
	}
	if requesterID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "requester_id is required", Code: "validation"})
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid start_time, want RFC3339", Code: "validation"})
		return
	}

	in := engine.RequestInput{
		RequesterID:     requesterID,
		ProviderID:      strings.TrimSpace(req.ProviderID),
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		Notes:           strings.TrimSpace(req.Notes),
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.repo != nil {
		h.bookIdempotent(w, r, requesterID, key, in)
		return
	}

	appt, err := h.engine.Request(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(appt))
}

// bookIdempotent brackets the booking in the idempotency-key protocol: the
// first request with a key stores its response, replays return it verbatim,
// and concurrent duplicates serialize on the key's row lock.
func (h *Handler) bookIdempotent(w http.ResponseWriter, r *http.Request, requesterID, key string, in engine.RequestInput) {
	ctx := r.Context()
	tx, err := h.repo.BeginRaw(ctx)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, done, err := h.repo.LockIdempotencyKey(ctx, tx, requesterID, key)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if done {
		_ = tx.Commit(ctx)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.StatusCode)
		_, _ = w.Write(rec.ResponsePayload)
		return
	}

	status := http.StatusCreated
	var body []byte
	appt, engineErr := h.engine.Request(ctx, in)
	if engineErr != nil {
		// Record only definitive rejections; transient failures release the
		// key for a clean retry.
		var vErr *lifecycle.ValidationError
		var lcErr *lifecycle.Error
		switch {
		case errors.As(engineErr, &vErr):
			status = http.StatusBadRequest
			body, _ = json.Marshal(errorResponse{Error: vErr.Error(), Code: "validation"})
		case errors.As(engineErr, &lcErr):
			status = http.StatusConflict
			body, _ = json.Marshal(errorResponse{Error: lcErr.Error(), Code: string(lcErr.Kind)})
		default:
			h.writeEngineError(w, engineErr)
			return
		}
	} else {
		body, _ = json.Marshal(viewOf(appt))
	}

	if err := h.repo.FinalizeIdempotency(ctx, tx, requesterID, key, appt.ID, status, body); err != nil {
		h.writeEngineError(w, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		h.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type transitionRequest struct {
	AppointmentID   string `json:"appointment_id"`
	ExpectedVersion int64  `json:"expected_version"`
	Reason          string `json:"reason"`
	NewStartTime    string `json:"new_start_time"`
}

// Transition returns the handler for one lifecycle event; the route decides
// the event, the token decides the actor.
func (h *Handler) Transition(event lifecycle.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		actorID, role, ok := actor(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req transitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body", Code: "validation"})
			return
		}

		in := engine.TransitionInput{
			AppointmentID:   strings.TrimSpace(req.AppointmentID),
			Event:           event,
			ActorID:         actorID,
			ActorRole:       role,
			Reason:          strings.TrimSpace(req.Reason),
			ExpectedVersion: req.ExpectedVersion,
		}
		if req.NewStartTime != "" {
			newStart, err := time.Parse(time.RFC3339, req.NewStartTime)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid new_start_time, want RFC3339", Code: "validation"})
				return
			}
			in.NewStart = &newStart
		}

		appt, err := h.engine.Transition(r.Context(), in)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(appt))
	}
}

// List returns the actor's appointments: a provider sees their calendar, a
// requester their bookings, an admin either side via query parameters.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, role, ok := actor(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	f := engine.ListFilter{Status: strings.TrimSpace(q.Get("status"))}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Limit = n
		}
	}
	switch role {
	case lifecycle.RoleProvider:
		f.ProviderID = actorID
	case lifecycle.RoleRequester:
		f.RequesterID = actorID
	case lifecycle.RoleAdmin:
		f.ProviderID = strings.TrimSpace(q.Get("provider_id"))
		f.RequesterID = strings.TrimSpace(q.Get("requester_id"))
	}

	appts, err := h.engine.ListAppointments(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	views := make([]appointmentView, 0, len(appts))
	for _, a := range appts {
		views = append(views, viewOf(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": views})
}

type historyItem struct {
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	ActorRole  string `json:"actor_role"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

// History returns the append-only status trail of one appointment, limited
// to its own parties and admins.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, role, ok := actor(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	appointmentID := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	if appointmentID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "appointment_id is required", Code: "validation"})
		return
	}

	appt, err := h.engine.GetAppointment(r.Context(), appointmentID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if role != lifecycle.RoleAdmin && actorID != appt.ProviderID && actorID != appt.RequesterID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	changes, err := h.engine.History(r.Context(), appointmentID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	items := make([]historyItem, 0, len(changes))
	for _, c := range changes {
		items = append(items, historyItem{
			FromStatus: c.FromStatus,
			ToStatus:   c.ToStatus,
			ActorID:    c.ActorID,
			ActorRole:  c.ActorRole,
			Reason:     c.Reason,
			OccurredAt: c.OccurredAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointment_id": appointmentID, "history": items})
}
