package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nadim-ashraf/bookflow/internal/lifecycle"
	"github.com/nadim-ashraf/bookflow/internal/model"
)

type ruleRequest struct {
	ID          string `json:"id"`
	ProviderID  string `json:"provider_id"`
	DayOfWeek   int    `json:"day_of_week"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Enabled     *bool  `json:"enabled"`
}

type ruleView struct {
	ID          string `json:"id"`
	ProviderID  string `json:"provider_id"`
	DayOfWeek   int    `json:"day_of_week"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Enabled     bool   `json:"enabled"`
}

// ownerProviderID resolves which provider's resources the actor may touch:
// providers only their own, admins whoever the request names.
func ownerProviderID(r *http.Request, requested string) (string, bool) {
	actorID, role, ok := actor(r)
	if !ok {
		return "", false
	}
	switch role {
	case lifecycle.RoleProvider:
		if requested != "" && requested != actorID {
			return "", false
		}
		return actorID, true
	case lifecycle.RoleAdmin:
		return requested, requested != ""
	}
	return "", false
}

// Rules serves the availability-rule CRUD: GET lists, PUT upserts, DELETE
// removes. Providers manage their own calendar; admins manage any.
func (h *Handler) Rules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listRules(w, r)
	case http.MethodPut:
		h.upsertRule(w, r)
	case http.MethodDelete:
		h.deleteRule(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	providerID, ok := ownerProviderID(r, strings.TrimSpace(r.URL.Query().Get("provider_id")))
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	rules, err := h.engine.ListRules(r.Context(), providerID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, ruleView{
			ID:          rule.ID,
			ProviderID:  rule.ProviderID,
			DayOfWeek:   rule.DayOfWeek,
			StartMinute: rule.StartMinute,
			EndMinute:   rule.EndMinute,
			Enabled:     rule.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider_id": providerID, "rules": views})
}

func (h *Handler) upsertRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body", Code: "validation"})
		return
	}
	providerID, ok := ownerProviderID(r, strings.TrimSpace(req.ProviderID))
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule, err := h.engine.UpsertRule(r.Context(), model.AvailabilityRule{
		ID:          strings.TrimSpace(req.ID),
		ProviderID:  providerID,
		DayOfWeek:   req.DayOfWeek,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
		Enabled:     enabled,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleView{
		ID:          rule.ID,
		ProviderID:  rule.ProviderID,
		DayOfWeek:   rule.DayOfWeek,
		StartMinute: rule.StartMinute,
		EndMinute:   rule.EndMinute,
		Enabled:     rule.Enabled,
	})
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerID, ok := ownerProviderID(r, strings.TrimSpace(q.Get("provider_id")))
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ruleID := strings.TrimSpace(q.Get("id"))
	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id is required", Code: "validation"})
		return
	}
	if err := h.engine.DeleteRule(r.Context(), providerID, ruleID); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type settingsRequest struct {
	ProviderID           string `json:"provider_id"`
	FeeCents             int64  `json:"fee_cents"`
	Currency             string `json:"currency"`
	SlotStepMinutes      int    `json:"slot_step_minutes"`
	PaymentWindowMinutes int    `json:"payment_window_minutes"`
}

type settingsView struct {
	ProviderID           string `json:"provider_id"`
	FeeCents             int64  `json:"fee_cents"`
	Currency             string `json:"currency"`
	SlotStepMinutes      int    `json:"slot_step_minutes"`
	PaymentWindowMinutes int    `json:"payment_window_minutes"`
}

// Settings serves provider booking parameters: GET reads (defaults when no
// row exists), PUT replaces.
func (h *Handler) Settings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		providerID, ok := ownerProviderID(r, strings.TrimSpace(r.URL.Query().Get("provider_id")))
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		s, err := h.engine.GetProviderSettings(r.Context(), providerID)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settingsView(s))
	case http.MethodPut:
		var req settingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body", Code: "validation"})
			return
		}
		providerID, ok := ownerProviderID(r, strings.TrimSpace(req.ProviderID))
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		s := model.ProviderSettings{
			ProviderID:           providerID,
			FeeCents:             req.FeeCents,
			Currency:             req.Currency,
			SlotStepMinutes:      req.SlotStepMinutes,
			PaymentWindowMinutes: req.PaymentWindowMinutes,
		}
		if err := h.engine.UpsertProviderSettings(r.Context(), s); err != nil {
			h.writeEngineError(w, err)
			return
		}
		stored, err := h.engine.GetProviderSettings(r.Context(), providerID)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settingsView(stored))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
