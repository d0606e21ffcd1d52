package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type slotsResponse struct {
	ProviderID string     `json:"provider_id"`
	Slots      []slotItem `json:"slots"`
}

// Slots resolves free slots for a provider. Callers pass either a single
// date (UTC calendar day) or an explicit from/to range.
func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	providerID := strings.TrimSpace(q.Get("provider_id"))
	if providerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "provider_id is required", Code: "validation"})
		return
	}

	var from, to time.Time
	switch {
	case q.Get("date") != "":
		day, err := time.Parse("2006-01-02", q.Get("date"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid date, want YYYY-MM-DD", Code: "validation"})
			return
		}
		from = day
		to = day.AddDate(0, 0, 1)
	case q.Get("from") != "" && q.Get("to") != "":
		var err error
		from, err = time.Parse(time.RFC3339, q.Get("from"))
		if err == nil {
			to, err = time.Parse(time.RFC3339, q.Get("to"))
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from/to, want RFC3339", Code: "validation"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "date or from/to range is required", Code: "validation"})
		return
	}

	duration := 0
	if raw := q.Get("duration_minutes"); raw != "" {
		var err error
		duration, err = strconv.Atoi(raw)
		if err != nil || duration < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid duration_minutes", Code: "validation"})
			return
		}
	}

	slots, err := h.engine.ResolveSlots(r.Context(), providerID, from, to, duration)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			StartTime: s.Start.UTC().Format(time.RFC3339),
			EndTime:   s.End.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, slotsResponse{ProviderID: providerID, Slots: items})
}
