package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"saker-scm/core/store"
)

type EscalationsHandler struct {
	cases       store.CasesStore
	escalations store.EscalationsStore
	deliveries  store.NotificationsStore
}

func NewEscalationsHandler(cs store.CasesStore, es store.EscalationsStore, ds store.NotificationsStore) *EscalationsHandler {
	return &EscalationsHandler{cases: cs, escalations: es, deliveries: ds}
}

func (h *EscalationsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = parsed.UTC()
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	items, err := h.escalations.ListEscalations(r.Context(), store.EscalationFilter{Since: &since, Limit: limit})
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "since": since})
}

func (h *EscalationsHandler) ListForCase(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(pathParams(r)["id"], 10, 64)
	c, err := h.cases.GetCase(r.Context(), id)
	if err != nil || c == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	items, err := h.escalations.ListEscalations(r.Context(), store.EscalationFilter{CaseID: c.ID})
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "case_id": c.ID, "level": c.EscalationLevel})
}

func (h *EscalationsHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	filter := store.DeliveryFilter{
		Channel: strings.ToLower(strings.TrimSpace(r.URL.Query().Get("channel"))),
		Status:  strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:   parseIntDefault(r.URL.Query().Get("limit"), 100),
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("case_id")); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			filter.CaseID = id
		}
	}
	items, err := h.deliveries.ListDeliveries(r.Context(), filter)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
