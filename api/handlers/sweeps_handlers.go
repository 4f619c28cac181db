package handlers

import (
	"errors"
	"net/http"

	"saker-scm/core/escalation"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

type SweepsHandler struct {
	sweeper *escalation.Sweeper
	audits  store.AuditStore
	logger  *utils.Logger
}

func NewSweepsHandler(sweeper *escalation.Sweeper, audits store.AuditStore, logger *utils.Logger) *SweepsHandler {
	return &SweepsHandler{sweeper: sweeper, audits: audits, logger: logger}
}

func (h *SweepsHandler) Run(w http.ResponseWriter, r *http.Request) {
	kind, err := escalation.ParseKind(pathParams(r)["kind"])
	if err != nil {
		http.Error(w, "unknown sweep kind", http.StatusBadRequest)
		return
	}
	report, err := h.sweeper.Run(r.Context(), kind)
	if err != nil {
		if errors.Is(err, escalation.ErrSweepRunning) {
			http.Error(w, "sweep already running", http.StatusConflict)
			return
		}
		if h.logger != nil {
			h.logger.Errorf("manual %s sweep: %v", kind, err)
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	h.audits.Log(r.Context(), currentUser(r), "sweep.run", string(kind))
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (h *SweepsHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sla":        h.sweeper.LastReport(escalation.KindSLA),
		"escalation": h.sweeper.LastReport(escalation.KindEscalation),
	})
}
