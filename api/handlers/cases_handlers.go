package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"saker-scm/config"
	"saker-scm/core/auth"
	"saker-scm/core/cases"
	"saker-scm/core/rbac"
	"saker-scm/core/sla"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

type CasesHandler struct {
	cfg    *config.AppConfig
	store  store.CasesStore
	users  store.UsersStore
	policy *rbac.Policy
	svc    *cases.Service
	audits store.AuditStore
	logger *utils.Logger
}

func NewCasesHandler(cfg *config.AppConfig, cs store.CasesStore, us store.UsersStore, policy *rbac.Policy, svc *cases.Service, audits store.AuditStore, logger *utils.Logger) *CasesHandler {
	return &CasesHandler{cfg: cfg, store: cs, users: us, policy: policy, svc: svc, audits: audits, logger: logger}
}

var validCaseSeverity = map[string]struct{}{
	"low":      {},
	"medium":   {},
	"high":     {},
	"critical": {},
}

type caseDTO struct {
	store.Case
	AssigneeName string `json:"assignee_name,omitempty"`
}

func (h *CasesHandler) List(w http.ResponseWriter, r *http.Request) {
	user, roles, err := h.currentActor(r)
	if err != nil || user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	canManage := h.policy.Allowed(roles, "cases.manage")
	filter := store.CaseFilter{
		Search:   r.URL.Query().Get("q"),
		Status:   strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))),
		Priority: strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("priority"))),
		Limit:    parseIntDefault(r.URL.Query().Get("limit"), 0),
		Offset:   parseIntDefault(r.URL.Query().Get("offset"), 0),
	}
	if q := strings.TrimSpace(r.URL.Query().Get("status_in")); q != "" {
		for _, part := range strings.Split(q, ",") {
			clean := strings.ToLower(strings.TrimSpace(part))
			if clean != "" {
				filter.StatusIn = append(filter.StatusIn, clean)
			}
		}
	}
	if r.URL.Query().Get("overdue") == "1" || strings.ToLower(r.URL.Query().Get("overdue")) == "true" {
		now := time.Now().UTC()
		filter.OverdueAsOf = &now
	}
	if r.URL.Query().Get("breached") == "1" || strings.ToLower(r.URL.Query().Get("breached")) == "true" {
		filter.BreachedOnly = true
	}
	if r.URL.Query().Get("mine") == "1" || strings.ToLower(r.URL.Query().Get("mine")) == "true" {
		filter.AssignedUserID = user.ID
	}
	if r.URL.Query().Get("assigned_to_me") == "1" || strings.ToLower(r.URL.Query().Get("assigned_to_me")) == "true" {
		filter.AssignedUserID = user.ID
	}
	if r.URL.Query().Get("created_by_me") == "1" || strings.ToLower(r.URL.Query().Get("created_by_me")) == "true" {
		filter.CreatedByUserID = user.ID
	}
	if canManage && (r.URL.Query().Get("include_deleted") == "1" || strings.ToLower(r.URL.Query().Get("include_deleted")) == "true") {
		filter.IncludeDeleted = true
	}
	items, err := h.store.ListCases(r.Context(), filter)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	userMap := map[int64]*store.User{}
	resolveUser := func(id int64) *store.User {
		if id == 0 {
			return nil
		}
		if u, ok := userMap[id]; ok {
			return u
		}
		u, _, _ := h.users.Get(r.Context(), id)
		userMap[id] = u
		return u
	}
	result := make([]caseDTO, 0, len(items))
	for _, c := range items {
		var assignee *store.User
		if c.AssigneeUserID != nil {
			assignee = resolveUser(*c.AssigneeUserID)
		}
		result = append(result, caseDTO{Case: c, AssigneeName: displayName(assignee)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": result})
}

func (h *CasesHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, _, err := h.currentActor(r)
	if err != nil || user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var payload struct {
		Title          string `json:"title"`
		Description    string `json:"description"`
		Priority       string `json:"priority"`
		Severity       string `json:"severity"`
		Source         string `json:"source"`
		SourceRef      string `json:"source_ref"`
		AssigneeUserID *int64 `json:"assignee_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var assigneeUser *store.User
	if payload.AssigneeUserID != nil {
		assigneeUser, err = h.lookupUserByID(r.Context(), *payload.AssigneeUserID)
		if err != nil || assigneeUser == nil {
			http.Error(w, "assignee not found", http.StatusBadRequest)
			return
		}
	}
	in := cases.CreateInput{
		Title:       payload.Title,
		Description: payload.Description,
		Priority:    payload.Priority,
		Severity:    payload.Severity,
		Source:      payload.Source,
		SourceRef:   payload.SourceRef,
		CreatedBy:   user.ID,
	}
	if assigneeUser != nil {
		in.AssigneeUserID = &assigneeUser.ID
	}
	created, err := h.svc.Create(r.Context(), in, user.Username)
	if err != nil {
		switch {
		case errors.Is(err, cases.ErrTitleRequired),
			errors.Is(err, cases.ErrInvalidSeverity),
			errors.Is(err, sla.ErrUnknownPriority):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, caseDTO{Case: *created, AssigneeName: displayName(assigneeUser)})
}

func (h *CasesHandler) Summary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountCasesByStatus(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	now := time.Now().UTC()
	overdue, err := h.store.ListCases(r.Context(), store.CaseFilter{OverdueAsOf: &now})
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	breached, err := h.store.ListCases(r.Context(), store.CaseFilter{BreachedOnly: true})
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by_status": counts,
		"overdue":   len(overdue),
		"breached":  len(breached),
	})
}

func (h *CasesHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, roles, err := h.currentActor(r)
	if err != nil || user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, ok := h.caseFromPath(w, r, roles)
	if !ok {
		return
	}
	var assignee *store.User
	if c.AssigneeUserID != nil {
		assignee, _, _ = h.users.Get(r.Context(), *c.AssigneeUserID)
	}
	timeline, _ := h.store.ListCaseTimeline(r.Context(), c.ID, 50, "")
	writeJSON(w, http.StatusOK, map[string]any{
		"case":     caseDTO{Case: *c, AssigneeName: displayName(assignee)},
		"timeline": timeline,
	})
}

func (h *CasesHandler) Update(w http.ResponseWriter, r *http.Request) {
	user, roles, err := h.currentActor(r)
	if err != nil || user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, ok := h.caseFromPath(w, r, roles)
	if !ok {
		return
	}
	if c.Status == store.CaseStatusClosed {
		http.Error(w, "case is closed", http.StatusConflict)
		return
	}
	var payload struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Severity    *string `json:"severity"`
		Version     int     `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	expectedVersion := payload.Version
	if expectedVersion == 0 {
		if hdr := strings.TrimSpace(r.Header.Get("If-Match")); hdr != "" {
			if v, err := strconv.Atoi(strings.Trim(hdr, "\"")); err == nil {
				expectedVersion = v
			}
		}
	}
	if expectedVersion == 0 {
		http.Error(w, "version required", http.StatusBadRequest)
		return
	}
	updated := *c
	if payload.Title != nil {
		title := strings.TrimSpace(*payload.Title)
		if title == "" {
			http.Error(w, "title required", http.StatusBadRequest)
			return
		}
		updated.Title = title
	}
	if payload.Description != nil {
		updated.Description = strings.TrimSpace(*payload.Description)
	}
	if payload.Severity != nil {
		sev := strings.ToLower(strings.TrimSpace(*payload.Severity))
		if _, ok := validCaseSeverity[sev]; !ok {
			http.Error(w, "invalid severity", http.StatusBadRequest)
			return
		}
		updated.Severity = sev
	}
	updated.UpdatedBy = user.ID
	if err := h.store.UpdateCase(r.Context(), &updated, expectedVersion); err != nil {
		if errors.Is(err, store.ErrConflict) {
			http.Error(w, "version conflict", http.StatusConflict)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if payload.Severity != nil && c.Severity != updated.Severity {
		h.addTimeline(r.Context(), c.ID, "severity.change", fmt.Sprintf("%s -> %s", c.Severity, updated.Severity), user.ID)
	}
	h.audits.Log(r.Context(), user.Username, "case.update", c.RegNo)
	var assignee *store.User
	if updated.AssigneeUserID != nil {
		assignee, _, _ = h.users.Get(r.Context(), *updated.AssigneeUserID)
	}
	writeJSON(w, http.StatusOK, caseDTO{Case: updated, AssigneeName: displayName(assignee)})
}

func (h *CasesHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	user, _, err := h.currentActor(r)
	if err != nil || user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, _ := strconv.ParseInt(pathParams(r)["id"], 10, 64)
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	updated, err := h.svc.UpdateStatus(r.Context(), id, payload.Status, user.ID, user.Username)
	if err != nil {
		switch {
		case errors.Is(err, cases.ErrInvalidStatus):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, cases.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, store.ErrConflict):
			http.Error(w, "status unchanged or case deleted", http.StatusConflict)
		default:
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case": updated})
}

func (h *CasesHandler) Assign(w http.ResponseWriter, r *http.Request) {
	user, _, err := h.currentActor(r)
	if err != nil || user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, _ := strconv.ParseInt(pathParams(r)["id"], 10, 64)
	var payload struct {
		AssigneeUserID *int64 `json:"assignee_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var assignee *store.User
	if payload.AssigneeUserID != nil && *payload.AssigneeUserID != 0 {
		assignee, err = h.lookupUserByID(r.Context(), *payload.AssigneeUserID)
		if err != nil || assignee == nil {
			http.Error(w, "assignee not found", http.StatusBadRequest)
			return
		}
	}
	updated, err := h.svc.Assign(r.Context(), id, assignee, user.ID, user.Username)
	if err != nil {
		switch {
		case errors.Is(err, cases.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		default:
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, caseDTO{Case: *updated, AssigneeName: displayName(assignee)})
}

func (h *CasesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, _, err := h.currentActor(r)
	if err != nil || user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, _ := strconv.ParseInt(pathParams(r)["id"], 10, 64)
	if err := h.svc.Delete(r.Context(), id, user.ID, user.Username); err != nil {
		switch {
		case errors.Is(err, cases.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, store.ErrConflict):
			http.Error(w, "already deleted", http.StatusConflict)
		default:
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *CasesHandler) Restore(w http.ResponseWriter, r *http.Request) {
	user, _, err := h.currentActor(r)
	if err != nil || user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, _ := strconv.ParseInt(pathParams(r)["id"], 10, 64)
	if err := h.svc.Restore(r.Context(), id, user.ID, user.Username); err != nil {
		switch {
		case errors.Is(err, cases.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, store.ErrConflict):
			http.Error(w, "not deleted", http.StatusConflict)
		default:
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *CasesHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	_, roles, err := h.currentActor(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, ok := h.caseFromPath(w, r, roles)
	if !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	eventType := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("event_type")))
	items, err := h.store.ListCaseTimeline(r.Context(), c.ID, limit, eventType)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// caseFromPath loads the case named by the route and hides soft-deleted
// rows from everyone except managers.
func (h *CasesHandler) caseFromPath(w http.ResponseWriter, r *http.Request, roles []string) (*store.Case, bool) {
	id, _ := strconv.ParseInt(pathParams(r)["id"], 10, 64)
	c, err := h.store.GetCase(r.Context(), id)
	if err != nil || c == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	if c.DeletedAt != nil && !h.policy.Allowed(roles, "cases.manage") {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func (h *CasesHandler) currentActor(r *http.Request) (*store.User, []string, error) {
	val := r.Context().Value(auth.SessionContextKey)
	if val == nil {
		return nil, nil, errors.New("no session")
	}
	sess := val.(*store.SessionRecord)
	u, roles, err := h.users.FindByUsername(r.Context(), sess.Username)
	if err != nil || u == nil {
		return u, roles, err
	}
	return u, roles, nil
}

func (h *CasesHandler) lookupUserByID(ctx context.Context, id int64) (*store.User, error) {
	u, _, err := h.users.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errors.New("not found")
	}
	return u, nil
}

func (h *CasesHandler) addTimeline(ctx context.Context, caseID int64, eventType, message string, userID int64) {
	if strings.TrimSpace(eventType) == "" || caseID == 0 {
		return
	}
	_, _ = h.store.AddCaseTimeline(ctx, &store.CaseTimelineEvent{
		CaseID:    caseID,
		EventType: eventType,
		Message:   message,
		CreatedBy: userID,
	})
}
