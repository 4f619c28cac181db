package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"saker-scm/config"
	"saker-scm/core/auth"
	"saker-scm/core/rbac"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

type AccountsHandler struct {
	users          store.UsersStore
	roles          store.RolesStore
	sessions       store.SessionStore
	policy         *rbac.Policy
	sessionManager *auth.SessionManager
	cfg            *config.AppConfig
	audits         store.AuditStore
	logger         *utils.Logger
	refreshPolicy  func(context.Context) error
}

func NewAccountsHandler(users store.UsersStore, roles store.RolesStore, sessions store.SessionStore, policy *rbac.Policy, sm *auth.SessionManager, cfg *config.AppConfig, audits store.AuditStore, logger *utils.Logger, refreshPolicy func(context.Context) error) *AccountsHandler {
	return &AccountsHandler{
		users:          users,
		roles:          roles,
		sessions:       sessions,
		policy:         policy,
		sessionManager: sm,
		cfg:            cfg,
		audits:         audits,
		logger:         logger,
		refreshPolicy:  refreshPolicy,
	}
}

// reqCtx caps store work done on behalf of one request.
func reqCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 5*time.Second)
}

type accountPayload struct {
	Username              string   `json:"username"`
	Email                 string   `json:"email"`
	Password              string   `json:"password"`
	Role                  string   `json:"role"`
	Roles                 []string `json:"roles"`
	FullName              string   `json:"full_name"`
	Status                string   `json:"status"`
	Active                *bool    `json:"active,omitempty"`
	RequirePasswordChange bool     `json:"require_password_change"`
}

// sanitizeRoles lowercases, trims and dedupes a role assignment, folding
// the legacy single-role field into the list.
func sanitizeRoles(in []string, fallback string) []string {
	seen := make(map[string]struct{}, len(in)+1)
	out := make([]string, 0, len(in)+1)
	for _, name := range append(in, fallback) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func (h *AccountsHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	users, err := h.users.List(ctx)
	if err != nil {
		h.logger.Errorf("list users: %v", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	ids := make([]int64, len(users))
	for i := range users {
		ids[i] = users[i].ID
	}
	rolesByUser, err := h.users.RolesForUsers(ctx, ids)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	items := make([]auth.UserDTO, 0, len(users))
	for i := range users {
		u := &users[i]
		roles := rolesByUser[u.ID]
		items = append(items, userDTO(u, roles, auth.CalculateEffectiveAccess(u, roles, h.policy)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": items})
}

func (h *AccountsHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()

	var req accountPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Errorf("create user decode: %v", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	if err := utils.ValidateUsername(req.Username); err != nil {
		h.logger.Errorf("create user invalid username=%s: %v", req.Username, err)
		http.Error(w, "invalid username", http.StatusBadRequest)
		return
	}

	password := strings.TrimSpace(req.Password)
	supplied := password != ""
	if !supplied {
		password = generateStrongPassword()
	} else if err := utils.ValidatePassword(password); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ph, err := auth.HashPassword(password, h.cfg.Pepper)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	roles := sanitizeRoles(req.Roles, req.Role)
	if len(roles) == 0 {
		http.Error(w, "role required", http.StatusBadRequest)
		return
	}
	if !h.rolesExist(ctx, w, roles) {
		return
	}

	active := req.Status != "disabled"
	if req.Active != nil {
		active = *req.Active
	}
	u := &store.User{
		Username:              req.Username,
		Email:                 strings.TrimSpace(req.Email),
		FullName:              strings.TrimSpace(req.FullName),
		PasswordHash:          ph.Hash,
		Salt:                  ph.Salt,
		PasswordSet:           supplied,
		Active:                active,
		RequirePasswordChange: req.RequirePasswordChange || !supplied,
	}
	id, err := h.users.Create(ctx, u, roles)
	if err != nil {
		h.logger.Errorf("create user (%s): %v", req.Username, err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	h.logger.Printf("user created (%s) id=%d roles=%v", req.Username, id, roles)
	h.audits.Log(r.Context(), currentUser(r), "accounts.create_user", req.Username)
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *AccountsHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	idStr := pathParams(r)["id"]
	id, _ := strconv.ParseInt(idStr, 10, 64)
	existing, roles, err := h.users.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if existing == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if h.protectRootAccount(w, r, existing) {
		return
	}
	var req accountPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if email := strings.TrimSpace(req.Email); email != "" {
		existing.Email = email
	}
	if name := strings.TrimSpace(req.FullName); name != "" {
		existing.FullName = name
	}
	switch {
	case req.Status != "":
		existing.Active = req.Status != "disabled"
	case req.Active != nil:
		existing.Active = *req.Active
	}

	sess := sessionFromCtx(r)
	updatedRoles := roles
	rolesChanged := false
	if req.Roles != nil || req.Role != "" {
		updatedRoles = sanitizeRoles(req.Roles, req.Role)
		rolesChanged = true
		if !h.rolesExist(r.Context(), w, updatedRoles) {
			return
		}
		if sess != nil && id == sess.UserID && !h.policy.Allowed(updatedRoles, rbac.PermAccountsManage) {
			http.Error(w, "role change would lock you out", http.StatusConflict)
			h.audits.Log(r.Context(), currentUser(r), "accounts.self_lockout_blocked", idStr)
			return
		}
	}
	if !existing.Active && isAdminUsername(existing.Username) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if sess != nil && id == sess.UserID && !existing.Active {
		http.Error(w, "cannot deactivate yourself", http.StatusConflict)
		h.audits.Log(r.Context(), currentUser(r), "accounts.self_lockout_blocked", idStr)
		return
	}
	if req.RequirePasswordChange {
		existing.RequirePasswordChange = true
	}

	var directRoles []string
	if rolesChanged {
		directRoles = updatedRoles
	}
	if err := h.users.Update(r.Context(), existing, directRoles); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if rolesChanged {
		h.audits.Log(r.Context(), currentUser(r), "accounts.roles_changed", idStr)
	}
	// Any security-relevant edit invalidates the target's sessions.
	_, _ = h.sessions.DeleteUserSessions(r.Context(), existing.ID, currentUser(r))
	h.audits.Log(r.Context(), currentUser(r), "session.kill_all", idStr+"|security_change")
	h.audits.Log(r.Context(), currentUser(r), "accounts.update_user", idStr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AccountsHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()

	idStr := pathParams(r)["id"]
	id, _ := strconv.ParseInt(idStr, 10, 64)
	existing, _, err := h.users.Get(ctx, id)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if existing == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if h.protectRootAccount(w, r, existing) {
		return
	}
	var req struct {
		Password      string `json:"password"`
		RequireChange bool   `json:"require_change"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	password := strings.TrimSpace(req.Password)
	generated := password == ""
	if generated {
		password = generateStrongPassword()
	}
	if err := utils.ValidatePassword(password); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ph, err := auth.HashPassword(password, h.cfg.Pepper)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if err := h.users.UpdatePassword(ctx, id, ph.Hash, ph.Salt); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if req.RequireChange || generated {
		existing.RequirePasswordChange = true
		if err := h.users.Update(ctx, existing, nil); err != nil {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
	}
	_, _ = h.sessions.DeleteUserSessions(ctx, id, currentUser(r))
	h.audits.Log(r.Context(), currentUser(r), "session.kill_all", idStr+"|security_change")
	h.audits.Log(r.Context(), currentUser(r), "auth.password_reset", idStr)
	resp := map[string]any{"status": "ok"}
	if generated {
		resp["temp_password"] = password
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AccountsHandler) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	id, _ := strconv.ParseInt(pathParams(r)["id"], 10, 64)
	all, err := h.sessions.ListActiveSessions(ctx)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	items := make([]store.SessionRecord, 0, len(all))
	for _, sess := range all {
		if sess.UserID == id {
			items = append(items, sess)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

func (h *AccountsHandler) KillAllSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	idStr := pathParams(r)["id"]
	id, _ := strconv.ParseInt(idStr, 10, 64)
	if id <= 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	killed, err := h.sessions.DeleteUserSessions(ctx, id, currentUser(r))
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	h.audits.Log(r.Context(), currentUser(r), "session.kill_all", idStr)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "killed": killed})
}

func (h *AccountsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	items, err := h.sessions.ListActiveSessions(ctx)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

func (h *AccountsHandler) KillSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	sessID := pathParams(r)["session_id"]
	if sessID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sess, err := h.sessions.GetSession(ctx, sessID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	_ = h.sessions.DeleteSession(ctx, sessID, currentUser(r))
	h.audits.Log(r.Context(), currentUser(r), "session.kill", sessID+"|"+strconv.FormatInt(sess.UserID, 10))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AccountsHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	roles, err := h.roles.List(ctx)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *AccountsHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	var payload store.Role
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	payload.Name = strings.ToLower(strings.TrimSpace(payload.Name))
	if payload.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	perms, ok := checkedPermissionNames(w, payload.Permissions)
	if !ok {
		return
	}
	payload.Permissions = perms
	payload.BuiltIn = false
	id, err := h.roles.Create(ctx, &payload)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	h.reloadPolicy(ctx)
	h.audits.Log(r.Context(), currentUser(r), "accounts.role_create", payload.Name)
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *AccountsHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	idStr := pathParams(r)["id"]
	rid, _ := strconv.ParseInt(idStr, 10, 64)
	existing, err := h.roles.FindByID(ctx, rid)
	if err != nil || existing == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if existing.BuiltIn {
		http.Error(w, "built-in role is protected", http.StatusConflict)
		return
	}
	var payload store.Role
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	perms, ok := checkedPermissionNames(w, payload.Permissions)
	if !ok {
		return
	}
	existing.Description = payload.Description
	existing.Permissions = perms
	if err := h.roles.Update(ctx, existing); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	h.reloadPolicy(ctx)
	h.audits.Log(r.Context(), currentUser(r), "accounts.role_update", idStr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AccountsHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	idStr := pathParams(r)["id"]
	rid, _ := strconv.ParseInt(idStr, 10, 64)
	existing, err := h.roles.FindByID(ctx, rid)
	if err != nil || existing == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if existing.BuiltIn {
		http.Error(w, "built-in role is protected", http.StatusConflict)
		return
	}
	if err := h.roles.Delete(ctx, rid); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	h.reloadPolicy(ctx)
	h.audits.Log(r.Context(), currentUser(r), "accounts.role_delete", idStr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// rolesExist rejects assignments naming roles the store does not know.
func (h *AccountsHandler) rolesExist(ctx context.Context, w http.ResponseWriter, roles []string) bool {
	for _, name := range roles {
		role, err := h.roles.FindByName(ctx, name)
		if err != nil {
			http.Error(w, "server error", http.StatusInternalServerError)
			return false
		}
		if role == nil {
			http.Error(w, "unknown role "+name, http.StatusBadRequest)
			return false
		}
	}
	return true
}

// protectRootAccount blocks edits to the built-in admin account unless the
// actor is that account itself.
func (h *AccountsHandler) protectRootAccount(w http.ResponseWriter, r *http.Request, target *store.User) bool {
	if !isAdminUsername(target.Username) {
		return false
	}
	if isAdminUsername(currentUser(r)) {
		return false
	}
	http.Error(w, "forbidden", http.StatusForbidden)
	return true
}

// checkedPermissionNames validates a permission list from a role payload
// and writes the 400 itself when any name is unknown.
func checkedPermissionNames(w http.ResponseWriter, raw []string) ([]string, bool) {
	perms, invalid := rbac.NormalizePermissionNames(raw)
	if len(invalid) > 0 {
		http.Error(w, "unknown permissions: "+strings.Join(invalid, ", "), http.StatusBadRequest)
		return nil, false
	}
	return permissionNames(perms), true
}

func (h *AccountsHandler) reloadPolicy(ctx context.Context) {
	if h.refreshPolicy != nil {
		_ = h.refreshPolicy(ctx)
	}
}

func generateStrongPassword() string {
	for i := 0; i < 5; i++ {
		pwd, err := utils.RandString(16)
		if err == nil && utils.ValidatePassword(pwd) == nil {
			return pwd
		}
	}
	// RandString output is not guaranteed to hit every character class,
	// so prefix one of each before giving up.
	fallback, _ := utils.RandString(16)
	candidate := "Aa1!" + fallback
	if utils.ValidatePassword(candidate) == nil {
		return candidate
	}
	return candidate + "!"
}

func permissionNames(perms []rbac.Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, string(p))
	}
	return out
}
