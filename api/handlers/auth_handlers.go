package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"saker-scm/config"
	"saker-scm/core/auth"
	"saker-scm/core/cases"
	"saker-scm/core/rbac"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

type AuthHandler struct {
	cfg            *config.AppConfig
	users          store.UsersStore
	sessions       store.SessionStore
	casesSvc       *cases.Service
	sessionManager *auth.SessionManager
	policy         *rbac.Policy
	audits         store.AuditStore
	logger         *utils.Logger
}

func NewAuthHandler(cfg *config.AppConfig, users store.UsersStore, sessions store.SessionStore, casesSvc *cases.Service, sm *auth.SessionManager, policy *rbac.Policy, audits store.AuditStore, logger *utils.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, users: users, sessions: sessions, casesSvc: casesSvc, sessionManager: sm, policy: policy, audits: audits, logger: logger}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var cred auth.Credentials
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	cred.Username = strings.ToLower(strings.TrimSpace(cred.Username))
	if err := utils.ValidateUsername(cred.Username); err != nil {
		http.Error(w, "invalid username", http.StatusBadRequest)
		return
	}
	user, roles, err := h.users.FindByUsername(r.Context(), cred.Username)
	if err != nil || user == nil || !user.Active {
		h.audits.Log(r.Context(), cred.Username, "auth.login_failed", "user missing or inactive")
		_ = h.users.RecordLoginEvent(r.Context(), nil, cred.Username, "login_failed", "user missing or inactive")
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	now := time.Now().UTC()
	if h.rejectLocked(w, r, user, now) {
		return
	}
	// A wrong password after an expired lock escalates one stage instead
	// of restarting the five-attempt count.
	priorLock := user.LockStage >= 1
	if user.LockedUntil != nil && now.After(*user.LockedUntil) {
		user.LockedUntil = nil
		user.FailedAttempts = 0
	}

	ph, _ := auth.ParsePasswordHash(user.PasswordHash, user.Salt)
	if ok, err := auth.VerifyPassword(cred.Password, h.cfg.Pepper, ph); err != nil || !ok {
		h.handleFailedPassword(w, r, user, priorLock, now)
		return
	}
	h.establishSession(w, r, user, roles, now)
}

// rejectLocked writes a 403 and reports true when the account is under an
// active lock, permanent or timed.
func (h *AuthHandler) rejectLocked(w http.ResponseWriter, r *http.Request, user *store.User, now time.Time) bool {
	if isPermanentLock(user) {
		h.audits.Log(r.Context(), user.Username, "auth.login_blocked", "permanent")
		_ = h.users.RecordLoginEvent(r.Context(), &user.ID, user.Username, "login_blocked", "permanent")
		http.Error(w, permanentLockMessage, http.StatusForbidden)
		return true
	}
	if user.LockedUntil == nil || !now.Before(*user.LockedUntil) {
		return false
	}
	msg := lockedUntilMessage(*user.LockedUntil)
	h.audits.Log(r.Context(), user.Username, "auth.login_blocked", msg)
	_ = h.users.RecordLoginEvent(r.Context(), &user.ID, user.Username, "login_blocked", msg)
	http.Error(w, msg, http.StatusForbidden)
	return true
}

func (h *AuthHandler) handleFailedPassword(w http.ResponseWriter, r *http.Request, user *store.User, priorLock bool, now time.Time) {
	user.LastFailedAt = &now
	if priorLock {
		stage := user.LockStage + 1
		if stage > permanentLockStage {
			stage = permanentLockStage
		}
		h.imposeLockout(w, r, user, stage, now)
		return
	}
	user.FailedAttempts++
	switch {
	case user.FailedAttempts >= 5:
		h.imposeLockout(w, r, user, 1, now)
		return
	case user.FailedAttempts == 4:
		_ = h.users.Update(r.Context(), user, nil)
		http.Error(w, "Your account will be locked for 1 hour.", http.StatusUnauthorized)
		return
	}
	_ = h.users.Update(r.Context(), user, nil)
	h.audits.Log(r.Context(), user.Username, "auth.login_failed", "invalid password")
	_ = h.users.RecordLoginEvent(r.Context(), &user.ID, user.Username, "login_failed", "invalid password")
	http.Error(w, "invalid credentials", http.StatusUnauthorized)
}

// imposeLockout moves the account to the given stage, records it, raises
// the security case and answers the request with the lock message.
func (h *AuthHandler) imposeLockout(w http.ResponseWriter, r *http.Request, user *store.User, stage int, now time.Time) {
	applyLockout(user, stage, now, "auto")
	note := "stage=" + strconv.Itoa(stage)
	if stage == 1 {
		h.audits.Log(r.Context(), user.Username, "auth.lockout", note+" dur=1h")
	} else {
		h.audits.Log(r.Context(), user.Username, "auth.lockout", note)
	}
	_ = h.users.RecordLoginEvent(r.Context(), &user.ID, user.Username, "lockout", note)
	h.raiseLockoutCase(r.Context(), user, stage)
	_ = h.users.Update(r.Context(), user, nil)
	if isPermanentLock(user) {
		http.Error(w, permanentLockMessage, http.StatusForbidden)
		return
	}
	http.Error(w, lockedUntilMessage(*user.LockedUntil), http.StatusForbidden)
}

func (h *AuthHandler) establishSession(w http.ResponseWriter, r *http.Request, user *store.User, roles []string, now time.Time) {
	ip := clientIP(r, h.cfg)
	sess, err := h.sessionManager.Create(r.Context(), user, roles, ip, r.UserAgent())
	if err != nil {
		h.logger.Errorf("auth login session create failed for %s: %v", user.Username, err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	user.LastLoginAt = &now
	user.FailedAttempts = 0
	user.LockStage = 0
	user.LockedUntil = nil
	user.LockReason = ""
	user.LastFailedAt = nil
	_ = h.users.Update(r.Context(), user, nil)
	h.resolveLockoutCase(r.Context(), user)
	h.audits.Log(r.Context(), user.Username, "auth.login_success", "")
	_ = h.users.RecordLoginEvent(r.Context(), &user.ID, user.Username, "login_success", ip)
	h.setSessionCookies(w, r, sess)
	eff := auth.CalculateEffectiveAccess(user, roles, h.policy)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       userDTO(user, roles, eff),
		"csrf_token": sess.CSRFToken,
		"session":    sess,
	})
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	secure := isSecureRequest(r, h.cfg)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
	// The CSRF cookie stays readable from scripts so the client can echo
	// it in the X-CSRF-Token header.
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    sess.CSRFToken,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter, r *http.Request) {
	secure := isSecureRequest(r, h.cfg)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	actor := ""
	if sr, ok := r.Context().Value(auth.SessionContextKey).(*store.SessionRecord); ok {
		actor = sr.Username
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		_ = h.sessions.DeleteSession(r.Context(), cookie.Value, actor)
	}
	h.clearSessionCookies(w, r)
	h.audits.Log(r.Context(), actor, "auth.logout", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AuthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	sr := r.Context().Value(auth.SessionContextKey).(*store.SessionRecord)
	now := time.Now().UTC()
	_ = h.sessions.UpdateActivity(r.Context(), sr.ID, now, h.cfg.EffectiveSessionTTL())
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "last_seen_at": now})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sr := r.Context().Value(auth.SessionContextKey).(*store.SessionRecord)
	user, roles, err := h.users.FindByUsername(r.Context(), sr.Username)
	if err != nil || user == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	eff := auth.CalculateEffectiveAccess(user, roles, h.policy)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       userDTO(user, roles, eff),
		"csrf_token": sr.CSRFToken,
	})
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	sr := r.Context().Value(auth.SessionContextKey).(*store.SessionRecord)
	var payload struct {
		Current  string `json:"current_password"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	user, _, err := h.users.Get(r.Context(), sr.UserID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err := utils.ValidatePassword(payload.Password); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if user.PasswordSet {
		current, _ := auth.ParsePasswordHash(user.PasswordHash, user.Salt)
		if ok, _ := auth.VerifyPassword(payload.Current, h.cfg.Pepper, current); !ok {
			http.Error(w, "current password is invalid", http.StatusBadRequest)
			return
		}
	}
	ph, err := auth.HashPassword(payload.Password, h.cfg.Pepper)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if err := h.users.UpdatePassword(r.Context(), sr.UserID, ph.Hash, ph.Salt); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	h.audits.Log(r.Context(), sr.Username, "auth.password_changed", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userDTO(u *store.User, roles []string, eff auth.EffectiveAccess) auth.UserDTO {
	return auth.UserDTO{
		ID:                    u.ID,
		Username:              u.Username,
		Email:                 u.Email,
		FullName:              u.FullName,
		Roles:                 roles,
		Active:                u.Active,
		PasswordSet:           u.PasswordSet,
		RequirePasswordChange: u.RequirePasswordChange,
		LockedUntil:           u.LockedUntil,
		LastLoginAt:           u.LastLoginAt,
		Permissions:           eff.Permissions,
	}
}
