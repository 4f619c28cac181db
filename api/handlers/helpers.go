package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"saker-scm/core/auth"
	"saker-scm/core/store"
)

// Cookie names shared between the login handler and the session middleware.
const (
	SessionCookieName = "saker_session"
	CSRFCookieName    = "saker_csrf"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseIntDefault(val string, def int) int {
	if val == "" {
		return def
	}
	if n, err := strconv.Atoi(val); err == nil {
		return n
	}
	return def
}

func displayName(u *store.User) string {
	if u == nil {
		return ""
	}
	if strings.TrimSpace(u.FullName) != "" {
		return u.FullName
	}
	return u.Username
}

func currentUser(r *http.Request) string {
	if sr := r.Context().Value(auth.SessionContextKey); sr != nil {
		return sr.(*store.SessionRecord).Username
	}
	return ""
}

func sessionFromCtx(r *http.Request) *store.SessionRecord {
	if sr := r.Context().Value(auth.SessionContextKey); sr != nil {
		if rec, ok := sr.(*store.SessionRecord); ok {
			return rec
		}
	}
	return nil
}

func isAdminUsername(username string) bool {
	return strings.EqualFold(username, "admin")
}
