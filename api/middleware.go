package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"saker-scm/core/auth"
	"saker-scm/core/rbac"
	"saker-scm/core/store"
)

const (
	sessionCookie           = "saker_session"
	csrfCookie              = "saker_csrf"
	sessionActivityInterval = 30 * time.Second
)

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			s.logger.Errorf("PANIC %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'self'; style-src 'self'; script-src 'self'; img-src 'self' data:; object-src 'none'; frame-ancestors 'self'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "no-referrer")
		if isHTTPSRequest(r, s.cfg) {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Printf("REQ %s %s", r.Method, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		user := "-"
		if sr, ok := r.Context().Value(auth.SessionContextKey).(*store.SessionRecord); ok {
			user = sr.Username
		}
		s.logger.Printf("RESP %s %s user=%s status=%d dur=%s bytes=%d", r.Method, r.URL.Path, user, sw.code, time.Since(began), sw.wrote)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code  int
	wrote int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.code = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(p)
	sw.wrote += n
	return n, err
}

// sessionActivity debounces last-seen writes so a busy client does not
// turn every request into an UPDATE on the sessions table.
type sessionActivity struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newSessionActivity() *sessionActivity {
	return &sessionActivity{seen: make(map[string]time.Time)}
}

func (a *sessionActivity) shouldUpdate(id string, now time.Time, every time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.seen[id]; ok && now.Sub(prev) < every {
		return false
	}
	a.seen[id] = now
	return true
}

func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sr, ok := s.resolveSession(w, r)
		if !ok {
			return
		}
		if !s.checkCSRF(w, r, sr) {
			return
		}
		ctx := context.WithValue(r.Context(), auth.SessionContextKey, sr)
		s.touchActivity(r.Context(), sr)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// resolveSession authenticates the request cookie against the session
// store and the user record behind it. A session whose account has been
// deactivated is revoked on sight.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) (*store.SessionRecord, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		s.logger.Printf("AUTH fail (missing cookie) %s %s", r.Method, r.URL.Path)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	sr, err := s.sessions.GetSession(r.Context(), cookie.Value)
	if err != nil || sr == nil {
		s.logger.Printf("AUTH fail (session not found) %s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	user, _, err := s.users.FindByUsername(r.Context(), sr.Username)
	if err != nil || user == nil || !user.Active {
		s.logger.Printf("AUTH fail (user inactive/missing) %s %s: %v", r.Method, r.URL.Path, err)
		_ = s.sessions.DeleteSession(r.Context(), sr.ID, sr.Username)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	if user.RequirePasswordChange && !passwordChangeExempt(r.URL.Path) {
		http.Error(w, "password change required", http.StatusForbidden)
		return nil, false
	}
	return sr, true
}

// passwordChangeExempt lists what a user may still reach while a forced
// password change is pending.
func passwordChangeExempt(path string) bool {
	return strings.HasPrefix(path, "/api/auth/change-password") ||
		strings.HasPrefix(path, "/api/auth/logout") ||
		path == "/api/auth/me"
}

func (s *Server) checkCSRF(w http.ResponseWriter, r *http.Request, sr *store.SessionRecord) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	header := r.Header.Get("X-CSRF-Token")
	cookie, _ := r.Cookie(csrfCookie)
	if header == "" || cookie == nil || header != cookie.Value || header != sr.CSRFToken {
		s.logger.Printf("AUTH fail (csrf) %s %s user=%s", r.Method, r.URL.Path, sr.Username)
		http.Error(w, "csrf invalid", http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) touchActivity(ctx context.Context, sr *store.SessionRecord) {
	now := time.Now().UTC()
	if s.activityTracker != nil && !s.activityTracker.shouldUpdate(sr.ID, now, s.activityInterval()) {
		return
	}
	_ = s.sessions.UpdateActivity(ctx, sr.ID, now, s.cfg.EffectiveSessionTTL())
}

// activityInterval derives the debounce from the presence window, clamped
// to [30s, 1m] so the sessions table is written at a predictable rate.
func (s *Server) activityInterval() time.Duration {
	if s.cfg == nil || s.cfg.Security.OnlineWindowSec <= 0 {
		return sessionActivityInterval
	}
	every := time.Duration(s.cfg.Security.OnlineWindowSec/2) * time.Second
	if every < sessionActivityInterval {
		return sessionActivityInterval
	}
	if every > time.Minute {
		return time.Minute
	}
	return every
}

func (s *Server) requirePermission(perm rbac.Permission) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			sess, ok := r.Context().Value(auth.SessionContextKey).(*store.SessionRecord)
			if !ok {
				s.logger.Printf("PERM fail (no session) %s %s need=%s", r.Method, r.URL.Path, perm)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !s.policy.Allowed(sess.Roles, perm) {
				s.logger.Printf("PERM fail %s %s user=%s roles=%v need=%s", r.Method, r.URL.Path, sess.Username, sess.Roles, perm)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
