package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"saker-scm/config"
	"saker-scm/core/auth"
	"saker-scm/core/rbac"
	"saker-scm/core/store"
)

type stubSessions struct {
	rec     *store.SessionRecord
	deleted []string
}

func (s *stubSessions) SaveSession(ctx context.Context, sr *store.SessionRecord) error { return nil }
func (s *stubSessions) GetSession(ctx context.Context, id string) (*store.SessionRecord, error) {
	if s.rec != nil && s.rec.ID == id {
		cp := *s.rec
		return &cp, nil
	}
	return nil, nil
}
func (s *stubSessions) UpdateActivity(ctx context.Context, id string, now time.Time, ttl time.Duration) error {
	return nil
}
func (s *stubSessions) DeleteSession(ctx context.Context, id string, revokedBy string) error {
	s.deleted = append(s.deleted, id)
	return nil
}
func (s *stubSessions) DeleteUserSessions(ctx context.Context, userID int64, revokedBy string) (int64, error) {
	return 0, nil
}
func (s *stubSessions) ListActiveSessions(ctx context.Context) ([]store.SessionRecord, error) {
	return nil, nil
}
func (s *stubSessions) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type stubUsers struct {
	user  *store.User
	roles []string
}

func (s *stubUsers) Create(ctx context.Context, u *store.User, roles []string) (int64, error) {
	return 0, nil
}
func (s *stubUsers) Update(ctx context.Context, u *store.User, roles []string) error { return nil }
func (s *stubUsers) UpdatePassword(ctx context.Context, userID int64, hash, salt string) error {
	return nil
}
func (s *stubUsers) SetActive(ctx context.Context, userID int64, active bool) error { return nil }
func (s *stubUsers) Get(ctx context.Context, id int64) (*store.User, []string, error) {
	return nil, nil, nil
}
func (s *stubUsers) FindByUsername(ctx context.Context, username string) (*store.User, []string, error) {
	if s.user != nil && s.user.Username == username {
		cp := *s.user
		return &cp, s.roles, nil
	}
	return nil, nil, nil
}
func (s *stubUsers) List(ctx context.Context) ([]store.User, error) { return nil, nil }
func (s *stubUsers) RolesForUsers(ctx context.Context, userIDs []int64) (map[int64][]string, error) {
	return nil, nil
}
func (s *stubUsers) RecordLoginEvent(ctx context.Context, userID *int64, username, event, details string) error {
	return nil
}

func sessionServer(rec *store.SessionRecord, user *store.User, roles []string) (*Server, *stubSessions) {
	sessions := &stubSessions{rec: rec}
	return &Server{
		sessions: sessions,
		users:    &stubUsers{user: user, roles: roles},
	}, sessions
}

func activeSessionFixture() (*store.SessionRecord, *store.User) {
	rec := &store.SessionRecord{
		ID:        "sess-1",
		UserID:    7,
		Username:  "oddny",
		Roles:     []string{"analyst"},
		CSRFToken: "csrf-token-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	user := &store.User{ID: 7, Username: "oddny", Active: true}
	return rec, user
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRequirePermissionDeniesMissingPermission(t *testing.T) {
	s := &Server{policy: rbac.NewPolicy(rbac.DefaultRoles())}
	handler := s.requirePermission(rbac.PermAccountsManage)(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/accounts/users", nil)
	req = req.WithContext(context.WithValue(req.Context(), auth.SessionContextKey, &store.SessionRecord{
		Username: "viewer",
		Roles:    []string{"viewer"},
	}))
	rr := httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", rr.Code)
	}
}

func TestRequirePermissionAllowsGrantedPermission(t *testing.T) {
	s := &Server{policy: rbac.NewPolicy(rbac.DefaultRoles())}
	handler := s.requirePermission(rbac.PermCasesManage)(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	req = req.WithContext(context.WithValue(req.Context(), auth.SessionContextKey, &store.SessionRecord{
		Username: "analyst",
		Roles:    []string{"analyst"},
	}))
	rr := httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", rr.Code)
	}
}

func TestRequirePermissionWithoutSessionIsUnauthorized(t *testing.T) {
	s := &Server{policy: rbac.NewPolicy(rbac.DefaultRoles())}
	handler := s.requirePermission(rbac.PermCasesView)(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	rr := httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", rr.Code)
	}
}

func TestWithSessionRejectsMissingCookie(t *testing.T) {
	s, _ := sessionServer(nil, nil, nil)
	h := s.withSession(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	rr := httptest.NewRecorder()
	h(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without cookie, got %d", rr.Code)
	}
}

func TestWithSessionRejectsUnknownSession(t *testing.T) {
	s, _ := sessionServer(nil, nil, nil)
	h := s.withSession(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "nope"})
	rr := httptest.NewRecorder()
	h(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for unknown session, got %d", rr.Code)
	}
}

func TestWithSessionDeactivatedUserKillsSession(t *testing.T) {
	rec, user := activeSessionFixture()
	user.Active = false
	s, sessions := sessionServer(rec, user, []string{"analyst"})
	h := s.withSession(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: rec.ID})
	rr := httptest.NewRecorder()
	h(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for deactivated user, got %d", rr.Code)
	}
	if len(sessions.deleted) != 1 || sessions.deleted[0] != rec.ID {
		t.Fatalf("expected session %s revoked, got %v", rec.ID, sessions.deleted)
	}
}

func TestWithSessionCSRFMismatchForbidden(t *testing.T) {
	rec, user := activeSessionFixture()
	s, _ := sessionServer(rec, user, []string{"analyst"})
	h := s.withSession(okHandler)
	req := httptest.NewRequest(http.MethodPost, "/api/cases", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: rec.ID})
	req.AddCookie(&http.Cookie{Name: csrfCookie, Value: rec.CSRFToken})
	req.Header.Set("X-CSRF-Token", "wrong")
	rr := httptest.NewRecorder()
	h(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden for csrf mismatch, got %d", rr.Code)
	}
}

func TestWithSessionCSRFMatchAllows(t *testing.T) {
	rec, user := activeSessionFixture()
	s, _ := sessionServer(rec, user, []string{"analyst"})
	h := s.withSession(okHandler)
	req := httptest.NewRequest(http.MethodPost, "/api/cases", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: rec.ID})
	req.AddCookie(&http.Cookie{Name: csrfCookie, Value: rec.CSRFToken})
	req.Header.Set("X-CSRF-Token", rec.CSRFToken)
	rr := httptest.NewRecorder()
	h(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ok with matching csrf, got %d", rr.Code)
	}
}

func TestWithSessionGETSkipsCSRFCheck(t *testing.T) {
	rec, user := activeSessionFixture()
	s, _ := sessionServer(rec, user, []string{"analyst"})
	h := s.withSession(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: rec.ID})
	rr := httptest.NewRecorder()
	h(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ok for GET without csrf header, got %d", rr.Code)
	}
}

func TestWithSessionBlocksUntilPasswordChanged(t *testing.T) {
	rec, user := activeSessionFixture()
	user.RequirePasswordChange = true
	s, _ := sessionServer(rec, user, []string{"analyst"})
	h := s.withSession(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: rec.ID})
	rr := httptest.NewRecorder()
	h(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden while password change pending, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: rec.ID})
	rr = httptest.NewRecorder()
	h(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected /api/auth/me to stay reachable, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/change-password", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: rec.ID})
	req.AddCookie(&http.Cookie{Name: csrfCookie, Value: rec.CSRFToken})
	req.Header.Set("X-CSRF-Token", rec.CSRFToken)
	rr = httptest.NewRecorder()
	h(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected change-password to stay reachable, got %d", rr.Code)
	}
}

func TestRequestLimiterBlocksWhenExhausted(t *testing.T) {
	l := newLimiter(2, time.Minute)
	if !l.allow("203.0.113.1") || !l.allow("203.0.113.1") {
		t.Fatalf("expected first two attempts to pass")
	}
	if l.allow("203.0.113.1") {
		t.Fatalf("expected third attempt to be limited")
	}
	if !l.allow("203.0.113.2") {
		t.Fatalf("expected other keys to be unaffected")
	}
}

func TestIsHTTPSRequestWithTLS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.TLS = &tls.ConnectionState{}
	if !isHTTPSRequest(req, &config.AppConfig{}) {
		t.Fatalf("expected https request when TLS state is present")
	}
}

func TestIsHTTPSRequestWithTrustedProxyForwardedProto(t *testing.T) {
	cfg := &config.AppConfig{
		Security: config.SecurityConfig{
			TrustedProxies: []string{"10.0.0.10"},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "10.0.0.10:12345"
	req.Header.Set("X-Forwarded-Proto", "https")
	if !isHTTPSRequest(req, cfg) {
		t.Fatalf("expected https request behind trusted proxy with x-forwarded-proto=https")
	}
}

func TestIsHTTPSRequestIgnoresUntrustedProxyHeader(t *testing.T) {
	cfg := &config.AppConfig{
		Security: config.SecurityConfig{
			TrustedProxies: []string{"10.0.0.10"},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "192.168.1.20:12345"
	req.Header.Set("X-Forwarded-Proto", "https")
	if isHTTPSRequest(req, cfg) {
		t.Fatalf("expected non-https for untrusted proxy source")
	}
}

func TestClientIPUsesNearestUntrustedXFFHop(t *testing.T) {
	s := &Server{
		cfg: &config.AppConfig{
			Security: config.SecurityConfig{
				TrustedProxies: []string{"10.0.0.10", "10.0.0.11"},
			},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "10.0.0.10:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.11")
	got := s.clientIP(req)
	if got != "203.0.113.9" {
		t.Fatalf("expected client ip 203.0.113.9, got %s", got)
	}
}

func TestClientIPIgnoresXFFForUntrustedRemote(t *testing.T) {
	s := &Server{
		cfg: &config.AppConfig{
			Security: config.SecurityConfig{
				TrustedProxies: []string{"10.0.0.10"},
			},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "192.168.1.20:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.10")
	got := s.clientIP(req)
	if got != "192.168.1.20" {
		t.Fatalf("expected remote addr ip for untrusted source, got %s", got)
	}
}

func TestClientIPInvalidXFFFallsBackToRealIP(t *testing.T) {
	s := &Server{
		cfg: &config.AppConfig{
			Security: config.SecurityConfig{
				TrustedProxies: []string{"10.0.0.10"},
			},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "10.0.0.10:54321"
	req.Header.Set("X-Forwarded-For", "garbage,not-an-ip")
	req.Header.Set("X-Real-IP", "198.51.100.8")
	got := s.clientIP(req)
	if got != "198.51.100.8" {
		t.Fatalf("expected fallback to valid X-Real-IP, got %s", got)
	}
}

func TestSecurityHeadersSetHSTSForTrustedProxyHTTPS(t *testing.T) {
	s := &Server{
		cfg: &config.AppConfig{
			Security: config.SecurityConfig{
				TrustedProxies: []string{"10.0.0.10"},
			},
		},
	}
	h := s.securityHeadersMiddleware(http.HandlerFunc(okHandler))
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "10.0.0.10:12345"
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get("Strict-Transport-Security") == "" {
		t.Fatalf("expected HSTS header for trusted proxy https request")
	}
}

func TestSecurityHeadersSkipHSTSForUntrustedProxy(t *testing.T) {
	s := &Server{
		cfg: &config.AppConfig{
			Security: config.SecurityConfig{
				TrustedProxies: []string{"10.0.0.10"},
			},
		},
	}
	h := s.securityHeadersMiddleware(http.HandlerFunc(okHandler))
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "192.168.1.20:12345"
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("expected no HSTS header for untrusted proxy source")
	}
}
