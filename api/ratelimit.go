package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"saker-scm/config"
	"saker-scm/core/auth"
)

const (
	loginPayloadMaxBytes = 64 * 1024
	limiterEntryTTL      = 10 * time.Minute
	limiterSweepEvery    = time.Minute
	limiterMaxEntries    = 10000
)

var loginLimiter = newLimiter(5, time.Minute)

// attemptLimiter is a keyed fixed-window counter. Keys are client IPs and
// "user|<name>" pairs, so one address cannot spray logins across accounts
// and one account cannot be sprayed from many addresses.
type attemptLimiter struct {
	mu         sync.Mutex
	entries    map[string]*attemptWindow
	capacity   int
	window     time.Duration
	entryTTL   time.Duration
	sweepEvery time.Duration
	sweptAt    time.Time
	maxEntries int
}

type attemptWindow struct {
	remaining int
	startedAt time.Time
	touchedAt time.Time
}

func newLimiter(capacity int, window time.Duration) *attemptLimiter {
	return &attemptLimiter{
		entries:    make(map[string]*attemptWindow),
		capacity:   capacity,
		window:     window,
		entryTTL:   limiterEntryTTL,
		sweepEvery: limiterSweepEvery,
		maxEntries: limiterMaxEntries,
	}
}

func (l *attemptLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.sweepEvery > 0 && now.Sub(l.sweptAt) >= l.sweepEvery {
		l.sweepStale(now)
		l.sweptAt = now
	}

	win, ok := l.entries[key]
	if !ok {
		l.entries[key] = &attemptWindow{remaining: l.capacity - 1, startedAt: now, touchedAt: now}
		return true
	}
	win.touchedAt = now
	if now.Sub(win.startedAt) >= l.window {
		win.remaining = l.capacity
		win.startedAt = now
	}
	if win.remaining <= 0 {
		return false
	}
	win.remaining--
	return true
}

// sweepStale drops idle entries, then evicts the least recently touched
// ones until the map is back under its cap.
func (l *attemptLimiter) sweepStale(now time.Time) {
	if l.entryTTL > 0 {
		for key, win := range l.entries {
			if now.Sub(win.touchedAt) > l.entryTTL {
				delete(l.entries, key)
			}
		}
	}
	if l.maxEntries <= 0 {
		return
	}
	for len(l.entries) > l.maxEntries {
		victim := ""
		var idle time.Time
		for key, win := range l.entries {
			if victim == "" || win.touchedAt.Before(idle) {
				victim, idle = key, win.touchedAt
			}
		}
		if victim == "" {
			return
		}
		delete(l.entries, victim)
	}
}

func (s *Server) rateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readLoginBody(w, r)
		if !ok {
			return
		}
		if !loginLimiter.allow(strings.ToLower(s.clientIP(r))) {
			http.Error(w, "too many attempts", http.StatusTooManyRequests)
			return
		}
		var cred auth.Credentials
		_ = json.Unmarshal(body, &cred)
		if username := strings.ToLower(strings.TrimSpace(cred.Username)); username != "" {
			if !loginLimiter.allow("user|" + username) {
				http.Error(w, "too many attempts", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

// readLoginBody drains the request body under a hard size cap and puts a
// replayable copy back on the request for the handler.
func readLoginBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, loginPayloadMaxBytes+1)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "bad request", http.StatusBadRequest)
		}
		return nil, false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true
}

// clientIP resolves the caller address, honouring X-Forwarded-For only
// when the direct peer is one of the configured trusted proxies.
func (s *Server) clientIP(r *http.Request) string {
	ip := remoteHost(r)
	if s == nil || s.cfg == nil || !trustedProxy(ip, s.cfg.Security.TrustedProxies) {
		return ip
	}
	if hop := firstUntrustedHop(r.Header.Get("X-Forwarded-For"), s.cfg.Security.TrustedProxies); hop != "" {
		return hop
	}
	if real := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); real != nil {
		return real.String()
	}
	return ip
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		host = r.RemoteAddr
	}
	return strings.TrimSpace(host)
}

func isHTTPSRequest(r *http.Request, cfg *config.AppConfig) bool {
	switch {
	case r == nil:
		return false
	case r.TLS != nil:
		return true
	case cfg == nil:
		return false
	case cfg.TLSEnabled:
		return true
	}
	if !trustedProxy(remoteHost(r), cfg.Security.TrustedProxies) {
		return false
	}
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

// firstUntrustedHop walks X-Forwarded-For right to left and returns the
// first address that is not one of our own proxies.
func firstUntrustedHop(xff string, trusted []string) string {
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr := net.ParseIP(strings.TrimSpace(hops[i]))
		if addr == nil {
			continue
		}
		if !trustedProxy(addr.String(), trusted) {
			return addr.String()
		}
	}
	return ""
}

func trustedProxy(ip string, proxies []string) bool {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return false
	}
	for _, entry := range proxies {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case strings.Contains(entry, "/"):
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(addr) {
				return true
			}
		case addr.Equal(net.ParseIP(entry)):
			return true
		}
	}
	return false
}
