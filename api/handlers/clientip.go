package handlers

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"saker-scm/config"
)

// clientIP picks the address login events and sessions are attributed to.
// Forwarding headers count only when the direct peer is a trusted proxy.
func clientIP(r *http.Request, cfg *config.AppConfig) string {
	host := requestHost(r)
	if cfg == nil || !fromTrustedProxy(host, cfg.Security.TrustedProxies) {
		return host
	}
	if hop := forwardedClient(r.Header.Get("X-Forwarded-For"), cfg.Security.TrustedProxies); hop != "" {
		return hop
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.String()
	}
	return host
}

func requestHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return strings.TrimSpace(host)
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// isSecureRequest decides whether session cookies get the Secure flag:
// direct TLS, a TLS listener, or a trusted proxy reporting https.
func isSecureRequest(r *http.Request, cfg *config.AppConfig) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if cfg == nil {
		return false
	}
	if cfg.TLSEnabled {
		return true
	}
	if !fromTrustedProxy(requestHost(r), cfg.Security.TrustedProxies) {
		return false
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if i := strings.IndexByte(proto, ','); i >= 0 {
		proto = proto[:i]
	}
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

// forwardedClient returns the rightmost X-Forwarded-For hop that is not
// one of our own proxies.
func forwardedClient(xff string, trusted []string) string {
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			continue
		}
		if !fromTrustedProxy(addr.String(), trusted) {
			return addr.String()
		}
	}
	return ""
}

func fromTrustedProxy(host string, trusted []string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range trusted {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if pfx, err := netip.ParsePrefix(entry); err == nil && pfx.Contains(addr) {
				return true
			}
			continue
		}
		if peer, err := netip.ParseAddr(entry); err == nil && peer.Unmap() == addr {
			return true
		}
	}
	return false
}
