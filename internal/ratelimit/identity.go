package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// Identity derivation for limiter keys. Callers pick which dimensions
// to check; a combined IP+user check goes through Limiter.CheckAll.

// IdentityIP keys a limit on the client address alone.
func IdentityIP(ip string) string {
	return "ip:" + ip
}

// IdentityUser keys a limit on the authenticated user.
func IdentityUser(userID string) string {
	return "user:" + userID
}

// IdentityIPEndpoint keys a limit on the (address, endpoint) pair so
// one hot endpoint cannot consume another's budget.
func IdentityIPEndpoint(ip, endpoint string) string {
	return "ip:" + ip + ":" + endpoint
}

// ClientIP extracts the client address from a request, honoring
// X-Forwarded-For and X-Real-Ip from trusted proxies.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
