// Package util holds small URL and request helpers shared by ingest and the
// ops API.
package util

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address a request came from. The first parsable
// X-Forwarded-For entry wins, then X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	for _, candidate := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := net.ParseIP(strings.TrimSpace(candidate)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
