package server

import (
	"net"
	"net/http"
	"strings"
)

// clientAddr names the peer of r for logs. The first X-Forwarded-For entry
// is only believed when a trusted proxy sits in front of us.
func clientAddr(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
