package httputil

import (
	"net"
	"net/http"
)

// ClientIP is the caller's address without the port. chi's RealIP middleware
// replaces RemoteAddr with a bare forwarded address, so both shapes occur.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
