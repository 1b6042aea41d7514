package metadata

import (
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"onchainkyc/pkg/requestcontext"
)

// ClientMetadata stores the caller IP, raw User-Agent and a short client
// summary in the request context for audit events.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIPFromRequest(r)
		userAgent := r.Header.Get("User-Agent")
		ctx := requestcontext.WithClientMetadata(r.Context(), ip, userAgent, DescribeClient(userAgent))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DescribeClient reduces a User-Agent to a browser name, the bare product token
// for non-browser callers such as the attestation provider, or "unknown".
func DescribeClient(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "unknown"
	}
	ua := useragent.New(raw)
	if ua.Bot() {
		return "bot"
	}
	name, _ := ua.Browser()
	if name == "" {
		if product := strings.Fields(raw); len(product) > 0 {
			return product[0]
		}
		return "unknown"
	}
	if ua.Mobile() {
		return name + " (mobile)"
	}
	return name
}

// ClientIPFromRequest returns the caller address recorded on audit events.
// Proxy headers take precedence over the socket peer; malformed entries fall
// through to the next source.
func ClientIPFromRequest(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); validIP(first) {
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); validIP(xri) {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func validIP(s string) bool {
	return net.ParseIP(strings.TrimSpace(s)) != nil
}
