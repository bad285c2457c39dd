package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction behavior.
type ClientIPOptions struct {
	// TrustedHops is the number of trusted reverse proxies between the client
	// and this server. 0 = no proxies (X-Forwarded-For ignored), 1 = single
	// load balancer (rightmost XFF entry), 2 = CDN + LB (second from end), etc.
	TrustedHops int
}

// ClientIP extracts the client IP address from the request and stores it in
// the context. Uses default options (TrustedHops=0: no trusted proxies,
// X-Forwarded-For is ignored).
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions returns middleware that extracts the client IP using the
// given options.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealClientAddr(r, opts.TrustedHops)
			ctx := WithClientIP(r.Context(), ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractRealClientAddr resolves the peer address the flood limiter and
// access logs key on, honoring X-Forwarded-For only when the direct peer is
// one of our own proxies (private or loopback) and trustedHops says how many
// proxy entries to expect. The header itself is left on the request: the
// device fingerprint hashes whatever identity the client presented, which is
// a separate concern from this trust decision.
func extractRealClientAddr(r *http.Request, trustedHops int) string {
	// should never happen
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}

	clientAddr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// malformed remote addr, return r.RemoteAddr
		return r.RemoteAddr
	}

	ip := net.ParseIP(clientAddr)
	if ip == nil {
		return "0.0.0.0"
	}

	if !ip.IsPrivate() && !ip.IsLoopback() {
		// direct connection from outside our infrastructure
		return clientAddr
	}

	if trustedHops <= 0 {
		// proxies not configured, dont trust forwarded headers
		return clientAddr
	}

	// trustedHops=1 takes the rightmost X-Forwarded-For entry (single LB in
	// front), trustedHops=N the Nth-from-end. Fewer entries than expected
	// proxies means misconfiguration or manipulation: fail closed and keep
	// the peer address.
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		idx := len(parts) - trustedHops
		if idx < 0 {
			return clientAddr
		}
		if candidate := strings.TrimSpace(parts[idx]); net.ParseIP(candidate) != nil {
			clientAddr = candidate
		}
	}

	return clientAddr
}

// ClientIPFromContext returns the extracted client IP, or "" if none.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// WithClientIP attaches a client IP to the context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
