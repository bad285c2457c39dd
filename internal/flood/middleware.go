package flood

import (
	"net/http"

	"github.com/arthiv/sessiongate/internal/httpmw"
)

// Middleware rejects requests from peers over their churn budget with a
// bare 429. The admission guard's richer payload is reserved for device
// level decisions; a flooding peer gets no detail about limits.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := httpmw.ClientIPFromContext(r.Context())
		if addr == "" {
			addr = r.RemoteAddr
		}

		if !l.Allow(addr) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
