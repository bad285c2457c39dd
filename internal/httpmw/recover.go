package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/arthiv/sessiongate/internal/log"
	"github.com/arthiv/sessiongate/internal/xerrors"
)

// Recover converts handler panics into 500 responses and a structured error
// log. onPanic, if non-nil, is invoked once per recovered panic (metrics
// counter hook).
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				if onPanic != nil {
					onPanic()
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "panic")
				default:
					err = xerrors.Newf("panic: %v", v)
				}

				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"stack", string(debug.Stack()),
				).Error(r.Context(), err, "httpserver panic recovered")

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
