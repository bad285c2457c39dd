package gatehttp

import (
	"net/http"

	"github.com/arthiv/sessiongate/internal/admission"
	"github.com/arthiv/sessiongate/internal/health"
	"github.com/arthiv/sessiongate/internal/httpmw"
	"github.com/arthiv/sessiongate/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int
	Guard  *admission.Guard

	UseRecoverMW bool
	OnPanic      func()

	// Outer per-IP flood limiter; runs before the device guard so abusive
	// peers are shed cheaply.
	FloodMW   func(http.Handler) http.Handler
	MetricsMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	Health    health.Probe
	Readiness health.Probe

	// Session lifecycle hooks, fired after a successful register/release.
	OnSessionRegistered func()
	OnSessionReleased   func()
}
