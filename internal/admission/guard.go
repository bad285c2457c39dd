package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/arthiv/sessiongate/internal/fingerprint"
)

// SessionLimitError reports a session-admission rejection with the counts
// the transport needs to build its 429 response. Recoverable by the caller
// closing an existing session; never fatal.
type SessionLimitError struct {
	DeviceKey string
	Current   int
	Max       int
}

func (e *SessionLimitError) Error() string {
	return fmt.Sprintf("session limit exceeded: %d/%d sessions active for device", e.Current, e.Max)
}

// LimitPayload is the fixed-shape 429 body. The transport serializes it
// verbatim; the core produces no other user-facing text.
type LimitPayload struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	CurrentSessions int    `json:"current_sessions"`
	MaxSessions     int    `json:"max_sessions"`
	RetryAfter      string `json:"retry_after"`
}

// Stats is the aggregate view exposed for dashboards.
type Stats struct {
	TotalDevices         int `json:"total_devices"`
	TotalSessions        int `json:"total_sessions"`
	MaxSessionsPerDevice int `json:"max_sessions_per_device"`
}

// Guard composes the fingerprinter, registry, and window into the two
// admission paths the transport calls: session upgrades and plain requests.
// It holds no state of its own.
type Guard struct {
	registry *Registry
	window   *Window

	sweepEvery  time.Duration
	idleHorizon time.Duration

	// OnSessionDenied fires on each session-admission rejection,
	// OnRateLimited on each request-rate rejection. Used for metrics and
	// log hooks; the guard itself never logs.
	OnSessionDenied func(key string, current, max int)
	OnRateLimited   func(key string)

	// OnReclaim fires after each sweep that removed anything.
	OnReclaim func(sessions, devices int)
}

type GuardOption func(*Guard)

// WithSweepEvery sets the background reclamation interval.
func WithSweepEvery(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.sweepEvery = d
		}
	}
}

// WithIdleHorizon sets how long a session may sit without activity before
// the sweeper reclaims it.
func WithIdleHorizon(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.idleHorizon = d
		}
	}
}

func WithOnSessionDenied(fn func(key string, current, max int)) GuardOption {
	return func(g *Guard) { g.OnSessionDenied = fn }
}

func WithOnRateLimited(fn func(key string)) GuardOption {
	return func(g *Guard) { g.OnRateLimited = fn }
}

func WithOnReclaim(fn func(sessions, devices int)) GuardOption {
	return func(g *Guard) { g.OnReclaim = fn }
}

// NewGuard wires a registry and window together. Both must be non-nil; the
// guard is an explicitly constructed component owned by the composition
// root, not a package-level singleton, so tests build fresh instances.
func NewGuard(registry *Registry, window *Window, opts ...GuardOption) *Guard {
	g := &Guard{
		registry:    registry,
		window:      window,
		sweepEvery:  DefaultSweepEvery,
		idleHorizon: DefaultIdleHorizon,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// DeviceKey derives the device key for a request without any admission
// check, for transports that need the key before deciding anything.
func (g *Guard) DeviceKey(r *http.Request) string {
	return fingerprint.FromRequest(r)
}

// AdmitSession checks whether a session upgrade from this request may
// proceed and identifies the device. It does not register anything: the
// transport calls RegisterSession once the session identifier is known, and
// Register re-validates the cap atomically, so a race between two admits is
// caught there rather than over-admitting.
func (g *Guard) AdmitSession(r *http.Request) (string, error) {
	key := fingerprint.FromRequest(r)
	if !g.registry.CanAdmit(key) {
		current := g.registry.ActiveCount(key)
		max := g.registry.MaxSessions()
		if g.OnSessionDenied != nil {
			g.OnSessionDenied(key, current, max)
		}
		return key, &SessionLimitError{DeviceKey: key, Current: current, Max: max}
	}
	return key, nil
}

// SessionAdmissible reports whether the device is below its session cap.
func (g *Guard) SessionAdmissible(key string) bool { return g.registry.CanAdmit(key) }

// RegisterSession claims a session slot for the device. False means the
// device hit its cap between admission check and registration.
func (g *Guard) RegisterSession(key, sessionID, userID string) bool {
	ok := g.registry.Register(key, sessionID, userID)
	if !ok && g.OnSessionDenied != nil {
		g.OnSessionDenied(key, g.registry.ActiveCount(key), g.registry.MaxSessions())
	}
	return ok
}

// ReleaseSession frees the slot on session teardown.
func (g *Guard) ReleaseSession(key, sessionID string) bool {
	return g.registry.Unregister(key, sessionID)
}

// TouchSession marks session activity so idle reclamation skips it.
func (g *Guard) TouchSession(key, sessionID string) bool {
	return g.registry.Touch(key, sessionID)
}

// AllowRequest runs the sliding-window check for an already-derived key.
func (g *Guard) AllowRequest(key string) bool {
	ok := g.window.Allow(key)
	if !ok && g.OnRateLimited != nil {
		g.OnRateLimited(key)
	}
	return ok
}

// CheckRequest derives the device key for a plain request and runs the
// sliding-window check.
func (g *Guard) CheckRequest(r *http.Request) (key string, ok bool) {
	key = fingerprint.FromRequest(r)
	return key, g.AllowRequest(key)
}

// RateLimitPayload builds the 429 body for the device.
func (g *Guard) RateLimitPayload(key string) LimitPayload {
	max := g.registry.MaxSessions()
	return LimitPayload{
		Error:           "rate_limit_exceeded",
		Message:         fmt.Sprintf("Maximum sessions (%d) reached for this device", max),
		CurrentSessions: g.registry.ActiveCount(key),
		MaxSessions:     max,
		RetryAfter:      "Close an existing session to continue",
	}
}

// Stats reports the registry aggregate in the external JSON shape.
func (g *Guard) Stats() Stats {
	s := g.registry.Stats()
	return Stats{
		TotalDevices:         s.Devices,
		TotalSessions:        s.Sessions,
		MaxSessionsPerDevice: s.MaxSessions,
	}
}

// Middleware enforces the per-device request rate on plain HTTP paths,
// rejecting over-budget devices with the fixed 429 payload.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(g.window.window / time.Second))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := g.CheckRequest(r)
		if !ok {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(g.RateLimitPayload(key))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sweep runs the idle-reclamation loop until ctx is cancelled. It takes the
// same locks as the request-path operations and nothing else, so it is safe
// alongside concurrent register/unregister on any device. Run it in its own
// goroutine from the composition root.
func (g *Guard) Sweep(ctx context.Context) {
	ticker := time.NewTicker(g.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.SweepOnce()
		}
	}
}

// SweepOnce performs a single reclamation pass: idle sessions out of the
// registry, aged-out devices out of the window map.
func (g *Guard) SweepOnce() (sessions, devices int) {
	sessions = g.registry.ReclaimIdle(g.idleHorizon)
	devices = g.window.Compact()
	if (sessions > 0 || devices > 0) && g.OnReclaim != nil {
		g.OnReclaim(sessions, devices)
	}
	return sessions, devices
}
