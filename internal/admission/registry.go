// Package admission is the device-scoped admission core: it caps concurrent
// sessions per device, rate-limits plain requests on a sliding window, and
// reclaims state abandoned by idle sessions.
//
// All state is process-local and in-memory. Memory is bounded by the number
// of distinct devices seen inside the reclaim horizon times the per-device
// caps; the sweeper and window pruning are what keep that bound real, so
// both run unconditionally.
//
// Locking is one mutex per structure rather than per key. Every operation is
// a short map manipulation and the expected population is tens of thousands
// of devices, so a striped lock table buys nothing here.
package admission

import (
	"sync"
	"time"
)

// Defaults, overridable at construction.
const (
	DefaultMaxSessions = 8
	DefaultWindow      = time.Minute
	DefaultCapacity    = 60
	DefaultIdleHorizon = time.Hour
	DefaultSweepEvery  = 5 * time.Minute
)

// SessionRecord tracks one active session owned by a device.
type SessionRecord struct {
	SessionID    string
	UserID       string
	CreatedAt    time.Time
	LastActivity time.Time
}

// RegistryStats is an aggregate snapshot for reporting.
type RegistryStats struct {
	Devices     int
	Sessions    int
	MaxSessions int
}

// Registry holds the per-device session sets and enforces the concurrency
// cap. The cap is enforced by rejecting registrations, never by evicting
// sessions that are already in.
type Registry struct {
	mu      sync.Mutex
	devices map[string]map[string]*SessionRecord

	maxSessions int
	now         func() time.Time
}

type RegistryOption func(*Registry)

// WithMaxSessions sets the per-device concurrent session cap.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxSessions = n
		}
	}
}

// WithRegistryClock overrides the time source, for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		devices:     make(map[string]map[string]*SessionRecord),
		maxSessions: DefaultMaxSessions,
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ActiveCount returns the number of active sessions for a device,
// 0 for a device the registry has never seen.
func (r *Registry) ActiveCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices[key])
}

// CanAdmit reports whether the device is below its session cap. This is a
// point-in-time read; admission decisions that mutate must go through
// Register, which re-checks under the same lock.
func (r *Registry) CanAdmit(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices[key]) < r.maxSessions
}

// Register inserts a session for the device, or returns false without
// mutating when the device is at its cap. Below the cap, re-registering an
// existing sessionID overwrites the record; at the cap every register is
// rejected, existing id or not.
func (r *Registry) Register(key, sessionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.devices[key]
	if len(sessions) >= r.maxSessions {
		return false
	}

	if sessions == nil {
		sessions = make(map[string]*SessionRecord)
		r.devices[key] = sessions
	}

	now := r.now()
	sessions[sessionID] = &SessionRecord{
		SessionID:    sessionID,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
	}
	return true
}

// Unregister removes a session and reports whether it was present.
// Unknown (key, sessionID) pairs are a no-op, not an error.
func (r *Registry) Unregister(key, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.devices[key]
	if !ok {
		return false
	}
	if _, ok := sessions[sessionID]; !ok {
		return false
	}

	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.devices, key)
	}
	return true
}

// Touch updates a session's last-activity timestamp so the sweeper does not
// reclaim it. Reports whether the session was present.
func (r *Registry) Touch(key, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[key][sessionID]
	if !ok {
		return false
	}
	rec.LastActivity = r.now()
	return true
}

// ReclaimIdle removes every session whose idle time exceeds maxIdle and
// returns how many were removed. Device entries left empty are dropped.
func (r *Registry) ReclaimIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for key, sessions := range r.devices {
		for id, rec := range sessions {
			if now.Sub(rec.LastActivity) > maxIdle {
				delete(sessions, id)
				removed++
			}
		}
		if len(sessions) == 0 {
			delete(r.devices, key)
		}
	}
	return removed
}

// MaxSessions returns the configured cap. Immutable after construction.
func (r *Registry) MaxSessions() int { return r.maxSessions }

// Stats returns an aggregate snapshot. Counts may be momentarily stale with
// respect to concurrent registrations; never use them to gate admission.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, sessions := range r.devices {
		total += len(sessions)
	}
	return RegistryStats{
		Devices:     len(r.devices),
		Sessions:    total,
		MaxSessions: r.maxSessions,
	}
}
