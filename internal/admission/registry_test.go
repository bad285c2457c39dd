package admission

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a hand-advanced time source shared by registry/window tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRegister_UpToCap(t *testing.T) {
	r := NewRegistry(WithMaxSessions(3))

	for i := 0; i < 3; i++ {
		if !r.Register("dev1", fmt.Sprintf("s%d", i), "user1") {
			t.Fatalf("registration %d should succeed (below cap)", i+1)
		}
	}

	// at exactly the cap the boundary is <, not <=
	if r.Register("dev1", "s3", "user1") {
		t.Fatal("registration at cap should fail")
	}
	if got := r.ActiveCount("dev1"); got != 3 {
		t.Fatalf("ActiveCount = %d, want 3", got)
	}
}

func TestCanAdmit_Boundary(t *testing.T) {
	r := NewRegistry(WithMaxSessions(2))

	if !r.CanAdmit("dev1") {
		t.Fatal("unseen device should be admissible")
	}
	r.Register("dev1", "s0", "u")
	if !r.CanAdmit("dev1") {
		t.Fatal("one below cap should be admissible")
	}
	r.Register("dev1", "s1", "u")
	if r.CanAdmit("dev1") {
		t.Fatal("at cap should not be admissible")
	}
}

func TestRegister_SameSessionIDOverwrites(t *testing.T) {
	r := NewRegistry(WithMaxSessions(2))

	if !r.Register("dev1", "s0", "user1") {
		t.Fatal("first registration failed")
	}
	if !r.Register("dev1", "s0", "user2") {
		t.Fatal("re-registration of same session id should succeed")
	}
	if got := r.ActiveCount("dev1"); got != 1 {
		t.Fatalf("ActiveCount = %d after overwrite, want 1", got)
	}
}

func TestRegister_RejectedAtCapEvenForExistingID(t *testing.T) {
	r := NewRegistry(WithMaxSessions(2))
	r.Register("dev1", "s0", "user1")
	r.Register("dev1", "s1", "user1")

	// the cap check runs first, so a full device rejects every register,
	// including a re-register of an id it already holds
	if r.Register("dev1", "s0", "user2") {
		t.Fatal("register at cap should fail even for an existing session id")
	}
	if got := r.ActiveCount("dev1"); got != 2 {
		t.Fatalf("ActiveCount = %d, want 2", got)
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("dev1", "s0", "u")

	if !r.Unregister("dev1", "s0") {
		t.Fatal("unregister of existing session should report true")
	}
	if r.Unregister("dev1", "s0") {
		t.Fatal("second unregister should report false")
	}
	if r.Unregister("ghost", "s0") {
		t.Fatal("unregister for unknown device should report false")
	}
	if got := r.ActiveCount("dev1"); got != 0 {
		t.Fatalf("ActiveCount = %d, want 0", got)
	}
}

func TestUnregister_NoEmptyEntryLingers(t *testing.T) {
	r := NewRegistry()
	r.Register("dev1", "s0", "u")
	r.Unregister("dev1", "s0")

	r.mu.Lock()
	_, exists := r.devices["dev1"]
	r.mu.Unlock()
	if exists {
		t.Fatal("empty device entry should be removed from the map")
	}
	if s := r.Stats(); s.Devices != 0 {
		t.Fatalf("Stats.Devices = %d, want 0", s.Devices)
	}
}

func TestRegister_ConcurrentNeverExceedsCap(t *testing.T) {
	const limit = 4
	const attempts = 64
	r := NewRegistry(WithMaxSessions(limit))

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if r.Register("dev1", fmt.Sprintf("s%d", n), "u") {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Fatalf("admitted = %d, want exactly %d", got, limit)
	}
	if got := r.ActiveCount("dev1"); got != limit {
		t.Fatalf("ActiveCount = %d, want %d", got, limit)
	}
}

func TestTouch(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithRegistryClock(clock.Now))
	r.Register("dev1", "s0", "u")

	created := clock.Now()
	clock.Advance(10 * time.Minute)

	if !r.Touch("dev1", "s0") {
		t.Fatal("touch of existing session should report true")
	}
	if r.Touch("dev1", "ghost") {
		t.Fatal("touch of unknown session should report false")
	}

	r.mu.Lock()
	rec := r.devices["dev1"]["s0"]
	r.mu.Unlock()
	if !rec.CreatedAt.Equal(created) {
		t.Error("touch should not modify CreatedAt")
	}
	if !rec.LastActivity.Equal(created.Add(10 * time.Minute)) {
		t.Errorf("LastActivity = %v, want advanced clock", rec.LastActivity)
	}
}

func TestReclaimIdle(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithRegistryClock(clock.Now))

	r.Register("dev1", "old", "u")
	r.Register("dev2", "old", "u")
	clock.Advance(2 * time.Hour)
	r.Register("dev1", "fresh", "u")

	removed := r.ReclaimIdle(time.Hour)
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if got := r.ActiveCount("dev1"); got != 1 {
		t.Errorf("dev1 ActiveCount = %d, want 1 (fresh survives)", got)
	}
	if got := r.ActiveCount("dev2"); got != 0 {
		t.Errorf("dev2 ActiveCount = %d, want 0", got)
	}

	// dev2 lost its last session; its entry must be gone entirely
	r.mu.Lock()
	_, exists := r.devices["dev2"]
	r.mu.Unlock()
	if exists {
		t.Error("emptied device entry should be removed during reclaim")
	}
}

func TestReclaimIdle_TouchedSessionSurvives(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithRegistryClock(clock.Now))

	r.Register("dev1", "s0", "u")
	clock.Advance(50 * time.Minute)
	r.Touch("dev1", "s0")
	clock.Advance(30 * time.Minute)

	// 80 minutes old but only 30 minutes idle
	if removed := r.ReclaimIdle(time.Hour); removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
	if got := r.ActiveCount("dev1"); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
}

func TestReclaimIdle_NothingIdleIsNoop(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithRegistryClock(clock.Now))
	r.Register("dev1", "s0", "u")

	if removed := r.ReclaimIdle(time.Hour); removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
	if s := r.Stats(); s.Devices != 1 || s.Sessions != 1 {
		t.Fatalf("Stats = %+v, want untouched registry", s)
	}
}

func TestReclaimIdle_ConcurrentWithRegister(t *testing.T) {
	r := NewRegistry(WithMaxSessions(4))

	stop := make(chan struct{})
	reclaimerDone := make(chan struct{})
	go func() {
		defer close(reclaimerDone)
		for {
			select {
			case <-stop:
				return
			default:
				// zero horizon: everything registered is instantly idle
				r.ReclaimIdle(0)
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			dev := fmt.Sprintf("dev%d", n%2)
			for j := 0; j < 100; j++ {
				sid := fmt.Sprintf("s%d-%d", n, j)
				if r.Register(dev, sid, "u") {
					r.Unregister(dev, sid)
				}
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	<-reclaimerDone

	// invariant check after the dust settles: no empty entries, no overage
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, sessions := range r.devices {
		if len(sessions) == 0 {
			t.Errorf("device %s has an empty entry", key)
		}
		if len(sessions) > 4 {
			t.Errorf("device %s has %d sessions, cap is 4", key, len(sessions))
		}
	}
}

func TestStats(t *testing.T) {
	r := NewRegistry(WithMaxSessions(8))
	r.Register("dev1", "s0", "u")
	r.Register("dev1", "s1", "u")
	r.Register("dev2", "s0", "u")

	s := r.Stats()
	if s.Devices != 2 {
		t.Errorf("Devices = %d, want 2", s.Devices)
	}
	if s.Sessions != 3 {
		t.Errorf("Sessions = %d, want 3", s.Sessions)
	}
	if s.MaxSessions != 8 {
		t.Errorf("MaxSessions = %d, want 8", s.MaxSessions)
	}
}

func TestDefaults(t *testing.T) {
	r := NewRegistry()
	if r.maxSessions != DefaultMaxSessions {
		t.Errorf("default maxSessions = %d, want %d", r.maxSessions, DefaultMaxSessions)
	}
}
