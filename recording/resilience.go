package recording

import (
	"sync"
	"time"
)

// BackoffPolicy controls how long a crashed capture waits before it may be
// started again.
type BackoffPolicy struct {
	Initial   time.Duration // first delay, default 1s
	Max       time.Duration // ceiling, default 5m
	StableRun time.Duration // a run at least this long resets the delay, default 2m
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Minute
	}
	if p.StableRun <= 0 {
		p.StableRun = 2 * time.Minute
	}
	return p
}

// crashState tracks restart pressure for one camera
type crashState struct {
	Delay        time.Duration
	RetryAt      time.Time
	RestartCount int
	LastCrash    time.Time
}

// crashTracker is the exponential backoff ledger of the supervisor
type crashTracker struct {
	policy BackoffPolicy
	mu     sync.Mutex
	states map[string]*crashState
}

func newCrashTracker(p BackoffPolicy) *crashTracker {
	return &crashTracker{policy: p.withDefaults(), states: make(map[string]*crashState)}
}

// recordCrash registers an unexpected exit after a run of ran and returns
// the delay before the next start is allowed.
func (t *crashTracker) recordCrash(cameraID string, ran time.Duration, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[cameraID]
	if !ok {
		st = &crashState{}
		t.states[cameraID] = st
	}

	switch {
	case st.Delay == 0 || ran >= t.policy.StableRun:
		st.Delay = t.policy.Initial
		st.RestartCount = 0
	default:
		st.Delay *= 2
		if st.Delay > t.policy.Max {
			st.Delay = t.policy.Max
		}
	}
	st.RestartCount++
	st.LastCrash = now
	st.RetryAt = now.Add(st.Delay)
	return st.Delay
}

// blockedFor returns how long a start must still wait, zero when allowed
func (t *crashTracker) blockedFor(cameraID string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[cameraID]
	if !ok || !now.Before(st.RetryAt) {
		return 0
	}
	return st.RetryAt.Sub(now)
}

// state returns a copy of the camera's backoff state
func (t *crashTracker) state(cameraID string) (crashState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[cameraID]
	if !ok {
		return crashState{}, false
	}
	return *st, true
}

// clear forgets a camera, used after a deliberate stop
func (t *crashTracker) clear(cameraID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, cameraID)
}
