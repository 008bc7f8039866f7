package ratelimiter

import (
	"strings"
	"sync"
	"time"
)

// Lockout tracks consecutive failures per key and refuses attempts for an
// exponentially growing window: 1s, 2s, 4s... capped at 32s.
type Lockout struct {
	mu    sync.Mutex
	state map[string]lockState
}

type lockState struct {
	failures    int
	lockedUntil time.Time
}

func NewLockout() *Lockout {
	return &Lockout{state: make(map[string]lockState)}
}

// Locked reports whether key is inside its lockout window at now, and until when.
func (l *Lockout) Locked(key string, now time.Time) (bool, time.Time) {
	if l == nil {
		return false, time.Time{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state[strings.TrimSpace(key)]
	if st.lockedUntil.IsZero() || !now.Before(st.lockedUntil) {
		return false, time.Time{}
	}
	return true, st.lockedUntil
}

// Failure records one failed attempt and returns the resulting backoff.
func (l *Lockout) Failure(key string, now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key = strings.TrimSpace(key)
	st := l.state[key]
	st.failures++
	backoff := FailedAttemptBackoff(st.failures)
	st.lockedUntil = now.Add(backoff)
	l.state[key] = st
	return backoff
}

// Reset clears the failure history for key after a successful attempt.
func (l *Lockout) Reset(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, strings.TrimSpace(key))
}

func FailedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}
