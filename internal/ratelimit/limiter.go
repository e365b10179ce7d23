// Package ratelimit bounds how many commands a caller may submit within a
// rolling time window. It never returns errors; callers get a verdict with a
// retry-after hint.
package ratelimit

import (
	"sync"
	"time"
)

// Policy is the fixed limit applied to every caller independently.
type Policy struct {
	MaxCommands int
	Window      time.Duration
}

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Store tracks per-caller submission windows. The in-memory implementation
// below is the default; the interface exists so a shared store can replace
// it without touching call sites.
type Store interface {
	// CheckAndRecord allows the request iff fewer than MaxCommands
	// submissions fall inside the window, recording it when allowed.
	CheckAndRecord(callerID string) Result

	// Reset clears one caller's window.
	Reset(callerID string)

	// ResetAll clears every window.
	ResetAll()

	// Size reports how many callers currently have a window.
	Size() int
}

// slidingWindow tracks one caller's accepted submission timestamps.
type slidingWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// MemoryStore is the process-local Store implementation.
type MemoryStore struct {
	policy  Policy
	mu      sync.RWMutex
	windows map[string]*slidingWindow

	now func() time.Time // test hook
}

// NewMemoryStore creates a store enforcing the given policy.
func NewMemoryStore(policy Policy) *MemoryStore {
	return &MemoryStore{
		policy:  policy,
		windows: make(map[string]*slidingWindow),
		now:     time.Now,
	}
}

func (s *MemoryStore) CheckAndRecord(callerID string) Result {
	now := s.now()

	s.mu.Lock()
	w, ok := s.windows[callerID]
	if !ok {
		w = &slidingWindow{}
		s.windows[callerID] = w
	}
	s.mu.Unlock()

	// The read-evict-append sequence on one caller's window is a critical
	// section; concurrent requests for the same caller serialize here.
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-s.policy.Window)
	valid := 0
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			w.timestamps[valid] = ts
			valid++
		}
	}
	w.timestamps = w.timestamps[:valid]

	// MaxCommands <= 0 means nothing is ever allowed; the window is empty
	// then, so there is no oldest entry to derive a retry hint from.
	if s.policy.MaxCommands <= 0 {
		return Result{Allowed: false, RetryAfter: s.policy.Window}
	}

	if len(w.timestamps) >= s.policy.MaxCommands {
		oldest := w.timestamps[0]
		return Result{
			Allowed:    false,
			RetryAfter: oldest.Add(s.policy.Window).Sub(now),
		}
	}

	w.timestamps = append(w.timestamps, now)
	return Result{Allowed: true}
}

func (s *MemoryStore) Reset(callerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, callerID)
}

func (s *MemoryStore) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string]*slidingWindow)
}

func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}
