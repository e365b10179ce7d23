// Package approval implements the per-request approval state machine that
// gates privileged commands behind explicit human confirmation. Expiry is
// lazy: deadlines are checked on access and by a periodic sweep, never by
// one timer per entry.
package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/api"
)

// terminalRetention is how long resolved entries stay visible before the
// sweep drops them.
const terminalRetention = 10 * time.Minute

// MemoryStore is the process-local Store implementation. State is not
// persisted: a restart clears in-flight approvals, which callers must treat
// as expiry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Pending
	ttl     time.Duration

	now func() time.Time // test hook
}

// NewMemoryStore creates a store with the given prompt lifetime.
// A zero ttl means DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]*Pending),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(id string, cmd api.Command, requesterID string) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}

	if existing, ok := s.entries[id]; ok && s.stateOf(existing) == StatePending {
		return Pending{}, fmt.Errorf("approval %q already pending", id)
	}

	now := s.now()
	p := &Pending{
		ID:          id,
		Command:     cmd,
		RequesterID: requesterID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
		State:       StatePending,
	}
	s.entries[id] = p
	return *p, nil
}

func (s *MemoryStore) Approve(id, actorID string) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.livePending(id)
	if err != nil {
		return s.snapshot(id), err
	}

	now := s.now()
	if p.Command.RequiresDoubleConfirm && !p.DoubleConfirmStage {
		// First of two confirmations: stay pending with a fresh window.
		p.DoubleConfirmStage = true
		p.ExpiresAt = now.Add(s.ttl)
		return *p, nil
	}

	p.State = StateApproved
	p.ResolvedBy = actorID
	p.ResolvedAt = &now
	return *p, nil
}

func (s *MemoryStore) Reject(id, actorID string) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.livePending(id)
	if err != nil {
		return s.snapshot(id), err
	}

	now := s.now()
	p.State = StateRejected
	p.ResolvedBy = actorID
	p.ResolvedAt = &now
	return *p, nil
}

func (s *MemoryStore) Get(id string) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.entries[id]
	if !ok {
		return Pending{}, ErrNotFound
	}
	s.expireIfDue(p)
	return *p, nil
}

func (s *MemoryStore) Pending() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Pending
	for _, p := range s.entries {
		s.expireIfDue(p)
		if p.State == StatePending {
			out = append(out, *p)
		}
	}
	return out
}

func (s *MemoryStore) SweepExpired() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []Pending
	for id, p := range s.entries {
		if p.State == StatePending && !now.Before(p.ExpiresAt) {
			p.State = StateExpired
			expired = append(expired, *p)
		}
		if p.State != StatePending && p.resolvedBefore(now.Add(-terminalRetention)) {
			delete(s.entries, id)
		}
	}
	return expired
}

// Run drives periodic sweeps until the stop channel closes.
func (s *MemoryStore) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SweepExpired()
		case <-stop:
			return
		}
	}
}

// livePending returns the entry iff it is still resolvable. Callers hold
// s.mu, which is what makes first-writer-wins hold between a resolver and
// the sweep: whichever observes the pending state first transitions it.
func (s *MemoryStore) livePending(id string) (*Pending, error) {
	p, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.expireIfDue(p)
	switch p.State {
	case StatePending:
		return p, nil
	case StateExpired:
		return nil, ErrExpired
	default:
		return nil, ErrNotPending
	}
}

func (s *MemoryStore) expireIfDue(p *Pending) {
	if p.State == StatePending && !s.now().Before(p.ExpiresAt) {
		p.State = StateExpired
	}
}

func (s *MemoryStore) stateOf(p *Pending) State {
	s.expireIfDue(p)
	return p.State
}

func (s *MemoryStore) snapshot(id string) Pending {
	if p, ok := s.entries[id]; ok {
		return *p
	}
	return Pending{}
}

func (p *Pending) resolvedBefore(cutoff time.Time) bool {
	if p.ResolvedAt != nil {
		return p.ResolvedAt.Before(cutoff)
	}
	// Expired entries have no resolver; age from the deadline.
	return p.ExpiresAt.Before(cutoff)
}
