package approval

import (
	"errors"
	"time"

	"github.com/opsgate/opsgate/api"
)

// State is the lifecycle position of a pending approval.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// DefaultTTL is how long an approval prompt stays resolvable.
const DefaultTTL = 60 * time.Second

var (
	// ErrNotFound means no approval exists under the id.
	ErrNotFound = errors.New("approval not found")

	// ErrNotPending means the approval was already resolved; resolution is
	// one-shot and the first resolver wins.
	ErrNotPending = errors.New("approval not pending")

	// ErrExpired means the approval's deadline passed before resolution.
	ErrExpired = errors.New("approval expired")
)

// Pending is one outstanding approval prompt. At most one live entry exists
// per id.
type Pending struct {
	ID          string      `json:"id"`
	Command     api.Command `json:"command"`
	RequesterID string      `json:"requester_id"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	State       State       `json:"state"`

	// DoubleConfirmStage is true once the first of two required
	// confirmations has landed and the expiry window has been re-armed.
	DoubleConfirmStage bool `json:"double_confirm_stage,omitempty"`

	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Store is the approval workflow state machine. Only the store decides
// whether a command may proceed to execution; the UI layer just feeds it
// approve/cancel events keyed by id.
type Store interface {
	// Create registers a new pending approval. An empty id gets a
	// generated one; a live duplicate id is an error.
	Create(id string, cmd api.Command, requesterID string) (Pending, error)

	// Approve records a confirmation. For double-confirmation commands the
	// first call re-arms the expiry window and leaves the entry pending;
	// the returned snapshot's State tells the caller whether the command
	// may now execute.
	Approve(id, actorID string) (Pending, error)

	// Reject cancels a pending approval. Terminal.
	Reject(id, actorID string) (Pending, error)

	// Get returns a snapshot, lazily expiring the entry if its deadline
	// has passed.
	Get(id string) (Pending, error)

	// Pending lists all live entries.
	Pending() []Pending

	// SweepExpired transitions overdue entries to expired and drops
	// terminal entries older than the retention window. Returns a snapshot
	// of each entry it expired so callers can audit them.
	SweepExpired() []Pending
}
