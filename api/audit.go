package api

import "time"

// EntryType classifies what an audit entry records.
type EntryType string

const (
	EntryRequested   EntryType = "requested"
	EntryApproved    EntryType = "approved"
	EntryDenied      EntryType = "denied"
	EntryRateLimited EntryType = "rate_limited"
	EntryExecuted    EntryType = "executed"
	EntryFailed      EntryType = "failed"
	EntryExpired     EntryType = "expired"
	EntryCancelled   EntryType = "cancelled"
)

// AuditEntry is one append-only record of an execution attempt.
// Entries are never mutated after being written.
type AuditEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Type      EntryType `json:"type"`
	Intent    string    `json:"intent,omitempty"`
	Command   string    `json:"command,omitempty"`
	Target    string    `json:"target,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditFilter defines criteria for searching audit entries.
type AuditFilter struct {
	Since   time.Time `json:"since,omitempty"`
	Until   time.Time `json:"until,omitempty"`
	UserID  string    `json:"user_id,omitempty"`
	Type    EntryType `json:"type,omitempty"`
	Success *bool     `json:"success,omitempty"`
	Text    string    `json:"text,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Offset  int       `json:"offset,omitempty"`
}

// AuditStats summarizes audit entries by type and outcome.
type AuditStats struct {
	Total        int               `json:"total"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
	ByType       map[EntryType]int `json:"by_type"`
	ByUser       map[string]int    `json:"by_user"`
	Oldest       time.Time         `json:"oldest,omitempty"`
	Newest       time.Time         `json:"newest,omitempty"`
}
