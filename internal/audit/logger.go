// Package audit persists an append-only record of every request that
// reaches the pipeline and how it was resolved. Entries are redacted and
// size-capped before they are written and never mutated afterwards.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/store"
)

const (
	keyPrefix = "audit:"

	// maxFieldBytes caps each free-text field of an entry. Command output
	// is already capped upstream; this bounds the stored copy regardless.
	maxFieldBytes = 8 * 1024
)

// Logger writes and queries audit entries in a key-value store.
type Logger struct {
	kv     store.KV
	logger *slog.Logger
	now    func() time.Time
}

// New creates an audit logger backed by kv.
func New(kv store.KV, logger *slog.Logger) *Logger {
	return &Logger{kv: kv, logger: logger, now: time.Now}
}

// Log persists one entry. A zero ID gets a generated one and a zero
// timestamp gets the current time. Free-text fields are redacted and
// capped; the caller's copy is not modified.
func (l *Logger) Log(entry api.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	entry.Intent = scrub(entry.Intent)
	entry.Command = scrub(entry.Command)
	entry.Reason = scrub(entry.Reason)
	entry.Error = scrub(entry.Error)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	if err := l.kv.Set(keyPrefix+entry.ID, string(data)); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}

	l.logger.Info("audit",
		"entry_id", entry.ID,
		"type", entry.Type,
		"user_id", entry.UserID,
		"success", entry.Success)
	return nil
}

// Query returns entries matching the filter, newest first.
func (l *Logger) Query(filter api.AuditFilter) ([]api.AuditEntry, error) {
	entries, err := l.load()
	if err != nil {
		return nil, err
	}

	var results []api.AuditEntry
	for _, e := range entries {
		if matches(e, filter) {
			results = append(results, e)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return nil, nil
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// GetRecent returns the n newest entries.
func (l *Logger) GetRecent(n int) ([]api.AuditEntry, error) {
	return l.Query(api.AuditFilter{Limit: n})
}

// GetByUser returns the n newest entries for one user.
func (l *Logger) GetByUser(userID string, n int) ([]api.AuditEntry, error) {
	return l.Query(api.AuditFilter{UserID: userID, Limit: n})
}

// GetByType returns the n newest entries of one type.
func (l *Logger) GetByType(t api.EntryType, n int) ([]api.AuditEntry, error) {
	return l.Query(api.AuditFilter{Type: t, Limit: n})
}

// GetFailed returns the n newest unsuccessful entries.
func (l *Logger) GetFailed(n int) ([]api.AuditEntry, error) {
	failed := false
	return l.Query(api.AuditFilter{Success: &failed, Limit: n})
}

// Search returns the n newest entries whose intent, command or reason
// contains text, case-insensitively.
func (l *Logger) Search(text string, n int) ([]api.AuditEntry, error) {
	return l.Query(api.AuditFilter{Text: text, Limit: n})
}

// Stats summarizes the whole store.
func (l *Logger) Stats() (api.AuditStats, error) {
	entries, err := l.load()
	if err != nil {
		return api.AuditStats{}, err
	}

	stats := api.AuditStats{
		ByType: make(map[api.EntryType]int),
		ByUser: make(map[string]int),
	}
	for _, e := range entries {
		stats.Total++
		if e.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
		stats.ByType[e.Type]++
		if e.UserID != "" {
			stats.ByUser[e.UserID]++
		}
	}
	if len(entries) > 0 {
		stats.Newest = entries[0].Timestamp
		stats.Oldest = entries[len(entries)-1].Timestamp
	}
	return stats, nil
}

// Cleanup deletes the oldest entries until at most keepCount remain and
// reports how many were removed.
func (l *Logger) Cleanup(keepCount int) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}
	entries, err := l.load()
	if err != nil {
		return 0, err
	}
	if len(entries) <= keepCount {
		return 0, nil
	}

	removed := 0
	for _, e := range entries[keepCount:] {
		if err := l.kv.Delete(keyPrefix + e.ID); err != nil {
			return removed, fmt.Errorf("deleting audit entry %s: %w", e.ID, err)
		}
		removed++
	}
	l.logger.Info("audit cleanup", "removed", removed, "kept", keepCount)
	return removed, nil
}

// load returns all entries sorted newest first. Unreadable records are
// skipped with a warning rather than failing the whole query.
func (l *Logger) load() ([]api.AuditEntry, error) {
	pairs, err := l.kv.List(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}

	entries := make([]api.AuditEntry, 0, len(pairs))
	for key, value := range pairs {
		var e api.AuditEntry
		if err := json.Unmarshal([]byte(value), &e); err != nil {
			l.logger.Warn("skipping corrupt audit entry", "key", key, "error", err)
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].ID > entries[j].ID
	})
	return entries, nil
}

func scrub(s string) string {
	s = redact(s)
	if len(s) > maxFieldBytes {
		s = s[:maxFieldBytes] + "\n... [truncated]"
	}
	return s
}

func matches(e api.AuditEntry, f api.AuditFilter) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		haystack := strings.ToLower(e.Intent + " " + e.Command + " " + e.Reason)
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}
