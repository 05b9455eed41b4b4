package queue

import (
	"strings"
	"time"

	"logship/internal/identity"
)

// Status represents the lifecycle of a queue entry.
type Status string

const (
	StatusPending           Status = "pending"
	StatusInFlight          Status = "in_flight"
	StatusPermanentlyFailed Status = "permanently_failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusInFlight,
	StatusPermanentlyFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Request carries everything needed to enqueue a stable file.
type Request struct {
	Identity identity.Identity
	Label    string
	Root     string
}

// Entry represents a queue entry persisted in SQLite.
type Entry struct {
	ID            int64
	Identity      identity.Identity
	IdentityHash  string
	Label         string
	Root          string
	Status        Status
	AttemptCount  int
	LastErrorKind string
	LastErrorAt   *time.Time
	NextAttemptAt *time.Time
	EnqueuedAt    time.Time
	UpdatedAt     time.Time
}

// HealthSummary describes aggregated queue counts per lifecycle state.
type HealthSummary struct {
	Total    int
	Pending  int
	InFlight int
	Failed   int
}

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	TableExists      bool
	IntegrityCheck   bool
	TotalEntries     int
	Error            string
}
