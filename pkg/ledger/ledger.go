// Package ledger tracks transport failures per (enactment, task) so a task that keeps failing
// is parked instead of being retried on every tick.
// Keys are deterministic: Hash(EnactmentID+TaskName).
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Status represents the state of a ledger entry
type Status string

const (
	// StatusRetrying means the task failed but stays eligible.
	StatusRetrying Status = "RETRYING"
	// StatusFailed means the task exhausted its failures and is skipped until the entry expires.
	StatusFailed Status = "FAILED"
)

// Entry is one tracked task
type Entry struct {
	Key         string    `json:"key"`
	EnactmentID string    `json:"enactment_id"`
	Task        string    `json:"task"`
	Status      Status    `json:"status"`
	Failures    int       `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Config holds configuration for the ledger
type Config struct {
	// MaxFailures is the failure count at which a task is parked
	MaxFailures int
	// TTL is how long an entry lives after its last failure
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxFailures:     5,
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Stats holds ledger statistics
type Stats struct {
	TotalEntries int64 `json:"total_entries"`
	Retrying     int64 `json:"retrying"`
	Failed       int64 `json:"failed"`
}

// Ledger is implemented by the Postgres and in-memory ledgers.
type Ledger interface {
	// Allowed reports whether the task may be processed. Expired entries do not block.
	Allowed(ctx context.Context, enactmentID, task string) (bool, error)
	// RecordFailure counts a failure and returns the resulting status.
	RecordFailure(ctx context.Context, enactmentID, task string, cause error) (Status, error)
	// RecordSuccess clears the task's entry.
	RecordSuccess(ctx context.Context, enactmentID, task string) error
	// List returns live entries, FAILED first.
	List(ctx context.Context, limit int) ([]Entry, error)
	GetStats(ctx context.Context) (*Stats, error)
}

// Key creates the deterministic ledger key for a task
func Key(enactmentID, task string) string {
	data := strings.Join([]string{enactmentID, task}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func statusFor(failures, maxFailures int) Status {
	if failures >= maxFailures {
		return StatusFailed
	}
	return StatusRetrying
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	return msg
}
