package storage

import (
	"context"
	"time"

	"secretariat/internal/task"
)

// DefaultLeaseTimeout bounds how long a claim blocks re-delivery of a task
// whose worker died. The fire loop delivery timeout must stay below it.
const DefaultLeaseTimeout = 5 * time.Minute

// Config configures storage.
//
// Driver values:
//   - "memory": no persistence
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	LeaseTimeout time.Duration // 0 means DefaultLeaseTimeout
}

func (c Config) lease() time.Duration {
	if c.LeaseTimeout <= 0 {
		return DefaultLeaseTimeout
	}
	return c.LeaseTimeout
}

// Claim identifies one lease on a task: the task id and the claimed_at the
// store stamped when ClaimDue handed it out. Advance, Release and MarkFailed
// apply only while the stored claim still matches, so a worker whose lease
// was taken over gets task.ErrClaimConflict.
type Claim struct {
	ID string
	At time.Time
}

// ClaimOf returns the claim carried by a task returned from ClaimDue.
func ClaimOf(t *task.Task) Claim {
	c := Claim{ID: t.ID}
	if t.ClaimedAt != nil {
		c.At = *t.ClaimedAt
	}
	return c
}

// Store is the persistence API used by the fire loop, recovery and controls.
//
// Driver failures are wrapped so errors.Is(err, task.ErrStoreUnavailable) holds.
type Store interface {
	// Create validates and persists t, assigning an id when empty.
	Create(ctx context.Context, t *task.Task) (string, error)
	Get(ctx context.Context, id string) (*task.Task, error)

	// ClaimDue atomically claims up to limit active tasks due at now.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*task.Task, error)
	// Advance records a fire and moves the schedule forward. next == nil completes the task.
	Advance(ctx context.Context, c Claim, next *time.Time, firedAt time.Time) error
	// Release drops a claim after a transient failure and counts the attempt.
	Release(ctx context.Context, c Claim, cause error) error
	// MarkFailed parks a claimed task in delivery_failed.
	MarkFailed(ctx context.Context, c Claim, cause error) error

	UpsertStatus(ctx context.Context, id string, status task.Status, next *time.Time) error
	ListActive(ctx context.Context, ownerRef string) ([]*task.Task, error)

	ExpireClaims(ctx context.Context, before time.Time) (int, error)
	Repair(ctx context.Context, now time.Time) (int, error)
	ListBroken(ctx context.Context) ([]*task.Task, error)
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
