package schedule

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	ErrNotFound      = errors.New("schedule not found")
	ErrLimitExceeded = errors.New("per-creator schedule limit exceeded")
	ErrLicense       = errors.New("server schedule backend requires a license key")
)

// Stats summarizes a store for operators.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Store is the persistence contract shared by the embedded and server
// backends. All methods are safe for concurrent use from multiple daemon
// replicas.
type Store interface {
	// Initialize creates the backing tables.
	Initialize(ctx context.Context) error
	// Shutdown flushes and closes the backend.
	Shutdown(ctx context.Context) error

	Create(ctx context.Context, s *Schedule) error
	// Import bulk-loads schedules, skipping per-creator limits.
	Import(ctx context.Context, schedules []*Schedule) error
	Get(ctx context.Context, id string) (*Schedule, error)
	Update(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, id string) error

	ByCreator(ctx context.Context, creator string) ([]*Schedule, error)
	ByWorkflow(ctx context.Context, workflow string) ([]*Schedule, error)
	Active(ctx context.Context) ([]*Schedule, error)
	// Due returns active schedules whose next run is at or before now.
	Due(ctx context.Context, now time.Time) ([]*Schedule, error)
	Stats(ctx context.Context) (*Stats, error)

	// TryAcquireLock takes a named lease for ttl if it is free or expired.
	// The token scopes renewal and release to the acquiring replica.
	TryAcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	// RenewLock extends a held lease; it fails when the token does not
	// match the current holder.
	RenewLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	// ReleaseLock frees the lease when still held by token.
	ReleaseLock(ctx context.Context, name, token string) error
}
