package leader

import (
	"context"
	"time"
)

// Lease is the shared leadership record.
type Lease struct {
	Holder      string
	AcquiredAt  time.Time
	RenewTime   time.Time
	Duration    time.Duration
	Transitions int32

	// Version is the store's resourceVersion. Updates are conditional on it.
	Version string
}

// Equal reports whether two leases carry the same record, ignoring Version.
func (l *Lease) Equal(other *Lease) bool {
	if l == nil || other == nil {
		return l == other
	}

	return l.Holder == other.Holder &&
		l.AcquiredAt.Equal(other.AcquiredAt) &&
		l.RenewTime.Equal(other.RenewTime) &&
		l.Duration == other.Duration &&
		l.Transitions == other.Transitions
}

// LeaseClient reads and conditionally writes one Lease. Implementations
// return errors marked with store.ErrNotFound and store.ErrConflict.
type LeaseClient interface {
	// Get returns the current Lease or an error marked ErrNotFound.
	Get(ctx context.Context) (*Lease, error)

	// Create writes a new Lease. It fails with ErrConflict if one exists.
	Create(ctx context.Context, lease *Lease) (*Lease, error)

	// Update replaces the Lease if lease.Version is still current, and
	// fails with ErrConflict otherwise.
	Update(ctx context.Context, lease *Lease) (*Lease, error)

	// Describe names the Lease for logs.
	Describe() string
}
