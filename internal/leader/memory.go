package leader

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/nais/hahaha/internal/store"
)

// MemoryLeaseClient is an in-process LeaseClient. Several electors sharing one
// instance behave like replicas sharing one Lease.
type MemoryLeaseClient struct {
	mu      sync.Mutex
	lease   *Lease
	version uint64
	failing error
}

var _ LeaseClient = (*MemoryLeaseClient)(nil)

// NewMemoryLeaseClient returns a client with no Lease.
func NewMemoryLeaseClient() *MemoryLeaseClient {
	return &MemoryLeaseClient{}
}

// SetFailure makes every call fail with err until it is called with nil.
func (c *MemoryLeaseClient) SetFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failing = err
}

// Force overwrites the Lease unconditionally, as another writer would.
func (c *MemoryLeaseClient) Force(lease *Lease) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store(lease)
}

// Current returns a copy of the Lease, or nil.
func (c *MemoryLeaseClient) Current() *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lease == nil {
		return nil
	}

	out := *c.lease

	return &out
}

// Get implements LeaseClient.
//
//nolint:wrapcheck // errors.Mark creates new errors
func (c *MemoryLeaseClient) Get(_ context.Context) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing != nil {
		return nil, c.failing
	}

	if c.lease == nil {
		return nil, errors.Mark(errors.New("lease not found"), store.ErrNotFound)
	}

	out := *c.lease

	return &out, nil
}

// Create implements LeaseClient.
//
//nolint:wrapcheck // errors.Mark creates new errors
func (c *MemoryLeaseClient) Create(_ context.Context, lease *Lease) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing != nil {
		return nil, c.failing
	}

	if c.lease != nil {
		return nil, errors.Mark(errors.New("lease already exists"), store.ErrConflict)
	}

	return c.store(lease), nil
}

// Update implements LeaseClient.
//
//nolint:wrapcheck // errors.Mark creates new errors
func (c *MemoryLeaseClient) Update(_ context.Context, lease *Lease) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing != nil {
		return nil, c.failing
	}

	if c.lease == nil {
		return nil, errors.Mark(errors.New("lease not found"), store.ErrNotFound)
	}

	if c.lease.Version != lease.Version {
		return nil, errors.Mark(
			errors.Newf("lease version %s is stale (current %s)", lease.Version, c.lease.Version),
			store.ErrConflict,
		)
	}

	return c.store(lease), nil
}

// Describe implements LeaseClient.
func (c *MemoryLeaseClient) Describe() string {
	return "memory"
}

func (c *MemoryLeaseClient) store(lease *Lease) *Lease {
	c.version++

	next := *lease
	next.Version = strconv.FormatUint(c.version, 10)
	c.lease = &next

	out := next

	return &out
}
