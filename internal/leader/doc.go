// Package leader gates work on holding a Lease.
//
// An Elector campaigns for the Lease, renews it while it holds it, and stops
// the leading callback before it reports the loss. Ownership only changes
// through a conditional write against the LeaseClient, so two replicas cannot
// both believe they hold an unexpired Lease.
package leader
