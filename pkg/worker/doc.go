// Package worker provides the polling worker pool that claims eligible
// runs, executes registered task types, heartbeats its leases, and hosts
// the maintenance sweeper for expired leases and breached deadlines.
package worker
