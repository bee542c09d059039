package persist

import "fmt"

// ErrTenantBackpressured is an error type for when a tenant's mutation queue
// is full. Callers should retry with backoff.
type ErrTenantBackpressured struct {
	TenantID TenantID
	Queued   int
}

func (e ErrTenantBackpressured) Error() string {
	return fmt.Sprintf("tenant %s is backpressured with %d queued mutations", e.TenantID, e.Queued)
}

// ErrSnapshotIncompatible is an error type for restoring a snapshot with an
// unknown or newer schema version.
type ErrSnapshotIncompatible struct {
	SchemaVersion int
}

func (e ErrSnapshotIncompatible) Error() string {
	return fmt.Sprintf("snapshot schema version %d is not supported", e.SchemaVersion)
}

// ErrTenantNotFound is an error type for when a tenant is not known to the registry
type ErrTenantNotFound struct {
	TenantID TenantID
}

func (e ErrTenantNotFound) Error() string {
	return fmt.Sprintf("tenant not found by ID: %s", e.TenantID)
}
