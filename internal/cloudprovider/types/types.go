package types

import (
	"context"
	"time"
)

// Tag keys attached to every instance at creation. The lease-id tag is what
// makes crash reconciliation possible: a provisioning retry can find an
// instance created by an earlier attempt instead of launching a duplicate.
const (
	TagManagedBy      = "managed-by"
	TagManagedByValue = "gpu-broker"
	TagLeaseID        = "gpu-broker/lease-id"
	TagOrganizationID = "gpu-broker/organization-id"
	TagUserID         = "gpu-broker/user-id"
)

// InstanceSpec describes the instance to create for a lease.
type InstanceSpec struct {
	LeaseID        string
	OrganizationID string
	UserID         string
	GPUModel       string
	InstanceType   string
}

// Instance is the broker's view of a backing compute instance.
type Instance struct {
	ID         string
	PublicIP   string
	PrivateIP  string
	State      string
	LaunchedAt time.Time
}

// Provider is the contract a provisioning backend must satisfy. All errors
// are infrastructure errors from the broker's point of view; callers record
// them on the lease rather than retrying synchronously.
type Provider interface {
	TestConnection() error
	CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error)
	// WaitInstanceRunning blocks until the instance reports running, the
	// timeout elapses, or ctx is cancelled.
	WaitInstanceRunning(ctx context.Context, instanceID string, timeout time.Duration) (*Instance, error)
	TerminateInstance(ctx context.Context, instanceID string) error
	// FindInstanceByLeaseID looks up a live (pending or running) instance
	// carrying the lease-id tag. Returns (nil, nil) when none exists.
	FindInstanceByLeaseID(ctx context.Context, leaseID string) (*Instance, error)
}
