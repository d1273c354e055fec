// Package store is the persistence layer for lease records and background
// jobs. It is the single shared mutable resource in the system: every status
// mutation goes through a conditional update keyed on the expected prior
// status, so racing writers lose cleanly instead of silently overwriting.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gpuforge/gpu-broker/internal/models"
)

var (
	// ErrNotFound is returned when an organization, lease or API key does
	// not exist.
	ErrNotFound = errors.New("record not found")
)

// Store is the contract the coordinator, workers, sweeper and HTTP layer
// share. Two implementations exist: gorm/MySQL for production and an
// in-memory store for dev mode and tests.
type Store interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error

	// AdmitLease atomically checks the organization quota and, on admit,
	// inserts the pending lease together with its provisioning job. The
	// check and the insert happen under one concurrency scope so two
	// concurrent admissions cannot jointly exceed the ceiling. Returns
	// ErrNotFound if the organization is absent, or a
	// *quota.QuotaExceededError on reject.
	AdmitLease(ctx context.Context, lease *models.GPULease) error

	GetLease(ctx context.Context, id string) (*models.GPULease, error)
	ListLeases(ctx context.Context, organizationID string, status models.GpuStatus) ([]models.GPULease, error)
	CountActiveLeases(ctx context.Context, organizationID string) (int, error)
	RecordHeartbeat(ctx context.Context, id string, health models.GpuHealthState, at time.Time) error

	// RecordInstance attaches a backing instance id to a lease still in
	// PROVISIONING. Recorded before the running-state wait so that a
	// lease failing into ERROR afterwards can still be deprovisioned.
	RecordInstance(ctx context.Context, id, instanceID string) (bool, error)
	// MarkAvailable transitions PROVISIONING -> AVAILABLE and records the
	// backing instance. Returns false when the lease was not in
	// PROVISIONING (the transition was lost to another writer or already
	// applied).
	MarkAvailable(ctx context.Context, id, instanceID, publicIP, privateIP string) (bool, error)
	// MarkError transitions any of `from` -> ERROR with a failure reason.
	MarkError(ctx context.Context, id string, from []models.GpuStatus, reason string) (bool, error)
	// SetBusy toggles AVAILABLE -> BUSY (busy=true) or BUSY -> AVAILABLE
	// (busy=false). False when the lease is in neither state.
	SetBusy(ctx context.Context, id string, busy bool) (bool, error)
	// ClaimDeprovisioning transitions any of `from` -> DEPROVISIONING.
	// At most one caller wins a given claim; overlapping sweeps and
	// explicit releases rely on this.
	ClaimDeprovisioning(ctx context.Context, id string, from []models.GpuStatus, reason string) (bool, error)
	// ClaimAndEnqueueDeprovision is ClaimDeprovisioning plus the insert of
	// the deprovision job, in one concurrency scope. A won claim always has
	// a job; a crash can never leave a DEPROVISIONING lease that no worker
	// will ever pick up.
	ClaimAndEnqueueDeprovision(ctx context.Context, id string, from []models.GpuStatus, reason string) (bool, error)
	// MarkDeprovisioned transitions DEPROVISIONING -> DEPROVISIONED.
	MarkDeprovisioned(ctx context.Context, id string) (bool, error)

	// ExpiredLeaseCandidates returns AVAILABLE/BUSY leases whose deadline
	// is at or before now. Callers must still claim each candidate with
	// ClaimDeprovisioning before acting on it.
	ExpiredLeaseCandidates(ctx context.Context, now time.Time, limit int) ([]models.GPULease, error)

	EnqueueJob(ctx context.Context, job *models.Job) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	// ClaimJob transitions PENDING -> RUNNING; false if another dispatcher
	// won the claim.
	ClaimJob(ctx context.Context, id uint64) (bool, error)
	CompleteJob(ctx context.Context, id uint64) error
	// RetryJob re-schedules a RUNNING job for nextRun with the attempt
	// count and last error updated.
	RetryJob(ctx context.Context, id uint64, attempts int, nextRun time.Time, lastErr string) error
	// KillJob marks a RUNNING job DEAD after retries are exhausted.
	KillJob(ctx context.Context, id uint64, lastErr string) error
	// RequeueStaleJobs resets RUNNING jobs older than the cutoff back to
	// PENDING. Called on startup: a crashed worker leaves its claims
	// RUNNING, and handlers are idempotent so re-delivery is safe.
	RequeueStaleJobs(ctx context.Context, cutoff time.Time) (int, error)
}
