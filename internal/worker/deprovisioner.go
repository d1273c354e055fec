package worker

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gpuforge/gpu-broker/internal/cloudprovider/types"
	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/store"
)

// deprovisionableStatuses are the states a lease can be reclaimed from.
var deprovisionableStatuses = []models.GpuStatus{
	models.GpuStatusAvailable,
	models.GpuStatusBusy,
	models.GpuStatusError,
}

type Deprovisioner struct {
	store    store.Store
	provider types.Provider
	log      *zap.Logger
	// terminateRetries bounds the short in-process retry burst around the
	// backend terminate call; the durable queue retries above it.
	terminateRetries uint64
}

func NewDeprovisioner(st store.Store, provider types.Provider, log *zap.Logger) *Deprovisioner {
	return &Deprovisioner{store: st, provider: provider, log: log, terminateRetries: 2}
}

// Handle terminates a lease's backing instance and retires the record.
// Idempotent: an absent or already-DEPROVISIONED lease is a success with no
// backend call, and a lease already claimed DEPROVISIONING (by the sweeper
// or by a crashed earlier attempt) is resumed, not re-claimed.
func (d *Deprovisioner) Handle(ctx context.Context, job models.Job) error {
	lease, err := d.store.GetLease(ctx, job.LeaseID)
	if errors.Is(err, store.ErrNotFound) {
		d.log.Info("deprovision job for absent lease, treating as done",
			zap.String("lease", job.LeaseID))
		return nil
	}
	if err != nil {
		return err
	}

	switch lease.Status {
	case models.GpuStatusDeprovisioned:
		return nil
	case models.GpuStatusDeprovisioning:
		// resume a previously claimed teardown
	case models.GpuStatusProvisioning:
		// The provisioner still owns this record; retry once it settles.
		return errors.Errorf("lease %s is still provisioning", lease.ID)
	default:
		ok, err := d.store.ClaimDeprovisioning(ctx, lease.ID, deprovisionableStatuses, "release requested")
		if err != nil {
			return err
		}
		if !ok {
			// Another actor moved the record; reload and let the next
			// delivery observe the settled state.
			return errors.Errorf("lease %s changed status during claim", lease.ID)
		}
	}

	if lease.InstanceID != "" {
		terminate := func() error {
			return d.provider.TerminateInstance(ctx, lease.InstanceID)
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.terminateRetries), ctx)
		if err := backoff.Retry(terminate, policy); err != nil {
			// Not swallowed: the queue retries with backoff and reports
			// the job DEAD if the backend never recovers.
			d.log.Error("instance termination failed",
				zap.String("lease", lease.ID),
				zap.String("instance", lease.InstanceID),
				zap.Error(err))
			return errors.Wrapf(err, "terminate instance %s", lease.InstanceID)
		}
		d.log.Info("instance terminated",
			zap.String("lease", lease.ID), zap.String("instance", lease.InstanceID))
	}

	ok, err := d.store.MarkDeprovisioned(ctx, lease.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Someone else finished the teardown; that is fine.
		d.log.Info("lease already retired", zap.String("lease", lease.ID))
	}
	return nil
}
