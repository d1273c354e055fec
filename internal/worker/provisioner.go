// Package worker holds the asynchronous executors that move leases through
// their lifecycle. The provisioner owns PROVISIONING -> {AVAILABLE, ERROR};
// the deprovisioner owns {AVAILABLE, BUSY, ERROR} -> DEPROVISIONING ->
// DEPROVISIONED. No other component writes those transitions.
package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gpuforge/gpu-broker/internal/cloudprovider/types"
	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/store"
)

type Provisioner struct {
	store    store.Store
	provider types.Provider
	log      *zap.Logger

	waitTimeout time.Duration
	// maxAttempts mirrors the queue's retry budget: the final failed
	// attempt settles the lease into ERROR instead of leaving it
	// PROVISIONING while a dead job sits in the queue.
	maxAttempts int

	instanceTypes       map[string]string
	defaultInstanceType string
}

func NewProvisioner(st store.Store, provider types.Provider, log *zap.Logger,
	waitTimeout time.Duration, maxAttempts int,
	instanceTypes map[string]string, defaultInstanceType string) *Provisioner {
	return &Provisioner{
		store:               st,
		provider:            provider,
		log:                 log,
		waitTimeout:         waitTimeout,
		maxAttempts:         maxAttempts,
		instanceTypes:       instanceTypes,
		defaultInstanceType: defaultInstanceType,
	}
}

func (p *Provisioner) instanceType(gpuModel string) string {
	if t, ok := p.instanceTypes[gpuModel]; ok {
		return t
	}
	return p.defaultInstanceType
}

// Handle turns a pending lease into a running instance. Re-delivery of the
// same job is safe: a lease no longer in PROVISIONING is a no-op, and an
// instance created by a crashed earlier attempt is found by its lease-id
// tag and adopted rather than duplicated.
func (p *Provisioner) Handle(ctx context.Context, job models.Job) error {
	lease, err := p.store.GetLease(ctx, job.LeaseID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warn("provision job for unknown lease", zap.String("lease", job.LeaseID))
		return nil
	}
	if err != nil {
		return err
	}
	if lease.Status != models.GpuStatusProvisioning {
		p.log.Info("lease already settled, skipping provision",
			zap.String("lease", lease.ID), zap.String("status", string(lease.Status)))
		return nil
	}

	inst, err := p.provider.FindInstanceByLeaseID(ctx, lease.ID)
	if err != nil {
		return p.failOrRetry(ctx, job, lease, errors.Wrap(err, "reconcile by lease tag"))
	}
	if inst == nil {
		inst, err = p.provider.CreateInstance(ctx, types.InstanceSpec{
			LeaseID:        lease.ID,
			OrganizationID: lease.OrganizationID,
			UserID:         lease.UserID,
			GPUModel:       lease.GPUModel,
			InstanceType:   p.instanceType(lease.GPUModel),
		})
		if err != nil {
			return p.failOrRetry(ctx, job, lease, errors.Wrap(err, "create instance"))
		}
		p.log.Info("instance requested",
			zap.String("lease", lease.ID), zap.String("instance", inst.ID))
	} else {
		p.log.Info("adopted existing instance for lease",
			zap.String("lease", lease.ID), zap.String("instance", inst.ID))
	}

	if _, err := p.store.RecordInstance(ctx, lease.ID, inst.ID); err != nil {
		return err
	}

	running, err := p.provider.WaitInstanceRunning(ctx, inst.ID, p.waitTimeout)
	if err != nil {
		return p.failOrRetry(ctx, job, lease, errors.Wrap(err, "wait for running state"))
	}

	ok, err := p.store.MarkAvailable(ctx, lease.ID, running.ID, running.PublicIP, running.PrivateIP)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the transition: the lease left PROVISIONING under us.
		p.log.Warn("lease no longer provisioning, leaving as-is",
			zap.String("lease", lease.ID), zap.String("instance", running.ID))
		return nil
	}
	p.log.Info("lease available",
		zap.String("lease", lease.ID),
		zap.String("instance", running.ID),
		zap.String("public_ip", running.PublicIP))
	return nil
}

// failOrRetry propagates transient failures to the queue for backoff, but
// on the final attempt settles the lease into ERROR with the reason
// recorded. The record must never sit in PROVISIONING indefinitely.
func (p *Provisioner) failOrRetry(ctx context.Context, job models.Job, lease *models.GPULease, cause error) error {
	if job.Attempts+1 < p.maxAttempts {
		return cause
	}
	p.log.Error("provisioning failed permanently",
		zap.String("lease", lease.ID), zap.Error(cause))
	ok, err := p.store.MarkError(ctx, lease.ID,
		[]models.GpuStatus{models.GpuStatusProvisioning}, cause.Error())
	if err != nil {
		return err
	}
	if !ok {
		p.log.Warn("lease left provisioning before error could be recorded",
			zap.String("lease", lease.ID))
	}
	return nil
}
