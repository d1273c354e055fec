// Package allocator is the synchronous allocation path: admission control
// plus hand-off to the provisioning queue. It never talks to the cloud
// backend, so callers get an answer immediately.
package allocator

import (
	"context"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"

	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/store"
)

type Coordinator struct {
	store         store.Store
	log           *zap.Logger
	leaseDuration time.Duration
}

func NewCoordinator(st store.Store, log *zap.Logger, leaseDuration time.Duration) *Coordinator {
	return &Coordinator{store: st, log: log, leaseDuration: leaseDuration}
}

// Allocate admits a new GPU lease for the organization. On admit the lease
// is created in PROVISIONING with its deadline fixed at creation time, and a
// durable provisioning job is enqueued in the same transaction. Returns
// store.ErrNotFound for an unknown organization and
// *quota.QuotaExceededError when the organization is at its ceiling; in
// both cases no record is created.
func (c *Coordinator) Allocate(ctx context.Context, organizationID, userID, gpuModel string) (*models.GPULease, error) {
	now := time.Now()
	lease := &models.GPULease{
		ID:             shortuuid.New(),
		OrganizationID: organizationID,
		UserID:         userID,
		GPUModel:       gpuModel,
		Status:         models.GpuStatusProvisioning,
		HealthState:    models.HealthUnknown,
		LeaseExpiresAt: now.Add(c.leaseDuration),
	}
	if err := c.store.AdmitLease(ctx, lease); err != nil {
		return nil, err
	}
	c.log.Info("lease admitted",
		zap.String("lease", lease.ID),
		zap.String("organization", organizationID),
		zap.String("user", userID),
		zap.String("gpu_model", gpuModel),
		zap.Time("expires_at", lease.LeaseExpiresAt))
	return lease, nil
}
