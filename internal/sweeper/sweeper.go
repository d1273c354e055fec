// Package sweeper reclaims leases whose deadline has passed. It never
// terminates instances itself: claiming a record moves it to DEPROVISIONING
// and inserts its deprovision job in the same store transaction, so the
// deprovisioner remains the only component that talks to the backend for
// teardown and a claimed lease always has a job waiting.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/store"
)

// expirableStatuses are the states the sweeper may claim. A record already
// in DEPROVISIONING belongs to an earlier sweep or an explicit release and
// must not be claimed again.
var expirableStatuses = []models.GpuStatus{
	models.GpuStatusAvailable,
	models.GpuStatusBusy,
}

type Sweeper struct {
	store     store.Store
	log       *zap.Logger
	interval  time.Duration
	batchSize int
}

func New(st store.Store, log *zap.Logger, interval time.Duration, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{store: st, log: log, interval: interval, batchSize: batchSize}
}

// Run sweeps on a fixed cadence until ctx is cancelled. Overlapping runs in
// the same process are skipped; overlapping runs across processes are safe
// because claiming is a conditional status update that only one sweeper
// can win per record.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// SweepOnce claims every expired AVAILABLE/BUSY lease and enqueues its
// deprovisioning. Returns the number of leases claimed by this cycle.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	candidates, err := s.store.ExpiredLeaseCandidates(ctx, time.Now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, lease := range candidates {
		won, err := s.store.ClaimAndEnqueueDeprovision(ctx, lease.ID, expirableStatuses, "lease expired")
		if err != nil {
			s.log.Error("claim expired lease", zap.String("lease", lease.ID), zap.Error(err))
			continue
		}
		if !won {
			// Claimed by a concurrent sweep or released explicitly.
			continue
		}
		claimed++
		s.log.Info("expired lease claimed for deprovisioning",
			zap.String("lease", lease.ID),
			zap.Time("expired_at", lease.LeaseExpiresAt))
	}
	return claimed, nil
}
