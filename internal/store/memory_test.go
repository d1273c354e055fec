package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/quota"
)

func newTestStore(t *testing.T, maxActiveGPUs int) *MemoryStore {
	t.Helper()
	st := NewMemoryStore(quota.NewGuard())
	st.PutOrganization(&models.Organization{
		ID:            "org-1",
		Name:          "acme",
		MaxActiveGPUs: maxActiveGPUs,
	})
	return st
}

func pendingLease(id string) *models.GPULease {
	return &models.GPULease{
		ID:             id,
		OrganizationID: "org-1",
		UserID:         "user-1",
		GPUModel:       "NVIDIA A100",
		Status:         models.GpuStatusProvisioning,
		HealthState:    models.HealthUnknown,
		LeaseExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestAdmitLease(t *testing.T) {
	ctx := context.Background()

	t.Run("creates lease and provision job", func(t *testing.T) {
		st := newTestStore(t, 2)
		require.NoError(t, st.AdmitLease(ctx, pendingLease("lease-1")))

		lease, err := st.GetLease(ctx, "lease-1")
		require.NoError(t, err)
		assert.Equal(t, models.GpuStatusProvisioning, lease.Status)

		jobs := st.JobsForLease("lease-1")
		require.Len(t, jobs, 1)
		assert.Equal(t, models.JobKindProvision, jobs[0].Kind)
		assert.Equal(t, models.JobStatePending, jobs[0].State)
	})

	t.Run("unknown organization", func(t *testing.T) {
		st := NewMemoryStore(quota.NewGuard())
		err := st.AdmitLease(ctx, pendingLease("lease-1"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.GetLease(ctx, "lease-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects at quota ceiling", func(t *testing.T) {
		st := newTestStore(t, 1)
		require.NoError(t, st.AdmitLease(ctx, pendingLease("lease-1")))
		err := st.AdmitLease(ctx, pendingLease("lease-2"))
		assert.True(t, quota.IsQuotaExceeded(err))
	})

	t.Run("deprovisioned leases free quota", func(t *testing.T) {
		st := newTestStore(t, 1)
		require.NoError(t, st.AdmitLease(ctx, pendingLease("lease-1")))

		_, err := st.RecordInstance(ctx, "lease-1", "i-1")
		require.NoError(t, err)
		ok, err := st.MarkAvailable(ctx, "lease-1", "i-1", "1.2.3.4", "10.0.0.1")
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = st.ClaimDeprovisioning(ctx, "lease-1", []models.GpuStatus{models.GpuStatusAvailable}, "released")
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = st.MarkDeprovisioned(ctx, "lease-1")
		require.NoError(t, err)
		require.True(t, ok)

		assert.NoError(t, st.AdmitLease(ctx, pendingLease("lease-2")))
	})
}

// The admission check and pending insert must be atomic: N racing
// allocations against ceiling K admit exactly K.
func TestAdmitLeaseConcurrent(t *testing.T) {
	ctx := context.Background()
	const ceiling = 4
	const attempts = 32

	st := newTestStore(t, ceiling)

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = st.AdmitLease(ctx, pendingLease(fmt.Sprintf("lease-%d", n)))
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		} else {
			assert.True(t, quota.IsQuotaExceeded(err))
		}
	}
	assert.Equal(t, ceiling, admitted)

	active, err := st.CountActiveLeases(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, ceiling, active)
}

func TestLeaseTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("mark available only from provisioning", func(t *testing.T) {
		st := newTestStore(t, 5)
		require.NoError(t, st.AdmitLease(ctx, pendingLease("lease-1")))

		ok, err := st.MarkAvailable(ctx, "lease-1", "i-1", "1.2.3.4", "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)

		// second application loses the compare-and-swap
		ok, err = st.MarkAvailable(ctx, "lease-1", "i-2", "5.6.7.8", "10.0.0.2")
		require.NoError(t, err)
		assert.False(t, ok)

		lease, err := st.GetLease(ctx, "lease-1")
		require.NoError(t, err)
		assert.Equal(t, "i-1", lease.InstanceID)
	})

	t.Run("error records reason", func(t *testing.T) {
		st := newTestStore(t, 5)
		require.NoError(t, st.AdmitLease(ctx, pendingLease("lease-1")))

		ok, err := st.MarkError(ctx, "lease-1", []models.GpuStatus{models.GpuStatusProvisioning}, "create instance: capacity exhausted")
		require.NoError(t, err)
		assert.True(t, ok)

		lease, err := st.GetLease(ctx, "lease-1")
		require.NoError(t, err)
		assert.Equal(t, models.GpuStatusError, lease.Status)
		assert.Equal(t, "create instance: capacity exhausted", lease.StatusReason)
	})

	t.Run("claim is won at most once", func(t *testing.T) {
		st := newTestStore(t, 5)
		require.NoError(t, st.AdmitLease(ctx, pendingLease("lease-1")))
		_, err := st.MarkAvailable(ctx, "lease-1", "i-1", "1.2.3.4", "10.0.0.1")
		require.NoError(t, err)

		from := []models.GpuStatus{models.GpuStatusAvailable, models.GpuStatusBusy}
		first, err := st.ClaimDeprovisioning(ctx, "lease-1", from, "lease expired")
		require.NoError(t, err)
		second, err := st.ClaimDeprovisioning(ctx, "lease-1", from, "lease expired")
		require.NoError(t, err)
		assert.True(t, first)
		assert.False(t, second)
	})

	t.Run("unknown lease transition is a lost cas, not an error", func(t *testing.T) {
		st := newTestStore(t, 5)
		ok, err := st.MarkDeprovisioned(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// A won reclaim must leave the deprovision job behind in the same store
// operation; a DEPROVISIONING lease with no job would never be torn down.
func TestClaimAndEnqueueDeprovision(t *testing.T) {
	ctx := context.Background()

	countDeprovisionJobs := func(st *MemoryStore, leaseID string) int {
		n := 0
		for _, j := range st.JobsForLease(leaseID) {
			if j.Kind == models.JobKindDeprovision {
				n++
			}
		}
		return n
	}

	t.Run("won claim inserts the job", func(t *testing.T) {
		st := newTestStore(t, 5)
		require.NoError(t, st.AdmitLease(ctx, pendingLease("lease-1")))
		ok, err := st.MarkAvailable(ctx, "lease-1", "i-1", "1.2.3.4", "10.0.0.1")
		require.NoError(t, err)
		require.True(t, ok)

		won, err := st.ClaimAndEnqueueDeprovision(ctx, "lease-1",
			[]models.GpuStatus{models.GpuStatusAvailable, models.GpuStatusBusy}, "lease expired")
		require.NoError(t, err)
		assert.True(t, won)

		lease, err := st.GetLease(ctx, "lease-1")
		require.NoError(t, err)
		assert.Equal(t, models.GpuStatusDeprovisioning, lease.Status)
		assert.Equal(t, "lease expired", lease.StatusReason)
		assert.Equal(t, 1, countDeprovisionJobs(st, "lease-1"))
	})

	t.Run("lost claim inserts nothing", func(t *testing.T) {
		st := newTestStore(t, 5)
		require.NoError(t, st.AdmitLease(ctx, pendingLease("lease-1")))

		won, err := st.ClaimAndEnqueueDeprovision(ctx, "lease-1",
			[]models.GpuStatus{models.GpuStatusAvailable, models.GpuStatusBusy}, "lease expired")
		require.NoError(t, err)
		assert.False(t, won)
		assert.Zero(t, countDeprovisionJobs(st, "lease-1"))
	})

	t.Run("second claim does not duplicate the job", func(t *testing.T) {
		st := newTestStore(t, 5)
		require.NoError(t, st.AdmitLease(ctx, pendingLease("lease-1")))
		_, err := st.MarkAvailable(ctx, "lease-1", "i-1", "1.2.3.4", "10.0.0.1")
		require.NoError(t, err)

		from := []models.GpuStatus{models.GpuStatusAvailable, models.GpuStatusBusy}
		won, err := st.ClaimAndEnqueueDeprovision(ctx, "lease-1", from, "lease expired")
		require.NoError(t, err)
		require.True(t, won)
		won, err = st.ClaimAndEnqueueDeprovision(ctx, "lease-1", from, "lease expired")
		require.NoError(t, err)
		assert.False(t, won)
		assert.Equal(t, 1, countDeprovisionJobs(st, "lease-1"))
	})
}

func TestExpiredLeaseCandidates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, 10)
	now := time.Now()

	mk := func(id string, status models.GpuStatus, expires time.Time) {
		l := pendingLease(id)
		l.LeaseExpiresAt = expires
		require.NoError(t, st.AdmitLease(ctx, l))
		if status != models.GpuStatusProvisioning {
			ok, err := st.MarkAvailable(ctx, id, "i-"+id, "1.2.3.4", "10.0.0.1")
			require.NoError(t, err)
			require.True(t, ok)
		}
	}

	mk("expired-available", models.GpuStatusAvailable, now.Add(-time.Minute))
	mk("fresh-available", models.GpuStatusAvailable, now.Add(time.Hour))
	mk("expired-provisioning", models.GpuStatusProvisioning, now.Add(-time.Minute))

	candidates, err := st.ExpiredLeaseCandidates(ctx, now, 50)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "expired-available", candidates[0].ID)
}

func TestJobQueueOps(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, 5)

	job := &models.Job{Kind: models.JobKindDeprovision, LeaseID: "lease-1"}
	require.NoError(t, st.EnqueueJob(ctx, job))
	require.NotZero(t, job.ID)

	t.Run("due and claim", func(t *testing.T) {
		due, err := st.DueJobs(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		won, err := st.ClaimJob(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = st.ClaimJob(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, won, "claim must be exclusive")
	})

	t.Run("retry reschedules", func(t *testing.T) {
		nextRun := time.Now().Add(time.Minute)
		require.NoError(t, st.RetryJob(ctx, job.ID, 1, nextRun, "backend down"))

		due, err := st.DueJobs(ctx, time.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, due, "retried job is not due until its backoff elapses")

		due, err = st.DueJobs(ctx, nextRun.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})

	t.Run("kill marks dead", func(t *testing.T) {
		won, err := st.ClaimJob(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, won)
		require.NoError(t, st.KillJob(ctx, job.ID, "retries exhausted"))

		got, ok := st.GetJob(job.ID)
		require.True(t, ok)
		assert.Equal(t, models.JobStateDead, got.State)
		assert.Equal(t, "retries exhausted", got.LastError)
	})

	t.Run("stale running jobs requeued", func(t *testing.T) {
		j := &models.Job{Kind: models.JobKindProvision, LeaseID: "lease-2"}
		require.NoError(t, st.EnqueueJob(ctx, j))
		won, err := st.ClaimJob(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, won)

		n, err := st.RequeueStaleJobs(ctx, time.Now().Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, ok := st.GetJob(j.ID)
		require.True(t, ok)
		assert.Equal(t, models.JobStatePending, got.State)
	})
}
