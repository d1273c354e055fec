package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/quota"
)

// MemoryStore implements Store with in-process maps. It backs dev mode
// (database.driver: memory) and the test suites. A single mutex gives the
// same effective atomicity the MySQL store gets from row locks and
// conditional updates.
type MemoryStore struct {
	mu    sync.Mutex
	guard *quota.Guard

	orgs   map[string]*models.Organization
	users  map[string]*models.User
	keys   map[string]*models.APIKey // by prefix
	leases map[string]*models.GPULease
	jobs   map[uint64]*models.Job

	nextJobID uint64
}

func NewMemoryStore(guard *quota.Guard) *MemoryStore {
	return &MemoryStore{
		guard:  guard,
		orgs:   make(map[string]*models.Organization),
		users:  make(map[string]*models.User),
		keys:   make(map[string]*models.APIKey),
		leases: make(map[string]*models.GPULease),
		jobs:   make(map[uint64]*models.Job),
	}
}

// PutOrganization seeds an organization (dev mode and tests).
func (s *MemoryStore) PutOrganization(org *models.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *org
	s.orgs[org.ID] = &cp
}

// PutUser seeds a user (dev mode and tests).
func (s *MemoryStore) PutUser(u *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

// PutAPIKey seeds an API key (dev mode and tests).
func (s *MemoryStore) PutAPIKey(k *models.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keys[k.KeyPrefix] = &cp
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[prefix]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *MemoryStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		if key.ID == id {
			t := at
			key.LastUsedAt = &t
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) AdmitLease(ctx context.Context, lease *models.GPULease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.orgs[lease.OrganizationID]
	if !ok {
		return ErrNotFound
	}
	active := 0
	for _, l := range s.leases {
		if l.OrganizationID == org.ID && l.Active() {
			active++
		}
	}
	if err := s.guard.Check(org, active); err != nil {
		return err
	}

	now := time.Now()
	cp := *lease
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.leases[cp.ID] = &cp
	lease.CreatedAt = now
	lease.UpdatedAt = now

	s.enqueueLocked(&models.Job{
		Kind:      models.JobKindProvision,
		LeaseID:   lease.ID,
		State:     models.JobStatePending,
		NextRunAt: now,
	})
	return nil
}

func (s *MemoryStore) GetLease(ctx context.Context, id string) (*models.GPULease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lease
	return &cp, nil
}

func (s *MemoryStore) ListLeases(ctx context.Context, organizationID string, status models.GpuStatus) ([]models.GPULease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.FilterMap(lo.Values(s.leases), func(l *models.GPULease, _ int) (models.GPULease, bool) {
		if l.OrganizationID != organizationID {
			return models.GPULease{}, false
		}
		if status != "" && l.Status != status {
			return models.GPULease{}, false
		}
		return *l, true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountActiveLeases(ctx context.Context, organizationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for _, l := range s.leases {
		if l.OrganizationID == organizationID && l.Active() {
			active++
		}
	}
	return active, nil
}

func (s *MemoryStore) RecordHeartbeat(ctx context.Context, id string, health models.GpuHealthState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	lease.HealthState = health
	lease.LastSeen = &t
	lease.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) transition(id string, from []models.GpuStatus, apply func(*models.GPULease)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if lease.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	apply(lease)
	lease.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) RecordInstance(ctx context.Context, id, instanceID string) (bool, error) {
	return s.transition(id, []models.GpuStatus{models.GpuStatusProvisioning}, func(l *models.GPULease) {
		l.InstanceID = instanceID
	})
}

func (s *MemoryStore) MarkAvailable(ctx context.Context, id, instanceID, publicIP, privateIP string) (bool, error) {
	return s.transition(id, []models.GpuStatus{models.GpuStatusProvisioning}, func(l *models.GPULease) {
		l.Status = models.GpuStatusAvailable
		l.StatusReason = ""
		l.InstanceID = instanceID
		l.InstancePublicIP = publicIP
		l.InstancePrivateIP = privateIP
	})
}

func (s *MemoryStore) MarkError(ctx context.Context, id string, from []models.GpuStatus, reason string) (bool, error) {
	return s.transition(id, from, func(l *models.GPULease) {
		l.Status = models.GpuStatusError
		l.StatusReason = reason
	})
}

func (s *MemoryStore) SetBusy(ctx context.Context, id string, busy bool) (bool, error) {
	from, to := models.GpuStatusAvailable, models.GpuStatusBusy
	if !busy {
		from, to = to, from
	}
	return s.transition(id, []models.GpuStatus{from}, func(l *models.GPULease) {
		l.Status = to
	})
}

func (s *MemoryStore) ClaimDeprovisioning(ctx context.Context, id string, from []models.GpuStatus, reason string) (bool, error) {
	return s.transition(id, from, func(l *models.GPULease) {
		l.Status = models.GpuStatusDeprovisioning
		l.StatusReason = reason
	})
}

func (s *MemoryStore) ClaimAndEnqueueDeprovision(ctx context.Context, id string, from []models.GpuStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if lease.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	lease.Status = models.GpuStatusDeprovisioning
	lease.StatusReason = reason
	lease.UpdatedAt = time.Now()
	s.enqueueLocked(&models.Job{
		Kind:    models.JobKindDeprovision,
		LeaseID: id,
	})
	return true, nil
}

func (s *MemoryStore) MarkDeprovisioned(ctx context.Context, id string) (bool, error) {
	return s.transition(id, []models.GpuStatus{models.GpuStatusDeprovisioning}, func(l *models.GPULease) {
		l.Status = models.GpuStatusDeprovisioned
	})
}

func (s *MemoryStore) ExpiredLeaseCandidates(ctx context.Context, now time.Time, limit int) ([]models.GPULease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GPULease
	for _, l := range s.leases {
		if (l.Status == models.GpuStatusAvailable || l.Status == models.GpuStatusBusy) &&
			!l.LeaseExpiresAt.After(now) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaseExpiresAt.Before(out[j].LeaseExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) enqueueLocked(job *models.Job) {
	s.nextJobID++
	job.ID = s.nextJobID
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.State == "" {
		job.State = models.JobStatePending
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	cp := *job
	s.jobs[job.ID] = &cp
}

func (s *MemoryStore) EnqueueJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(job)
	return nil
}

func (s *MemoryStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.State == models.JobStatePending && !j.NextRunAt.After(now) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimJob(ctx context.Context, id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State != models.JobStatePending {
		return false, nil
	}
	job.State = models.JobStateRunning
	job.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && job.State == models.JobStateRunning {
		job.State = models.JobStateSucceeded
		job.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) RetryJob(ctx context.Context, id uint64, attempts int, nextRun time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && job.State == models.JobStateRunning {
		job.State = models.JobStatePending
		job.Attempts = attempts
		job.NextRunAt = nextRun
		job.LastError = lastErr
		job.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) KillJob(ctx context.Context, id uint64, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && job.State == models.JobStateRunning {
		job.State = models.JobStateDead
		job.LastError = lastErr
		job.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) RequeueStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.State == models.JobStateRunning && !j.UpdatedAt.After(cutoff) {
			j.State = models.JobStatePending
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// GetJob returns a queued job by id (test helper).
func (s *MemoryStore) GetJob(id uint64) (*models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// JobsForLease returns all jobs recorded for a lease (test helper).
func (s *MemoryStore) JobsForLease(leaseID string) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.LeaseID == leaseID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
