package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/quota"
)

// GormStore is the MySQL-backed store. Quota-guarded admission runs inside a
// transaction holding a row lock on the organization, and all lifecycle
// transitions are single conditional UPDATEs.
type GormStore struct {
	db    *gorm.DB
	guard *quota.Guard
}

func OpenMySQL(dsn string, guard *quota.Guard) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	return NewGormStore(db, guard), nil
}

func NewGormStore(db *gorm.DB, guard *quota.Guard) *GormStore {
	return &GormStore{db: db, guard: guard}
}

// AutoMigrate creates or updates the schema.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.APIKey{},
		&models.GPULease{},
		&models.Job{},
	)
}

func (s *GormStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.WithContext(ctx).First(&org, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *GormStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	var key models.APIKey
	err := s.db.WithContext(ctx).First(&key, "key_prefix = ?", prefix).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *GormStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

func (s *GormStore) AdmitLease(ctx context.Context, lease *models.GPULease) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var org models.Organization
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&org, "id = ?", lease.OrganizationID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "lock organization")
		}

		var active int64
		if err := tx.Model(&models.GPULease{}).
			Where("organization_id = ? AND status IN ?", org.ID, models.ActiveStatuses).
			Count(&active).Error; err != nil {
			return errors.Wrap(err, "count active leases")
		}
		if err := s.guard.Check(&org, int(active)); err != nil {
			return err
		}

		if err := tx.Create(lease).Error; err != nil {
			return errors.Wrap(err, "create lease")
		}
		job := &models.Job{
			Kind:      models.JobKindProvision,
			LeaseID:   lease.ID,
			State:     models.JobStatePending,
			NextRunAt: time.Now(),
		}
		if err := tx.Create(job).Error; err != nil {
			return errors.Wrap(err, "enqueue provision job")
		}
		return nil
	})
}

func (s *GormStore) GetLease(ctx context.Context, id string) (*models.GPULease, error) {
	var lease models.GPULease
	err := s.db.WithContext(ctx).First(&lease, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

func (s *GormStore) ListLeases(ctx context.Context, organizationID string, status models.GpuStatus) ([]models.GPULease, error) {
	q := s.db.WithContext(ctx).Where("organization_id = ?", organizationID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var leases []models.GPULease
	if err := q.Order("created_at DESC").Find(&leases).Error; err != nil {
		return nil, err
	}
	return leases, nil
}

func (s *GormStore) CountActiveLeases(ctx context.Context, organizationID string) (int, error) {
	var active int64
	err := s.db.WithContext(ctx).Model(&models.GPULease{}).
		Where("organization_id = ? AND status IN ?", organizationID, models.ActiveStatuses).
		Count(&active).Error
	return int(active), err
}

func (s *GormStore) RecordHeartbeat(ctx context.Context, id string, health models.GpuHealthState, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.GPULease{}).
		Where("id = ?", id).
		Updates(map[string]any{"health_state": health, "last_seen": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// transition applies a conditional status update and reports whether this
// caller won it.
func (s *GormStore) transition(ctx context.Context, id string, from []models.GpuStatus, updates map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.GPULease{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) RecordInstance(ctx context.Context, id, instanceID string) (bool, error) {
	return s.transition(ctx, id, []models.GpuStatus{models.GpuStatusProvisioning}, map[string]any{
		"instance_id": instanceID,
	})
}

func (s *GormStore) MarkAvailable(ctx context.Context, id, instanceID, publicIP, privateIP string) (bool, error) {
	return s.transition(ctx, id, []models.GpuStatus{models.GpuStatusProvisioning}, map[string]any{
		"status":              models.GpuStatusAvailable,
		"status_reason":       "",
		"instance_id":         instanceID,
		"instance_public_ip":  publicIP,
		"instance_private_ip": privateIP,
	})
}

func (s *GormStore) MarkError(ctx context.Context, id string, from []models.GpuStatus, reason string) (bool, error) {
	return s.transition(ctx, id, from, map[string]any{
		"status":        models.GpuStatusError,
		"status_reason": reason,
	})
}

func (s *GormStore) SetBusy(ctx context.Context, id string, busy bool) (bool, error) {
	from, to := models.GpuStatusAvailable, models.GpuStatusBusy
	if !busy {
		from, to = to, from
	}
	return s.transition(ctx, id, []models.GpuStatus{from}, map[string]any{
		"status": to,
	})
}

func (s *GormStore) ClaimDeprovisioning(ctx context.Context, id string, from []models.GpuStatus, reason string) (bool, error) {
	return s.transition(ctx, id, from, map[string]any{
		"status":        models.GpuStatusDeprovisioning,
		"status_reason": reason,
	})
}

func (s *GormStore) ClaimAndEnqueueDeprovision(ctx context.Context, id string, from []models.GpuStatus, reason string) (bool, error) {
	won := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.GPULease{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(map[string]any{
				"status":        models.GpuStatusDeprovisioning,
				"status_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		won = true
		job := &models.Job{
			Kind:      models.JobKindDeprovision,
			LeaseID:   id,
			State:     models.JobStatePending,
			NextRunAt: time.Now(),
		}
		return errors.Wrap(tx.Create(job).Error, "enqueue deprovision job")
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (s *GormStore) MarkDeprovisioned(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, []models.GpuStatus{models.GpuStatusDeprovisioning}, map[string]any{
		"status": models.GpuStatusDeprovisioned,
	})
}

func (s *GormStore) ExpiredLeaseCandidates(ctx context.Context, now time.Time, limit int) ([]models.GPULease, error) {
	var leases []models.GPULease
	err := s.db.WithContext(ctx).
		Where("status IN ? AND lease_expires_at <= ?",
			[]models.GpuStatus{models.GpuStatusAvailable, models.GpuStatusBusy}, now).
		Order("lease_expires_at ASC").
		Limit(limit).
		Find(&leases).Error
	return leases, err
}

func (s *GormStore) EnqueueJob(ctx context.Context, job *models.Job) error {
	if job.State == "" {
		job.State = models.JobStatePending
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *GormStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("state = ? AND next_run_at <= ?", models.JobStatePending, now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (s *GormStore) ClaimJob(ctx context.Context, id uint64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ?", id, models.JobStatePending).
		Update("state", models.JobStateRunning)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) CompleteJob(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ?", id, models.JobStateRunning).
		Update("state", models.JobStateSucceeded).Error
}

func (s *GormStore) RetryJob(ctx context.Context, id uint64, attempts int, nextRun time.Time, lastErr string) error {
	return s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ?", id, models.JobStateRunning).
		Updates(map[string]any{
			"state":       models.JobStatePending,
			"attempts":    attempts,
			"next_run_at": nextRun,
			"last_error":  lastErr,
		}).Error
}

func (s *GormStore) KillJob(ctx context.Context, id uint64, lastErr string) error {
	return s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ?", id, models.JobStateRunning).
		Updates(map[string]any{
			"state":      models.JobStateDead,
			"last_error": lastErr,
		}).Error
}

func (s *GormStore) RequeueStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("state = ? AND updated_at <= ?", models.JobStateRunning, cutoff).
		Update("state", models.JobStatePending)
	return int(res.RowsAffected), res.Error
}
