package models

import (
	"time"
)

// GpuStatus is the lifecycle state of a GPU lease. Transitions are owned by
// exactly one component per phase and are applied with conditional updates,
// so two writers can never race a record into an inconsistent state.
type GpuStatus string

const (
	GpuStatusProvisioning   GpuStatus = "PROVISIONING"
	GpuStatusAvailable      GpuStatus = "AVAILABLE"
	GpuStatusBusy           GpuStatus = "BUSY"
	GpuStatusDeprovisioning GpuStatus = "DEPROVISIONING"
	GpuStatusDeprovisioned  GpuStatus = "DEPROVISIONED"
	GpuStatusError          GpuStatus = "ERROR"
)

// ActiveStatuses are the states that count against an organization's quota.
var ActiveStatuses = []GpuStatus{GpuStatusProvisioning, GpuStatusAvailable, GpuStatusBusy}

func (s GpuStatus) Valid() bool {
	switch s {
	case GpuStatusProvisioning, GpuStatusAvailable, GpuStatusBusy,
		GpuStatusDeprovisioning, GpuStatusDeprovisioned, GpuStatusError:
		return true
	}
	return false
}

// Terminal reports whether no further lifecycle transition is expected.
func (s GpuStatus) Terminal() bool {
	return s == GpuStatusDeprovisioned || s == GpuStatusError
}

// GpuHealthState reflects heartbeat/monitoring signal and is orthogonal to
// the allocation lifecycle.
type GpuHealthState string

const (
	HealthHealthy   GpuHealthState = "HEALTHY"
	HealthUnhealthy GpuHealthState = "UNHEALTHY"
	HealthDegraded  GpuHealthState = "DEGRADED"
	HealthUnknown   GpuHealthState = "UNKNOWN"
)

func (h GpuHealthState) Valid() bool {
	switch h {
	case HealthHealthy, HealthUnhealthy, HealthDegraded, HealthUnknown:
		return true
	}
	return false
}

type Organization struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name          string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"name"`
	MaxActiveGPUs int       `gorm:"column:max_active_gpus;not null;default:5" json:"max_active_gpus"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

func (Organization) TableName() string { return "organizations" }

type User struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrganizationID string    `gorm:"type:varchar(36);not null;index" json:"organization_id"`
	Email          string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"email"`
	Role           string    `gorm:"type:varchar(32);not null;default:member" json:"role"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

func (User) TableName() string { return "users" }

// APIKey is stored as a bcrypt hash; the public prefix is the lookup key.
type APIKey struct {
	ID             string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	KeyPrefix      string     `gorm:"type:varchar(8);not null;uniqueIndex" json:"key_prefix"`
	KeyHash        string     `gorm:"type:varchar(255);not null" json:"-"`
	UserID         string     `gorm:"type:varchar(36);not null;index" json:"user_id"`
	OrganizationID string     `gorm:"type:varchar(36);not null;index" json:"organization_id"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
}

func (APIKey) TableName() string { return "api_keys" }

// GPULease is the persistent record of one allocated (or allocating) GPU and
// the single source of truth for its lifecycle. Rows are never deleted;
// DEPROVISIONED and ERROR rows remain as history.
type GPULease struct {
	ID             string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrganizationID string `gorm:"type:varchar(36);not null;index" json:"organization_id"`
	UserID         string `gorm:"type:varchar(36);not null;index" json:"user_id"`
	GPUModel       string `gorm:"type:varchar(64);not null" json:"gpu_model"`

	InstanceID        string `gorm:"type:varchar(255);index" json:"instance_id,omitempty"`
	InstancePublicIP  string `gorm:"type:varchar(64)" json:"instance_public_ip,omitempty"`
	InstancePrivateIP string `gorm:"type:varchar(64)" json:"instance_private_ip,omitempty"`

	Status GpuStatus `gorm:"type:varchar(16);not null;index:idx_leases_status_expiry,priority:1" json:"status"`
	// StatusReason carries the failure cause when Status is ERROR, and the
	// trigger (expiry, release) when a lease is reclaimed.
	StatusReason string         `gorm:"type:varchar(512)" json:"status_reason,omitempty"`
	HealthState  GpuHealthState `gorm:"type:varchar(16);not null;default:UNKNOWN" json:"health_state"`

	LeaseExpiresAt time.Time  `gorm:"not null;index:idx_leases_status_expiry,priority:2" json:"lease_expires_at"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (GPULease) TableName() string { return "gpu_leases" }

// Active reports whether the lease counts against quota.
func (l *GPULease) Active() bool {
	return l.Status == GpuStatusProvisioning || l.Status == GpuStatusAvailable || l.Status == GpuStatusBusy
}

// JobKind selects the worker that handles a queued job.
type JobKind string

const (
	JobKindProvision   JobKind = "provision"
	JobKindDeprovision JobKind = "deprovision"
)

type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	// JobStateDead means retries are exhausted and an operator has to look.
	JobStateDead JobState = "DEAD"
)

// Job is one durable unit of background work. Delivery is at-least-once;
// handlers are idempotent, keyed by the lease id.
type Job struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind      JobKind   `gorm:"type:varchar(16);not null" json:"kind"`
	LeaseID   string    `gorm:"type:varchar(36);not null;index" json:"lease_id"`
	State     JobState  `gorm:"type:varchar(16);not null;index:idx_jobs_state_run_at,priority:1" json:"state"`
	Attempts  int       `gorm:"not null;default:0" json:"attempts"`
	NextRunAt time.Time `gorm:"not null;index:idx_jobs_state_run_at,priority:2" json:"next_run_at"`
	LastError string    `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }
