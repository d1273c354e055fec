package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gpuforge/gpu-broker/internal/allocator"
	"github.com/gpuforge/gpu-broker/internal/jobqueue"
	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/quota"
	"github.com/gpuforge/gpu-broker/internal/store"
)

type LeaseRouter struct {
	coordinator *allocator.Coordinator
	store       store.Store
	queue       *jobqueue.Queue
	log         *zap.Logger
}

func NewLeaseRouter(coordinator *allocator.Coordinator, st store.Store, queue *jobqueue.Queue, log *zap.Logger) *LeaseRouter {
	return &LeaseRouter{coordinator: coordinator, store: st, queue: queue, log: log}
}

type allocateRequest struct {
	GPUModel string `json:"gpu_model" binding:"required"`
}

// Allocate admits a new lease and returns 202 before provisioning starts.
func (r *LeaseRouter) Allocate(ctx *gin.Context) {
	var req allocateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "gpu_model is required"})
		return
	}

	ident := callerIdentity(ctx)
	lease, err := r.coordinator.Allocate(ctx.Request.Context(), ident.OrganizationID, ident.UserID, req.GPUModel)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": "organization not found"})
	case quota.IsQuotaExceeded(err):
		ctx.JSON(http.StatusTooManyRequests, gin.H{
			"error": "GPU quota reached, release an existing GPU before requesting a new one",
		})
	case err != nil:
		r.log.Error("allocate failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		ctx.JSON(http.StatusAccepted, gin.H{
			"lease_id": lease.ID,
			"message":  "GPU allocation request has been accepted",
		})
	}
}

// List returns the caller organization's leases, optionally filtered by
// status.
func (r *LeaseRouter) List(ctx *gin.Context) {
	status := models.GpuStatus(ctx.Query("status"))
	if status != "" && !status.Valid() {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
		return
	}

	ident := callerIdentity(ctx)
	leases, err := r.store.ListLeases(ctx.Request.Context(), ident.OrganizationID, status)
	if err != nil {
		r.log.Error("list leases failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if leases == nil {
		leases = []models.GPULease{}
	}
	ctx.JSON(http.StatusOK, leases)
}

// Get returns one lease; callers only see their own organization's records.
func (r *LeaseRouter) Get(ctx *gin.Context) {
	lease, ok := r.loadOwnedLease(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, lease)
}

// Release enqueues deprovisioning for a lease. Safe to call repeatedly; a
// lease already torn down resolves to a no-op in the worker.
func (r *LeaseRouter) Release(ctx *gin.Context) {
	lease, ok := r.loadOwnedLease(ctx)
	if !ok {
		return
	}
	if lease.Status == models.GpuStatusProvisioning {
		ctx.JSON(http.StatusConflict, gin.H{"error": "lease is still provisioning, retry once it settles"})
		return
	}
	if err := r.queue.Enqueue(ctx.Request.Context(), models.JobKindDeprovision, lease.ID); err != nil {
		r.log.Error("enqueue deprovision failed", zap.String("lease", lease.ID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{
		"lease_id": lease.ID,
		"message":  "GPU release request has been accepted",
	})
}

type heartbeatRequest struct {
	HealthState models.GpuHealthState `json:"health_state"`
	// Busy, when present, moves the lease between AVAILABLE and BUSY.
	Busy *bool `json:"busy"`
}

// Heartbeat records a liveness/health signal from the instance agent.
func (r *LeaseRouter) Heartbeat(ctx *gin.Context) {
	lease, ok := r.loadOwnedLease(ctx)
	if !ok {
		return
	}
	if lease.Status.Terminal() {
		// A heartbeat from an instance that should be gone; worth noticing.
		r.log.Warn("heartbeat for retired lease",
			zap.String("lease", lease.ID), zap.String("status", string(lease.Status)))
		ctx.JSON(http.StatusConflict, gin.H{"error": "lease is no longer active"})
		return
	}
	req := heartbeatRequest{HealthState: models.HealthHealthy}
	if err := ctx.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "malformed heartbeat"})
		return
	}
	if !req.HealthState.Valid() {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unknown health state"})
		return
	}
	if err := r.store.RecordHeartbeat(ctx.Request.Context(), lease.ID, req.HealthState, time.Now()); err != nil {
		r.log.Error("record heartbeat failed", zap.String("lease", lease.ID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if req.Busy != nil {
		// A lost toggle means the lease is mid-teardown or errored; the
		// heartbeat itself still counts.
		if _, err := r.store.SetBusy(ctx.Request.Context(), lease.ID, *req.Busy); err != nil {
			r.log.Error("set busy failed", zap.String("lease", lease.ID), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}
	ctx.Status(http.StatusNoContent)
}

func (r *LeaseRouter) loadOwnedLease(ctx *gin.Context) (*models.GPULease, bool) {
	lease, err := r.store.GetLease(ctx.Request.Context(), ctx.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "GPU lease not found"})
		return nil, false
	}
	if err != nil {
		r.log.Error("load lease failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}
	ident := callerIdentity(ctx)
	if lease.OrganizationID != ident.OrganizationID {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "you do not have permission to access this resource"})
		return nil, false
	}
	return lease, true
}
