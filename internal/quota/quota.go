// Package quota implements admission control for GPU leases. Quota usage is
// always derived from the lease table (never a separately maintained
// counter), so it cannot drift from the record set.
package quota

import (
	"errors"
	"fmt"

	"github.com/gpuforge/gpu-broker/internal/models"
)

// QuotaExceededError reports that an organization is at or over its ceiling
// of concurrently active GPUs.
type QuotaExceededError struct {
	OrganizationID string
	Active         int
	Ceiling        int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("organization %s GPU quota reached: %d active of %d allowed",
		e.OrganizationID, e.Active, e.Ceiling)
}

// IsQuotaExceeded reports whether err is (or wraps) a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// Guard decides admit/reject for new allocations. It is a pure decision:
// the caller must evaluate it and insert the pending record under the same
// concurrency discipline (row lock or store mutex), or two concurrent
// admissions can jointly exceed the ceiling.
type Guard struct{}

func NewGuard() *Guard { return &Guard{} }

// Check admits when activeCount is strictly below the organization ceiling.
// activeCount is the number of leases in PROVISIONING, AVAILABLE or BUSY.
func (g *Guard) Check(org *models.Organization, activeCount int) error {
	if activeCount >= org.MaxActiveGPUs {
		return &QuotaExceededError{
			OrganizationID: org.ID,
			Active:         activeCount,
			Ceiling:        org.MaxActiveGPUs,
		}
	}
	return nil
}
