package quota

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gpuforge/gpu-broker/internal/models"
)

func TestGuardCheck(t *testing.T) {
	guard := NewGuard()
	org := &models.Organization{ID: "org-1", Name: "acme", MaxActiveGPUs: 3}

	t.Run("admits below ceiling", func(t *testing.T) {
		assert.NoError(t, guard.Check(org, 0))
		assert.NoError(t, guard.Check(org, 2))
	})

	t.Run("rejects at ceiling", func(t *testing.T) {
		err := guard.Check(org, 3)
		assert.Error(t, err)
		assert.True(t, IsQuotaExceeded(err))
	})

	t.Run("rejects above ceiling", func(t *testing.T) {
		err := guard.Check(org, 7)
		assert.True(t, IsQuotaExceeded(err))
	})

	t.Run("error carries usage and ceiling", func(t *testing.T) {
		err := guard.Check(org, 3)
		var qe *QuotaExceededError
		assert.ErrorAs(t, err, &qe)
		assert.Equal(t, "org-1", qe.OrganizationID)
		assert.Equal(t, 3, qe.Active)
		assert.Equal(t, 3, qe.Ceiling)
		assert.Contains(t, qe.Error(), "quota reached")
	})

	t.Run("wrapped error still detected", func(t *testing.T) {
		err := fmt.Errorf("admitting lease: %w", guard.Check(org, 3))
		assert.True(t, IsQuotaExceeded(err))
	})

	t.Run("plain errors are not quota errors", func(t *testing.T) {
		assert.False(t, IsQuotaExceeded(fmt.Errorf("boom")))
		assert.False(t, IsQuotaExceeded(nil))
	})
}
