package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/quota"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *GormStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return db, mock, NewGormStore(gormDB, quota.NewGuard())
}

func orgRows(maxActive int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "name", "max_active_gpus", "created_at", "updated_at"}).
		AddRow("org-1", "acme", maxActive, now, now)
}

func TestGormAdmitLease(t *testing.T) {
	ctx := context.Background()
	lease := &models.GPULease{
		ID:             "lease-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		GPUModel:       "NVIDIA A100",
		Status:         models.GpuStatusProvisioning,
		HealthState:    models.HealthUnknown,
		LeaseExpiresAt: time.Now().Add(time.Hour),
	}

	t.Run("locks org, checks quota, inserts lease and job", func(t *testing.T) {
		db, mock, st := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `organizations` WHERE id = .+FOR UPDATE").
			WillReturnRows(orgRows(2))
		mock.ExpectQuery("SELECT count\\(\\*\\) FROM `gpu_leases`").
			WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(1))
		mock.ExpectExec("INSERT INTO `gpu_leases`").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO `jobs`").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, st.AdmitLease(ctx, lease))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on quota exceeded", func(t *testing.T) {
		db, mock, st := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `organizations` WHERE id = .+FOR UPDATE").
			WillReturnRows(orgRows(2))
		mock.ExpectQuery("SELECT count\\(\\*\\) FROM `gpu_leases`").
			WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(2))
		mock.ExpectRollback()

		err := st.AdmitLease(ctx, lease)
		assert.True(t, quota.IsQuotaExceeded(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on unknown organization", func(t *testing.T) {
		db, mock, st := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT \\* FROM `organizations` WHERE id = .+FOR UPDATE").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "max_active_gpus", "created_at", "updated_at"}))
		mock.ExpectRollback()

		err := st.AdmitLease(ctx, lease)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("conditional update wins", func(t *testing.T) {
		db, mock, st := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `gpu_leases` SET").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		ok, err := st.MarkAvailable(ctx, "lease-1", "i-1", "1.2.3.4", "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conditional update loses on status mismatch", func(t *testing.T) {
		db, mock, st := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `gpu_leases` SET").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		ok, err := st.MarkDeprovisioned(ctx, "lease-1")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// The claim and the job insert must share one transaction: a commit that
// moved the lease to DEPROVISIONING always carries the deprovision job.
func TestGormClaimAndEnqueueDeprovision(t *testing.T) {
	ctx := context.Background()
	from := []models.GpuStatus{models.GpuStatusAvailable, models.GpuStatusBusy}

	t.Run("won claim inserts job before commit", func(t *testing.T) {
		db, mock, st := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `gpu_leases` SET").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO `jobs`").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		won, err := st.ClaimAndEnqueueDeprovision(ctx, "lease-1", from, "lease expired")
		require.NoError(t, err)
		assert.True(t, won)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost claim commits without insert", func(t *testing.T) {
		db, mock, st := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `gpu_leases` SET").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		won, err := st.ClaimAndEnqueueDeprovision(ctx, "lease-1", from, "lease expired")
		require.NoError(t, err)
		assert.False(t, won)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed insert rolls the claim back", func(t *testing.T) {
		db, mock, st := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `gpu_leases` SET").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO `jobs`").
			WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		won, err := st.ClaimAndEnqueueDeprovision(ctx, "lease-1", from, "lease expired")
		require.Error(t, err)
		assert.False(t, won)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormClaimJob(t *testing.T) {
	ctx := context.Background()

	t.Run("exclusive claim", func(t *testing.T) {
		db, mock, st := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `jobs` SET").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		won, err := st.ClaimJob(ctx, 7)
		require.NoError(t, err)
		assert.True(t, won)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost claim", func(t *testing.T) {
		db, mock, st := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `jobs` SET").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		won, err := st.ClaimJob(ctx, 7)
		require.NoError(t, err)
		assert.False(t, won)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormExpiredLeaseCandidates(t *testing.T) {
	db, mock, st := setupMockDB(t)
	defer func() { _ = db.Close() }()

	now := time.Now()
	mock.ExpectQuery("SELECT \\* FROM `gpu_leases` WHERE status IN .+ AND lease_expires_at <=").
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "user_id", "status", "lease_expires_at"}).
			AddRow("lease-1", "org-1", "user-1", string(models.GpuStatusAvailable), now.Add(-time.Minute)))

	leases, err := st.ExpiredLeaseCandidates(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "lease-1", leases[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
