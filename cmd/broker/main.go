package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gpuforge/gpu-broker/internal/allocator"
	"github.com/gpuforge/gpu-broker/internal/auth"
	"github.com/gpuforge/gpu-broker/internal/cloudprovider"
	"github.com/gpuforge/gpu-broker/internal/config"
	"github.com/gpuforge/gpu-broker/internal/jobqueue"
	"github.com/gpuforge/gpu-broker/internal/logging"
	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/quota"
	"github.com/gpuforge/gpu-broker/internal/server"
	"github.com/gpuforge/gpu-broker/internal/server/router"
	"github.com/gpuforge/gpu-broker/internal/store"
	"github.com/gpuforge/gpu-broker/internal/sweeper"
	"github.com/gpuforge/gpu-broker/internal/version"
	"github.com/gpuforge/gpu-broker/internal/worker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("broker exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	guard := quota.NewGuard()
	st, err := openStore(cfg, guard, log)
	if err != nil {
		return err
	}

	provider, err := cloudprovider.GetProvider(cfg.Provider)
	if err != nil {
		return err
	}
	if err := provider.TestConnection(); err != nil {
		return fmt.Errorf("cloud provider connection check: %w", err)
	}

	queue := jobqueue.New(st, log.Named("jobqueue"), jobqueue.Options{
		PollInterval: cfg.Provisioning.PollInterval.Std(),
		Workers:      cfg.Provisioning.Workers,
		MaxAttempts:  cfg.Provisioning.MaxAttempts,
		StaleAfter:   cfg.Provisioning.Timeout.Std() + 5*time.Minute,
	})
	provisioner := worker.NewProvisioner(st, provider, log.Named("provisioner"),
		cfg.Provisioning.Timeout.Std(), cfg.Provisioning.MaxAttempts,
		cfg.Provider.InstanceTypes, cfg.Provider.DefaultInstanceType)
	deprovisioner := worker.NewDeprovisioner(st, provider, log.Named("deprovisioner"))
	queue.Register(models.JobKindProvision, provisioner.Handle)
	queue.Register(models.JobKindDeprovision, deprovisioner.Handle)

	sw := sweeper.New(st, log.Named("sweeper"),
		cfg.Lease.SweepInterval.Std(), cfg.Lease.SweepBatchSize)

	coordinator := allocator.NewCoordinator(st, log.Named("allocator"), cfg.Lease.DefaultDuration.Std())
	authenticator := auth.NewAuthenticator(st, log.Named("auth"))
	leaseRouter := router.NewLeaseRouter(coordinator, st, queue, log.Named("api"))
	engine := server.NewHTTPServer(leaseRouter, authenticator, server.Options{
		AllocateRatePerMinute: cfg.Server.AllocateRatePerMinute,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: engine,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(ctx) })
	g.Go(func() error { return sw.Run(ctx) })
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	log.Info("gpu broker started",
		zap.String("version", version.Info()),
		zap.String("provider", cfg.Provider.Vendor),
		zap.String("database", cfg.Database.Driver),
		zap.Duration("lease_duration", cfg.Lease.DefaultDuration.Std()))
	return g.Wait()
}

func openStore(cfg *config.Config, guard *quota.Guard, log *zap.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case "mysql":
		st, err := store.OpenMySQL(cfg.Database.DSN, guard)
		if err != nil {
			return nil, err
		}
		if err := st.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
		return st, nil
	case "memory":
		st := store.NewMemoryStore(guard)
		seedDevData(st, log)
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// seedDevData makes the memory driver usable out of the box: one
// organization, one user, and an API key printed to the log.
func seedDevData(st *store.MemoryStore, log *zap.Logger) {
	now := time.Now()
	org := &models.Organization{
		ID:            uuid.NewString(),
		Name:          "dev",
		MaxActiveGPUs: 5,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	user := &models.User{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		Email:          "dev@localhost",
		Role:           "admin",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	secret := shortuuid.New()
	hash, err := auth.HashKey(secret)
	if err != nil {
		log.Fatal("hash dev api key", zap.Error(err))
	}
	key := &models.APIKey{
		ID:             uuid.NewString(),
		KeyPrefix:      "dev",
		KeyHash:        hash,
		UserID:         user.ID,
		OrganizationID: org.ID,
		CreatedAt:      now,
	}
	st.PutOrganization(org)
	st.PutUser(user)
	st.PutAPIKey(key)
	log.Info("seeded dev credentials", zap.String("api_key", "dev."+secret))
}
