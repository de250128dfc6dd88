package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/graphnode/graphnode/internal/config"
	"github.com/graphnode/graphnode/internal/credits"
	"github.com/graphnode/graphnode/internal/graphdb"
	"github.com/graphnode/graphnode/internal/inframonitor"
	"github.com/graphnode/graphnode/internal/ingest"
	"github.com/graphnode/graphnode/internal/registry"
	"github.com/graphnode/graphnode/internal/repository"
	"github.com/graphnode/graphnode/internal/server"
	"github.com/graphnode/graphnode/internal/stagingdb"
	"github.com/graphnode/graphnode/internal/telemetry"
)

const (
	allocationSweepInterval = time.Hour
	reconcileInterval       = 5 * time.Minute
	shutdownGrace           = 30 * time.Second
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	log := newLogger(cfg.Environment)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "graphnoded", version); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	store, err := registry.OpenStore(filepath.Join(cfg.GraphDatabasePath, "node_registry.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	creditsPath := cfg.Credits.DatabasePath
	if creditsPath == "" {
		creditsPath = filepath.Join(cfg.GraphDatabasePath, "credits.db")
	}
	ledger, err := credits.Open(creditsPath, log)
	if err != nil {
		return err
	}
	defer ledger.Close()

	tier := cfg.Tier()
	log.Info("node capacity tier",
		"tier", tier.Name, "max_databases", tier.MaxDatabases,
		"buffer_pool_bytes", tier.BufferPoolBytes)

	graphPool := graphdb.NewPool(graphdb.PoolOptions{
		BasePath:            cfg.GraphDatabasePath,
		MaxConnectionsPerDB: cfg.Pool.MaxConnectionsPerDB,
		ConnectionTTL:       cfg.Pool.ConnectionTTL,
		CleanupInterval:     cfg.Pool.CleanupInterval,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		BufferPoolBytes:     tier.BufferPoolBytes,
		CheckpointThreshold: cfg.CheckpointThreshold,
	}, log)
	defer graphPool.Close()

	stagingPool := stagingdb.NewPool(stagingdb.PoolOptions{
		BasePath:       cfg.StagingPath,
		MaxConnections: cfg.ConnectionPoolSize,
		S3: stagingdb.S3Options{
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
		},
	}, log)
	defer stagingPool.Close()

	stagingMgr := stagingdb.NewManager(stagingPool, store.Files(), nil, tier.ChunkSize, log)

	graphMgr, err := graphdb.NewManager(graphPool, store.Graphs(), stagingPool, graphdb.ManagerOptions{
		BasePath:     cfg.GraphDatabasePath,
		MaxDatabases: tier.MaxDatabases,
		StagingPath:  cfg.StagingPath,
	}, log)
	if err != nil {
		return err
	}

	pipeline := ingest.NewPipeline(graphPool, stagingMgr, store.Graphs(), store.Files(),
		ingest.Options{Bucket: cfg.S3.Bucket}, log)
	if cfg.S3.Bucket != "" {
		lister, err := registry.NewS3Lister(ctx, registry.S3ListerConfig{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Endpoint:        cfg.S3.Endpoint,
		})
		if err != nil {
			log.Warn("bucket listing disabled for rebuilds", "error", err)
		} else {
			pipeline.WithLister(lister)
		}
	}

	repos := func(graphID string) (repository.Repository, error) {
		return repository.NewLocal(graphPool, graphID)
	}

	srv := server.New(server.Options{
		Addr:     cfg.HTTP.Addr,
		Token:    cfg.HTTP.Token,
		ReadOnly: cfg.ReadOnlyNode,
		Costs:    cfg.Costs,
	}, graphMgr, stagingMgr, pipeline, ledger, repos, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return allocationLoop(gctx, ledger, log)
	})

	if cfg.S3.Region != "" {
		g.Go(func() error {
			return reconcileLoop(gctx, cfg, store, log)
		})
	}

	if watcher, err := inframonitor.NewWatcher(cfg.GraphDatabasePath, log); err != nil {
		log.Warn("data directory watcher disabled", "error", err)
	} else {
		watcher.OnChange = func(graphID string, removed bool) {
			if removed {
				graphPool.InvalidateConnections(graphID)
			}
		}
		g.Go(func() error {
			err := watcher.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// allocationLoop sweeps due credit pools on a fixed cadence.
func allocationLoop(ctx context.Context, ledger *credits.Engine, log *slog.Logger) error {
	ticker := time.NewTicker(allocationSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := ledger.AllocateDue(ctx, time.Now())
			if err != nil {
				log.Warn("allocation sweep failed", "error", err)
			} else if n > 0 {
				log.Info("allocated monthly credits", "pools", n)
			}
		}
	}
}

// reconcileLoop runs the infrastructure monitor against the cloud API.
func reconcileLoop(ctx context.Context, cfg *config.Config, store *registry.Store, log *slog.Logger) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		log.Warn("infrastructure monitor disabled", "error", err)
		return nil
	}
	monitor := inframonitor.New(ec2.NewFromConfig(awsCfg),
		store.Compute(), store.Volumes(), store.Graphs(),
		inframonitor.NewOTelSink(), log)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := monitor.CheckInstanceHealth(ctx); err != nil {
				log.Warn("instance health check failed", "error", err)
			}
			if _, err := monitor.CleanupStaleGraphs(ctx); err != nil {
				log.Warn("stale graph cleanup failed", "error", err)
			}
			if _, err := monitor.CleanupStaleVolumes(ctx); err != nil {
				log.Warn("stale volume cleanup failed", "error", err)
			}
			if err := monitor.CollectMetrics(ctx); err != nil {
				log.Warn("metrics collection failed", "error", err)
			}
		}
	}
}
