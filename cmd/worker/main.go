// Command worker drains the background execution handle (RabbitMQ or
// in-process) and dispatches each task to the component that owns its
// effect: TTL refresh, version-store write, or stale-manifest deletion.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erfianugrah/edgevidcache/internal/blobstore"
	"github.com/erfianugrah/edgevidcache/internal/config"
	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/backgroundqueue"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/blobkv"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/versionkv"
	"github.com/erfianugrah/edgevidcache/internal/refresher"
	"github.com/erfianugrah/edgevidcache/internal/versionregistry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	blobMinio, err := blobkv.NewStore(ctx, blobkv.ClientConfig{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to artifact MinIO bucket: %w", err)
	}
	logger.Info("connected to artifact MinIO bucket")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis")

	var queueClient repository.BackgroundQueue
	if cfg.RabbitMQ.InProcess {
		queueClient = backgroundqueue.NewInProcess(1024)
		logger.Info("using in-process background queue")
	} else {
		rmq, err := backgroundqueue.NewClient(ctx, backgroundqueue.DefaultClientConfig(cfg.RabbitMQ.URL()), logger)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer rmq.Close()
		queueClient = rmq
		logger.Info("connected to RabbitMQ background queue")
	}

	blobStore := blobstore.New(blobMinio, blobstore.Config{
		ChunkMaxBytes:    cfg.Cache.ChunkMaxBytes,
		ChunkSizeTarget:  cfg.Cache.ChunkSizeTarget,
		LockTimeout:      blobstore.DefaultConfig().LockTimeout,
		ChunkIOSoftLimit: cfg.Cache.ChunkIOSoftLimit,
		ChunkIOHardLimit: cfg.Cache.ChunkIOHardLimit,
		Retry:            blobstore.DefaultConfig().Retry,
	}, logger)

	versionStore := versionkv.NewStore(redisClient)
	versions := versionregistry.New(versionStore, versionregistry.Config{
		TTLMultiplier: cfg.Cache.VersionTTLMultiplier,
		RetryBase:     versionregistry.DefaultConfig().RetryBase,
		RetryMax:      versionregistry.DefaultConfig().RetryMax,
		MaxAttempts:   versionregistry.DefaultConfig().MaxAttempts,
	}, logger)

	metaCache := versionkv.NewMetadataCache(redisClient)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting worker, consuming background tasks")
		err := queueClient.Consume(ctx, func(task model.BackgroundTask) error {
			return dispatch(ctx, task, blobStore, versions, metaCache, logger)
		})
		if err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consumer error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down worker", slog.String("signal", sig.String()))
	}

	cancel()
	logger.Info("worker stopped")
	return nil
}

// dispatch routes a dequeued background task to the component that owns
// its effect. Each kind is handled by exactly the collaborator that
// scheduled it (orchestrator's refresher, version registry, or blob
// store's manifest deletion) — the worker itself holds no cache logic.
func dispatch(
	ctx context.Context,
	task model.BackgroundTask,
	blobStore *blobstore.Store,
	versions *versionregistry.Registry,
	metaCache *versionkv.MetadataCache,
	logger *slog.Logger,
) error {
	switch task.Kind {
	case model.TaskRefreshTTL:
		return refresher.Execute(ctx, blobStore, task, logger)

	case model.TaskStoreVersion:
		return versions.Store(ctx, task.CacheKey, task.Version, time.Duration(task.TTLSeconds)*time.Second)

	case model.TaskDeleteStaleManifest:
		if err := blobStore.Delete(ctx, task.CacheKey); err != nil {
			return fmt.Errorf("delete stale manifest %s: %w", task.CacheKey, err)
		}
		if metaCache != nil {
			if err := metaCache.Delete(ctx, task.CacheKey); err != nil {
				logger.Warn("metadata cache delete failed", slog.String("cache_key", task.CacheKey), slog.String("error", err.Error()))
			}
		}
		return nil

	case model.TaskStoreFallback:
		// The fallback pipeline stores its own recovered bodies directly via
		// backgroundtask.Pool (in-process, tied to the live response
		// stream); this task kind exists for symmetry with the other
		// queue-published kinds but carries no payload the worker can act
		// on out of band.
		logger.Debug("received store_fallback_body task with no out-of-band payload, ignoring", slog.String("cache_key", task.CacheKey))
		return nil

	default:
		return fmt.Errorf("unknown background task kind: %s", task.Kind)
	}
}
