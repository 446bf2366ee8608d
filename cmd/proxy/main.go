// Command proxy runs the edge cache-and-range-streaming HTTP server: the
// thin entrypoint (chi router + middleware) in front of the orchestrator
// that wires together every C1-C9 component.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/erfianugrah/edgevidcache/internal/api/handler"
	"github.com/erfianugrah/edgevidcache/internal/api/middleware"
	"github.com/erfianugrah/edgevidcache/internal/backgroundtask"
	"github.com/erfianugrah/edgevidcache/internal/blobstore"
	"github.com/erfianugrah/edgevidcache/internal/coalescer"
	"github.com/erfianugrah/edgevidcache/internal/config"
	"github.com/erfianugrah/edgevidcache/internal/fallback"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/backgroundqueue"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/blobkv"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/limitregistry"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/origin"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/storageorigin"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/transform"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/versionkv"
	"github.com/erfianugrah/edgevidcache/internal/orchestrator"
	"github.com/erfianugrah/edgevidcache/internal/rangeio"
	"github.com/erfianugrah/edgevidcache/internal/refresher"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
	"github.com/erfianugrah/edgevidcache/internal/versionregistry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

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
	logger.Info("connected to artifact MinIO bucket", slog.String("bucket", cfg.MinIO.Bucket))

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

	pgClient, err := limitregistry.NewClient(ctx, limitregistry.DefaultClientConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pgClient.Close()
	logger.Info("connected to PostgreSQL")
	limits := limitregistry.NewRegistry(pgClient.Pool())

	transformClient := transform.New(transform.Config{
		Scheme:            cfg.Transform.Scheme,
		Host:              cfg.Transform.Host,
		TransformBasePath: cfg.Transform.BasePath,
		MaxErrorBodyBytes: cfg.Transform.MaxErrorBodyBytes,
	}, &http.Client{Timeout: cfg.Transform.Timeout()})

	originClient := origin.New(origin.Config{
		Scheme:            cfg.Origin.Scheme,
		Host:              cfg.Origin.Host,
		MaxErrorBodyBytes: cfg.Origin.MaxErrorBodyBytes,
	}, nil)

	var storageClient repository.StorageOrigin
	if cfg.StorageOrigin.Enabled {
		sc, err := storageorigin.New(ctx, storageorigin.ClientConfig{
			Endpoint:  cfg.StorageOrigin.Endpoint,
			AccessKey: cfg.StorageOrigin.AccessKey,
			SecretKey: cfg.StorageOrigin.SecretKey,
			Bucket:    cfg.StorageOrigin.Bucket,
			UseSSL:    cfg.StorageOrigin.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to storage-origin MinIO bucket: %w", err)
		}
		storageClient = sc
		logger.Info("connected to storage-origin MinIO bucket", slog.String("bucket", cfg.StorageOrigin.Bucket))
	}

	bg := backgroundtask.New(logger)

	blobStore := blobstore.New(blobMinio, blobstore.Config{
		ChunkMaxBytes:    cfg.Cache.ChunkMaxBytes,
		ChunkSizeTarget:  cfg.Cache.ChunkSizeTarget,
		LockTimeout:      30 * time.Second,
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

	coalesce := coalescer.New(coalescer.Config{
		MaxEntries:  cfg.Cache.CoalesceMaxEntries,
		EntryTTL:    cfg.Cache.CoalesceEntryTTL(),
		WaitTimeout: cfg.Cache.CoalesceWaitTimeout(),
	})

	refresh := refresher.New(refresher.Config{
		MinElapsedPct:       cfg.Cache.RefreshMinElapsedPct,
		MinRemainingSeconds: cfg.Cache.RefreshMinRemainingSeconds,
		CooldownWindow:      refresher.DefaultConfig().CooldownWindow,
	}, logger)

	slicer := rangeio.New(blobStore)

	ttlCfg := orchestrator.TTLConfig{
		OK:        cfg.Cache.TTLOK(),
		Redirect:  cfg.Cache.TTLRedirect(),
		ClientErr: cfg.Cache.TTLClientErr(),
		ServerErr: cfg.Cache.TTLServerErr(),
	}

	fallbackP := fallback.New(fallback.Config{
		Enabled:         cfg.Fallback.Enabled,
		BadRequestOnly:  cfg.Fallback.BadRequestOnly,
		MaxRetries:      cfg.Fallback.MaxRetries,
		PreserveHeaders: cfg.Fallback.PreserveHeaders,
	}, func(status int) int64 { return int64(ttlCfg.ForStatus(status).Seconds()) }, fallback.Deps{
		Transformer: transformClient,
		Origin:      originClient,
		Storage:     storageClient,
		Limits:      limits,
		Blob:        blobStore,
		Background:  bg,
		Logger:      logger,
	})

	orch := orchestrator.New(orchestrator.Config{
		TTL:               ttlCfg,
		BypassQueryParams: cfg.Cache.BypassQueryParams,
		DebugQueryParam:   cfg.Cache.DebugQueryParam,
		UpstreamTimeout:   cfg.Transform.Timeout(),
	}, orchestrator.Deps{
		Blob:        blobStore,
		Coalescer:   coalesce,
		Versions:    versions,
		Refresher:   refresh,
		Slicer:      slicer,
		Fallback:    fallbackP,
		Transformer: transformClient,
		Queue:       queueClient,
		Background:  bg,
		MetaCache:   metaCache,
		Logger:      logger,
	})

	proxyHandler := handler.NewProxy(orch)

	r := setupRouter(logger, proxyHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting proxy server", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down proxy server", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if !bg.Shutdown(cfg.Server.ShutdownTimeout) {
		logger.Warn("background task pool did not drain before shutdown timeout")
	}

	logger.Info("proxy server stopped")
	return nil
}

func setupRouter(logger *slog.Logger, proxyHandler *handler.Proxy) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/health", handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	// Path-pattern routing and Akamai/IMQuery parameter translation are out
	// of scope for the core (spec §1); every source path is handled by the
	// same wildcard route, with mode/dimension selection coming entirely
	// from query parameters (see handler.parseOptions).
	r.Get("/*", proxyHandler.ServeHTTP)

	return r
}
