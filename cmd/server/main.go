package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/trustlock/storage-audit/internal/audit"
	"github.com/trustlock/storage-audit/internal/config"
	"github.com/trustlock/storage-audit/internal/handlers"
	"github.com/trustlock/storage-audit/internal/logger"
	"github.com/trustlock/storage-audit/internal/merkle"
	"github.com/trustlock/storage-audit/internal/metadata"
	"github.com/trustlock/storage-audit/internal/services"
	"github.com/trustlock/storage-audit/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logger.Get()

	// Storage backend
	var backend store.Backend
	switch cfg.StorageBackend {
	case "minio":
		backend, err = store.NewMinio(store.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	default:
		backend, err = store.NewLocal(cfg.DataDir)
	}
	if err != nil {
		log.Error("storage backend init failed", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}

	// Metadata index; fail fast so uploads never silently skip dedup.
	meta, err := metadata.NewStore(filepath.Join(cfg.DataDir, "metadata_db"))
	if err != nil {
		log.Error("metadata index init failed", "error", err)
		os.Exit(1)
	}
	defer meta.Close()

	auditLog, err := audit.NewLog(filepath.Join(cfg.DataDir, "audit_logs"))
	if err != nil {
		log.Error("audit log init failed", "error", err)
		os.Exit(1)
	}

	engine, err := merkle.NewEngine(filepath.Join(cfg.DataDir, "merkle_snapshots"), auditLog, cfg.SnapshotWorkers, log)
	if err != nil {
		log.Error("snapshot engine init failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	objects := services.NewObjectService(backend, meta, cfg.MaxUploadBytes())

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(
		handlers.RouterConfig{Tokens: cfg.Tokens(), CORSOrigin: cfg.CORSOrigin},
		handlers.NewStoreHandler(objects),
		handlers.NewAuditHandler(auditLog),
		handlers.NewMerkleHandler(engine),
		handlers.NewEventsHandler(auditLog),
	)

	// Periodic snapshot scheduler, cancelled on shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx, cfg.SnapshotInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("storage-audit server starting",
			"addr", srv.Addr,
			"backend", cfg.StorageBackend,
			"data_dir", cfg.DataDir,
			"snapshot_interval", cfg.SnapshotInterval.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	log.Info("server stopped")
}
