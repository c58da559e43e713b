package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"pacs-server/internal/config"
	"pacs-server/internal/database"
	"pacs-server/internal/handlers"
	"pacs-server/internal/identity"
	"pacs-server/internal/objectstore"
	"pacs-server/internal/qido"
	"pacs-server/internal/services"
	"pacs-server/internal/supabase"
)

const shutdownTimeout = 15 * time.Second

func runServer(cmd *cobra.Command, args []string) (err error) {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, log, cfg, true)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	objects, err := openObjectStore(ctx, log, cfg)
	if err != nil {
		return err
	}

	issuer := identity.NewIssuer(cfg.JWTSecret, cfg.JWTTTL)
	deps := handlers.Dependencies{
		Store:       store,
		Verifier:    issuer,
		Resolver:    identity.NewResolver(store),
		Accounts:    services.NewAccountService(log.Named("accounts"), store, issuer, cfg.AutoJoinProjectIDs),
		Catalog:     services.NewCatalogService(log.Named("catalog"), store),
		Annotations: services.NewAnnotationService(log.Named("annotations"), store, objects),
		Uploads: services.NewUploadBroker(log.Named("uploads"), store, objects, services.UploadConfig{
			DefaultTTL: cfg.UploadURLTTL,
			MaxTTL:     cfg.UploadURLMaxTTL,
			Verify:     cfg.UploadVerify,
		}),
		Downloads: services.NewDownloadBroker(log.Named("downloads"), store, objects, services.DownloadConfig{
			DefaultTTL: cfg.DownloadURLTTL,
			MaxTTL:     cfg.UploadURLMaxTTL,
		}),
		Importer: newImporter(log, cfg, store),
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(log, handlers.RouterConfig{
		AllowOrigins:   cfg.CORSOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, deps)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("port", cfg.Port), zap.String("store", cfg.Store), zap.String("object_store", cfg.ObjectStore))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runMigrate(cmd *cobra.Command, args []string) (err error) {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Store != config.StorePostgres {
		log.Info("nothing to migrate", zap.String("store", cfg.Store))
		return nil
	}

	store, err := openStore(cmd.Context(), log, cfg, true)
	if err != nil {
		return err
	}
	log.Info("migrations completed successfully")
	return store.Close()
}

func runImport(cmd *cobra.Command, args []string) (err error) {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Store != config.StorePostgres {
		return errs.New("import needs the postgres store; the memory store does not outlive the command")
	}

	store, err := openStore(cmd.Context(), log, cfg, false)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	study, err := newImporter(log, cfg, store).ImportStudy(cmd.Context(), importFlags.projectID, importFlags.studyUID)
	if err != nil {
		return err
	}
	log.Info("study imported",
		zap.String("study_instance_uid", study.StudyInstanceUID),
		zap.Int64("project_id", importFlags.projectID),
		zap.Int("series", study.NumberOfSeries),
		zap.Int("instances", study.NumberOfInstances))
	return nil
}

// openStore connects the configured store. The postgres store is migrated
// first when migrate is set.
func openStore(ctx context.Context, log *zap.Logger, cfg *config.Config, migrate bool) (database.Store, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using the in-memory store; data is lost on exit")
		return database.NewMemoryStore(), nil
	}

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := database.NewMigrator(db, log.Named("migrator")).Run(ctx); err != nil {
			return nil, errs.Combine(err, db.Close())
		}
	}
	return database.NewPostgresStore(db), nil
}

func openObjectStore(ctx context.Context, log *zap.Logger, cfg *config.Config) (objectstore.Store, error) {
	switch cfg.ObjectStore {
	case config.ObjectStoreSupabase:
		return supabase.NewStorageClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	case config.ObjectStoreMemory:
		log.Warn("using the in-memory object store; presigned URLs are not reachable")
		return objectstore.NewMemory(cfg.S3Bucket), nil
	}

	store, err := objectstore.NewMinioStore(log.Named("minio"), objectstore.MinioConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newImporter(log *zap.Logger, cfg *config.Config, store database.Store) *services.Importer {
	var archive services.Archive
	if cfg.QIDOBaseURL != "" {
		archive = qido.NewClient(log.Named("qido"), cfg.QIDOBaseURL, cfg.QIDOToken)
	}
	return services.NewImporter(log.Named("importer"), store, archive)
}
