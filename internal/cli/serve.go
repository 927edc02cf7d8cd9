package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"docchat/internal/api"
	"docchat/internal/auth"
	"docchat/internal/cache"
	"docchat/internal/chat"
	"docchat/internal/config"
	"docchat/internal/redis"
	"docchat/internal/service/ai"
	"docchat/internal/service/documents"
	"docchat/internal/storage"
	"docchat/internal/telemetry"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, logFile, err := telemetry.InitLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logFile.Close()

	tracer, meter, shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.Log, version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry()

	// The redis backend shares one client between the file list and the
	// invalidation channel. The store closes it.
	var (
		rdb      *redis.Client
		notifier chat.Notifier
	)
	if cfg.FileStore.Backend == config.StoreRedis {
		if rdb, err = redis.NewRedisClient(cfg); err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		notifier = chat.NewRedisNotifier(rdb, cfg.Redis.Channel)
	}
	store, err := storage.OpenFileStore(cfg, rdb)
	if err != nil {
		return fmt.Errorf("open file store: %w", err)
	}
	defer store.Close()

	generator, err := ai.NewGenerator(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init generator: %w", err)
	}
	uploader, err := ai.NewUploader(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init uploader: %w", err)
	}
	if cfg.ActiveProvider().APIKey == "" {
		logger.Warn("no API key for provider, chat requests will fail", "provider", cfg.Provider)
	}

	coordinator, err := chat.NewCoordinator(chat.Options{
		Generator: generator,
		Store:     store,
		Responses: cache.NewResponseCache(cache.Options{
			TTL:            cfg.CacheTTL(),
			MaxEntries:     cfg.Cache.MaxEntries,
			KeyPrefixChars: cfg.Cache.KeyPrefixChars,
		}),
		Sessions:       cache.NewFileSessionCache(nil),
		ChatTimeout:    cfg.ChatTimeout(),
		DocChatTimeout: cfg.DocChatTimeout(),
		Tracer:         tracer,
		Meter:          meter,
		Notifier:       notifier,
	})
	if err != nil {
		return fmt.Errorf("init chat coordinator: %w", err)
	}
	if err := coordinator.Listen(ctx); err != nil {
		return fmt.Errorf("subscribe to invalidations: %w", err)
	}

	docs, err := documents.NewService(coordinator, uploader, cfg.BasicConfig.UploadTempDir, cfg.MaxUploadBytes(), cfg.UploadTimeout())
	if err != nil {
		return fmt.Errorf("init document service: %w", err)
	}
	docs.StartTempFileCleaner(ctx,
		time.Duration(cfg.BasicConfig.TempCleanInterval)*time.Minute,
		time.Duration(cfg.BasicConfig.TempFileTTL)*time.Minute,
	)

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.TokenTTL())
	if !authService.Configured() {
		logger.Warn("auth.jwt_secret is empty, privileged routes are disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandler(coordinator, docs, authService).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "provider", generator.Provider(),
			"model", generator.DefaultModel(), "file_store", cfg.FileStore.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}
