package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/clipforge/internal/config"
	"github.com/3leaps/clipforge/internal/observability"
	"github.com/3leaps/clipforge/internal/server"
	"github.com/3leaps/clipforge/internal/server/handlers"
	"github.com/3leaps/clipforge/internal/server/middleware"
	"github.com/3leaps/clipforge/pkg/jobengine"
	"github.com/3leaps/clipforge/pkg/jobstore"
	"github.com/3leaps/clipforge/pkg/provider"
	"github.com/3leaps/clipforge/pkg/provider/file"
	"github.com/3leaps/clipforge/pkg/provider/s3"
	"github.com/3leaps/clipforge/pkg/transform"
	"github.com/3leaps/clipforge/pkg/uploads"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the transform workers",
	Long: `Run the job API, the upload endpoints and the worker pool in one process.

On startup, jobs left processing by a previous process are failed and
pending jobs are requeued. Only one serve process may use a job database.

Examples:
  clipforge serve
  clipforge serve --port 9000 --workers 4
  clipforge serve --provider file   # local blob directory for development`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default from config)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from config)")
	serveCmd.Flags().String("provider", "", "Blob provider: s3 or file")
	serveCmd.Flags().Int("workers", 0, "Concurrent transforms")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger, err := observability.NewLogger(observability.LoggingConfig{Level: cfg.Logging.Level, Profile: cfg.Logging.Profile})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Warn("auth.jwt_secret is empty; authenticated endpoints will reject every request")
	}

	blobs, err := newBlobProvider(ctx, cfg.Blob)
	if err != nil {
		logger.Error("Failed to create blob provider", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to blob store", err)
	}
	defer func() { _ = blobs.Close() }()

	dbPath, err := resolveStorePath(cfg)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to resolve job database path", err)
	}
	unlock, err := lockStore(dbPath)
	if err != nil {
		logger.Error("Job database is in use", zap.String("path", dbPath), zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Job database is in use", err)
	}
	defer unlock()

	store, err := jobstore.Open(ctx, jobstore.Config{Path: dbPath})
	if err != nil {
		logger.Error("Failed to open job store", zap.String("path", dbPath), zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to open job database", err)
	}
	defer func() { _ = store.Close() }()

	worker, err := newWorker(cfg.Jobs, blobs, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid worker configuration", err)
	}

	uploadSvc := uploads.New(blobs, uploads.Config{
		KeyPrefix:          cfg.Uploads.KeyPrefix,
		PresignExpiry:      cfg.Uploads.PresignExpiry,
		MaxPartsPerRequest: cfg.Uploads.MaxPartsPerRequest,
	})

	engine, err := jobengine.New(store, worker, jobengine.Config{
		Workers:          cfg.Jobs.Workers,
		QueueSize:        cfg.Jobs.QueueSize,
		TransformTimeout: cfg.Jobs.TransformTimeout,
		ReapInterval:     cfg.Jobs.ReapInterval,
		StaleAfter:       cfg.Jobs.StaleAfter,
	}, logger.Named("jobs"), jobengine.WithSourceCheck(uploadSvc.CheckSource))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job engine configuration", err)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Error("Failed to start job engine", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to start job engine", err)
	}
	defer engine.Stop()

	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	handlers.InitHealthManager(versionInfo.Version)
	health := handlers.GetHealthManager()
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: identityField(func(id *config.AppIdentity) string { return id.BinaryName }),
		envPrefix:  identityField(func(id *config.AppIdentity) string { return id.EnvPrefix }),
		configName: identityField(func(id *config.AppIdentity) string { return id.ConfigName }),
	})
	health.RegisterChecker("signals", signalHealthChecker{})
	health.RegisterChecker("job_store", handlers.HealthCheckerFunc(store.Ping))
	health.RegisterChecker("dispatcher", engineHealthChecker{engine: engine})

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger.Named("http")),
		server.WithAuth(middleware.AuthConfig{
			Secret:     cfg.Auth.JWTSecret,
			CookieName: cfg.Auth.CookieName,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}),
		server.WithJobs(engine),
		server.WithUploads(uploadSvc),
		server.WithMedia(blobs, cfg.Jobs.OutputPrefix, cfg.Uploads.KeyPrefix),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
	)

	logger.Info("Starting clipforge",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.String("blob_provider", string(blobs.Type())),
		zap.String("job_db", dbPath),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, draining")
	health.SetReady(false)
	if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("HTTP shutdown did not complete cleanly", zap.Error(err))
	}
	<-errCh
	return nil
}

// lockStore takes an exclusive lock next to the job database so a second
// serve process cannot requeue or fail jobs the first one owns.
func lockStore(dbPath string) (func(), error) {
	if dbPath == ":memory:" {
		return func() {}, nil
	}
	lock := flock.New(dbPath + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another serve process holds %s", lock.Path())
	}
	return func() { _ = lock.Unlock() }, nil
}

// newBlobProvider builds the configured gateway.
func newBlobProvider(ctx context.Context, cfg config.BlobConfig) (provider.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "s3":
		p, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			Profile:         cfg.Profile,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			ForcePathStyle:  cfg.ForcePathStyle,
			RegionFromIMDS:  cfg.RegionFromIMDS,
			PublicBaseURL:   cfg.PublicBaseURL,
			PresignExpiry:   cfg.PresignExpiry,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "file":
		p, err := file.New(file.Config{BaseDir: cfg.BaseDir, BaseURL: cfg.BaseURL})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported blob provider %q", cfg.Provider)
	}
}

func newWorker(cfg config.JobsConfig, blobs provider.Provider, logger *zap.Logger) (*transform.Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fetcher, err := newSourceFetcher(cfg, blobs)
	if err != nil {
		return nil, err
	}
	ffmpeg := transform.NewFFmpeg(
		transform.WithBinary(cfg.FFmpegPath),
		transform.WithProbeBinary(cfg.FFprobePath),
		transform.WithExtraArgs(cfg.FFmpegArgs...),
	)
	return transform.NewWorker(transform.Config{
		OutputPrefix:     cfg.OutputPrefix,
		WorkDir:          cfg.WorkDir,
		ProgressInterval: cfg.ProgressInterval,
	}, blobs, fetcher, ffmpeg, logger.Named("worker"))
}

func newSourceFetcher(cfg config.JobsConfig, blobs provider.Provider) (*transform.SourceFetcher, error) {
	getter, ok := blobs.(provider.ObjectGetter)
	if !ok {
		return nil, fmt.Errorf("blob provider %s cannot read sources: %w", blobs.Type(), provider.ErrUnsupported)
	}
	return transform.NewSourceFetcher(getter, transform.SourceConfig{
		KeyPatterns: cfg.SourceKeyPatterns,
		MaxBytes:    cfg.MaxSourceBytes,
		HTTPTimeout: cfg.SourceHTTPTimeout,
	})
}

func identityField(get func(*config.AppIdentity) string) string {
	id := GetAppIdentity()
	if id == nil {
		return ""
	}
	return get(id)
}

// signalHealthChecker reports healthy once serve has installed its signal
// handlers, which happens before the server starts.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

// engineHealthChecker fails while the dispatch queue is full, since new
// jobs would be rejected.
type engineHealthChecker struct {
	engine interface{ Stats() jobengine.Stats }
}

func (c engineHealthChecker) CheckHealth(context.Context) error {
	s := c.engine.Stats()
	if s.Capacity > 0 && s.Queued >= s.Capacity {
		return fmt.Errorf("dispatch queue full (%d/%d)", s.Queued, s.Capacity)
	}
	return nil
}
