// Package app builds the long-lived services of the capture service from
// configuration, acting as a small dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-capture/internal/capture"
	"github.com/JakeFAU/site-capture/internal/config"
	"github.com/JakeFAU/site-capture/internal/fetcher/browser"
	"github.com/JakeFAU/site-capture/internal/fetcher/direct"
	"github.com/JakeFAU/site-capture/internal/policy/ratelimit"
	pspublisher "github.com/JakeFAU/site-capture/internal/publisher/pubsub"
	"github.com/JakeFAU/site-capture/internal/rewriter"
	"github.com/JakeFAU/site-capture/internal/storage/gcs"
	"github.com/JakeFAU/site-capture/internal/storage/local"
	"github.com/JakeFAU/site-capture/internal/storage/memory"
	"github.com/JakeFAU/site-capture/internal/storage/s3"
	"github.com/JakeFAU/site-capture/internal/store/postgres"
	"github.com/JakeFAU/site-capture/internal/telemetry"
	"github.com/JakeFAU/site-capture/internal/theme"
	"github.com/JakeFAU/site-capture/internal/uploader"
)

// App holds the capture service and the clients it depends on.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	service *capture.Service
	closers []func() error
}

// Service returns the capture pipeline.
func (a *App) Service() *capture.Service {
	return a.service
}

// Capture runs one capture through the pipeline.
func (a *App) Capture(ctx context.Context, req capture.Request) (capture.Artifact, error) {
	return a.service.Capture(ctx, req)
}

// Destination fills an unset bucket or prefix from configuration.
func (a *App) Destination(bucket, prefix string) capture.Destination {
	if bucket == "" {
		bucket = a.cfg.Storage.Bucket
	}
	if prefix == "" {
		prefix = a.cfg.Storage.Prefix
	}
	return capture.Destination{Bucket: bucket, Prefix: prefix}
}

// New wires every component named by cfg. It fails fast when a configured
// backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })
	}

	store, err := a.blobStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	pageCfg, assetCfg, stylesheetCfg := FetcherConfigs(cfg.Fetch)
	pages := direct.New(pageCfg, logger)
	assets := direct.New(assetCfg, logger.Named("assets"))
	stylesheets := direct.New(stylesheetCfg, logger.Named("stylesheets"))

	up := uploader.New(store, uploader.Config{PublicBaseURL: cfg.Storage.PublicBaseURL}, nil, logger)
	var rwOpts []rewriter.Option
	if cfg.Rewriter.PerHostRPS > 0 {
		pacing := ratelimit.Config{PerHostRPS: cfg.Rewriter.PerHostRPS, Burst: cfg.Rewriter.Burst}
		rwOpts = append(rwOpts, rewriter.WithPacer(func() rewriter.Pacer { return ratelimit.New(pacing) }))
	}
	rw := rewriter.New(assets, stylesheets, rewriter.Config{Concurrency: cfg.Rewriter.Concurrency}, logger, rwOpts...)

	opts := []capture.Option{capture.WithThemeFallback(theme.FromHTML)}
	if cfg.Browser.Enabled {
		b, err := a.browser()
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, capture.WithBrowser(b))
	}
	if cfg.PubSub.Topic != "" {
		pub, err := a.publisher(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, capture.WithPublisher(pub, cfg.PubSub.Topic))
	}
	if cfg.DB.DSN != "" {
		ledger, err := postgres.NewCaptureStore(ctx, postgres.CaptureStoreConfig{
			DSN:          cfg.DB.DSN,
			Table:        cfg.DB.Table,
			MaxConns:     cfg.DB.MaxConns,
			EnsureSchema: cfg.DB.EnsureSchema,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init capture ledger: %w", err)
		}
		a.closers = append(a.closers, func() error { ledger.Close(); return nil })
		opts = append(opts, capture.WithRecordStore(ledger))
	}

	svc, err := capture.NewService(pages, rw, up, logger, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.service = svc
	logger.Info("capture service initialized",
		zap.String("storage", cfg.Storage.Provider),
		zap.Bool("browser", cfg.Browser.Enabled),
		zap.Bool("notifications", cfg.PubSub.Topic != ""),
		zap.Bool("ledger", cfg.DB.DSN != ""),
	)
	return a, nil
}

// FetcherConfigs derives the page, asset and stylesheet fetcher settings
// from cfg. Assets and stylesheets get the same retry budget as pages;
// stylesheets use their own per-attempt timeout.
func FetcherConfigs(cfg config.FetchConfig) (pages, assets, stylesheets direct.Config) {
	pages = direct.Config{
		MaxAttempts:      cfg.MaxAttempts,
		BaseTimeout:      cfg.BaseTimeout,
		TimeoutIncrement: cfg.TimeoutIncrement,
		ForbiddenBackoff: cfg.ForbiddenBackoff,
		RetryBackoff:     cfg.RetryBackoff,
		MaxBodyBytes:     cfg.MaxBodyBytes,
	}
	assets = pages
	stylesheets = pages
	stylesheets.BaseTimeout = cfg.StylesheetTimeout
	return pages, assets, stylesheets
}

func (a *App) blobStore(ctx context.Context) (capture.BlobStore, error) {
	sc := a.cfg.Storage
	switch sc.Provider {
	case config.ProviderMemory, "":
		a.logger.Warn("using in-memory blob store; captures are lost on exit")
		return memory.NewBlobStore(), nil
	case config.ProviderLocal:
		store, err := local.New(local.Config{BaseDir: sc.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	case config.ProviderGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client)
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return store, nil
	case config.ProviderS3:
		store, err := s3.New(s3.Config{
			Endpoint:  sc.S3.Endpoint,
			AccessKey: sc.S3.AccessKey,
			SecretKey: sc.S3.SecretKey,
			UseSSL:    sc.S3.UseSSL,
			Region:    sc.S3.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", sc.Provider)
	}
}

func (a *App) browser() (*browser.Fetcher, error) {
	bc := a.cfg.Browser
	launcher := browser.NewChromeLauncher(browser.ChromeConfig{
		ExecPath:     bc.ExecPath,
		Headless:     bc.Headless,
		NoSandbox:    bc.NoSandbox,
		UserAgent:    bc.UserAgent,
		WindowWidth:  bc.ViewportWidth,
		WindowHeight: bc.ViewportHeight,
	})
	fcfg := browser.DefaultConfig()
	if bc.ReadyStateTimeout > 0 {
		fcfg.ReadyStateTimeout = bc.ReadyStateTimeout
	}
	if bc.PostReadyDelay > 0 {
		fcfg.PostReadyDelay = bc.PostReadyDelay
	}
	if bc.MinContentBytes > 0 {
		fcfg.MinContentBytes = bc.MinContentBytes
	}
	f, err := browser.New(launcher, fcfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init browser fetcher: %w", err)
	}
	return f, nil
}

func (a *App) publisher(ctx context.Context) (*pspublisher.Publisher, error) {
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pspublisher.New(client)
	a.closers = append(a.closers, func() error {
		pub.Close()
		return client.Close()
	})
	return pub, nil
}

// Close releases clients in reverse order of creation.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
	}
}

// Ready reports whether the service can take captures.
func (a *App) Ready(_ context.Context) error {
	if a.service == nil {
		return errors.New("capture service is not initialized")
	}
	return nil
}

// RequestTimeout is the wall-clock budget of one capture.
func (a *App) RequestTimeout() time.Duration {
	return a.cfg.Server.RequestTimeout
}
