// Package server wires the identity subsystem together: storage, the
// resolver and device cache, verification, migration, world storage, the
// HTTP API and the gRPC health endpoint, plus graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/cryptox"
	"github.com/dmitrijs2005/nucleus/internal/logging"
	"github.com/dmitrijs2005/nucleus/internal/server/auth"
	"github.com/dmitrijs2005/nucleus/internal/server/config"
	"github.com/dmitrijs2005/nucleus/internal/server/devices"
	"github.com/dmitrijs2005/nucleus/internal/server/httpapi"
	"github.com/dmitrijs2005/nucleus/internal/server/identity"
	"github.com/dmitrijs2005/nucleus/internal/server/ids"
	"github.com/dmitrijs2005/nucleus/internal/server/migration"
	"github.com/dmitrijs2005/nucleus/internal/server/services"
	"github.com/dmitrijs2005/nucleus/internal/server/storage"
	"github.com/dmitrijs2005/nucleus/internal/server/verification"
	"github.com/dmitrijs2005/nucleus/internal/server/worlds"
	"github.com/dmitrijs2005/nucleus/internal/telemetry"

	gs "github.com/dmitrijs2005/nucleus/internal/server/grpc"
)

const serviceName = "nucleus"

// shutdownTimeout bounds how long in-flight HTTP requests may finish.
const shutdownTimeout = 10 * time.Second

type App struct {
	config       *config.Config
	logger       logging.Logger
	store        *storage.Store
	cache        *devices.Cache
	verification *verification.Service
	handler      http.Handler
	health       *gs.HealthServer

	shutdownTracing func(context.Context) error
}

// newWorldStore is swapped in tests.
var newWorldStore = func(ctx context.Context, c *config.Config) (worlds.Store, error) {
	switch c.WorldBackend {
	case config.WorldBackendS3:
		return worlds.NewS3Store(ctx, worlds.S3Config{
			User:         c.S3RootUser,
			Password:     c.S3RootPassword,
			Bucket:       c.S3Bucket,
			Region:       c.S3Region,
			BaseEndpoint: c.S3BaseEndpoint,
		})
	case config.WorldBackendFS, "":
		return worlds.NewFileStore(c.WorldDir)
	default:
		return nil, fmt.Errorf("unknown world backend %q", c.WorldBackend)
	}
}

func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.NewJSONLogger(os.Stdout, c.LogLevel)
	}

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, c.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry init error: %w", err)
	}

	store, err := storage.Open(ctx, c.DatabaseDSN, logger)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("db init error: %w", err)
	}

	ws, err := newWorldStore(ctx, c)
	if err != nil {
		_ = store.Close()
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("world store init error: %w", err)
	}

	senders := []verification.Sender{
		verification.NewSMTPSender(verification.SMTPConfig{
			Enabled:  c.EmailEnabled,
			Host:     c.SMTPHost,
			Port:     c.SMTPPort,
			User:     c.SMTPUser,
			Password: c.SMTPPassword,
			From:     c.SMTPFrom,
		}),
		verification.NewAPISender(verification.APIConfig{
			Enabled:  c.APIEnabled,
			Endpoint: c.APIEndpoint,
			Key:      c.APIKey,
		}, nil),
	}
	vs := verification.NewService(store, senders, verification.Options{
		Key:          cryptox.DeriveKey(c.SecretKey),
		CodeTTL:      c.VerificationCodeTTL,
		MaxAttempts:  c.VerificationMaxAttempts,
		SendInterval: c.VerificationSendInterval,
		SendBurst:    c.VerificationSendBurst,
		FallbackCode: c.FallbackCode,
		OverrideCode: c.OverrideCode,
	}, logger)

	cache := devices.NewCache(c.DeviceCacheTTL, logger)
	registry := devices.NewRegistry(cache, devices.StoreLookup{Store: store}, logger)
	resolver := identity.NewResolver(store, cache, logger)
	orchestrator := migration.NewOrchestrator(store, resolver, migration.ParsePolicy(c.IdentityConflictPolicy), logger)

	svc := services.NewAccountService(services.Deps{
		Store:        store,
		Resolver:     resolver,
		Allocator:    ids.NewAllocator(store, logger),
		Devices:      registry,
		Migration:    orchestrator,
		Verification: vs,
		Worlds:       ws,
		Issuer:       c.TokenIssuer,
		Logger:       logger,
	})

	logger.Info(ctx, "components ready",
		"token_codec", auth.CurrentCodec{}.Version(),
		"strategies", resolver.Strategies(),
		"verification_channels", vs.HasChannels(),
		"world_backend", c.WorldBackend,
	)

	return &App{
		config:          c,
		logger:          logger,
		store:           store,
		cache:           cache,
		verification:    vs,
		handler:         httpapi.NewRouter(svc, logger),
		health:          gs.NewHealthServer(c.GRPCAddr, store, logger),
		shutdownTracing: shutdownTracing,
	}, nil
}

// Handler exposes the HTTP API, mostly for tests.
func (app *App) Handler() http.Handler {
	return app.handler
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info(ctx, "http server listening", "address", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// runJanitor sweeps the device cache and expired verification codes.
func (app *App) runJanitor(ctx context.Context) {
	interval := app.config.JanitorInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	go app.cache.Run(ctx, interval)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := app.verification.Sweep(ctx)
			if err != nil {
				app.logger.Warn(ctx, "verification sweep failed", "error", err)
				continue
			}
			if n > 0 {
				app.logger.Debug(ctx, "verification codes pruned", "count", n)
			}
		}
	}
}

// Run serves until ctx is cancelled, a signal arrives or a server fails.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	lis, err := net.Listen("tcp", app.config.HTTPAddr)
	if err != nil {
		app.close(ctx)
		return fmt.Errorf("http listen: %w", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		app.logger.Error(ctx, err.Error())
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		cancelFunc()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		fail(app.startHTTPServer(ctx, lis))
	}()
	go func() {
		defer wg.Done()
		fail(app.health.Run(ctx))
	}()
	go func() {
		defer wg.Done()
		app.runJanitor(ctx)
	}()

	wg.Wait()
	app.close(ctx)
	app.logger.Info(ctx, "app stopped")

	return errors.Join(errs...)
}

func (app *App) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := app.store.Close(); err != nil {
		app.logger.Warn(ctx, "db close failed", "error", err)
	}
	if err := app.shutdownTracing(ctx); err != nil {
		app.logger.Warn(ctx, "tracing shutdown failed", "error", err)
	}
}
