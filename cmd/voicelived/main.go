package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tablekit/voicelive/internal/dotenv"
	"github.com/tablekit/voicelive/pkg/voicelive/config"
	"github.com/tablekit/voicelive/pkg/voicelive/lifecycle"
	"github.com/tablekit/voicelive/pkg/voicelive/menu"
	"github.com/tablekit/voicelive/pkg/voicelive/order"
	"github.com/tablekit/voicelive/pkg/voicelive/server"
	"github.com/tablekit/voicelive/pkg/voicelive/sessioncfg"
	"github.com/tablekit/voicelive/pkg/voicelive/sessions"
	"github.com/tablekit/voicelive/pkg/voicelive/store"
)

type daemonDeps struct {
	loadConfig   func() (config.Config, error)
	newOrderLog  func(ctx context.Context, databaseURL string) (store.OrderLog, error)
	migrate      func(databaseURL string) error
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultDeps() daemonDeps {
	return daemonDeps{
		loadConfig: config.LoadFromEnv,
		newOrderLog: func(ctx context.Context, databaseURL string) (store.OrderLog, error) {
			return store.NewPGOrderLog(ctx, databaseURL)
		},
		migrate: store.Migrate,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func run(ctx context.Context, logger *slog.Logger, deps daemonDeps) error {
	if deps.loadConfig == nil || deps.newOrderLog == nil || deps.migrate == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	orderLog := store.OrderLog(store.NopOrderLog{})
	if cfg.DatabaseURL != "" {
		if err := deps.migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate order log: %w", err)
		}
		pg, err := deps.newOrderLog(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open order log: %w", err)
		}
		orderLog = pg
	}
	defer orderLog.Close()

	cacheDriver := "memory"
	if cfg.RedisAddr != "" {
		cacheDriver = "redis"
	}
	cache, err := menu.NewCache(cacheDriver, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("menu cache: %w", err)
	}
	defer cache.Close()

	menuProvider := menu.NewHTTPProvider(cfg.MenuBaseURL, logger,
		menu.WithHTTPClient(&http.Client{Timeout: cfg.MenuFetchTimeout}),
		menu.WithCache(cache, cfg.MenuCacheTTL),
	)
	builder := sessioncfg.NewBuilder(
		sessioncfg.NewHTTPMinter(cfg.CredentialURL, &http.Client{Timeout: cfg.ConnectTimeout}),
		cfg.MaxInstructionBytes, cfg.MaxPayloadBytes,
	)

	lc := lifecycle.NewRegistry()
	reg := sessions.NewRegistry(sessions.Options{
		InactivityThreshold: cfg.InactivityThreshold,
		SweepInterval:       cfg.SweepInterval,
		MaxLifetime:         cfg.MaxSessionLifetime,
	}, lc, logger)
	reg.StartSweep()

	runCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	srv := server.New(cfg, logger, server.Deps{
		Menu:      menuProvider,
		Builder:   builder,
		Lifecycle: lc,
		Sessions:  reg,
		Applier:   order.NewHTTPApplier(cfg.OrderBaseURL, nil),
		OrderLog:  orderLog,
		RunCtx:    runCtx,
	})
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting voicelived", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "menu_cache", cacheDriver)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !reg.Shutdown(waitCtx) {
		logger.Warn("sessions did not drain in time, cancelling")
		cancelSessions()
	}
	lc.DisposeAll(lifecycle.ProcessScope)

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voicelived stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps daemonDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "voicelived: %v\n", err)
		return 1
	}

	if err := run(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicelived: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultDeps()))
}
