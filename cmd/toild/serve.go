package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/toil-ledger/api"
	"github.com/warp/toil-ledger/auth"
	"github.com/warp/toil-ledger/metrics"
	"github.com/warp/toil-ledger/toil"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.StandardLogger()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	m := metrics.New()
	svc := toil.NewService(store, toil.WithLogger(logger), toil.WithRecorder(m))
	handler := api.NewHandler(svc, store, logger)

	routerCfg := api.RouterConfig{
		Issuer:         issuer,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Metrics:        m,
		Scenarios:      cfg.Dev.Scenarios,
		TrustForwarded: cfg.RateLimit.TrustForwarded,
	}
	if cfg.RateLimit.Enabled {
		routerCfg.RateLimiter = api.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	}
	if cfg.Dev.Scenarios {
		logger.Warn("Demo scenario routes are enabled; loading one wipes the database")
	}

	scheduler := api.NewPendingScheduler(store, m, logger)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info("Server stopped")
	return nil
}
