package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Unfixab1e/fitfolio/internal/api"
	"github.com/Unfixab1e/fitfolio/internal/app"
	"github.com/Unfixab1e/fitfolio/internal/auth"
	"github.com/Unfixab1e/fitfolio/internal/config"
	httptransport "github.com/Unfixab1e/fitfolio/internal/transport/http"
)

func main() {
	cfg, err := config.Resolve()
	if err != nil {
		log.Fatal("failed to load configuration", "err", err)
	}
	logger, err := app.NewLogger(cfg, "api")
	if err != nil {
		log.Fatal("failed to configure logging", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise", "err", err)
	}
	defer a.Close()

	mux := http.NewServeMux()
	api.NewHandler(a.Service, a.Operations, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, auth.PublicPaths)
	handler := authMiddleware.Wrap(httptransport.RequestLogger(logger)(httptransport.CORS(cfg.CORSOrigin)(mux)))

	serverCfg := httptransport.DefaultServerConfig(cfg.HTTPAddress)
	server := httptransport.NewServer(serverCfg, handler)
	if err := httptransport.Run(ctx, server, serverCfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
