package main

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
	"github.com/spf13/viper"
	"github.com/tyemirov/cartsync/internal/metrics"
	"github.com/tyemirov/cartsync/internal/proxy"
	"github.com/tyemirov/cartsync/internal/session"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the credential-forwarding cart proxy and auth cookie routes",
		RunE:  runServer,
	}

	serveCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	serveCmd.Flags().Bool("enable_cors", false, "Enable CORS for storefront origins")
	serveCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	serveCmd.Flags().Float64("upstream_rate", 0, "Upstream calls per second; 0 disables the limit")
	serveCmd.Flags().Int("upstream_burst", 10, "Upstream burst size when upstream_rate is set")
	serveCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	serveCmd.Flags().Bool("dev_insecure_http", false, "Write credential cookies without the Secure attribute")

	for _, key := range []string{"listen_addr", "enable_cors", "cors_allowed_origins", "upstream_rate", "upstream_burst", "cookie_domain", "dev_insecure_http"} {
		_ = viper.BindPFlag(key, serveCmd.Flags().Lookup(key))
	}
	return serveCmd
}

func runServer(command *cobra.Command, arguments []string) error {
	config, configErr := configFrom(command)
	if configErr != nil {
		return configErr
	}

	logger, loggerErr := buildLogger(config)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	router, routerErr := buildRouter(config, logger, metrics.NewCounterMetrics())
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", config.ListenAddr), zap.String("upstream", config.GatewayURL))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildRouter(config Config, logger *zap.Logger, recorder metrics.Recorder) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(proxy.AccessLog(logger))

	sameSite := http.SameSiteLaxMode
	if config.EnableCORS {
		corsMiddleware, corsErr := proxy.ConfigureCORS(logger, config.CORSAllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
		sameSite = http.SameSiteNoneMode
	}

	forwarder, forwarderErr := proxy.New(proxy.Config{
		UpstreamURL:     config.GatewayURL,
		StoreIdentifier: config.StoreIdentifier,
		Timeout:         config.RequestTimeout,
		RatePerSecond:   config.UpstreamRate,
		Burst:           config.UpstreamBurst,
		Logger:          logger,
		Metrics:         recorder,
	})
	if forwarderErr != nil {
		return nil, forwarderErr
	}
	forwarder.Mount(router, "/api/cart", "cart")

	client, clientErr := newGatewayClient(config, logger)
	if clientErr != nil {
		return nil, clientErr
	}
	proxy.MountAuthRoutes(router, proxy.AuthConfig{
		Gateway: client,
		Transport: session.TransportConfig{
			Domain:   config.CookieDomain,
			Secure:   !config.DevInsecureHTTP,
			SameSite: sameSite,
		},
		Logger: logger,
	})

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router, nil
}
