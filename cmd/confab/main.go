package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/confabrtc/confab/internals/config"
	"github.com/confabrtc/confab/internals/engine/mock"
	"github.com/confabrtc/confab/internals/server"
	"github.com/confabrtc/confab/internals/throttle"
	"github.com/confabrtc/confab/internals/utils"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := utils.GetLogger()
	defer logger.Sync()

	logger.Info("Starting conferencing server",
		zap.String("domain", cfg.Domain),
		zap.Int("numWorkers", cfg.Mediasoup.NumWorkers),
	)

	// The media plane runs behind the engine contract; the in-memory engine
	// stands in until an external worker pool is attached.
	eng := mock.New()

	shaper := throttle.NewTcShaper("eth0", logger)
	coordinator := throttle.NewCoordinator(cfg.ThrottleSecret, shaper, logger)

	srv, err := server.New(context.Background(), cfg, eng, coordinator, logger)
	if err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// A dead media worker leaves peers without media; restarting the whole
	// process is the recovery path.
	srv.OnWorkerDied = func(err error) {
		logger.Fatal("Media worker died, exiting", zap.Error(err))
	}

	addr := net.JoinHostPort(cfg.HTTP.ListenIP, strconv.Itoa(cfg.HTTP.ListenPort))
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", addr))
		var err error
		if cfg.HTTP.TLS != nil {
			err = httpServer.ListenAndServeTLS(cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	srv.Stop()
	coordinator.Shutdown()
	logger.Info("Server stopped")
}
