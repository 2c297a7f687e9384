package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cgrail/mcp-express-test/internal/app"
	"github.com/cgrail/mcp-express-test/internal/config"
	"github.com/cgrail/mcp-express-test/internal/observability"
)

const (
	envFilePath                     = "MCPX_ENV_FILE"
	defaultEnvFile                  = ".env"
	envHTTPReadHeaderTimeoutSeconds = "MCPX_HTTP_READ_HEADER_TIMEOUT_SECONDS"
	envHTTPReadTimeoutSeconds       = "MCPX_HTTP_READ_TIMEOUT_SECONDS"
	envHTTPWriteTimeoutSeconds      = "MCPX_HTTP_WRITE_TIMEOUT_SECONDS"
	envHTTPIdleTimeoutSeconds       = "MCPX_HTTP_IDLE_TIMEOUT_SECONDS"
	envHTTPShutdownTimeoutSeconds   = "MCPX_HTTP_SHUTDOWN_TIMEOUT_SECONDS"

	probeTimeout = 5 * time.Second
)

var (
	defaultHTTPReadHeaderTimeout = 10 * time.Second
	defaultHTTPReadTimeout       = 120 * time.Second
	defaultHTTPWriteTimeout      = 0 * time.Second
	defaultHTTPIdleTimeout       = 120 * time.Second
	defaultHTTPShutdownTimeout   = 30 * time.Second
)

type httpRuntimeConfig struct {
	readHeaderTimeout time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	idleTimeout       time.Duration
	shutdownTimeout   time.Duration
}

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	path, loaded, envErr := loadEnvFile()

	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel, os.Stderr)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Warn("load env file failed", "path", path, "error", envErr)
	} else if loaded > 0 {
		logger.Info("loaded env file", "path", path, "values", loaded)
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := app.NewServer(signalCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init server failed: %w", err)
	}
	defer srv.Close()

	probeCtx, cancelProbe := context.WithTimeout(signalCtx, probeTimeout)
	if err := srv.ProbeGateway(probeCtx); err != nil {
		logger.Warn("inference server probe failed, requests will fail until it is reachable", "provider", cfg.Provider, "error", err)
	} else {
		logger.Info("inference server reachable", "provider", cfg.Provider, "model", cfg.Model)
	}
	cancelProbe()

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	runtimeCfg := loadHTTPRuntimeConfig()
	httpServer := newHTTPServer(addr, srv.Handler(), runtimeCfg)

	errCh := make(chan error, 1)
	go func() {
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			errCh <- listenErr
			return
		}
		errCh <- nil
	}()

	logger.Info("gateway listening",
		"addr", addr,
		"read_header_timeout", runtimeCfg.readHeaderTimeout,
		"read_timeout", runtimeCfg.readTimeout,
		"write_timeout", runtimeCfg.writeTimeout,
		"idle_timeout", runtimeCfg.idleTimeout,
		"shutdown_timeout", runtimeCfg.shutdownTimeout,
	)

	select {
	case listenErr := <-errCh:
		if listenErr != nil {
			return fmt.Errorf("listen failed: %w", listenErr)
		}
		return nil
	case <-signalCtx.Done():
		logger.Info("shutdown signal received, draining in-flight requests", "timeout", runtimeCfg.shutdownTimeout)
	}

	timedOut, shutdownErr := shutdownHTTPServer(httpServer, runtimeCfg.shutdownTimeout)
	if shutdownErr != nil {
		return shutdownErr
	}
	if timedOut {
		logger.Warn("gateway shutdown degraded: in-flight requests exceeded timeout, forced close", "timeout", runtimeCfg.shutdownTimeout)
	} else {
		logger.Info("gateway shutdown complete")
	}

	if listenErr := <-errCh; listenErr != nil {
		return fmt.Errorf("listen failed during shutdown: %w", listenErr)
	}
	return nil
}

func loadHTTPRuntimeConfig() httpRuntimeConfig {
	return httpRuntimeConfig{
		readHeaderTimeout: readDurationSecondsEnv(envHTTPReadHeaderTimeoutSeconds, defaultHTTPReadHeaderTimeout, false),
		readTimeout:       readDurationSecondsEnv(envHTTPReadTimeoutSeconds, defaultHTTPReadTimeout, false),
		writeTimeout:      readDurationSecondsEnv(envHTTPWriteTimeoutSeconds, defaultHTTPWriteTimeout, true),
		idleTimeout:       readDurationSecondsEnv(envHTTPIdleTimeoutSeconds, defaultHTTPIdleTimeout, false),
		shutdownTimeout:   readDurationSecondsEnv(envHTTPShutdownTimeoutSeconds, defaultHTTPShutdownTimeout, false),
	}
}

func newHTTPServer(addr string, handler http.Handler, runtimeCfg httpRuntimeConfig) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: runtimeCfg.readHeaderTimeout,
		ReadTimeout:       runtimeCfg.readTimeout,
		WriteTimeout:      runtimeCfg.writeTimeout,
		IdleTimeout:       runtimeCfg.idleTimeout,
	}
}

func shutdownHTTPServer(httpServer *http.Server, timeout time.Duration) (bool, error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if closeErr := httpServer.Close(); closeErr != nil {
				return true, fmt.Errorf("force close failed after shutdown timeout: %w", closeErr)
			}
			return true, nil
		}
		return false, fmt.Errorf("shutdown failed: %w", err)
	}
	return false, nil
}

func readDurationSecondsEnv(key string, fallback time.Duration, allowZero bool) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	seconds, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	if seconds < 0 {
		slog.Warn("invalid duration env, using fallback", "key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	if seconds == 0 && !allowZero {
		slog.Warn("invalid duration env, using fallback", "key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// loadEnvFile reads MCPX_ENV_FILE, or ./.env when unset. Values already in
// the environment win. A missing default file is not an error.
func loadEnvFile() (string, int, error) {
	path := strings.TrimSpace(os.Getenv(envFilePath))
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return path, 0, nil
		}
		return path, 0, err
	}
	loaded := 0
	for key, value := range values {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return path, loaded, err
		}
		loaded++
	}
	return path, loaded, nil
}
