package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/god233012yamil/fetchd/internal/api"
	"github.com/god233012yamil/fetchd/internal/config"
	"github.com/god233012yamil/fetchd/internal/download"
	"github.com/god233012yamil/fetchd/internal/engine"
	"github.com/god233012yamil/fetchd/internal/event"
	"github.com/god233012yamil/fetchd/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	configAppName = "app"
	configExt     = "env"
	configDir     = "config"

	shutdownTimeout = 30 * time.Second
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout", "app_log.log"}
	cfg.ErrorOutputPaths = []string{"stderr", "app_log.log"}
	return cfg.Build()
}

func main() {
	zapLogger, err := newLogger()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "can init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()

	logger := zapLogger.Named("server")

	logger.Info("running server", zap.Int("pid", os.Getpid()))

	cfg, err := config.LoadAppConfig(configAppName, configExt, configDir)
	if err != nil || cfg == nil {
		logger.Fatal("cant read config, check file", zap.Error(err), zap.String("name", configAppName))
	}

	gin.SetMode(cfg.GinMode)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("cant create data dir", zap.Error(err), zap.String("dir", cfg.DataDir))
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		logger.Fatal("cant create download dir", zap.Error(err), zap.String("dir", cfg.DownloadDir))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := newHistoryStore(cfg)
	if err != nil {
		logger.Fatal("cant open history store", zap.Error(err))
	}

	bus := event.NewBus(cfg.EventQueueSize)

	eng, err := engine.New(&engine.Config{
		Client:    newHTTPClient(cfg),
		UserAgent: cfg.UserAgent,
		ChunkSize: cfg.ChunkSize,
	}, logger.Named("engine"))
	if err != nil {
		logger.Fatal("cant create engine", zap.Error(err))
	}

	workCtx, workCanc := context.WithCancel(ctx)
	defer workCanc()

	sup, err := download.NewSupervisor(workCtx, &download.SupervisorOptions{
		Engine:        eng,
		Bus:           bus,
		Dir:           cfg.DownloadDir,
		MaxConcurrent: cfg.MaxConcurrent,
		History:       store,
		Logger:        logger.Named("supervisor"),
	})
	if err != nil {
		logger.Fatal("cant create supervisor", zap.Error(err))
	}

	srv, err := api.NewServer(&api.ServerOptions{
		Supervisor: sup,
		Events:     bus,
		History:    store,
		Logger:     logger,

		Addr: cfg.ServerAddr,
	})
	if err != nil {
		logger.Fatal("cant create api server", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.ServerAddr))
		if err := srv.Run(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				return
			}
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	offCtx, offCanc := context.WithTimeout(context.Background(), shutdownTimeout)
	defer offCanc()

	if err := srv.Shutdown(offCtx); err != nil {
		logger.Error("cant shutdown server", zap.Error(err))
	}

	logger.Info("cancelling active downloads")
	if err := sup.Shutdown(offCtx); err != nil {
		logger.Error("cant drain downloads", zap.Error(err))
	}
	workCanc()
	bus.Close()

	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("cant close history store", zap.Error(err))
		}
	}
	logger.Info("shutdown done")
}

func newHTTPClient(cfg *config.AppConfig) *http.Client {
	return &http.Client{
		// 0 = no overall deadline, matching the flag-only cancellation
		Timeout: cfg.DownloadTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout,
			}).DialContext,
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        32,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func newHistoryStore(cfg *config.AppConfig) (storage.HistoryStore, error) {
	switch strings.ToLower(cfg.StorageMode) {
	case "memory":
		return storage.NewMemoryHistoryStore(), nil
	case "bbolt":
		return storage.NewBoltHistoryStore(
			filepath.Join(cfg.DataDir, "history.db"),
		)
	default:
		return nil, errors.New("unknown storage mode")
	}
}
