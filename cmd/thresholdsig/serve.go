package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"thresholdsig/cmd/internal/passphrase"
	"thresholdsig/config"
	"thresholdsig/crypto"
	"thresholdsig/gateway"
	"thresholdsig/gateway/middleware"
	"thresholdsig/gateway/replay"
	"thresholdsig/journal"
	"thresholdsig/ledger"
	"thresholdsig/observability/logging"
	telemetry "thresholdsig/observability/otel"
	"thresholdsig/remote"
	"thresholdsig/session"
	"thresholdsig/signer"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		cfgPath   string
		logLevel  string
		noConnect bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the wallet daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logLevel, !noConnect)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "thresholdsig.yaml", "path to the daemon configuration (.yaml or .toml)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "wait for POST /v1/connect instead of connecting on startup")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logLevel string, connect bool) error {
	logger, logCloser := logging.Setup("thresholdsig", cfg.Environment,
		logging.WithLevel(logging.ParseLevel(logLevel)),
		logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups),
	)
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: telemetry.DefaultServiceName,
		Version:     version,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	client, err := remote.Dial(ctx, cfg.Network.RPCURL, remote.Options{
		PollInterval:        cfg.Network.PollInterval.Duration,
		ReceiptPollInterval: cfg.Network.ReceiptPollInterval.Duration,
		ReconnectPerMinute:  cfg.Network.ReconnectPerMinute,
		ReconnectBurst:      cfg.Network.ReconnectBurst,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Network.RPCURL, err)
	}
	defer client.Close()

	registry := remote.NewArtifactSource(cfg.Network.Registry, &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	pass := passphrase.NewSource(cfg.Account.PassphraseEnv).WithLabel(cfg.Account.Keystore)
	accounts := crypto.NewKeystoreSource(cfg.Account.Keystore, pass)

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithFromBlock(cfg.Network.FromBlock),
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		opts = append(opts, session.WithSink(j))
	}
	manager := session.New(client, registry, accounts, ledger.NewStore(), opts...)

	var replayGuard middleware.ReplayGuard
	if cfg.Auth.Enabled && cfg.Auth.ReplayStore != "" {
		store, err := replay.Open(cfg.Auth.ReplayStore)
		if err != nil {
			return err
		}
		defer store.Close()
		pruneCtx, cancelPrune := context.WithCancel(ctx)
		defer cancelPrune()
		go store.RunPruner(pruneCtx, time.Minute)
		replayGuard = store
	}

	cosigner, err := signer.New(cfg.Signer.URL, cfg.Signer.Timeout.Duration)
	if err != nil {
		return fmt.Errorf("configure signer: %w", err)
	}
	srv, err := gateway.New(gateway.Config{
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		Replay:        replayGuard,
		RequiredScope: cfg.Auth.Scope,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		LogRequests: true,
		Logger:      logger,
	}, manager, cosigner)
	if err != nil {
		return fmt.Errorf("configure gateway: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if connect {
		if err := manager.Connect(ctx); err != nil {
			logger.Error("initial connect failed", slog.Any("error", err))
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			_ = manager.Close(context.Background())
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("session close failed", slog.Any("error", err))
	}
	logger.Info("stopped")
	return nil
}
