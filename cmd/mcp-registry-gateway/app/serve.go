package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	gateway "github.com/giantswarm/mcp-registry-gateway"
	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/providers"
	"github.com/giantswarm/mcp-registry-gateway/providers/dex"
	"github.com/giantswarm/mcp-registry-gateway/providers/oidc"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
	"github.com/giantswarm/mcp-registry-gateway/storage/bbolt"
	"github.com/giantswarm/mcp-registry-gateway/storage/memory"
	"github.com/giantswarm/mcp-registry-gateway/storage/valkey"
)

const (
	serverReadHeaderTimeout = 10 * time.Second
	serverReadTimeout       = 15 * time.Second
	serverWriteTimeout      = 30 * time.Second // upstream exchanges happen inside requests
	serverIdleTimeout       = 60 * time.Second
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway HTTP server. Every setting can be given as a flag, as an
MCPGW_ environment variable or in the --config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-address", ":8080", "Address to listen on")
	flags.String("issuer", "", "Public base URL of the gateway")
	flags.String("upstream-issuer-url", "", "Issuer URL of the upstream identity provider")
	flags.String("upstream-provider", ProviderOIDC, "Upstream provider preset (oidc, dex)")
	flags.String("storage-backend", BackendMemory, "Storage backend (memory, valkey, bbolt)")
	flags.Bool("metrics", true, "Serve Prometheus metrics on /metrics")
	bindFlags(v, flags, map[string]string{
		"listen-address":      "listen-address",
		"issuer":              "issuer",
		"upstream-issuer-url": "upstream.issuer-url",
		"upstream-provider":   "upstream.provider",
		"storage-backend":     "storage.backend",
		"metrics":             "metrics.enabled",
	})
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	logger, err := newLogger(v, os.Stderr)
	if err != nil {
		return err
	}
	s, err := loadSettings(v)
	if err != nil {
		return err
	}
	s.Gateway.Logger = logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var inst *instrumentation.Instrumentation
	if s.MetricsEnabled {
		inst, err = instrumentation.New(instrumentation.Config{
			ServiceName:    instrumentation.DefaultServiceName,
			ServiceVersion: Version,
			Enabled:        true,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := inst.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Instrumentation shutdown failed", "error", err)
			}
		}()
	}

	store, closeStore, err := openStore(ctx, s, inst, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := newProvider(ctx, s, inst, logger)
	if err != nil {
		return err
	}

	srv, err := gateway.NewServer(s.Gateway, store, provider, inst)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              s.ListenAddress,
		Handler:           gateway.NewHandler(srv).Routes(),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Gateway listening",
			"address", s.ListenAddress,
			"issuer", s.Gateway.Issuer,
			"storage", s.Storage.Backend,
			"version", Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gateway")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Gateway stopped")
	return nil
}

// openStore opens the configured backend and returns a function releasing it
func openStore(ctx context.Context, s *settings, inst *instrumentation.Instrumentation, logger *slog.Logger) (storage.Store, func(), error) {
	encryptor, err := security.NewEncryptor(s.Gateway.Security.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	switch s.Storage.Backend {
	case BackendValkey:
		cfg := s.Storage.Valkey
		cfg.Encryptor = encryptor
		cfg.Instrumentation = inst
		cfg.Logger = logger
		store, err := valkey.New(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("valkey is unreachable: %w", err)
		}
		return store, store.Close, nil

	case BackendBbolt:
		store, err := bbolt.NewRepositoryFromFile(s.Storage.BboltPath, bbolt.Options{
			Encryptor:     encryptor,
			SweepInterval: s.Storage.SweepInterval,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt store: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close bbolt store", "error", err)
			}
		}, nil

	default:
		if encryptor.IsEnabled() {
			logger.Info("Encryption key ignored by the in-memory store")
		}
		logger.Warn("Using in-memory storage; sessions are lost on restart")
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, store.Stop, nil
	}
}

func newProvider(ctx context.Context, s *settings, inst *instrumentation.Instrumentation, logger *slog.Logger) (providers.Provider, error) {
	var metrics *instrumentation.Metrics
	if inst != nil {
		metrics = inst.Metrics()
	}
	redirectURL := s.Gateway.Issuer + gateway.PathCallback

	switch s.Upstream.Provider {
	case ProviderDex:
		p, err := dex.NewProvider(ctx, &dex.Config{
			IssuerURL:      s.Upstream.IssuerURL,
			ClientID:       s.Gateway.Upstream.ClientID,
			ClientSecret:   s.Gateway.Upstream.ClientSecret,
			RedirectURL:    redirectURL,
			ConnectorID:    s.Upstream.ConnectorID,
			Scopes:         s.Upstream.Scopes,
			RequestTimeout: s.Upstream.Timeout,
			Metrics:        metrics,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create dex provider: %w", err)
		}
		return p, nil
	default:
		p, err := oidc.NewProvider(ctx, &oidc.Config{
			IssuerURL:      s.Upstream.IssuerURL,
			ClientID:       s.Gateway.Upstream.ClientID,
			ClientSecret:   s.Gateway.Upstream.ClientSecret,
			RedirectURL:    redirectURL,
			Scopes:         s.Upstream.Scopes,
			RequestTimeout: s.Upstream.Timeout,
			Metrics:        metrics,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create oidc provider: %w", err)
		}
		return p, nil
	}
}
