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
	"time"

	"github.com/flowpbx/callforward/internal/api"
	"github.com/flowpbx/callforward/internal/api/middleware"
	"github.com/flowpbx/callforward/internal/config"
	"github.com/flowpbx/callforward/internal/database"
	"github.com/flowpbx/callforward/internal/database/memstore"
	"github.com/flowpbx/callforward/internal/database/pgstore"
	"github.com/flowpbx/callforward/internal/metrics"
	"github.com/flowpbx/callforward/internal/numbers"
	"github.com/flowpbx/callforward/internal/prompts"
	"github.com/flowpbx/callforward/internal/provisioning"
	"github.com/flowpbx/callforward/internal/sma"
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callforward",
		"http_port", cfg.HTTPPort,
		"store_driver", cfg.StoreDriver,
		"provisioning", cfg.Provisioning,
		"audio_driver", cfg.AudioDriver,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	rules, closer, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open rule store", "error", err)
		os.Exit(1)
	}
	defer closer.Close()

	adapter, err := newAdapter(appCtx, cfg, logger)
	if err != nil {
		slog.Error("failed to create provisioning adapter", "error", err)
		os.Exit(1)
	}

	promptStore, err := newPromptStore(cfg)
	if err != nil {
		slog.Error("failed to open prompt store", "error", err)
		os.Exit(1)
	}
	if cfg.SeedPrompts {
		seedCtx, cancel := context.WithTimeout(appCtx, 30*time.Second)
		_, err := prompts.Seed(seedCtx, promptStore, []prompts.Prompt{
			{Key: cfg.GreetingKey, Duration: 3 * time.Second},
			{Key: cfg.UnavailableKey, Duration: 2 * time.Second},
			{Key: cfg.RingbackKey, Duration: 4 * time.Second},
		}, logger.With("subsystem", "prompts"))
		cancel()
		if err != nil {
			// Calls still route; playback fails until the prompts exist.
			slog.Warn("failed to seed prompts", "error", err)
		}
	}

	calls := sma.NewHandler(rules, sma.NewTracker(cfg.SessionTTL), sma.Config{
		AudioBucket:    cfg.AudioBucket,
		GreetingKey:    cfg.GreetingKey,
		UnavailableKey: cfg.UnavailableKey,
		RingbackKey:    cfg.RingbackKey,
		LoopGreeting:   cfg.LoopGreeting,
		GreetingRepeat: cfg.GreetingRepeat,
		BridgeTimeout:  cfg.BridgeTimeout,
		StoreTimeout:   cfg.StoreTimeout,
	}, logger)

	svc := numbers.NewService(rules, adapter, numbers.Options{
		StoreTimeout:        cfg.StoreTimeout,
		ProvisioningTimeout: cfg.ProvisioningTimeout,
	}, logger)
	numbers.StartSyncTicker(appCtx, svc, cfg.SyncInterval)

	verifier, err := newVerifier(appCtx, cfg)
	if err != nil {
		slog.Error("failed to create token verifier", "error", err)
		os.Exit(1)
	}

	opts := api.Options{
		CORSOrigins: middleware.ParseCORSOrigins(cfg.CORSOrigins),
		Verifier:    verifier,
		RateLimit:   cfg.RateLimit,
		TLSEnabled:  cfg.TLSEnabled(),
		Metrics:     metrics.Handler(metrics.NewCollector(calls.Sessions(), calls, rules, startTime)),
	}
	if cfg.AudioDriver == "local" {
		opts.Prompts = promptStore
	}
	handler := api.NewServer(calls, svc, opts, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	appCancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("callforward stopped")
}

// openStore opens the configured rule store. The returned closer releases it.
func openStore(cfg *config.Config) (database.RuleStore, io.Closer, error) {
	switch cfg.StoreDriver {
	case "postgres":
		s, err := pgstore.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "memory":
		slog.Warn("using in-memory rule store, rules are lost on restart")
		s := memstore.New()
		return s, s, nil
	default:
		db, err := database.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return database.NewForwardingRuleRepository(db), db, nil
	}
}

// newAdapter builds the provisioning adapter scoped to the configured
// capabilities.
func newAdapter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provisioning.Adapter, error) {
	caps := cfg.CapabilitySet()

	if cfg.Provisioning == "memory" {
		nums, trunks, err := cfg.MemoryInventory()
		if err != nil {
			return nil, err
		}
		mem := provisioning.NewMemoryAdapter(trunks...)
		for _, e164 := range nums {
			mem.AddNumber(provisioning.Number{
				E164:        e164,
				ProductType: provisioning.ProductSipMediaApplicationDialIn,
				Status:      provisioning.StatusUnassigned,
			})
		}
		slog.Warn("using in-memory provisioning adapter", "numbers", len(nums), "voice_connectors", len(trunks))
		return provisioning.Restrict(mem, caps), nil
	}

	client, err := provisioning.NewChimeClient(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}
	return provisioning.NewChimeAdapter(client, provisioning.ChimeConfig{
		SipMediaApplicationID: cfg.SMAID,
		ReadAttempts:          cfg.ProvisioningReadRetries,
		Capabilities:          caps,
	}, logger), nil
}

func newPromptStore(cfg *config.Config) (prompts.Store, error) {
	if cfg.AudioDriver == "local" {
		return prompts.NewDirStore(cfg.PromptDir())
	}
	return prompts.NewS3Store(prompts.S3Config{
		Endpoint:  cfg.AudioEndpoint,
		Bucket:    cfg.AudioBucket,
		Region:    cfg.AWSRegion,
		AccessKey: cfg.AudioAccessKey,
		SecretKey: cfg.AudioSecretKey,
		UseSSL:    cfg.AudioUseSSL,
	})
}

// newVerifier picks JWKS, then HMAC, then no authentication.
func newVerifier(ctx context.Context, cfg *config.Config) (middleware.TokenVerifier, error) {
	if cfg.JWKSURL != "" {
		v, err := middleware.NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.JWTIssuer, time.Hour)
		if err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			v.Close()
		}()
		return v, nil
	}
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return nil, err
	}
	if secret != nil {
		return middleware.NewHMACVerifier(secret, cfg.JWTIssuer), nil
	}
	return nil, nil
}
