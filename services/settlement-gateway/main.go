package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"optionsettle/config"
	"optionsettle/core/events"
	"optionsettle/core/types"
	"optionsettle/native/escrow"
	"optionsettle/native/fees"
	"optionsettle/native/oracle"
	"optionsettle/observability/logging"
	"optionsettle/storage"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load configuration", "error", err.Error())
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service:    "settlement-gateway",
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return err
	}
	defer db.Close()

	stream := events.NewStream(cfg.EventBufSize)
	priceOracle, err := buildOracle(cfg, stream)
	if err != nil {
		return err
	}

	engine := escrow.NewEngine(escrow.NewState(db), priceOracle)
	engine.SetEmitter(stream)
	if cfg.Fees.MatchFeeBps > 0 {
		collector, err := config.ParseAddress(cfg.Fees.Collector)
		if err != nil {
			return err
		}
		engine.SetFeePolicy(fees.Policy{
			MatchFeeBps:         cfg.Fees.MatchFeeBps,
			DistPartnerShareBps: cfg.Fees.DistPartnerShareBps,
		}, collector)
	}
	registry := escrow.NewRegistry(engine, cfg.ChainID)

	store, err := NewSQLiteStore(cfg.Gateway.AuditDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	auth := NewAuthenticator(AuthConfig{Secret: cfg.Gateway.JWTSecret, Issuer: cfg.Gateway.JWTIssuer})
	if !auth.Enabled() && cfg.Environment != "dev" {
		return errors.New("gateway: JWT secret is required outside dev")
	}
	limiter := NewRateLimiter(cfg.Gateway.RateLimitRPS, cfg.Gateway.RateLimitBurst)

	server := NewServer(registry, stream, auth, limiter, store, logger)
	httpServer := &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "address", cfg.Gateway.ListenAddress, "chain_id", cfg.ChainID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildOracle assembles the price router from the configured bootstrap file.
// A missing bootstrap file yields a router with an empty registry; feeds can
// only be registered through a populated file, so prices resolve solely for
// identity pairs until one is supplied.
func buildOracle(cfg *config.Config, emitter events.Emitter) (oracle.Oracle, error) {
	var owner [20]byte
	var registry oracle.Registry
	if cfg.Oracle.AppendOnly {
		registry = oracle.NewAppendOnlyRegistry(owner)
	} else {
		registry = oracle.NewMutableRegistry(owner)
	}
	oracle.SetEmitter(registry, emitter)
	if path := cfg.Oracle.BootstrapFile; path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := oracle.LoadBootstrap(path, registry, owner, time.Now().Unix()); err != nil {
				return nil, err
			}
		}
	}
	var refAsset types.Asset
	if cfg.Oracle.ReferenceAsset != "" {
		raw, err := config.ParseAddress(cfg.Oracle.ReferenceAsset)
		if err != nil {
			return nil, err
		}
		refAsset = types.Asset(raw)
	}
	return oracle.NewRouter(registry, refAsset, oracle.FeedEntry{}, cfg.Oracle.MaxStalenessS), nil
}
