package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signet-gw/gateway/pkg/adminauth"
	"github.com/signet-gw/gateway/pkg/artifactstore"
	"github.com/signet-gw/gateway/pkg/billing"
	"github.com/signet-gw/gateway/pkg/config"
	"github.com/signet-gw/gateway/pkg/exchange"
	"github.com/signet-gw/gateway/pkg/httpapi"
	"github.com/signet-gw/gateway/pkg/invariant"
	"github.com/signet-gw/gateway/pkg/metrics"
	"github.com/signet-gw/gateway/pkg/observability"
	"github.com/signet-gw/gateway/pkg/repair"
	"github.com/signet-gw/gateway/pkg/resolver"
	"github.com/signet-gw/gateway/pkg/schema"
	"github.com/signet-gw/gateway/pkg/signer"
	"github.com/signet-gw/gateway/pkg/store"
	"github.com/signet-gw/gateway/pkg/tenant"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint used by main and by tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "health":
		return runHealthCheck(stdout, stderr)
	case "keygen":
		return runKeygen(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "signet-gateway")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "usage: gatewayd <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  serve    run the gateway HTTP server (default)")
	fmt.Fprintln(w, "  health   check a running server's /healthz endpoint")
	fmt.Fprintln(w, "  keygen   generate a fresh Ed25519 signing seed")
	fmt.Fprintln(w, "  help     show this help")
}

func runHealthCheck(stdout, stderr io.Writer) int {
	resp, err := http.Get("http://localhost:8088/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "healthcheck failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "healthcheck failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func runKeygen(stdout, stderr io.Writer) int {
	seedB64, kid, err := signer.GenerateSeed()
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "PRIVATE_KEY_B64=%s\n", seedB64)
	fmt.Fprintf(stdout, "KID=%s\n", kid)
	return 0
}

// runServe wires every subsystem and blocks until SIGINT/SIGTERM, in the
// same top-to-bottom order the teacher's kernel entrypoint assembles its
// stack: storage, identity, domain registries, then the HTTP boundary.
func runServe(stdout, stderr io.Writer) int {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}

	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, storageKind, err := openStore(cfg)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		return 1
	}

	sgn, err := signer.New(cfg.PrivateKeyB64, cfg.KID)
	if err != nil {
		logger.Error("signer init failed", "error", err)
		return 1
	}

	res := resolver.New()

	routes := schema.NewRegistry()
	for _, def := range schema.DefaultRoutes() {
		if err := routes.Register(def); err != nil {
			logger.Error("route registration failed", "route", def.PayloadType, "error", err)
			return 1
		}
	}

	fallback := buildFallbackProvider(cfg)

	m := metrics.New()
	billingMetrics := billing.NewMetrics(m.Registry)
	sink := buildBillingSink(cfg)
	billBuf := billing.NewBuffer(st, st, sink, billingMetrics, m)
	go flushBillingLoop(ctx, billBuf, logger)

	tenants := tenant.NewRegistry(cfg.APIKeys, cfg.HELAllowlist)

	limiter := buildLimiter(cfg)

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(ctx) }()

	handler := exchange.NewHandler(st, routes, res, fallback, billBuf, m, cfg.HELAllowlist)
	handler.Tracer = observability.ExchangeTracer{Provider: provider}
	handler.InvariantOpts = invariant.Options{AmountTolerance: cfg.SemanticAmountTolerance}

	artifacts := buildArtifactStore(cfg, logger)

	srv := &httpapi.Server{
		Exchange:    handler,
		Store:       st,
		Signer:      sgn,
		Metrics:     m,
		Billing:     billBuf,
		Tenants:     tenants,
		StorageKind: storageKind,
		Limiter:     limiter,
		Artifacts:   artifacts,
		AdminAuth:   adminauth.New(cfg.AdminJWTSecret),
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", "port", cfg.Port, "storage", storageKind)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

func openStore(cfg *config.Config) (store.Store, string, error) {
	switch cfg.Storage {
	case "postgres":
		pg, err := store.OpenPostgres(cfg.PostgresURL)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		return pg, "postgres", nil
	case "memory":
		return store.NewMemory(), "memory", nil
	default:
		sq, err := store.OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		return sq, "sqlite", nil
	}
}

func buildFallbackProvider(cfg *config.Config) repair.Provider {
	if cfg.OpenAIAPIKey == "" {
		return repair.NullProvider{}
	}
	return repair.NewOpenAIProvider(cfg.OpenAIAPIKey, "gpt-4o-mini")
}

func buildBillingSink(cfg *config.Config) billing.Sink {
	if cfg.StripeAPIKey == "" {
		return billing.NullSink{}
	}
	return billing.NewStripeSink(cfg.StripeAPIKey)
}

func buildLimiter(cfg *config.Config) httpapi.Limiter {
	const rps, burst = 20.0, 40
	if cfg.RedisURL == "" {
		return httpapi.NewLocalLimiter(rps, burst)
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("redis url invalid, falling back to local rate limiting: %v", err)
		return httpapi.NewLocalLimiter(rps, burst)
	}
	client := redis.NewClient(opt)
	return httpapi.NewRedisLimiter(client, rps, burst)
}

func buildArtifactStore(cfg *config.Config, logger *slog.Logger) artifactstore.Store {
	switch cfg.ArtifactStore {
	case "file", "":
		fs, err := artifactstore.NewFileStore(cfg.ArtifactPath)
		if err != nil {
			logger.Warn("artifact store init failed, reports will not persist", "error", err)
			return nil
		}
		return fs
	default:
		logger.Warn("artifact store backend requires a build tag (aws/gcp), falling back to file", "backend", cfg.ArtifactStore)
		fs, _ := artifactstore.NewFileStore(cfg.ArtifactPath)
		return fs
	}
}

// flushBillingLoop periodically drains the billing queue to the
// configured sink, matching spec.md §6's "flush on a fixed interval"
// requirement rather than flushing inline on the request path.
func flushBillingLoop(ctx context.Context, b *billing.Buffer, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushed, retried, err := b.Flush(ctx, 100, 5)
			if err != nil {
				logger.Error("billing flush failed", "error", err)
				continue
			}
			if flushed > 0 || retried > 0 {
				logger.Info("billing flush", "flushed", flushed, "retried", retried)
			}
		}
	}
}
