// certnoded is the receipt engine server. Without arguments it serves the
// HTTP API; the verify and keygen subcommands are offline helpers.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/certnode/core/pkg/api"
	"github.com/certnode/core/pkg/config"
	"github.com/certnode/core/pkg/envelope"
	"github.com/certnode/core/pkg/graph"
	"github.com/certnode/core/pkg/integrations"
	"github.com/certnode/core/pkg/keys"
	"github.com/certnode/core/pkg/ledger"
	"github.com/certnode/core/pkg/observability"
	"github.com/certnode/core/pkg/receipt"

	_ "github.com/lib/pq"           // postgres driver
	_ "modernc.org/sqlite"          // sqlite driver
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) >= 2 {
		switch args[1] {
		case "verify":
			return runVerify(args[2:], stdout, stderr)
		case "keygen":
			return runKeygen(args[2:], stdout, stderr)
		case "serve":
			args = args[1:]
		}
	}
	return runServe(args[1:], stderr)
}

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	logger := observability.NewLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "certnode-core",
		Environment:  os.Getenv("ENVIRONMENT"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      os.Getenv("OTLP_ENDPOINT") != "",
		Insecure:     true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	store, ldg, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		return 1
	}

	signingKey, err := loadOrGenerateKey(cfg.Signing.KeyFile, logger)
	if err != nil {
		logger.Error("signing key init failed", "error", err)
		return 1
	}
	if jwk, err := keys.FromECPublicKey(&signingKey.PublicKey, cfg.Signing.Kid); err == nil {
		if tp, err := keys.Thumbprint(jwk); err == nil {
			logger.Info("signing key ready", "kid", cfg.Signing.Kid, "thumbprint", tp)
		}
	}

	engine := graph.NewEngine(store, signingKey, cfg.Signing.Kid)

	registry := integrations.NewRegistry()
	provRate := rate.Limit(cfg.Integrations.ProviderRPS)
	if stripe, err := integrations.NewStripeProvider(provRate, cfg.Integrations.ProviderBurst); err == nil {
		registry.Register(stripe)
	}
	if shopify, err := integrations.NewShopifyProvider(provRate, cfg.Integrations.ProviderBurst); err == nil {
		registry.Register(shopify)
	}
	if kajabi, err := integrations.NewKajabiProvider(provRate, cfg.Integrations.ProviderBurst); err == nil {
		registry.Register(kajabi)
	}
	ingestion := integrations.NewService(registry, ldg, engine)

	var idemStore api.IdempotencyStorer
	if cfg.Redis.Addr != "" {
		idemStore = api.NewRedisIdempotencyStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		logger.Info("idempotency cache", "backend", "redis", "addr", cfg.Redis.Addr)
	} else {
		idemStore = api.NewIdempotencyStore(cfg.Redis.TTL)
		logger.Info("idempotency cache", "backend", "memory")
	}

	server := api.NewServer(engine, ingestion, obs, logger)
	ipLimiter := api.NewGlobalRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	tenantLimiter := api.NewTenantRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	handler := obs.HTTPMiddleware(
		ipLimiter.Middleware(
			api.TenantMiddleware([]byte(cfg.Auth.JWTSecret))(
				tenantLimiter.Middleware(
					api.IdempotencyMiddleware(idemStore)(server.Routes()),
				),
			),
		),
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	}
	return 0
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (graph.Store, ledger.Ledger, error) {
	switch cfg.Database.Driver {
	case "memory", "":
		logger.Info("storage", "backend", "memory")
		return graph.NewMemoryStore(), ledger.NewMemoryLedger(), nil
	case "postgres", "sqlite":
		driver := cfg.Database.Driver
		db, err := sql.Open(driver, cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", driver, err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("ping %s: %w", driver, err)
		}
		store, err := graph.NewSQLStore(db)
		if err != nil {
			return nil, nil, fmt.Errorf("init graph store: %w", err)
		}
		ldg, err := ledger.NewSQLLedger(db)
		if err != nil {
			return nil, nil, fmt.Errorf("init ledger: %w", err)
		}
		logger.Info("storage", "backend", driver)
		return store, ldg, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// loadOrGenerateKey reads a PEM-encoded P-256 key, or mints an ephemeral
// one when no file is configured.
func loadOrGenerateKey(path string, logger *slog.Logger) (*ecdsa.PrivateKey, error) {
	if path == "" {
		logger.Warn("no signing key configured, generating ephemeral key (receipts will not verify across restarts)")
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key %q is not PEM", path)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("signing key must be P-256")
	}
	return key, nil
}

// runVerify checks a receipt JSON file against a JWKS file offline.
func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	receiptPath := fs.String("receipt", "", "path to receipt JSON")
	jwksPath := fs.String("jwks", "", "path to JWKS JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *receiptPath == "" || *jwksPath == "" {
		fmt.Fprintln(stderr, "usage: certnoded verify -receipt <file> -jwks <file>")
		return 2
	}

	rawReceipt, err := os.ReadFile(*receiptPath)
	if err != nil {
		fmt.Fprintf(stderr, "read receipt: %v\n", err)
		return 1
	}
	var r receipt.Receipt
	if err := json.Unmarshal(rawReceipt, &r); err != nil {
		fmt.Fprintf(stderr, "parse receipt: %v\n", err)
		return 1
	}

	rawJWKS, err := os.ReadFile(*jwksPath)
	if err != nil {
		fmt.Fprintf(stderr, "read jwks: %v\n", err)
		return 1
	}
	jwks, err := keys.ParseJWKS(rawJWKS)
	if err != nil {
		fmt.Fprintf(stderr, "parse jwks: %v\n", err)
		return 1
	}

	result := envelope.Verify(&r, jwks)
	if result.OK {
		fmt.Fprintln(stdout, "OK")
		return 0
	}
	fmt.Fprintf(stdout, "INVALID: %s\n", result.Reason)
	return 1
}

// runKeygen writes a fresh P-256 signing key as PEM and prints its JWK.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "signing-key.pem", "output path for the PEM key")
	kid := fs.String("kid", "certnode-key", "key id to embed in the JWK")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		fmt.Fprintf(stderr, "generate key: %v\n", err)
		return 1
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		fmt.Fprintf(stderr, "encode key: %v\n", err)
		return 1
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(*out, pemBytes, 0o600); err != nil {
		fmt.Fprintf(stderr, "write key: %v\n", err)
		return 1
	}

	jwk, err := keys.FromECPublicKey(&key.PublicKey, *kid)
	if err != nil {
		fmt.Fprintf(stderr, "derive jwk: %v\n", err)
		return 1
	}
	_ = json.NewEncoder(stdout).Encode(keys.JWKS{Keys: []keys.JWK{*jwk}})
	fmt.Fprintf(stderr, "wrote %s\n", *out)
	return 0
}
