package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
	"github.com/paradigm-parametric/parametric-mvp/pkg/api"
	"github.com/paradigm-parametric/parametric-mvp/pkg/config"
	"github.com/paradigm-parametric/parametric-mvp/pkg/custody"
	"github.com/paradigm-parametric/parametric-mvp/pkg/fault"
	"github.com/paradigm-parametric/parametric-mvp/pkg/journal"
	"github.com/paradigm-parametric/parametric-mvp/pkg/observability"
	"github.com/paradigm-parametric/parametric-mvp/pkg/payout"
	"github.com/paradigm-parametric/parametric-mvp/pkg/pool"
)

// app is a fully wired pool process.
type app struct {
	cfg     *config.Config
	ledger  *pool.Ledger
	server  *api.Server
	obs     *observability.Provider
	closers []func() error
	redis   *redis.Client
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("[parametric] shutdown: %v", err)
		}
	}
}

// buildApp wires config, storage, custody, the payout engine, the ledger and the API.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// 1. Product
	product, err := payout.LoadProduct(cfg.ProductFile)
	if err != nil {
		return nil, err
	}
	engine, err := product.Engine()
	if err != nil {
		return nil, err
	}
	engines, err := payout.NewRegistry(engine)
	if err != nil {
		return nil, err
	}
	log.Printf("[parametric] product: %s (owner %s)", engine.Ref(), engine.Owner())

	// 2. Storage
	var st *storage
	if cfg.LiteMode() {
		st, err = setupLiteMode(ctx, cfg)
	} else {
		st, err = setupPostgres(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.db.Close)

	// 3. Custody
	custodyDB, err := openCustody(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, custodyDB.Close)
	book := custody.NewSQLBook(custodyDB)
	if err := book.Init(ctx); err != nil {
		return nil, err
	}
	account := access.Identity(cfg.PoolAccount)

	// 4. Journal
	jrnl, err := journal.Open(ctx, st.sink)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if valid, reason := jrnl.Verify(); !valid {
		return nil, fmt.Errorf("journal verification failed: %s", reason)
	}
	log.Printf("[parametric] journal: %d entries, head %s", jrnl.Length(), jrnl.Head())

	// 5. Observability
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = cfg.OTLPInsecure
	a.obs, err = observability.New(ctx, obsCfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.obs.Shutdown(sctx)
	})

	// 6. Ledger
	a.ledger = pool.New(st.store, book.Account(account), account, engines).
		WithJournal(jrnl).
		WithTracker(a.obs)
	created, err := a.ledger.Init(ctx, pool.Genesis{
		Owner:       access.Identity(cfg.PoolOwner),
		Operator:    access.Identity(cfg.PoolOperator),
		EngineRef:   engine.Ref(),
		AnnualCap:   cfg.AnnualCap,
		ClaimWindow: cfg.ClaimWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init pool: %w", err)
	}
	if created {
		log.Printf("[parametric] pool: initialized (owner %s, operator %s)", cfg.PoolOwner, cfg.PoolOperator)
		if cfg.LiteSeedBalance > 0 {
			if err := book.Mint(ctx, account, cfg.LiteSeedBalance); err != nil {
				return nil, err
			}
			log.Printf("[parametric] custody: seeded %s with %d", account, cfg.LiteSeedBalance)
		}
	} else {
		log.Println("[parametric] pool: resumed existing state")
		warnStaleEngine(ctx, a.ledger, engines)
	}

	// 7. API
	secret, err := resolveJWTSecret(cfg)
	if err != nil {
		return nil, err
	}
	a.server = api.NewServer(a.ledger, api.NewJWTValidator(secret))
	a.server.SetVersion(version)
	if cfg.MetricsEnabled {
		a.server.EnableMetrics(observability.NewRegistry(a.ledger.Snapshot))
	}
	if cfg.LiteMode() {
		a.server.SetFaucet(book.Mint)
	}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, a.redis.Close)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		log.Printf("[parametric] redis: connected to %s", cfg.RedisAddr)
		a.server.SetRateLimiter(api.NewRedisLimiter(a.redis, cfg.RateLimitRPS, cfg.RateLimitBurst), cfg.RateLimitRPS)
		a.server.SetIdempotencyStore(api.NewRedisIdempotencyStore(a.redis, 24*time.Hour))
	} else {
		limiter := api.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		a.closers = append(a.closers, func() error { limiter.Close(); return nil })
		a.server.SetRateLimiter(limiter, cfg.RateLimitRPS)
		a.server.SetIdempotencyStore(api.NewIdempotencyStore(24 * time.Hour))
	}

	ok = true
	return a, nil
}

// warnStaleEngine logs when a resumed pool points at an engine reference the product
// file no longer registers, e.g. after a version bump. It reports whether it warned.
func warnStaleEngine(ctx context.Context, l *pool.Ledger, engines *payout.Registry) bool {
	_, err := l.Engine(ctx)
	if !errors.Is(err, fault.ErrEngineNotConfigured) {
		return false
	}
	log.Printf("[parametric] WARNING: %v; registered: %s. Settlements fail until the owner calls PUT /v1/admin/engine",
		err, strings.Join(engines.Refs(), ", "))
	return true
}

// openCustody opens the balance book database. In lite mode it lives in its own
// SQLite file, since the pool database is limited to one connection.
func openCustody(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if !cfg.LiteMode() {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open custody DB: %w", err)
		}
		return db, nil
	}
	db, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "custody.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open custody sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("custody ping failed: %w", err)
	}
	return db, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[parametric] ready: http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Println("[parametric] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
