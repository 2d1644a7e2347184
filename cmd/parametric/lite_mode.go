package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/paradigm-parametric/parametric-mvp/pkg/config"
	"github.com/paradigm-parametric/parametric-mvp/pkg/journal"
	"github.com/paradigm-parametric/parametric-mvp/pkg/pool"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// storage is the persistence wiring for one pool: the state store and the journal sink
// share a database.
type storage struct {
	db    *sql.DB
	store *pool.SQLStore
	sink  *journal.SQLSink
}

func setupLiteMode(ctx context.Context, cfg *config.Config) (*storage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "parametric.db")
	log.Printf("[parametric] lite mode: using sqlite at %s", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// sqlite serialises writers; one connection keeps BEGIN from racing
	db.SetMaxOpenConns(1)
	return initStorage(ctx, db, pool.DialectSQLite)
}

func setupPostgres(ctx context.Context, cfg *config.Config) (*storage, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("DB ping failed: %w", err)
	}
	log.Println("[parametric] postgres: connected")
	return initStorage(ctx, db, pool.DialectPostgres)
}

func initStorage(ctx context.Context, db *sql.DB, dialect pool.Dialect) (*storage, error) {
	store := pool.NewSQLStore(db, dialect)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init pool store: %w", err)
	}
	sink := journal.NewSQLSink(db)
	if err := sink.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init journal: %w", err)
	}
	return &storage{db: db, store: store, sink: sink}, nil
}

// resolveJWTSecret returns JWT_SECRET, or in lite mode a secret persisted under
// DATA_DIR, generated on first use. Production deployments must set JWT_SECRET.
func resolveJWTSecret(cfg *config.Config) (string, error) {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret, nil
	}
	if !cfg.LiteMode() {
		return "", fmt.Errorf("JWT_SECRET is required when DATABASE_URL is set")
	}
	keyPath := filepath.Join(cfg.DataDir, "jwt.key")
	if raw, err := os.ReadFile(keyPath); err == nil {
		secret := strings.TrimSpace(string(raw))
		if secret == "" {
			return "", fmt.Errorf("%s is empty", keyPath)
		}
		return secret, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read %s: %w", keyPath, err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(buf)
	if err := os.WriteFile(keyPath, []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", keyPath, err)
	}
	log.Printf("[parametric] auth: generated lite-mode token secret at %s", keyPath)
	return secret, nil
}
