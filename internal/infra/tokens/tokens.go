// Package tokens maintains the bearer token cache. Tokens either come from a
// static configured secret or from a Postgres table that is reloaded
// periodically, with per-token rate limits.
package tokens

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"web2pdf/internal/config"
	"web2pdf/internal/infra/logging"
)

var (
	// ErrInvalidToken signals that the presented bearer token is not known.
	ErrInvalidToken = errors.New("invalid bearer token")
	// ErrStoreNotReady signals that the token cache has not been loaded yet.
	// This can happen during startup when the DB isn't ready.
	ErrStoreNotReady = errors.New("token store not ready")
)

// Store validates bearer tokens. With a static secret only, the cache is
// ready immediately; with Postgres configured, Load fills it from the DB.
type Store struct {
	secret string
	pgCfg  config.PostgresConfig

	mu    sync.RWMutex
	cache map[string]int

	dbMu sync.Mutex
	dsn  string
	db   *sql.DB
}

// New creates a Store from the auth configuration. A static secret is
// registered with an unlimited (zero) rate limit.
func New(cfg config.AuthConfig) *Store {
	s := &Store{secret: cfg.BearerSecret, pgCfg: cfg.Postgres}
	if cfg.BearerSecret != "" && cfg.Postgres.Host == "" {
		s.cache = map[string]int{cfg.BearerSecret: 0}
	}
	return s
}

// UsesPostgres reports whether tokens are managed in Postgres.
func (s *Store) UsesPostgres() bool {
	return s.pgCfg.Host != ""
}

// Ready returns true once the token cache has been initialized.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache != nil
}

// Validate checks whether token is accepted. The static secret is compared
// in constant time; DB-loaded tokens are a map lookup.
func (s *Store) Validate(token string) bool {
	if s.secret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) == 1 {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[token]
	return ok
}

// RateLimit returns the per-interval request budget for token. Zero disables
// rate limiting for that token.
func (s *Store) RateLimit(token string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit, ok := s.cache[token]; ok {
		return limit
	}
	return 0
}

// ReplaceAll swaps the cache wholesale. Intended for tests and local debugging.
func (s *Store) ReplaceAll(m map[string]int) {
	cache := make(map[string]int, len(m))
	for k, v := range m {
		cache[k] = v
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
}

// Load reads all tokens and their rate limits from Postgres into the cache,
// creating the schema on first use.
func (s *Store) Load() error {
	if err := s.ensureSchema(); err != nil {
		return err
	}

	db, err := s.getDB()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, `SELECT token, rate_limit FROM tokens;`)
	if err != nil {
		return err
	}
	defer rows.Close()

	cache := make(map[string]int)
	for rows.Next() {
		var token string
		var limit int
		if err := rows.Scan(&token, &limit); err != nil {
			return err
		}
		cache[token] = limit
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

// RefreshEvery reloads the token cache from Postgres at the given interval
// until stop is closed.
func (s *Store) RefreshEvery(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Load(); err != nil {
				logging.Error("Failed to reload bearer tokens", "error", err)
			}
		case <-stop:
			return
		}
	}
}

func (s *Store) ensureSchema() error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ddl1 := `CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		rate_limit INTEGER NOT NULL DEFAULT 60,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		comment TEXT
	);`
	ddl2 := `CREATE INDEX IF NOT EXISTS idx_tokens_created_at ON tokens (created_at);`
	if _, err := db.ExecContext(ctx, ddl1); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, ddl2); err != nil {
		return err
	}
	return nil
}

func (s *Store) getDB() (*sql.DB, error) {
	dsn, err := postgresDSN(s.pgCfg)
	if err != nil {
		return nil, err
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	if s.db != nil && s.dsn == dsn {
		return s.db, nil
	}
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
		s.dsn = ""
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// This is a small, low-throughput control plane table.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db = db
	s.dsn = dsn
	return s.db, nil
}

func postgresPort(cfg config.PostgresConfig) int {
	if cfg.Port != 0 {
		return cfg.Port
	}
	return 5432
}

func postgresDSN(cfg config.PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	if cfg.Host == "" {
		return "", fmt.Errorf("postgres host is empty")
	}
	if cfg.Database == "" {
		return "", fmt.Errorf("postgres database is empty")
	}
	if cfg.User == "" {
		return "", fmt.Errorf("postgres user is empty")
	}

	hostPort := cfg.Host
	port := postgresPort(cfg)
	// Handle IPv6 or explicit host:port strings.
	if strings.HasPrefix(hostPort, "[") {
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, port)
		}
	} else if strings.Count(hostPort, ":") >= 2 {
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, port)
	} else if !strings.Contains(hostPort, ":") {
		hostPort = fmt.Sprintf("%s:%d", hostPort, port)
	}

	u := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	q := u.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
