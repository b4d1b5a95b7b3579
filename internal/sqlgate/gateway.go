// Package sqlgate runs read-only statements against MySQL.
//
// Every statement passes CheckReadOnly before a connection is touched. The
// connection pool is opened on first use and shared by all callers.
package sqlgate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/THM-MA/itsm-mcp/internal/config"
)

const (
	defaultQueryTimeout = 30 * time.Second
	pingTimeout         = 5 * time.Second
	connMaxLifetime     = 30 * time.Minute
)

// QueryError is returned when the database rejects or fails a statement,
// including failures to open the pool.
type QueryError struct {
	Statement string
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Gateway is a lazily-connected, read-only MySQL client. It is safe for
// concurrent use.
type Gateway struct {
	logger  *slog.Logger
	timeout time.Duration
	limit   int
	open    func(ctx context.Context) (*sql.DB, error)

	mu sync.Mutex
	db *sql.DB
}

// New returns a gateway that connects with cfg on its first statement.
func New(cfg config.DatabaseConfig, logger *slog.Logger) *Gateway {
	if cfg.PoolMax <= 0 {
		cfg.PoolMax = 10
	}
	g := &Gateway{
		logger:  logger,
		timeout: cfg.QueryTimeout,
		limit:   cfg.PoolMax,
	}
	g.open = func(ctx context.Context) (*sql.DB, error) { return openPool(ctx, cfg) }
	return g.withDefaults()
}

// NewWithDB wraps an already-open pool.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Gateway {
	g := &Gateway{logger: logger, db: db}
	g.open = func(context.Context) (*sql.DB, error) { return db, nil }
	return g.withDefaults()
}

func (g *Gateway) withDefaults() *Gateway {
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.timeout <= 0 {
		g.timeout = defaultQueryTimeout
	}
	if g.limit <= 0 {
		g.limit = 10
	}
	return g
}

// Execute validates stmt, runs it with positional args and returns every row.
func (g *Gateway) Execute(ctx context.Context, stmt string, args ...any) ([]Record, error) {
	if err := CheckReadOnly(stmt); err != nil {
		return nil, err
	}

	db, err := g.pool(ctx)
	if err != nil {
		return nil, &QueryError{Statement: stmt, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	t0 := time.Now()
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, &QueryError{Statement: stmt, Err: err}
	}
	defer rows.Close()

	records, err := scanRows(rows)
	if err != nil {
		return nil, &QueryError{Statement: stmt, Err: err}
	}
	g.logger.Debug("statement executed",
		"statement", preview(stmt),
		"rows", len(records),
		"elapsed", time.Since(t0))
	return records, nil
}

// Close releases the pool if it was opened.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

// pool opens the connection pool once. A failed open is not remembered, so
// the next statement tries again.
func (g *Gateway) pool(ctx context.Context) (*sql.DB, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db != nil {
		return g.db, nil
	}
	db, err := g.open(ctx)
	if err != nil {
		return nil, err
	}
	g.db = db
	g.logger.Info("database pool opened", "max_conns", g.limit)
	return db, nil
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if missing := cfg.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}

	connector, err := mysql.NewConnector(mysqlConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("build connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(max(cfg.PoolMin, 1))
	db.SetConnMaxLifetime(connMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), err)
	}
	return db, nil
}

// mysqlConfig maps the settings onto a driver config. Parameters are
// interpolated client-side by the driver so they also work with SHOW.
func mysqlConfig(cfg config.DatabaseConfig) *mysql.Config {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Name
	mc.InterpolateParams = true
	mc.Timeout = 10 * time.Second
	return mc
}
