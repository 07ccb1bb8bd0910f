package dbglue

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uptrace/bun/driver/pgdriver"

	// Registered database/sql drivers for the dialects served directly.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/stackhaven/dbglue/dialect"
)

// ConnectionProvider hands out database connections and tells the executor
// whether it owns them. Implementations must be safe for concurrent use.
type ConnectionProvider interface {
	// Connection returns a ready-to-use connection.
	Connection(ctx context.Context) (*sql.Conn, error)
	// ShouldClose reports whether the caller must return the connection
	// when done. Providers that hand out a shared connection return false.
	ShouldClose() bool
}

// ConnState is the connector's view of whether the database is reachable.
type ConnState int32

const (
	// ConnStateUnknown means no connection attempt has been made yet.
	ConnStateUnknown ConnState = iota
	// ConnStateUp means the last attempt succeeded.
	ConnStateUp
	// ConnStateDown means the last attempt failed; further attempts are
	// short-circuited until ResetState. An optimization, not a guarantee.
	ConnStateDown
)

func (s ConnState) String() string {
	switch s {
	case ConnStateUp:
		return "up"
	case ConnStateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Connector provisions a pooled *sql.DB lazily and hands out connections
// from it. The pool is built exactly once, on first use, under a lock.
type Connector struct {
	cfg Config

	mu sync.Mutex
	db *sql.DB

	state  atomic.Int32
	opened atomic.Int64 // connections handed out, for debug bookkeeping
}

var _ ConnectionProvider = (*Connector)(nil)

// NewConnector creates a connector for the given configuration. No network
// activity happens until the first connection is requested.
func NewConnector(cfg Config) *Connector {
	cfg.applyDefaults()
	return &Connector{cfg: cfg}
}

// Config returns the connector's configuration
func (c *Connector) Config() Config {
	return c.cfg
}

// State returns the connection-established tri-state
func (c *Connector) State() ConnState {
	return ConnState(c.state.Load())
}

// ResetState clears a tripped ConnStateDown so the next Connection call
// dials again.
func (c *Connector) ResetState() {
	c.state.Store(int32(ConnStateUnknown))
}

// DB returns the pooled database handle, building it on first use.
func (c *Connector) DB(ctx context.Context) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return c.db, nil
	}

	db, err := c.open()
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "failed to connect to database",
			Op:      "DB",
			Cause:   err,
		}
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	c.db = db
	return db, nil
}

// open builds the unpooled handle for the configured dialect.
func (c *Connector) open() (*sql.DB, error) {
	if c.cfg.URL == "" {
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "database URL is required",
			Op:      "DB",
		}
	}

	if c.cfg.Dialect == dialect.PostgreSQL {
		opts := []pgdriver.Option{
			pgdriver.WithDSN(c.cfg.URL),
			pgdriver.WithDialTimeout(c.cfg.DialTimeout),
			pgdriver.WithReadTimeout(c.cfg.ReadTimeout),
			pgdriver.WithWriteTimeout(c.cfg.WriteTimeout),
		}
		if c.cfg.User != "" {
			opts = append(opts, pgdriver.WithUser(c.cfg.User))
		}
		if c.cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(c.cfg.Password))
		}
		if c.cfg.Schema != "" {
			opts = append(opts, pgdriver.WithConnParams(map[string]any{
				"search_path": c.cfg.Schema,
			}))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	}

	if c.cfg.DriverName == "" {
		return nil, &Error{
			Code:    CodeUnsupportedDialect,
			Message: "no Go driver available for dialect " + string(c.cfg.Dialect),
			Op:      "DB",
		}
	}

	db, err := sql.Open(c.cfg.DriverName, c.cfg.URL)
	if err != nil {
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "failed to open database handle",
			Op:      "DB",
			Cause:   err,
		}
	}
	return db, nil
}

// trip marks the connector down, unless the failure came from the caller's
// own context: a cancellation says nothing about the database.
func (c *Connector) trip(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.state.Store(int32(ConnStateDown))
}

// Connection checks out a single connection from the pool. When the tri-state
// is down the call short-circuits without dialing.
func (c *Connector) Connection(ctx context.Context) (*sql.Conn, error) {
	if c.State() == ConnStateDown {
		if c.cfg.DebugConnections {
			c.cfg.Logger.Debug("connection attempt short-circuited", slog.String("state", "down"))
		}
		return nil, noConnectionError("Connection", nil)
	}

	db, err := c.DB(ctx)
	if err != nil {
		c.trip(ctx)
		return nil, noConnectionError("Connection", err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		c.trip(ctx)
		return nil, noConnectionError("Connection", err)
	}

	c.state.Store(int32(ConnStateUp))
	n := c.opened.Add(1)
	if c.cfg.DebugConnections {
		c.cfg.Logger.Debug("connection opened", slog.Int64("total_opened", n))
	}
	return conn, nil
}

// ShouldClose reports that connections handed out by the connector are owned
// by the caller and must be returned to the pool.
func (c *Connector) ShouldClose() bool {
	return true
}

// Ping verifies the database connection is alive
func (c *Connector) Ping(ctx context.Context) error {
	db, err := c.DB(ctx)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return wrapError(err, "Ping")
	}
	return nil
}

// Close tears down the pool. The connector can be reused; the next
// connection request rebuilds the pool.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.state.Store(int32(ConnStateUnknown))
	if c.cfg.DebugConnections {
		c.cfg.Logger.Debug("connection pool closed")
	}
	return err
}

// DBProvider adapts an existing *sql.DB to the ConnectionProvider
// interface, for callers that manage the pool themselves.
type DBProvider struct {
	db *sql.DB
}

var _ ConnectionProvider = (*DBProvider)(nil)

// NewDBProvider wraps an existing pool
func NewDBProvider(db *sql.DB) *DBProvider {
	return &DBProvider{db: db}
}

// Connection checks out a connection from the wrapped pool
func (p *DBProvider) Connection(ctx context.Context) (*sql.Conn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, noConnectionError("Connection", err)
	}
	return conn, nil
}

// ShouldClose reports that checked-out connections must be returned
func (p *DBProvider) ShouldClose() bool {
	return true
}

// HealthStatus represents the database health status
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	PoolStats PoolStats     `json:"pool_stats"`
}

// PoolStats contains connection pool statistics
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxIdleClosed      int64         `json:"max_idle_closed"`
	MaxIdleTimeClosed  int64         `json:"max_idle_time_closed"`
	MaxLifetimeClosed  int64         `json:"max_lifetime_closed"`
}

// PoolStatsFromSQL converts sql.DBStats to PoolStats
func PoolStatsFromSQL(stats sql.DBStats) PoolStats {
	return PoolStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
		MaxIdleClosed:      stats.MaxIdleClosed,
		MaxIdleTimeClosed:  stats.MaxIdleTimeClosed,
		MaxLifetimeClosed:  stats.MaxLifetimeClosed,
	}
}

// Health performs a health check with detailed status
func (c *Connector) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	err := c.Ping(ctx)
	latency := time.Since(start)

	status := HealthStatus{
		Healthy: err == nil,
		Latency: latency,
	}

	c.mu.Lock()
	if c.db != nil {
		status.PoolStats = PoolStatsFromSQL(c.db.Stats())
	}
	c.mu.Unlock()

	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// IsHealthy returns true if the database is reachable
func (c *Connector) IsHealthy(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}
