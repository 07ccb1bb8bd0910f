// Package orm wraps bun with a session manager: units of work run inside a
// managed transaction with begin/commit/rollback handled here, nested units
// join the outer transaction through the context, and every unit feeds
// success/failure/rollback counters and slow-execution callbacks.
package orm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/stackhaven/dbglue"
	"github.com/stackhaven/dbglue/hooks"
)

// SessionProvider hands out the unit-of-work handle units run against.
// The simplest provider returns a shared *bun.DB; request-scoped providers
// can return a bun.Conn per logical session.
type SessionProvider interface {
	Session() bun.IDB
}

type staticProvider struct {
	db bun.IDB
}

func (p staticProvider) Session() bun.IDB { return p.db }

// NewSessionProvider wraps a fixed handle as a SessionProvider
func NewSessionProvider(db bun.IDB) SessionProvider {
	return staticProvider{db: db}
}

// Open builds a *bun.DB over the PostgreSQL driver from the given
// configuration: pooled connection, query hooks for logging, metrics and
// tracing, verified with a ping.
func Open(cfg dbglue.Config) (*bun.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("orm: database URL is required")
	}

	cfg = withDefaults(cfg)

	opts := []pgdriver.Option{
		pgdriver.WithDSN(cfg.URL),
		pgdriver.WithDialTimeout(cfg.DialTimeout),
		pgdriver.WithReadTimeout(cfg.ReadTimeout),
		pgdriver.WithWriteTimeout(cfg.WriteTimeout),
	}
	if cfg.User != "" {
		opts = append(opts, pgdriver.WithUser(cfg.User))
	}
	if cfg.Password != "" {
		opts = append(opts, pgdriver.WithPassword(cfg.Password))
	}
	if cfg.Schema != "" {
		opts = append(opts, pgdriver.WithConnParams(map[string]any{
			"search_path": cfg.Schema,
		}))
	}

	sqlDB := sql.OpenDB(pgdriver.NewConnector(opts...))
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	db := bun.NewDB(sqlDB, pgdialect.New())

	slowThreshold := time.Duration(0)
	if cfg.ExecutionWarnEnabled {
		slowThreshold = cfg.ExecutionWarnThreshold
	}
	if cfg.Logger != nil && (cfg.DebugSQL || slowThreshold > 0) {
		db.AddQueryHook(hooks.NewLoggerHook(cfg.Logger, cfg.DebugSQL, slowThreshold))
	}
	if cfg.MetricsRegistry != nil {
		hook, err := hooks.NewMetricsHook(cfg.MetricsRegistry)
		if err != nil {
			return nil, fmt.Errorf("orm: failed to create metrics hook: %w", err)
		}
		db.AddQueryHook(hook)
	}
	if cfg.Tracer != nil {
		db.AddQueryHook(hooks.NewTracingHook(cfg.Tracer, "postgresql"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("orm: failed to connect to database: %w", err)
	}

	return db, nil
}

func withDefaults(cfg dbglue.Config) dbglue.Config {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = time.Minute
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return cfg
}

// Options configures a Manager instance. Everything is per-instance; two
// managers never share tunables, so tests and tenants cannot interfere with
// each other.
type Options struct {
	// SynchronizeSession serializes all units routed through this manager on
	// one mutex. Use it when the provider hands out a single shared session
	// that is not safe for concurrent use.
	SynchronizeSession bool

	// AllowNestedTransactions lets a unit started inside an active managed
	// transaction join it instead of opening a second one. Only the
	// outermost unit commits or rolls back.
	AllowNestedTransactions bool

	// TransactionsForSelect routes DoSelect through DoInTransaction.
	TransactionsForSelect bool

	// Execution-time warning: fires the slow callbacks and a warn log when a
	// unit exceeds the threshold. Observational only.
	ExecutionWarnEnabled   bool
	ExecutionWarnThreshold time.Duration

	Logger          *slog.Logger
	MetricsRegistry prometheus.Registerer
}

// ErrorFunc observes unit failures before they are captured into a Result.
type ErrorFunc func(op string, err error)

// SlowFunc observes units whose duration exceeded the warning threshold.
type SlowFunc func(op string, elapsed time.Duration)

// Manager runs units of work against sessions from a provider. A single
// Manager is safe for concurrent use when SynchronizeSession is set or when
// the provider hands out a thread-safe handle (*bun.DB).
type Manager struct {
	provider SessionProvider
	opts     Options
	logger   *slog.Logger

	sessionMu sync.Mutex

	onError []ErrorFunc
	onSlow  []SlowFunc

	metrics *managerMetrics
}

// NewManager creates a manager around a session provider
func NewManager(provider SessionProvider, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ExecutionWarnThreshold == 0 {
		opts.ExecutionWarnThreshold = time.Second
	}

	m := &Manager{
		provider: provider,
		opts:     opts,
		logger:   opts.Logger,
	}
	m.onError = []ErrorFunc{func(op string, err error) {
		m.logger.Error("unit of work failed",
			slog.String("operation", op),
			slog.String("error", err.Error()))
	}}

	if opts.MetricsRegistry != nil {
		metrics, err := newManagerMetrics(opts.MetricsRegistry)
		if err != nil {
			return nil, fmt.Errorf("orm: failed to register manager metrics: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

// OnError registers an additional error callback. The default logging
// callback stays registered.
func (m *Manager) OnError(fn ErrorFunc) {
	m.onError = append(m.onError, fn)
}

// OnSlowExecution registers a slow-execution callback
func (m *Manager) OnSlowExecution(fn SlowFunc) {
	m.onSlow = append(m.onSlow, fn)
}

// Result carries the outcome of a unit of work: a success flag, the value
// (if any) and the captured error (if any). Failures are captured, not
// re-raised; Unwrap is the explicit get-or-throw accessor.
type Result[T any] struct {
	value T
	err   error
}

// OK reports whether the unit succeeded
func (r Result[T]) OK() bool { return r.err == nil }

// Err returns the captured error, nil on success
func (r Result[T]) Err() error { return r.err }

// Value returns the unit's value; check OK or Err first
func (r Result[T]) Value() T { return r.value }

// Unwrap returns the value and the captured error
func (r Result[T]) Unwrap() (T, error) { return r.value, r.err }

func succeed[T any](v T) Result[T] { return Result[T]{value: v} }

func failed[T any](err error) Result[T] { return Result[T]{err: err} }

// ErrNestedTransaction marks a unit started inside an active managed
// transaction on a manager that does not allow nested transactions.
var ErrNestedTransaction = errors.New("orm: nested transaction not allowed")

// txKey carries the active managed transaction through the context, so
// nested units can join it without any field mutation on the manager.
type txKey struct{}

func txFromContext(ctx context.Context) (bun.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(bun.Tx)
	return tx, ok
}

// DoInTransaction runs fn inside a managed transaction
func (m *Manager) DoInTransaction(ctx context.Context, fn func(ctx context.Context, db bun.IDB) error) Result[struct{}] {
	return InTransaction(ctx, m, func(ctx context.Context, db bun.IDB) (struct{}, error) {
		return struct{}{}, fn(ctx, db)
	})
}

// InTransaction runs fn inside a managed transaction and captures its value.
// When nested transactions are allowed and the context already carries one,
// fn joins it: no second begin, and commit/rollback stay with the outermost
// unit. When they are not allowed, a nested call fails immediately with
// ErrNestedTransaction. On failure the transaction is rolled back, the error
// is routed through the error callbacks and captured into the Result.
func InTransaction[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, db bun.IDB) (T, error)) Result[T] {
	const op = "InTransaction"

	// The nested check must come before the session mutex: the outer unit
	// already holds it when SynchronizeSession is set.
	if tx, ok := txFromContext(ctx); ok {
		if !m.opts.AllowNestedTransactions {
			return failed[T](m.fail(op, ErrNestedTransaction))
		}
		// Joined unit: outcome bookkeeping belongs to the outer scope.
		v, err := fn(ctx, tx)
		if err != nil {
			return failed[T](m.fail(op, err))
		}
		return succeed(v)
	}

	if m.opts.SynchronizeSession {
		m.sessionMu.Lock()
		defer m.sessionMu.Unlock()
	}

	start := time.Now()

	tx, err := m.provider.Session().BeginTx(ctx, nil)
	if err != nil {
		m.record(op, "failure", start)
		return failed[T](m.fail(op, err))
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			m.record(op, "rollback", start)
			panic(p)
		}
	}()

	v, err := fn(txCtx, tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			err = fmt.Errorf("orm: rollback failed: %v (original error: %w)", rbErr, err)
		}
		m.record(op, "rollback", start)
		m.observe(op, start)
		return failed[T](m.fail(op, err))
	}

	if err := tx.Commit(); err != nil {
		m.record(op, "failure", start)
		return failed[T](m.fail(op, err))
	}

	m.record(op, "success", start)
	m.observe(op, start)
	return succeed(v)
}

// DoSelect runs fn outside any transaction by default. With
// TransactionsForSelect set it is routed through DoInTransaction; with
// SynchronizeSession set it is serialized on the manager's session mutex.
func (m *Manager) DoSelect(ctx context.Context, fn func(ctx context.Context, db bun.IDB) error) Result[struct{}] {
	return Select(ctx, m, func(ctx context.Context, db bun.IDB) (struct{}, error) {
		return struct{}{}, fn(ctx, db)
	})
}

// Select runs fn outside any transaction by default and captures its value
func Select[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, db bun.IDB) (T, error)) Result[T] {
	if m.opts.TransactionsForSelect {
		return InTransaction(ctx, m, fn)
	}

	// A select inside an open managed transaction joins it without taking
	// the session mutex: the outer unit already holds it when
	// SynchronizeSession is set.
	if tx, ok := txFromContext(ctx); ok {
		return runSelect(ctx, m, tx, fn)
	}

	if m.opts.SynchronizeSession {
		m.sessionMu.Lock()
		defer m.sessionMu.Unlock()
	}

	return runSelect(ctx, m, m.provider.Session(), fn)
}

func runSelect[T any](ctx context.Context, m *Manager, db bun.IDB, fn func(ctx context.Context, db bun.IDB) (T, error)) Result[T] {
	const op = "Select"

	start := time.Now()

	v, err := fn(ctx, db)
	if err != nil {
		m.record(op, "failure", start)
		m.observe(op, start)
		return failed[T](m.fail(op, err))
	}

	m.record(op, "success", start)
	m.observe(op, start)
	return succeed(v)
}

// fail routes err through the error callbacks and returns it
func (m *Manager) fail(op string, err error) error {
	for _, fn := range m.onError {
		fn(op, err)
	}
	return err
}

// observe fires the execution-time warning when enabled
func (m *Manager) observe(op string, start time.Time) {
	if !m.opts.ExecutionWarnEnabled {
		return
	}
	elapsed := time.Since(start)
	if elapsed <= m.opts.ExecutionWarnThreshold {
		return
	}
	m.logger.Warn("slow unit of work",
		slog.String("operation", op),
		slog.Duration("elapsed", elapsed),
		slog.Duration("threshold", m.opts.ExecutionWarnThreshold))
	for _, fn := range m.onSlow {
		fn(op, elapsed)
	}
}

// record updates the outcome counters and duration histogram
func (m *Manager) record(op, outcome string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.units.WithLabelValues(op, outcome).Inc()
	m.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

type managerMetrics struct {
	units    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newManagerMetrics(registry prometheus.Registerer) (*managerMetrics, error) {
	m := &managerMetrics{
		units: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbglue_orm_units_total",
				Help: "Total units of work by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbglue_orm_unit_duration_seconds",
				Help:    "Duration of units of work in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
	}

	for _, c := range []prometheus.Collector{m.units, m.duration} {
		if err := registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return m, nil
}
