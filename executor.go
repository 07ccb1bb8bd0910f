package dbglue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stackhaven/dbglue/hooks"
)

// RowFunc is invoked once per result row. Returning an error aborts the
// iteration and the error is returned to the caller unchanged.
type RowFunc func(row Row) error

// ErrorFunc observes statement and transaction failures before they are
// returned to the caller.
type ErrorFunc func(op string, err error)

// SlowFunc observes executions whose wall-clock duration exceeded the
// configured warning threshold.
type SlowFunc func(op, query string, elapsed time.Duration)

// sqlRunner is the common surface of *sql.Conn and *sql.Tx the executor
// needs.
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Executor runs SQL statements against connections drawn from a provider.
// Write operations run inside an implicit transaction (commit on success,
// rollback on failure); InTransaction groups several operations on one
// connection, and nested InTransaction calls join the outer transaction so
// only the outermost scope commits or rolls back.
//
// A single Executor is not safe for concurrent transactional use from
// multiple threads; connection acquisition is serialized, execution is not.
type Executor struct {
	provider ConnectionProvider
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex // serializes acquisition bookkeeping
	acquired int64

	onError []ErrorFunc
	onSlow  []SlowFunc

	metrics *executorMetrics

	// set only on transaction-bound executors handed to InTransaction
	// callbacks
	tx    *sql.Tx
	depth int
}

// NewExecutor creates an executor around a connection provider. The relevant
// parts of cfg are the debug flags, the execution-warning settings, the
// logger and the metrics registry.
func NewExecutor(provider ConnectionProvider, cfg Config) (*Executor, error) {
	cfg.applyDefaults()

	e := &Executor{
		provider: provider,
		cfg:      cfg,
		logger:   cfg.Logger,
	}
	e.onError = []ErrorFunc{e.logError}

	if cfg.MetricsRegistry != nil {
		m, err := newExecutorMetrics(cfg.MetricsRegistry)
		if err != nil {
			return nil, fmt.Errorf("dbglue: failed to register executor metrics: %w", err)
		}
		e.metrics = m
	}
	return e, nil
}

// Provider returns the executor's connection provider
func (e *Executor) Provider() ConnectionProvider {
	return e.provider
}

// InTransactionScope reports whether this executor is bound to an open
// transaction.
func (e *Executor) InTransactionScope() bool {
	return e.tx != nil
}

// OnError registers an additional error callback. The default callback logs
// through the configured logger; registering does not remove it.
func (e *Executor) OnError(fn ErrorFunc) {
	e.onError = append(e.onError, fn)
}

// OnSlowExecution registers a slow-execution callback, fired when the
// execution-time warning is enabled and an operation exceeds the threshold.
func (e *Executor) OnSlowExecution(fn SlowFunc) {
	e.onSlow = append(e.onSlow, fn)
}

func (e *Executor) logError(op string, err error) {
	e.logger.Error("database operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()))
}

// fail wraps err, routes it through the error callbacks and returns it.
func (e *Executor) fail(op string, err error) error {
	wrapped := wrapError(err, op)
	for _, fn := range e.onError {
		fn(op, wrapped)
	}
	return wrapped
}

// observe fires slow-execution callbacks and records metrics.
func (e *Executor) observe(op, query string, start time.Time, err error) {
	elapsed := time.Since(start)

	if e.metrics != nil {
		e.metrics.record(query, elapsed, err)
	}

	if e.cfg.ExecutionWarnEnabled && elapsed > e.cfg.ExecutionWarnThreshold {
		e.logger.Warn("slow database execution",
			slog.String("operation", op),
			slog.Duration("elapsed", elapsed),
			slog.Duration("threshold", e.cfg.ExecutionWarnThreshold))
		for _, fn := range e.onSlow {
			fn(op, query, elapsed)
		}
	}
}

// acquire checks a connection out of the provider. Only the bookkeeping is
// serialized; callers run their SQL unguarded on the returned connection.
func (e *Executor) acquire(ctx context.Context, op string) (*sql.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	conn, err := e.provider.Connection(ctx)
	if err != nil {
		// Acquisition failures are already classified (CodeNoConnection);
		// still route them so no failure path is silent.
		return nil, e.fail(op, err)
	}
	e.acquired++
	return conn, nil
}

func (e *Executor) release(conn *sql.Conn) {
	if e.provider.ShouldClose() {
		_ = conn.Close()
		if e.cfg.DebugConnections {
			e.logger.Debug("connection returned to pool")
		}
	}
}

// withRunner executes fn against the bound transaction, or against a freshly
// acquired connection that is released afterwards.
func (e *Executor) withRunner(ctx context.Context, op string, fn func(r sqlRunner) error) error {
	if e.tx != nil {
		return fn(e.tx)
	}

	conn, err := e.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer e.release(conn)

	return fn(conn)
}

// ExecuteStatement runs a plain SQL statement inside an implicit
// transaction.
func (e *Executor) ExecuteStatement(ctx context.Context, query string) error {
	_, err := e.exec(ctx, "ExecuteStatement", query)
	return err
}

// ExecutePrepared binds args positionally and executes the statement inside
// an implicit transaction. The call fails with ErrParameterCount before any
// round-trip when len(args) disagrees with the statement's placeholder
// count.
func (e *Executor) ExecutePrepared(ctx context.Context, query string, args ...any) error {
	_, err := e.exec(ctx, "ExecutePrepared", query, args...)
	return err
}

// InsertOrUpdateOrDelete executes a DML statement and returns the affected
// row count.
func (e *Executor) InsertOrUpdateOrDelete(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.exec(ctx, "InsertOrUpdateOrDelete", query, args...)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, e.fail("InsertOrUpdateOrDelete", err)
	}
	return rows, nil
}

// exec is the shared write path: placeholder validation, implicit
// transaction, debug logging, slow-execution observation.
func (e *Executor) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	if err := checkParameterCount(op, query, len(args)); err != nil {
		return nil, err
	}

	var res sql.Result
	err := e.InTransaction(ctx, func(tx *Executor) error {
		if e.cfg.DebugSQL {
			e.logger.Debug("executing statement", slog.String("query", query))
		}
		start := time.Now()
		var execErr error
		res, execErr = tx.tx.ExecContext(ctx, query, args...)
		e.observe(op, query, start, execErr)
		if execErr != nil {
			return e.fail(op, execErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ExecuteBatch prepares the statement once and executes it for every
// parameter set, all inside one transaction. It returns the total affected
// row count. Every parameter set must match the statement's placeholder
// count.
func (e *Executor) ExecuteBatch(ctx context.Context, query string, paramSets [][]any) (int64, error) {
	const op = "ExecuteBatch"

	for _, set := range paramSets {
		if err := checkParameterCount(op, query, len(set)); err != nil {
			return 0, err
		}
	}

	var total int64
	err := e.InTransaction(ctx, func(tx *Executor) error {
		if e.cfg.DebugSQL {
			e.logger.Debug("executing batch",
				slog.String("query", query),
				slog.Int("sets", len(paramSets)))
		}
		start := time.Now()

		stmt, err := tx.tx.PrepareContext(ctx, query)
		if err != nil {
			e.observe(op, query, start, err)
			return e.fail(op, err)
		}
		defer stmt.Close()

		for _, set := range paramSets {
			res, err := stmt.ExecContext(ctx, set...)
			if err != nil {
				e.observe(op, query, start, err)
				return e.fail(op, err)
			}
			rows, _ := res.RowsAffected()
			total += rows
		}

		e.observe(op, query, start, nil)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// InsertWithGeneratedKey executes an insert and returns the single
// server-generated key. Statements with a RETURNING clause run as a query
// and must yield exactly one single-column row; other statements fall back
// to the driver's last-insert-id. Zero rows, multiple rows or multi-column
// key rows fail with ErrGeneratedKey rather than guessing.
func (e *Executor) InsertWithGeneratedKey(ctx context.Context, query string, args ...any) (Field, error) {
	const op = "InsertWithGeneratedKey"

	if err := checkParameterCount(op, query, len(args)); err != nil {
		return Field{}, err
	}

	var key Field
	err := e.InTransaction(ctx, func(tx *Executor) error {
		if e.cfg.DebugSQL {
			e.logger.Debug("executing statement", slog.String("query", query))
		}
		start := time.Now()

		if returningRe.MatchString(query) {
			rows, err := tx.tx.QueryContext(ctx, query, args...)
			e.observe(op, query, start, err)
			if err != nil {
				return e.fail(op, err)
			}
			k, err := singleGeneratedKey(rows)
			if err != nil {
				return e.fail(op, err)
			}
			key = k
			return nil
		}

		res, err := tx.tx.ExecContext(ctx, query, args...)
		e.observe(op, query, start, err)
		if err != nil {
			return e.fail(op, err)
		}
		affected, err := res.RowsAffected()
		if err == nil && affected == 0 {
			return e.fail(op, &Error{
				Code:    CodeGeneratedKey,
				Message: "no rows inserted, no generated key",
				Op:      op,
			})
		}
		id, err := res.LastInsertId()
		if err != nil {
			return e.fail(op, &Error{
				Code:    CodeGeneratedKey,
				Message: "driver does not report generated keys",
				Op:      op,
				Cause:   err,
			})
		}
		key = Field{name: "", dbType: "", value: id}
		return nil
	})
	if err != nil {
		return Field{}, err
	}
	return key, nil
}

var returningRe = regexp.MustCompile(`(?is)\bRETURNING\b`)

// singleGeneratedKey drains rows and enforces the exactly-one-scalar
// contract. It always closes rows.
func singleGeneratedKey(rows *sql.Rows) (Field, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Field{}, err
	}
	if len(cols) != 1 {
		return Field{}, &Error{
			Code:    CodeGeneratedKey,
			Message: fmt.Sprintf("generated key row has %d columns, want 1", len(cols)),
			Op:      "InsertWithGeneratedKey",
		}
	}

	types, _ := rows.ColumnTypes()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Field{}, err
		}
		return Field{}, &Error{
			Code:    CodeGeneratedKey,
			Message: "no generated key row returned",
			Op:      "InsertWithGeneratedKey",
		}
	}

	key, err := scanRow(rows, cols, types)
	if err != nil {
		return Field{}, err
	}

	if rows.Next() {
		return Field{}, &Error{
			Code:    CodeGeneratedKey,
			Message: "more than one generated key row returned",
			Op:      "InsertWithGeneratedKey",
		}
	}
	if err := rows.Err(); err != nil {
		return Field{}, err
	}
	return key.Field(0), nil
}

// QueryForEach executes a query and invokes rowFn once per row. Each Row is
// freshly allocated; callbacks may retain it.
func (e *Executor) QueryForEach(ctx context.Context, query string, rowFn RowFunc, args ...any) error {
	const op = "QueryForEach"

	if err := checkParameterCount(op, query, len(args)); err != nil {
		return err
	}

	return e.withRunner(ctx, op, func(r sqlRunner) error {
		if e.cfg.DebugSQL {
			e.logger.Debug("executing query", slog.String("query", query))
		}
		start := time.Now()

		rows, err := r.QueryContext(ctx, query, args...)
		e.observe(op, query, start, err)
		if err != nil {
			return e.fail(op, err)
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return e.fail(op, err)
		}
		types, _ := rows.ColumnTypes()

		for rows.Next() {
			row, err := scanRow(rows, cols, types)
			if err != nil {
				return e.fail(op, err)
			}
			if err := rowFn(row); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return e.fail(op, err)
		}
		return nil
	})
}

// QueryAll executes a query and collects all rows
func (e *Executor) QueryAll(ctx context.Context, query string, args ...any) ([]Row, error) {
	result := make([]Row, 0)
	err := e.QueryForEach(ctx, query, func(row Row) error {
		result = append(result, row)
		return nil
	}, args...)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// errStopIteration aborts QueryForEach early from QuerySingle.
var errStopIteration = fmt.Errorf("dbglue: stop iteration")

// QuerySingle returns the first result row, or ErrNotFound when the result
// set is empty.
func (e *Executor) QuerySingle(ctx context.Context, query string, args ...any) (Row, error) {
	var row Row
	found := false

	err := e.QueryForEach(ctx, query, func(r Row) error {
		row = r
		found = true
		return errStopIteration
	}, args...)
	if err != nil && err != errStopIteration {
		return Row{}, err
	}
	if !found {
		return Row{}, &Error{
			Code:    CodeNotFound,
			Message: "query returned no rows",
			Op:      "QuerySingle",
		}
	}
	return row, nil
}

// QueryCount returns the first column of the first row as an int64, the
// usual shape of COUNT(*) queries.
func (e *Executor) QueryCount(ctx context.Context, query string, args ...any) (int64, error) {
	row, err := e.QuerySingle(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if row.Len() == 0 {
		return 0, &Error{
			Code:    CodeNotFound,
			Message: "count query returned no columns",
			Op:      "QueryCount",
		}
	}
	n, err := row.Field(0).Int64()
	if err != nil {
		return 0, wrapError(err, "QueryCount")
	}
	return n, nil
}

// bind derives a transaction-bound executor sharing the parent's callbacks
// and metrics. The embedded mutex is deliberately not carried over; bound
// executors never acquire connections.
func (e *Executor) bind(tx *sql.Tx, depth int) *Executor {
	return &Executor{
		provider: e.provider,
		cfg:      e.cfg,
		logger:   e.logger,
		onError:  e.onError,
		onSlow:   e.onSlow,
		metrics:  e.metrics,
		tx:       tx,
		depth:    depth,
	}
}

// TxFunc is a function executed within a transaction. The executor it
// receives is bound to the open transaction; its operations and any nested
// InTransaction calls run on the same connection.
type TxFunc func(tx *Executor) error

// InTransaction executes fn within a transaction. Nested calls join the
// outer transaction: only the outermost call commits or rolls back, and an
// error anywhere propagates to the outermost scope after rollback. Panics
// roll the transaction back and re-raise.
func (e *Executor) InTransaction(ctx context.Context, fn TxFunc) error {
	if e.tx != nil {
		// Already transaction-bound: share the outer transaction.
		if e.cfg.DebugTransactions {
			e.logger.Debug("joining open transaction", slog.Int("depth", e.depth+1))
		}
		return fn(e.bind(e.tx, e.depth+1))
	}

	conn, err := e.acquire(ctx, "InTransaction")
	if err != nil {
		return err
	}
	defer e.release(conn)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return e.fail("InTransaction", err)
	}
	if e.cfg.DebugTransactions {
		e.logger.Debug("transaction started")
	}

	bound := e.bind(tx, 1)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			if e.cfg.DebugTransactions {
				e.logger.Debug("transaction rolled back after panic")
			}
			panic(p)
		}
	}()

	if err := fn(bound); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return e.fail("InTransaction", fmt.Errorf("dbglue: rollback failed: %v (original error: %w)", rbErr, err))
		}
		if e.cfg.DebugTransactions {
			e.logger.Debug("transaction rolled back", slog.String("error", err.Error()))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return e.fail("InTransaction", err)
	}
	if e.cfg.DebugTransactions {
		e.logger.Debug("transaction committed")
	}
	return nil
}

// executorMetrics are the prometheus collectors for statement execution.
type executorMetrics struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

func newExecutorMetrics(registry prometheus.Registerer) (*executorMetrics, error) {
	m := &executorMetrics{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbglue_statement_duration_seconds",
				Help:    "Duration of SQL statement executions in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbglue_statements_total",
				Help: "Total number of SQL statement executions",
			},
			[]string{"operation"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbglue_statement_errors_total",
				Help: "Total number of failed SQL statement executions",
			},
			[]string{"operation"},
		),
	}

	for _, c := range []prometheus.Collector{m.duration, m.total, m.errors} {
		if err := registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *executorMetrics) record(query string, elapsed time.Duration, err error) {
	op := hooks.OperationType(query)
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
	m.total.WithLabelValues(op).Inc()
	if err != nil {
		m.errors.WithLabelValues(op).Inc()
	}
}
