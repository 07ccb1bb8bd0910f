/*
Package dbglue is a thin convenience layer over database/sql pooling and the
Bun ORM.

It provides:
  - Vendor connection-string constants and property-appending helpers
    (package dialect)
  - Lazily-built, lock-guarded pooled connection provisioning with a
    circuit-breaker tri-state (Connector)
  - An Executor wrapping prepared-statement execution, result-set iteration,
    implicit and nested transactions, and error/slow-execution callbacks
  - A bun-backed session manager with managed transactions, a no-transaction
    select fast path and per-instance tunables (package orm)
  - File-based schema migrations driven by an immutable MigrationConfig
    (golang-migrate underneath)
  - Rich error classification for PostgreSQL and MySQL server errors
  - Configurable observability: slog logging, Prometheus metrics,
    OpenTelemetry tracing

# Executor

	cfg := dbglue.DefaultConfig(dialect.PostgreSQL, os.Getenv("DATABASE_URL"))
	connector := dbglue.NewConnector(cfg)
	defer connector.Close()

	exec, err := dbglue.NewExecutor(connector, cfg)
	if err != nil {
	    log.Fatal(err)
	}

	err = exec.ExecutePrepared(ctx, "INSERT INTO t(x) VALUES (?)", 42)
	n, err := exec.QueryCount(ctx, "SELECT COUNT(*) FROM t")

# Transactions

Only the outermost InTransaction commits or rolls back; nested calls join
the open transaction:

	err := exec.InTransaction(ctx, func(tx *dbglue.Executor) error {
	    if _, err := tx.InsertOrUpdateOrDelete(ctx, "UPDATE ..."); err != nil {
	        return err
	    }
	    return tx.InTransaction(ctx, func(inner *dbglue.Executor) error {
	        return inner.ExecuteStatement(ctx, "DELETE FROM staging")
	    })
	})

# ORM session manager

	db, err := orm.Open(cfg)
	mgr, err := orm.NewManager(orm.NewSessionProvider(db), orm.Options{
	    ExecutionWarnEnabled:   true,
	    ExecutionWarnThreshold: 100 * time.Millisecond,
	})

	res := orm.InTransaction(ctx, mgr, func(ctx context.Context, db bun.IDB) (int64, error) {
	    // units of work; nested InTransaction calls join this transaction
	    return 0, nil
	})
	value, err := res.Unwrap()

# Migrations

	mc, err := dbglue.NewMigrationConfigBuilder().
	    Enabled(true).
	    URL(os.Getenv("DATABASE_URL")).
	    BaselineVersion(0).
	    Build()

	err = dbglue.NewMigrator(connector, mc).Run(ctx, "migrations")
*/
package dbglue
