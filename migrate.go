package dbglue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/stackhaven/dbglue/dialect"
)

// MigrationConfig carries the settings for schema migration runs. It is an
// immutable comparable value; build one with literals, through the builder,
// or from a settings store with LoadMigrationConfig.
type MigrationConfig struct {
	Enabled         bool
	URL             string
	User            string
	Password        string
	SchemaCreate    bool
	BaselineVersion int // must be >= 0
}

// Builder returns a builder seeded with this config, so single fields can be
// changed without repeating the rest.
func (c MigrationConfig) Builder() *MigrationConfigBuilder {
	return &MigrationConfigBuilder{cfg: c}
}

// MigrationConfigBuilder assembles a MigrationConfig incrementally.
type MigrationConfigBuilder struct {
	cfg MigrationConfig
}

// NewMigrationConfigBuilder returns an empty builder
func NewMigrationConfigBuilder() *MigrationConfigBuilder {
	return &MigrationConfigBuilder{}
}

// Enabled sets whether migrations run at all
func (b *MigrationConfigBuilder) Enabled(enabled bool) *MigrationConfigBuilder {
	b.cfg.Enabled = enabled
	return b
}

// URL sets the migration connection string
func (b *MigrationConfigBuilder) URL(url string) *MigrationConfigBuilder {
	b.cfg.URL = url
	return b
}

// User sets the migration user
func (b *MigrationConfigBuilder) User(user string) *MigrationConfigBuilder {
	b.cfg.User = user
	return b
}

// Password sets the migration password
func (b *MigrationConfigBuilder) Password(password string) *MigrationConfigBuilder {
	b.cfg.Password = password
	return b
}

// SchemaCreate sets whether the schema is created before migrating
func (b *MigrationConfigBuilder) SchemaCreate(create bool) *MigrationConfigBuilder {
	b.cfg.SchemaCreate = create
	return b
}

// BaselineVersion sets the version an existing, unversioned database is
// stamped with before migrating. Must be non-negative.
func (b *MigrationConfigBuilder) BaselineVersion(version int) *MigrationConfigBuilder {
	b.cfg.BaselineVersion = version
	return b
}

// Build validates and returns the config
func (b *MigrationConfigBuilder) Build() (MigrationConfig, error) {
	if b.cfg.BaselineVersion < 0 {
		return MigrationConfig{}, fmt.Errorf("dbglue: baseline version must be >= 0, got %d", b.cfg.BaselineVersion)
	}
	return b.cfg, nil
}

// LoadMigrationConfig resolves a MigrationConfig from the settings store
// under the given key prefix.
func LoadMigrationConfig(s Settings, prefix string) (MigrationConfig, error) {
	b := NewMigrationConfigBuilder()

	enabled, err := lookupBool(s, prefix, keyMigEnabled)
	if err != nil {
		return MigrationConfig{}, err
	}
	b.Enabled(enabled)

	if v, ok := lookup(s, prefix, keyMigURL); ok {
		b.URL(v)
	}
	if v, ok := lookup(s, prefix, keyMigUser); ok {
		b.User(v)
	}
	if v, ok := lookup(s, prefix, keyMigPassword); ok {
		b.Password(v)
	}

	schemaCreate, err := lookupBool(s, prefix, keyMigSchemaCreate)
	if err != nil {
		return MigrationConfig{}, err
	}
	b.SchemaCreate(schemaCreate)

	if v, ok := lookup(s, prefix, keyMigBaselineVersion); ok {
		version, err := strconv.Atoi(v)
		if err != nil {
			return MigrationConfig{}, fmt.Errorf("dbglue: invalid %s.%s: %w", prefix, keyMigBaselineVersion, err)
		}
		b.BaselineVersion(version)
	}

	return b.Build()
}

// Migrator runs file-based SQL migrations against a connector's database
// through golang-migrate.
type Migrator struct {
	connector *Connector
	cfg       MigrationConfig
	schema    string
	logger    *slog.Logger
}

// NewMigrator creates a migrator over the connector's pooled database handle
func NewMigrator(connector *Connector, cfg MigrationConfig) *Migrator {
	return &Migrator{
		connector: connector,
		cfg:       cfg,
		schema:    connector.Config().Schema,
		logger:    connector.Config().Logger,
	}
}

// Run applies all pending migrations from sourceDir. It is a no-op when the
// config is disabled, idempotent otherwise. A fresh database with a positive
// baseline version is stamped at that version first, so legacy schemas can
// adopt migrations without replaying history.
func (m *Migrator) Run(ctx context.Context, sourceDir string) error {
	if !m.cfg.Enabled {
		m.logger.Debug("migrations disabled, skipping")
		return nil
	}

	db, err := m.connector.DB(ctx)
	if err != nil {
		return err
	}

	if m.cfg.SchemaCreate && m.schema != "" {
		if err := m.createSchema(ctx, db); err != nil {
			return err
		}
	}

	driver, dbName, err := m.databaseDriver(db)
	if err != nil {
		return err
	}

	mig, err := migrate.NewWithDatabaseInstance("file://"+sourceDir, dbName, driver)
	if err != nil {
		return fmt.Errorf("dbglue: failed to create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := mig.Close()
		if srcErr != nil {
			m.logger.Warn("failed to close migration source", slog.String("error", srcErr.Error()))
		}
		if dbErr != nil {
			m.logger.Warn("failed to close migration database", slog.String("error", dbErr.Error()))
		}
	}()

	if m.cfg.BaselineVersion > 0 {
		_, _, err := mig.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			if err := mig.Force(m.cfg.BaselineVersion); err != nil {
				return fmt.Errorf("dbglue: failed to set baseline version: %w", err)
			}
			m.logger.Info("database baselined", slog.Int("version", m.cfg.BaselineVersion))
		case err != nil:
			return fmt.Errorf("dbglue: failed to read migration version: %w", err)
		}
	}

	err = mig.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Info("no migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("dbglue: failed to run migrations: %w", err)
	}

	version, _, _ := mig.Version()
	m.logger.Info("migrations applied", slog.Uint64("version", uint64(version)))
	return nil
}

func (m *Migrator) createSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+m.schema)
	if err != nil {
		return wrapError(err, "Migrate.CreateSchema")
	}
	return nil
}

// databaseDriver picks the golang-migrate database driver matching the
// connector's dialect.
func (m *Migrator) databaseDriver(db *sql.DB) (database.Driver, string, error) {
	switch m.connector.Config().Dialect {
	case dialect.PostgreSQL:
		driver, err := migratepg.WithInstance(db, &migratepg.Config{SchemaName: m.schema})
		if err != nil {
			return nil, "", fmt.Errorf("dbglue: failed to create migration driver: %w", err)
		}
		return driver, "postgres", nil
	case dialect.MySQL:
		driver, err := migratemysql.WithInstance(db, &migratemysql.Config{})
		if err != nil {
			return nil, "", fmt.Errorf("dbglue: failed to create migration driver: %w", err)
		}
		return driver, "mysql", nil
	case dialect.SQLite, dialect.H2:
		driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if err != nil {
			return nil, "", fmt.Errorf("dbglue: failed to create migration driver: %w", err)
		}
		return driver, "sqlite", nil
	default:
		return nil, "", &Error{
			Code:    CodeUnsupportedDialect,
			Message: "no migration driver for dialect " + string(m.connector.Config().Dialect),
			Op:      "Migrate",
		}
	}
}
