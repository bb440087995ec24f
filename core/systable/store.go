// Package systable backs the registry's persistent maps with SQL tables.
//
// The backing database stands in for the host's system-table storage. It
// supports both pure Go (modernc.org/sqlite) and CGO (mattn/go-sqlite3)
// drivers, selected by the cgo_sqlite build tag. All key columns hold
// values normalized before write, so probes compare bytes directly.
package systable

import (
	"context"
	"database/sql"

	"github.com/eatonphil/villagesql-server/core/config"
	"github.com/eatonphil/villagesql-server/core/errors"
)

// SchemaName is the extension schema holding the system tables.
const SchemaName = "villagesql"

// Backing table names within the extension schema.
const (
	PropertiesTableName = "properties"
	ColumnsTableName    = "custom_columns"
	ExtensionsTableName = "extensions"
)

// DriverName returns the SQL driver name in use.
func DriverName() string { return driverName }

// DriverType returns "purego" or "cgo".
func DriverType() string { return driverType }

// Store is an open backing database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the backing database and bootstraps the system
// tables.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.NewIO("open", dsn, err)
	}
	s := &Store{db: db}
	if err := s.bootstrap(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// bootstrap creates the system tables when absent. The layouts mirror the
// extension schema: varchar keys, nullable texts on properties, composite
// primary key on custom_columns.
func (s *Store) bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS properties (
			name VARCHAR(64) NOT NULL PRIMARY KEY,
			value TEXT NULL,
			description TEXT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS custom_columns (
			db_name VARCHAR(64) NOT NULL,
			table_name VARCHAR(64) NOT NULL,
			column_name VARCHAR(64) NOT NULL,
			extension_name VARCHAR(64) NOT NULL,
			extension_version VARCHAR(64) NOT NULL,
			type_name VARCHAR(64) NOT NULL,
			PRIMARY KEY (db_name, table_name, column_name)
		)`,
		`CREATE TABLE IF NOT EXISTS extensions (
			extension_name VARCHAR(64) NOT NULL PRIMARY KEY,
			extension_version VARCHAR(64) NOT NULL,
			veb_sha256 VARCHAR(64) NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "bootstrapping system tables")
		}
	}
	// Properties are write-once at bootstrap; later runs keep the
	// original row.
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO properties (name, value, description)
		 VALUES ('schema_version', ?, 'extension schema version')`,
		config.SchemaVersion); err != nil {
		return errors.Wrap(err, "seeding properties")
	}
	return nil
}

// DB exposes the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Begin starts a transaction for a statement's row writes.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning system-table transaction")
	}
	return tx, nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}
