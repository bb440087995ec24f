package systable

import (
	"context"
	"database/sql"

	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/identifier"
	"github.com/eatonphil/villagesql-server/core/victionary"
)

// PropertyIO marshals property entries. Properties are write-once during
// bootstrap: update and delete are intentionally unimplemented.
type PropertyIO struct {
	store *Store
}

// NewPropertyIO returns the properties table traits.
func NewPropertyIO(store *Store) *PropertyIO { return &PropertyIO{store: store} }

// SchemaName names the backing schema.
func (io *PropertyIO) SchemaName() string { return SchemaName }

// TableName names the backing table.
func (io *PropertyIO) TableName() string { return PropertiesTableName }

// ReadAll scans every property row. Null value and description read as
// empty strings.
func (io *PropertyIO) ReadAll(ctx context.Context) ([]*victionary.PropertyEntry, error) {
	rows, err := io.store.db.QueryContext(ctx,
		`SELECT name, value, description FROM properties`)
	if err != nil {
		return nil, errors.NewIO("scan", PropertiesTableName, err)
	}
	defer rows.Close()

	var entries []*victionary.PropertyEntry
	for rows.Next() {
		var name string
		var value, description sql.NullString
		if err := rows.Scan(&name, &value, &description); err != nil {
			return nil, errors.NewIO("read", PropertiesTableName, err)
		}
		entries = append(entries, victionary.NewPropertyEntry(
			victionary.NewPropertyKey(name), value.String, description.String))
	}
	return entries, rows.Err()
}

// Insert writes a property row. Empty value and description write as SQL
// null.
func (io *PropertyIO) Insert(ctx context.Context, tx *sql.Tx, entry *victionary.PropertyEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO properties (name, value, description) VALUES (?, ?, ?)`,
		entry.Key().Str(), nullable(entry.Value), nullable(entry.Description))
	if err != nil {
		return errors.NewIO("insert", PropertiesTableName, err)
	}
	return nil
}

// Update is not implemented for properties.
func (io *PropertyIO) Update(context.Context, *sql.Tx, *victionary.PropertyEntry, victionary.Key) error {
	return errors.NewUnsupported("property update", "properties are write-once")
}

// Delete is not implemented for properties.
func (io *PropertyIO) Delete(context.Context, *sql.Tx, victionary.Key) (bool, error) {
	return false, errors.NewUnsupported("property delete", "properties are write-once")
}

// ColumnIO marshals custom-column entries. The primary key is
// (db_name, table_name, column_name); all probes use the normalized
// components.
type ColumnIO struct {
	store *Store
}

// NewColumnIO returns the custom_columns table traits.
func NewColumnIO(store *Store) *ColumnIO { return &ColumnIO{store: store} }

// SchemaName names the backing schema.
func (io *ColumnIO) SchemaName() string { return SchemaName }

// TableName names the backing table.
func (io *ColumnIO) TableName() string { return ColumnsTableName }

// ReadAll scans every custom-column row.
func (io *ColumnIO) ReadAll(ctx context.Context) ([]*victionary.ColumnEntry, error) {
	rows, err := io.store.db.QueryContext(ctx,
		`SELECT db_name, table_name, column_name, extension_name, extension_version, type_name
		 FROM custom_columns`)
	if err != nil {
		return nil, errors.NewIO("scan", ColumnsTableName, err)
	}
	defer rows.Close()

	var entries []*victionary.ColumnEntry
	for rows.Next() {
		var db, table, column, ext, ver, typ string
		if err := rows.Scan(&db, &table, &column, &ext, &ver, &typ); err != nil {
			return nil, errors.NewIO("read", ColumnsTableName, err)
		}
		entries = append(entries, victionary.NewColumnEntry(
			victionary.NewColumnKey(db, table, column), ext, ver, typ))
	}
	return entries, rows.Err()
}

func columnKeyParts(key victionary.Key) (db, table, column string, err error) {
	ck, ok := key.(victionary.ColumnKey)
	if !ok {
		return "", "", "", errors.NewValidation("key", "not a column key")
	}
	return identifier.NormalizeDatabase(ck.DB()),
		identifier.NormalizeTable(ck.Table()),
		identifier.NormalizeColumn(ck.Column()), nil
}

// Insert writes a new column row with normalized key components.
func (io *ColumnIO) Insert(ctx context.Context, tx *sql.Tx, entry *victionary.ColumnEntry) error {
	db, table, column, err := columnKeyParts(entry.Key())
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO custom_columns
		 (db_name, table_name, column_name, extension_name, extension_version, type_name)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		db, table, column, entry.ExtensionName, entry.ExtensionVersion, entry.TypeName)
	if err != nil {
		return errors.NewIO("insert", ColumnsTableName, err)
	}
	return nil
}

// Update probes the row at oldKey and rewrites all six fields, which
// covers key-changing renames.
func (io *ColumnIO) Update(ctx context.Context, tx *sql.Tx, entry *victionary.ColumnEntry, oldKey victionary.Key) error {
	oldDB, oldTable, oldColumn, err := columnKeyParts(oldKey)
	if err != nil {
		return err
	}
	newDB, newTable, newColumn, err := columnKeyParts(entry.Key())
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE custom_columns
		 SET db_name = ?, table_name = ?, column_name = ?,
		     extension_name = ?, extension_version = ?, type_name = ?
		 WHERE db_name = ? AND table_name = ? AND column_name = ?`,
		newDB, newTable, newColumn,
		entry.ExtensionName, entry.ExtensionVersion, entry.TypeName,
		oldDB, oldTable, oldColumn)
	if err != nil {
		return errors.NewIO("update", ColumnsTableName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewIO("update", ColumnsTableName, err)
	}
	if n == 0 {
		return errors.NewNotFound("custom_columns row", oldKey.Str())
	}
	return nil
}

// Delete probes and removes the row; not-found reports false, nil.
func (io *ColumnIO) Delete(ctx context.Context, tx *sql.Tx, key victionary.Key) (bool, error) {
	db, table, column, err := columnKeyParts(key)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM custom_columns WHERE db_name = ? AND table_name = ? AND column_name = ?`,
		db, table, column)
	if err != nil {
		return false, errors.NewIO("delete", ColumnsTableName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewIO("delete", ColumnsTableName, err)
	}
	return n > 0, nil
}

// ExtensionIO marshals extension entries. The primary key is
// extension_name.
type ExtensionIO struct {
	store *Store
}

// NewExtensionIO returns the extensions table traits.
func NewExtensionIO(store *Store) *ExtensionIO { return &ExtensionIO{store: store} }

// SchemaName names the backing schema.
func (io *ExtensionIO) SchemaName() string { return SchemaName }

// TableName names the backing table.
func (io *ExtensionIO) TableName() string { return ExtensionsTableName }

// ReadAll scans every extension row.
func (io *ExtensionIO) ReadAll(ctx context.Context) ([]*victionary.ExtensionEntry, error) {
	rows, err := io.store.db.QueryContext(ctx,
		`SELECT extension_name, extension_version, veb_sha256 FROM extensions`)
	if err != nil {
		return nil, errors.NewIO("scan", ExtensionsTableName, err)
	}
	defer rows.Close()

	var entries []*victionary.ExtensionEntry
	for rows.Next() {
		var name, version, sha string
		if err := rows.Scan(&name, &version, &sha); err != nil {
			return nil, errors.NewIO("read", ExtensionsTableName, err)
		}
		entries = append(entries, victionary.NewExtensionEntry(
			victionary.NewExtensionKey(name), version, sha))
	}
	return entries, rows.Err()
}

// Insert writes a new extension row.
func (io *ExtensionIO) Insert(ctx context.Context, tx *sql.Tx, entry *victionary.ExtensionEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO extensions (extension_name, extension_version, veb_sha256) VALUES (?, ?, ?)`,
		entry.Key().Str(), entry.ExtensionVersion, entry.VebSHA256)
	if err != nil {
		return errors.NewIO("insert", ExtensionsTableName, err)
	}
	return nil
}

// Update probes the row at oldKey and rewrites it.
func (io *ExtensionIO) Update(ctx context.Context, tx *sql.Tx, entry *victionary.ExtensionEntry, oldKey victionary.Key) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE extensions SET extension_name = ?, extension_version = ?, veb_sha256 = ?
		 WHERE extension_name = ?`,
		entry.Key().Str(), entry.ExtensionVersion, entry.VebSHA256, oldKey.Str())
	if err != nil {
		return errors.NewIO("update", ExtensionsTableName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewIO("update", ExtensionsTableName, err)
	}
	if n == 0 {
		return errors.NewNotFound("extensions row", oldKey.Str())
	}
	return nil
}

// Delete probes and removes the row; not-found reports false, nil.
func (io *ExtensionIO) Delete(ctx context.Context, tx *sql.Tx, key victionary.Key) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM extensions WHERE extension_name = ?`, key.Str())
	if err != nil {
		return false, errors.NewIO("delete", ExtensionsTableName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewIO("delete", ExtensionsTableName, err)
	}
	return n > 0, nil
}

// Backing bundles the three table traits for registry construction.
func Backing(store *Store) victionary.Backing {
	return victionary.Backing{
		Properties: NewPropertyIO(store),
		Columns:    NewColumnIO(store),
		Extensions: NewExtensionIO(store),
	}
}

// nullable maps "" to SQL null on write.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
