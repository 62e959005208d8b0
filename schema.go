package craftdb

import (
	"context"
	"fmt"
	"slices"

	"github.com/eqr/craftdb/config"
	"github.com/pocketbase/dbx"
)

// TableSchema is the cached column layout of a table.
type TableSchema struct {
	Name       string
	Columns    []string
	PrimaryKey []string
}

// HasColumn reports whether the table defines the column.
func (s *TableSchema) HasColumn(name string) bool {
	return s != nil && slices.Contains(s.Columns, name)
}

type columnRow struct {
	Name string `db:"name"`
	IsPK bool   `db:"is_pk"`
}

const pgColumnsQuery = `SELECT c.column_name AS name,
	EXISTS (
		SELECT 1 FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = c.table_schema
			AND tc.table_name = c.table_name
			AND kcu.column_name = c.column_name
	) AS is_pk
FROM information_schema.columns c
WHERE c.table_schema = {:schema} AND c.table_name = {:table}
ORDER BY c.ordinal_position`

// TableExists reports whether table exists. The cache is bypassed when refresh
// is set or the system is not installed yet.
func (c *Connection) TableExists(ctx context.Context, table string, refresh bool) (bool, error) {
	s, err := c.tableSchema(ctx, c.Command(ctx).builder, c.TableName(table), refresh)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

// ColumnExists reports whether table defines column.
func (c *Connection) ColumnExists(ctx context.Context, table, column string, refresh bool) (bool, error) {
	s, err := c.tableSchema(ctx, c.Command(ctx).builder, c.TableName(table), refresh)
	if err != nil {
		return false, err
	}
	return s.HasColumn(column), nil
}

// TableSchema returns the column layout of table, or ErrTableNotFound.
func (c *Connection) TableSchema(ctx context.Context, table string) (*TableSchema, error) {
	name := c.TableName(table)
	s, err := c.tableSchema(ctx, c.Command(ctx).builder, name, false)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return s, nil
}

// RefreshSchema drops every cached table layout.
func (c *Connection) RefreshSchema() {
	c.schema.RemoveAll()
}

// tableSchema loads the layout through b so tables created inside an active
// transaction are visible. Missing tables are never cached.
func (c *Connection) tableSchema(ctx context.Context, b dbx.Builder, table string, refresh bool) (*TableSchema, error) {
	if !refresh && c.cfg.IsInstalled() {
		if s, ok := c.schema.GetOk(table); ok {
			return s, nil
		}
	}

	var q *dbx.Query
	switch c.cfg.Driver {
	case config.DriverMySQL:
		q = b.NewQuery(`SELECT COLUMN_NAME AS name, COLUMN_KEY = 'PRI' AS is_pk
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = {:table}
ORDER BY ORDINAL_POSITION`).Bind(dbx.Params{"table": table})
	case config.DriverPgsql:
		schema := c.cfg.Schema
		if schema == "" {
			schema = "public"
		}
		q = b.NewQuery(pgColumnsQuery).Bind(dbx.Params{"schema": schema, "table": table})
	case config.DriverSqlite:
		q = b.NewQuery("SELECT name, pk > 0 AS is_pk FROM pragma_table_info({:table}) ORDER BY cid").
			Bind(dbx.Params{"table": table})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, c.cfg.Driver)
	}

	var rows []columnRow
	if err := q.WithContext(ctx).All(&rows); err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", table, err)
	}
	if len(rows) == 0 {
		c.schema.Remove(table)
		return nil, nil
	}

	s := &TableSchema{Name: table}
	for _, r := range rows {
		s.Columns = append(s.Columns, r.Name)
		if r.IsPK {
			s.PrimaryKey = append(s.PrimaryKey, r.Name)
		}
	}
	c.schema.Set(table, s)
	return s, nil
}
