package craftdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/eqr/craftdb/config"
	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
)

// Bookkeeping columns maintained automatically when a table defines them.
const (
	ColumnDateCreated = "dateCreated"
	ColumnDateUpdated = "dateUpdated"
	ColumnDateDeleted = "dateDeleted"
	ColumnUID         = "uid"
)

// TimeFormat is the layout timestamps are written in. Values are always UTC.
const TimeFormat = "2006-01-02 15:04:05"

// FormatTime renders t in TimeFormat after converting it to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func newUID() string { return uuid.NewString() }

// Command executes statements against a connection or an active transaction.
type Command struct {
	conn    *Connection
	builder dbx.Builder
}

// Builder returns the dbx builder the command is bound to.
func (c *Command) Builder() dbx.Builder { return c.builder }

// Connection returns the owning connection.
func (c *Command) Connection() *Connection { return c.conn }

type updateMode int

const (
	updateAll updateMode = iota
	updateExplicit
	updateNothing
)

type writeOptions struct {
	skipTimestamp bool
	mode          updateMode
	update        dbx.Params
	conflict      []string
}

// WriteOption tunes Upsert and Update.
type WriteOption func(*writeOptions)

// WithoutTimestamp leaves dateUpdated untouched.
func WithoutTimestamp() WriteOption {
	return func(o *writeOptions) { o.skipTimestamp = true }
}

// UpdateAll updates every inserted column except dateCreated and uid on conflict.
func UpdateAll() WriteOption {
	return func(o *writeOptions) {
		o.mode = updateAll
		o.update = nil
	}
}

// UpdateColumns sets exactly cols on conflict.
func UpdateColumns(cols dbx.Params) WriteOption {
	return func(o *writeOptions) {
		o.mode = updateExplicit
		o.update = cols
	}
}

// DoNothing keeps the existing row on conflict.
func DoNothing() WriteOption {
	return func(o *writeOptions) {
		o.mode = updateNothing
		o.update = nil
	}
}

// ConflictOn sets the conflict target. It defaults to the table primary key.
// MySQL ignores it and uses every unique key.
func ConflictOn(cols ...string) WriteOption {
	return func(o *writeOptions) { o.conflict = cols }
}

func buildWriteOptions(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// isset mirrors the "value not supplied" rule: absent keys and nil values both count.
func isset(p dbx.Params, key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

func cloneParams(p dbx.Params) dbx.Params {
	out := make(dbx.Params, len(p)+3)
	for k, v := range p {
		out[k] = v
	}
	return out
}

func sortedKeys(p dbx.Params) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Command) schemaOf(ctx context.Context, table string) (*TableSchema, error) {
	return c.conn.tableSchema(ctx, c.builder, table, false)
}

// stamp adds bookkeeping values the caller did not supply.
func (c *Command) stamp(s *TableSchema, p dbx.Params, now string) {
	if s.HasColumn(ColumnDateCreated) && !isset(p, ColumnDateCreated) {
		p[ColumnDateCreated] = now
	}
	if s.HasColumn(ColumnDateUpdated) && !isset(p, ColumnDateUpdated) {
		p[ColumnDateUpdated] = now
	}
	if s.HasColumn(ColumnUID) && !isset(p, ColumnUID) {
		p[ColumnUID] = c.conn.newUID()
	}
}

// Insert adds a row, filling dateCreated, dateUpdated and uid when the table
// has them and cols does not.
func (c *Command) Insert(ctx context.Context, table string, cols dbx.Params) (sql.Result, error) {
	table = c.conn.TableName(table)
	s, err := c.schemaOf(ctx, table)
	if err != nil {
		return nil, err
	}

	params := cloneParams(cols)
	c.stamp(s, params, FormatTime(c.conn.now()))
	return c.builder.Insert(table, params).WithContext(ctx).Execute()
}

// BatchInsert adds rows in a single statement. Every row shares one timestamp;
// each row gets its own uid.
func (c *Command) BatchInsert(ctx context.Context, table string, columns []string, rows [][]any) (sql.Result, error) {
	if len(rows) == 0 {
		return driver.RowsAffected(0), nil
	}
	table = c.conn.TableName(table)
	s, err := c.schemaOf(ctx, table)
	if err != nil {
		return nil, err
	}

	cols := slices.Clone(columns)
	var addCreated, addUpdated, addUID bool
	if s.HasColumn(ColumnDateCreated) && !slices.Contains(columns, ColumnDateCreated) {
		cols = append(cols, ColumnDateCreated)
		addCreated = true
	}
	if s.HasColumn(ColumnDateUpdated) && !slices.Contains(columns, ColumnDateUpdated) {
		cols = append(cols, ColumnDateUpdated)
		addUpdated = true
	}
	if s.HasColumn(ColumnUID) && !slices.Contains(columns, ColumnUID) {
		cols = append(cols, ColumnUID)
		addUID = true
	}

	now := FormatTime(c.conn.now())
	params := dbx.Params{}
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = "[[" + col + "]]"
	}

	values := make([]string, 0, len(rows))
	n := 0
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("batch insert into %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		vals := slices.Clone(row)
		if addCreated {
			vals = append(vals, now)
		}
		if addUpdated {
			vals = append(vals, now)
		}
		if addUID {
			vals = append(vals, c.conn.newUID())
		}

		placeholders := make([]string, len(vals))
		for j, v := range vals {
			name := fmt.Sprintf("p%d", n)
			n++
			params[name] = v
			placeholders[j] = "{:" + name + "}"
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
	}

	q := "INSERT INTO {{" + table + "}} (" + strings.Join(quoted, ", ") + ") VALUES " + strings.Join(values, ", ")
	return c.builder.NewQuery(q).Bind(params).WithContext(ctx).Execute()
}

// Upsert inserts a row or updates the conflicting one. By default every inserted
// column except dateCreated and uid is updated.
func (c *Command) Upsert(ctx context.Context, table string, insert dbx.Params, opts ...WriteOption) (sql.Result, error) {
	table = c.conn.TableName(table)
	s, err := c.schemaOf(ctx, table)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	q, params, err := c.buildUpsert(s, table, insert, buildWriteOptions(opts))
	if err != nil {
		return nil, err
	}
	return c.builder.NewQuery(q).Bind(params).WithContext(ctx).Execute()
}

func (c *Command) buildUpsert(s *TableSchema, table string, insert dbx.Params, o writeOptions) (string, dbx.Params, error) {
	if len(insert) == 0 {
		return "", nil, fmt.Errorf("upsert into %s: no columns", table)
	}
	now := FormatTime(c.conn.now())
	callerUpdated := isset(insert, ColumnDateUpdated)

	row := cloneParams(insert)
	c.stamp(s, row, now)

	params := dbx.Params{}
	cols := sortedKeys(row)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		name := fmt.Sprintf("p%d", i)
		params[name] = row[col]
		quoted[i] = "[[" + col + "]]"
		placeholders[i] = "{:" + name + "}"
	}

	mysql := c.conn.cfg.Driver == config.DriverMySQL
	ref := func(col string) string {
		if mysql {
			return "[[" + col + "]]=VALUES([[" + col + "]])"
		}
		return "[[" + col + "]]=excluded.[[" + col + "]]"
	}

	var sets []string
	switch o.mode {
	case updateAll:
		for _, col := range cols {
			if col == ColumnDateCreated || col == ColumnUID {
				continue
			}
			if col == ColumnDateUpdated && o.skipTimestamp && !callerUpdated {
				continue
			}
			sets = append(sets, ref(col))
		}
	case updateExplicit:
		update := cloneParams(o.update)
		if !o.skipTimestamp && s.HasColumn(ColumnDateUpdated) && !isset(update, ColumnDateUpdated) {
			update[ColumnDateUpdated] = now
		}
		for i, col := range sortedKeys(update) {
			name := fmt.Sprintf("u%d", i)
			params[name] = update[col]
			sets = append(sets, "[["+col+"]]={:"+name+"}")
		}
	}

	head := "INTO {{" + table + "}} (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"

	if mysql {
		if len(sets) == 0 {
			return "INSERT IGNORE " + head, params, nil
		}
		return "INSERT " + head + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", "), params, nil
	}

	if len(sets) == 0 {
		return "INSERT " + head + " ON CONFLICT DO NOTHING", params, nil
	}

	target := o.conflict
	if len(target) == 0 {
		target = s.PrimaryKey
	}
	if len(target) == 0 {
		return "", nil, fmt.Errorf("upsert into %s: no conflict columns and no primary key", table)
	}
	quotedTarget := make([]string, len(target))
	for i, col := range target {
		quotedTarget[i] = "[[" + col + "]]"
	}

	return "INSERT " + head + " ON CONFLICT (" + strings.Join(quotedTarget, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", "), params, nil
}

// Update changes matching rows and sets dateUpdated unless WithoutTimestamp is given
// or cols already carries it.
func (c *Command) Update(ctx context.Context, table string, cols dbx.Params, where dbx.Expression, opts ...WriteOption) (sql.Result, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("update %s: no columns", table)
	}
	table = c.conn.TableName(table)
	o := buildWriteOptions(opts)

	params := cloneParams(cols)
	if !o.skipTimestamp && !isset(params, ColumnDateUpdated) {
		s, err := c.schemaOf(ctx, table)
		if err != nil {
			return nil, err
		}
		if s.HasColumn(ColumnDateUpdated) {
			params[ColumnDateUpdated] = FormatTime(c.conn.now())
		}
	}

	return c.builder.Update(table, params, where).WithContext(ctx).Execute()
}

// SoftDelete marks matching rows deleted by setting dateDeleted.
func (c *Command) SoftDelete(ctx context.Context, table string, where dbx.Expression) (sql.Result, error) {
	return c.Update(ctx, table, dbx.Params{ColumnDateDeleted: FormatTime(c.conn.now())}, where, WithoutTimestamp())
}

// Restore clears dateDeleted on matching rows.
func (c *Command) Restore(ctx context.Context, table string, where dbx.Expression) (sql.Result, error) {
	return c.Update(ctx, table, dbx.Params{ColumnDateDeleted: nil}, where, WithoutTimestamp())
}

// Delete physically removes matching rows.
func (c *Command) Delete(ctx context.Context, table string, where dbx.Expression) (sql.Result, error) {
	return c.builder.Delete(c.conn.TableName(table), where).WithContext(ctx).Execute()
}

// DeleteDuplicates removes rows that repeat the values of columns, keeping the
// row with the smallest pk. pk defaults to "id".
func (c *Command) DeleteDuplicates(ctx context.Context, table string, columns []string, pk string) (sql.Result, error) {
	q, err := c.deleteDuplicatesSQL(c.conn.TableName(table), columns, pk)
	if err != nil {
		return nil, err
	}
	return c.builder.NewQuery(q).WithContext(ctx).Execute()
}

func (c *Command) deleteDuplicatesSQL(table string, columns []string, pk string) (string, error) {
	if len(columns) == 0 {
		return "", errors.New("delete duplicates: columns are required")
	}
	if pk == "" {
		pk = "id"
	}

	t := "{{" + table + "}}"
	switch c.conn.cfg.Driver {
	case config.DriverMySQL, config.DriverPgsql:
		on := make([]string, len(columns))
		for i, col := range columns {
			on[i] = "[[a." + col + "]] = [[b." + col + "]]"
		}
		cond := "[[a." + pk + "]] > [[b." + pk + "]] AND " + strings.Join(on, " AND ")
		if c.conn.cfg.Driver == config.DriverMySQL {
			return "DELETE [[a]] FROM " + t + " [[a]] INNER JOIN " + t + " [[b]] WHERE " + cond, nil
		}
		return "DELETE FROM " + t + " [[a]] USING " + t + " [[b]] WHERE " + cond, nil
	case config.DriverSqlite:
		group := make([]string, len(columns))
		for i, col := range columns {
			group[i] = "[[" + col + "]]"
		}
		return "DELETE FROM " + t + " WHERE [[" + pk + "]] NOT IN (SELECT MIN([[" + pk + "]]) FROM " + t +
			" GROUP BY " + strings.Join(group, ", ") + ")", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedDriver, c.conn.cfg.Driver)
}

// Exec runs a raw statement. Table and column names may use the {{%table}},
// {{table}} and [[column]] forms, parameters the {:name} form.
func (c *Command) Exec(ctx context.Context, query string, params dbx.Params) (sql.Result, error) {
	q := c.builder.NewQuery(c.conn.ExpandTablePrefix(query))
	if len(params) > 0 {
		q = q.Bind(params)
	}
	return q.WithContext(ctx).Execute()
}

// CreateIndex adds an index with a random name and returns that name.
func (c *Command) CreateIndex(ctx context.Context, table string, columns []string, unique bool) (string, error) {
	if len(columns) == 0 {
		return "", errors.New("create index: columns are required")
	}
	table = c.conn.TableName(table)
	name := c.conn.IndexName()

	q := c.builder.CreateIndex(table, name, columns...)
	if unique {
		q = c.builder.CreateUniqueIndex(table, name, columns...)
	}
	if _, err := q.WithContext(ctx).Execute(); err != nil {
		return "", fmt.Errorf("create index on %s: %w", table, err)
	}
	return name, nil
}

// DropTableIfExists drops table when present and forgets its cached layout.
func (c *Command) DropTableIfExists(ctx context.Context, table string) error {
	table = c.conn.TableName(table)
	if _, err := c.builder.NewQuery("DROP TABLE IF EXISTS {{" + table + "}}").WithContext(ctx).Execute(); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	c.conn.schema.Remove(table)
	return nil
}
