package craftdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pocketbase/dbx"
)

// Repository exposes CRUD helpers for a table whose rows scan into T.
// Every call runs inside the transaction carried by ctx, if any.
type Repository[T any] struct {
	conn  *Connection
	table string
	pk    string
}

// NewRepository creates a repository bound to table. Names in the {{%name}}
// form are resolved against the table prefix.
func NewRepository[T any](conn *Connection, table string) *Repository[T] {
	return &Repository[T]{
		conn:  conn,
		table: strings.TrimSpace(table),
		pk:    "id",
	}
}

// ListOptions describes filtering, ordering and pagination for List.
type ListOptions struct {
	Where   dbx.Expression
	OrderBy []string
	Limit   int64
	Offset  int64
}

func (r *Repository[T]) check() error {
	if r.conn == nil {
		return errors.New("repository connection is nil")
	}
	if r.table == "" {
		return errors.New("table is required")
	}
	return nil
}

func (r *Repository[T]) tableName() string { return r.conn.TableName(r.table) }

// Get fetches a single row by primary key.
func (r *Repository[T]) Get(ctx context.Context, id int64) (*T, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.FindOne(ctx, dbx.HashExp{r.pk: id})
}

// FindOne fetches the first row matching where.
func (r *Repository[T]) FindOne(ctx context.Context, where dbx.Expression) (*T, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	var out T
	q := r.conn.Command(ctx).Builder().Select("*").From(r.tableName()).Where(where).Limit(1)
	if err := q.WithContext(ctx).One(&out); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, r.tableName())
		}
		return nil, err
	}
	return &out, nil
}

// List returns matching rows.
func (r *Repository[T]) List(ctx context.Context, opts ListOptions) ([]T, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	q := r.conn.Command(ctx).Builder().Select("*").From(r.tableName()).Where(opts.Where)
	if len(opts.OrderBy) > 0 {
		q = q.OrderBy(opts.OrderBy...)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	out := make([]T, 0)
	if err := q.WithContext(ctx).All(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of rows matching where.
func (r *Repository[T]) Count(ctx context.Context, where dbx.Expression) (int64, error) {
	if err := r.check(); err != nil {
		return 0, err
	}

	var n int64
	q := r.conn.Command(ctx).Builder().Select("COUNT(*)").From(r.tableName()).Where(where)
	if err := q.WithContext(ctx).Row(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Create inserts a row. Bookkeeping columns are stamped by Command.Insert.
func (r *Repository[T]) Create(ctx context.Context, values dbx.Params) error {
	if err := r.check(); err != nil {
		return err
	}
	_, err := r.conn.Command(ctx).Insert(ctx, r.tableName(), values)
	return err
}

// Update patches the row with the given primary key and returns the number of
// rows the driver reports as changed.
func (r *Repository[T]) Update(ctx context.Context, id int64, values dbx.Params) (int64, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	res, err := r.conn.Command(ctx).Update(ctx, r.tableName(), values, dbx.HashExp{r.pk: id})
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes rows matching where and returns how many were removed.
func (r *Repository[T]) Delete(ctx context.Context, where dbx.Expression) (int64, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	res, err := r.conn.Command(ctx).Delete(ctx, r.tableName(), where)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
