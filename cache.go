package craftdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eqr/craftdb/config"
	"github.com/pocketbase/dbx"
)

const defaultCacheTable = "{{%cache}}"

// Cache is a key-value store backed by the cache table. Values are JSON encoded.
// The table is excluded from backups by default.
type Cache struct {
	conn  *Connection
	table string
}

type cacheRow struct {
	ID     string `db:"id"`
	Expire int64  `db:"expire"`
	Data   []byte `db:"data"`
}

// NewCache creates a cache bound to table. An empty table selects {{%cache}}.
func NewCache(conn *Connection, table string) *Cache {
	table = strings.TrimSpace(table)
	if table == "" {
		table = defaultCacheTable
	}
	return &Cache{conn: conn, table: table}
}

func (s *Cache) tableName() string { return s.conn.TableName(s.table) }

// EnsureTable creates the cache table when it does not exist.
func (s *Cache) EnsureTable(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("cache connection is nil")
	}
	exists, err := s.conn.TableExists(ctx, s.table, true)
	if err != nil || exists {
		return err
	}

	data := "BLOB"
	if s.conn.cfg.Driver == config.DriverPgsql {
		data = "BYTEA"
	}
	_, err = s.conn.Command(ctx).Builder().CreateTable(s.tableName(), map[string]string{
		"id":     "VARCHAR(128) NOT NULL PRIMARY KEY",
		"expire": "INTEGER NOT NULL DEFAULT 0",
		"data":   data,
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("create cache table: %w", err)
	}
	return nil
}

// Set stores value under key. A ttl of zero never expires.
func (s *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	key, err := s.key(key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	var expire int64
	if ttl > 0 {
		expire = s.conn.now().Add(ttl).Unix()
	}

	_, err = s.conn.Command(ctx).Upsert(ctx, s.table, dbx.Params{
		"id":     key,
		"expire": expire,
		"data":   data,
	}, ConflictOn("id"))
	return err
}

// Get decodes the value for key into dest. Missing and expired keys return ErrNotFound.
func (s *Cache) Get(ctx context.Context, key string, dest any) error {
	if dest == nil {
		return errors.New("dest must be non-nil")
	}
	row, err := s.row(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(row.Data, dest); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// Exists reports whether key holds an unexpired value.
func (s *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.row(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Cache) Delete(ctx context.Context, key string) error {
	key, err := s.key(key)
	if err != nil {
		return err
	}
	_, err = s.conn.Command(ctx).Delete(ctx, s.table, dbx.HashExp{"id": key})
	return err
}

// List returns unexpired keys starting with prefix, in key order.
func (s *Cache) List(ctx context.Context, prefix string) ([]string, error) {
	if s.conn == nil {
		return nil, errors.New("cache connection is nil")
	}

	where := s.live()
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		where = And(where, dbx.Like("id", prefix).Match(false, true))
	}

	keys := make([]string, 0)
	err := s.conn.Command(ctx).Builder().Select("id").From(s.tableName()).
		Where(where).OrderBy("id ASC").WithContext(ctx).Column(&keys)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Flush removes every entry, or only expired ones when expiredOnly is set.
func (s *Cache) Flush(ctx context.Context, expiredOnly bool) (int64, error) {
	if s.conn == nil {
		return 0, errors.New("cache connection is nil")
	}
	var where dbx.Expression
	if expiredOnly {
		where = And(dbx.NewExp("[[expire]] > 0"), dbx.NewExp("[[expire]] <= {:now}", dbx.Params{"now": s.conn.now().Unix()}))
	}
	res, err := s.conn.Command(ctx).Delete(ctx, s.table, where)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Cache) live() dbx.Expression {
	return dbx.Or(
		dbx.HashExp{"expire": 0},
		dbx.NewExp("[[expire]] > {:now}", dbx.Params{"now": s.conn.now().Unix()}),
	)
}

func (s *Cache) row(ctx context.Context, key string) (*cacheRow, error) {
	key, err := s.key(key)
	if err != nil {
		return nil, err
	}

	var row cacheRow
	err = s.conn.Command(ctx).Builder().Select("id", "expire", "data").From(s.tableName()).
		Where(And(dbx.HashExp{"id": key}, s.live())).Limit(1).WithContext(ctx).One(&row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: cache key %s", ErrNotFound, key)
		}
		return nil, err
	}
	return &row, nil
}

func (s *Cache) key(key string) (string, error) {
	if s.conn == nil {
		return "", errors.New("cache connection is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("key is required")
	}
	if len(key) > 128 {
		return "", fmt.Errorf("key longer than 128 bytes: %q", key)
	}
	return key, nil
}
