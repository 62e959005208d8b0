package craftdb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eqr/craftdb/config"
	_ "modernc.org/sqlite"
)

var fixedNow = time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Driver:     config.DriverSqlite,
		Database:   filepath.Join(dir, "craft.db"),
		BackupPath: filepath.Join(dir, "backups"),
		TempPath:   dir,
		SystemName: "Craft",
		Version:    "4.5.0",
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestConnection(t *testing.T, cfg *config.Config, opts ...Option) *Connection {
	t.Helper()
	if cfg == nil {
		cfg = newTestConfig(t)
	}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithUIDGenerator(sequentialUIDs())}, opts...)

	conn, err := Open(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sequentialUIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("uid-%d", n)
	}
}

func mustExec(t *testing.T, conn *Connection, query string) {
	t.Helper()
	if _, err := conn.DB().NewQuery(query).Execute(); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func createEntriesTable(t *testing.T, conn *Connection) {
	t.Helper()
	mustExec(t, conn, `CREATE TABLE entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL UNIQUE,
		title TEXT,
		dateCreated TEXT,
		dateUpdated TEXT,
		dateDeleted TEXT,
		uid TEXT
	)`)
}

type entryRow struct {
	ID          int64   `db:"id"`
	Slug        string  `db:"slug"`
	Title       *string `db:"title"`
	DateCreated *string `db:"dateCreated"`
	DateUpdated *string `db:"dateUpdated"`
	DateDeleted *string `db:"dateDeleted"`
	UID         *string `db:"uid"`
}

func loadEntries(t *testing.T, conn *Connection) []entryRow {
	t.Helper()
	var rows []entryRow
	if err := conn.DB().Select("*").From("entries").OrderBy("id ASC").All(&rows); err != nil {
		t.Fatalf("load entries: %v", err)
	}
	return rows
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
