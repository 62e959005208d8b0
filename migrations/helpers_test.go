package migrations

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eqr/craftdb"
	"github.com/eqr/craftdb/config"
	_ "modernc.org/sqlite"
)

var fixedNow = time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)

func newTestConnection(t *testing.T, prefix string) *craftdb.Connection {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Driver:      config.DriverSqlite,
		Database:    filepath.Join(dir, "craft.db"),
		TablePrefix: prefix,
		BackupPath:  filepath.Join(dir, "backups"),
		TempPath:    dir,
	}
	cfg.ApplyDefaults()

	conn, err := craftdb.Open(context.Background(), cfg, craftdb.WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type stubMigration struct {
	name string
	up   func(context.Context, *Tx) error
	down func(context.Context, *Tx) error
}

func (s stubMigration) Name() string { return s.name }

func (s stubMigration) Up(ctx context.Context, tx *Tx) error {
	if s.up != nil {
		return s.up(ctx, tx)
	}
	return nil
}

func (s stubMigration) Down(ctx context.Context, tx *Tx) error {
	if s.down != nil {
		return s.down(ctx, tx)
	}
	return nil
}

func recorder(calls *[]string, label string) func(context.Context, *Tx) error {
	return func(context.Context, *Tx) error {
		*calls = append(*calls, label)
		return nil
	}
}

func historyNames(t *testing.T, m *Manager) []string {
	t.Helper()
	records, err := m.History(context.Background(), 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Name)
	}
	return names
}
