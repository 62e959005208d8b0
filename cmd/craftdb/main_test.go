package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "driver = \"sqlite\"\ndatabase = \"craft.db\"\nsystem_name = \"Craft\"\n"
	if err := os.WriteFile(filepath.Join(dir, "craftdb.toml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "migrations"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	sql := "-- +migrate Up\nCREATE TABLE {{%widgets}} (id INTEGER PRIMARY KEY);\n-- +migrate Down\nDROP TABLE {{%widgets}};\n"
	if err := os.WriteFile(filepath.Join(dir, "migrations", "m240101_000000_widgets.sql"), []byte(sql), 0o644); err != nil {
		t.Fatalf("write migration: %v", err)
	}
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestMigrateCommands(t *testing.T) {
	dir := newProject(t)

	out, err := runCLI(t, "-dir", dir, "migrate", "new", "add", "authors")
	if err != nil || !strings.Contains(out, "_add_authors.sql") {
		t.Fatalf("migrate new = %q, %v", out, err)
	}

	out, err = runCLI(t, "-dir", dir, "migrate", "pending")
	if err != nil || !strings.Contains(out, "Pending 2 migration(s)") || !strings.Contains(out, "m240101_000000_widgets") {
		t.Fatalf("migrate pending = %q, %v", out, err)
	}

	out, err = runCLI(t, "-dir", dir, "migrate", "up", "-limit", "1")
	if err != nil || !strings.Contains(out, "Applied 1 migration(s)") {
		t.Fatalf("migrate up = %q, %v", out, err)
	}
	out, err = runCLI(t, "-dir", dir, "migrate", "up")
	if err != nil || !strings.Contains(out, "Applied 1 migration(s)") {
		t.Fatalf("second migrate up = %q, %v", out, err)
	}
	out, err = runCLI(t, "-dir", dir, "migrate", "up")
	if err != nil || !strings.Contains(out, "up to date") {
		t.Fatalf("third migrate up = %q, %v", out, err)
	}

	out, err = runCLI(t, "-dir", dir, "migrate", "history")
	if err != nil || !strings.Contains(out, "m240101_000000_widgets") || !strings.Contains(out, "NAME") {
		t.Fatalf("migrate history = %q, %v", out, err)
	}

	out, err = runCLI(t, "-dir", dir, "migrate", "down", "-limit", "2")
	if err != nil || !strings.Contains(out, "Reverted 2 migration(s)") {
		t.Fatalf("migrate down = %q, %v", out, err)
	}

	out, err = runCLI(t, "-dir", dir, "migrate", "mark", "m240101_000000_widgets")
	if err != nil || !strings.Contains(out, "Marked") {
		t.Fatalf("migrate mark = %q, %v", out, err)
	}
	out, err = runCLI(t, "-dir", dir, "-plugin", "4", "migrate", "pending")
	if err != nil || !strings.Contains(out, "m240101_000000_widgets") {
		t.Fatalf("plugin track should not see app history: %q, %v", out, err)
	}
}

func TestDBInfo(t *testing.T) {
	dir := newProject(t)
	out, err := runCLI(t, "-dir", dir, "db", "info")
	if err != nil {
		t.Fatalf("db info: %v", err)
	}
	for _, part := range []string{"Driver:", "SQLite", "Supports mb4:", "true"} {
		if !strings.Contains(out, part) {
			t.Fatalf("output %q missing %q", out, part)
		}
	}
}

func TestCommandErrors(t *testing.T) {
	dir := newProject(t)
	tests := []struct {
		name string
		args []string
	}{
		{"no command", []string{"-dir", dir}},
		{"unknown command", []string{"-dir", dir, "dance"}},
		{"unknown migrate command", []string{"-dir", dir, "migrate", "sideways"}},
		{"plugin track without id", []string{"-dir", dir, "-type", "plugin", "migrate", "pending"}},
		{"unknown track", []string{"-dir", dir, "-type", "theme", "migrate", "pending"}},
		{"restore without path", []string{"-dir", dir, "restore"}},
		{"sqlite backup", []string{"-dir", dir, "backup"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCLI(t, tt.args...); err == nil {
				t.Fatalf("expected error for %v", tt.args)
			}
		})
	}
}
