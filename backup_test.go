package craftdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/eqr/craftdb/config"
	"github.com/eqr/craftdb/shellcmd"
)

type recordingRunner struct {
	commands  []string
	passwords []string
	onRun     func(command string)
	err       error
}

func (r *recordingRunner) Run(_ context.Context, command, password string) error {
	r.commands = append(r.commands, command)
	r.passwords = append(r.passwords, password)
	if r.onRun != nil {
		r.onRun(command)
	}
	return r.err
}

var defaultsFilePattern = regexp.MustCompile(`--defaults-file="([^"]+)"`)

func mysqlBackupConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := newTestConfig(t)
	cfg.Driver = config.DriverMySQL
	cfg.Database = "craft"
	cfg.User = "root"
	cfg.Password = "s3cr$t"
	cfg.Server = "db"
	cfg.Port = 3306
	return cfg
}

// The sqlite handle only backs the connection; commands are recorded, not run.
func newMySQLBackupConnection(t *testing.T, cfg *config.Config, runner CommandRunner, opts ...Option) *Connection {
	t.Helper()
	sqliteCfg := newTestConfig(t)
	db := newTestConnection(t, sqliteCfg).DB()
	opts = append([]Option{
		WithServerVersion("8.0.33"),
		WithCommandRunner(runner),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	return New(db, cfg, opts...)
}

func TestBackupMySQLIgnoresDefaultTablesData(t *testing.T) {
	cfg := mysqlBackupConfig(t)
	var defaultsFile string
	runner := &recordingRunner{}
	runner.onRun = func(command string) {
		m := defaultsFilePattern.FindStringSubmatch(command)
		if m == nil {
			t.Fatalf("no defaults file in %q", command)
		}
		defaultsFile = m[1]
		info, err := os.Stat(defaultsFile)
		if err != nil {
			t.Fatalf("defaults file missing during run: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("defaults file mode = %v", info.Mode().Perm())
		}
	}
	conn := newMySQLBackupConnection(t, cfg, runner)

	path := filepath.Join(cfg.BackupPath, "manual.sql")
	if err := conn.BackupTo(context.Background(), path); err != nil {
		t.Fatalf("BackupTo: %v", err)
	}

	if len(runner.commands) != 1 {
		t.Fatalf("commands = %d", len(runner.commands))
	}
	cmd := runner.commands[0]
	if !strings.Contains(cmd, "--ignore-table=craft.cache") || !strings.Contains(cmd, "--ignore-table=craft.sessions") {
		t.Fatalf("default ignored tables missing: %q", cmd)
	}
	if strings.Contains(cmd, "craft.users") {
		t.Fatalf("users must be exported: %q", cmd)
	}
	if !strings.Contains(cmd, `--result-file="`+path+`"`) {
		t.Fatalf("file token not substituted: %q", cmd)
	}
	if strings.Contains(cmd, "s3cr$t") {
		t.Fatalf("password leaked onto the command line: %q", cmd)
	}
	if runner.passwords[0] != "s3cr$t" {
		t.Fatalf("runner not given password for redaction")
	}
	if _, err := os.Stat(defaultsFile); !os.IsNotExist(err) {
		t.Fatalf("defaults file %s not removed", defaultsFile)
	}
}

func TestBackupPreBackupHookReplacesIgnoreList(t *testing.T) {
	cfg := mysqlBackupConfig(t)
	cfg.TablePrefix = "cr_"
	runner := &recordingRunner{}

	var seen BackupDescriptor
	hook := PreBackupHookFunc(func(_ context.Context, d BackupDescriptor) ([]string, error) {
		seen = d
		return []string{"cr_logs", "cr_logs"}, nil
	})
	conn := newMySQLBackupConnection(t, cfg, runner, WithPreBackupHook(hook))

	if err := conn.BackupTo(context.Background(), filepath.Join(cfg.BackupPath, "x.sql")); err != nil {
		t.Fatalf("BackupTo: %v", err)
	}

	if !slices.Contains(seen.IgnoreTables, "cr_cache") || seen.Format != config.FormatSQL {
		t.Fatalf("hook got %+v", seen)
	}
	cmd := runner.commands[0]
	if strings.Count(cmd, "--ignore-table=craft.cr_logs") != 1 {
		t.Fatalf("hook list not applied once: %q", cmd)
	}
	if strings.Contains(cmd, "cr_cache") {
		t.Fatalf("defaults should be replaced: %q", cmd)
	}
}

func TestBackupHookError(t *testing.T) {
	cfg := mysqlBackupConfig(t)
	hookErr := errors.New("no")
	conn := newMySQLBackupConnection(t, cfg, &recordingRunner{}, WithPreBackupHook(PreBackupHookFunc(
		func(context.Context, BackupDescriptor) ([]string, error) { return nil, hookErr },
	)))
	if err := conn.BackupTo(context.Background(), filepath.Join(cfg.BackupPath, "x.sql")); !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
}

func TestBackupAndRestoreDisabled(t *testing.T) {
	cfg := mysqlBackupConfig(t)
	cfg.BackupCommand = config.DisabledCommand()
	cfg.RestoreCommand = config.DisabledCommand()
	runner := &recordingRunner{}
	conn := newMySQLBackupConnection(t, cfg, runner)

	if _, err := conn.Backup(context.Background()); !errors.Is(err, ErrBackupDisabled) {
		t.Fatalf("expected ErrBackupDisabled, got %v", err)
	}
	if err := conn.Restore(context.Background(), "/nope.sql"); !errors.Is(err, ErrRestoreDisabled) {
		t.Fatalf("expected ErrRestoreDisabled, got %v", err)
	}
	if len(runner.commands) != 0 {
		t.Fatalf("disabled commands still ran: %v", runner.commands)
	}
}

func TestBackupSQLiteDefaultUnsupported(t *testing.T) {
	conn := newTestConnection(t, nil, WithCommandRunner(&recordingRunner{}))
	_, err := conn.Backup(context.Background())
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}

func TestBackupCustomCommandRunsThroughShell(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.BackupCommand = config.CustomCommand(`printf '%s' "{database}" > "{file}"`)
	conn := newTestConnection(t, cfg, WithCommandRunner(shellcmd.NewRunner(time.Minute, nil)))

	path, err := conn.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(data) != cfg.Database {
		t.Fatalf("backup contents = %q", data)
	}
}

func TestBackupCommandFailure(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Password = "hunter2"
	cfg.BackupCommand = config.CustomCommand(`echo "{password}" >&2; exit 2`)
	conn := newTestConnection(t, cfg, WithCommandRunner(shellcmd.NewRunner(time.Minute, nil)))

	_, err := conn.Backup(context.Background())
	var shellErr *shellcmd.Error
	if !errors.As(err, &shellErr) {
		t.Fatalf("expected *shellcmd.Error, got %v", err)
	}
	if shellErr.ExitCode != 2 || strings.Contains(err.Error(), "hunter2") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestBackupFilePath(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.SystemName = "My Craft Site!"
	cfg.Version = "4.5.0"
	conn := newTestConnection(t, cfg)

	first, err := conn.BackupFilePath()
	if err != nil {
		t.Fatalf("BackupFilePath: %v", err)
	}
	want := filepath.Join(cfg.BackupPath, "my_craft_site--2024-03-09-140506--v4.5.0.sql")
	if first != want {
		t.Fatalf("path = %s, want %s", first, want)
	}

	if err := os.MkdirAll(cfg.BackupPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(first, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := conn.BackupFilePath()
	if err != nil {
		t.Fatalf("BackupFilePath: %v", err)
	}
	if second != filepath.Join(cfg.BackupPath, "my_craft_site--2024-03-09-140506--v4.5.0--1.sql") {
		t.Fatalf("collision path = %s", second)
	}
}

func TestBackupFilePathPostgresFormats(t *testing.T) {
	tests := []struct {
		format config.BackupFormat
		ext    string
	}{
		{config.FormatSQL, ".sql"},
		{config.FormatCustom, ".dump"},
		{config.FormatDirectory, ".dump"},
		{config.FormatTar, ".tar"},
	}
	for _, tt := range tests {
		cfg := &config.Config{Driver: config.DriverPgsql, BackupPath: "/b", SystemName: "craft", Version: "5.0.0", BackupFormat: tt.format}
		conn := New(nil, cfg, WithClock(func() time.Time { return fixedNow }))
		got, err := conn.BackupFilePath()
		if err != nil {
			t.Fatalf("%s: %v", tt.format, err)
		}
		if filepath.Ext(got) != tt.ext {
			t.Fatalf("%s: path %s", tt.format, got)
		}
	}
}

func TestSanitizeSystemName(t *testing.T) {
	tests := map[string]string{
		"Craft":          "craft",
		"My Site":        "my_site",
		"  Ünïcode  ":    "n_code",
		"a--b.c":         "a--b.c",
		"!!!":            "",
		"Acme & Co. Ltd": "acme_co._ltd",
	}
	for in, want := range tests {
		if got := sanitizeSystemName(in); got != want {
			t.Fatalf("sanitizeSystemName(%q) = %q, want %q", in, got, want)
		}
	}
}

func writeBackup(t *testing.T, dir, name string, mod time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestPruneBackupsKeepsNewest(t *testing.T) {
	cfg := newTestConfig(t)
	keep := 3
	cfg.MaxBackups = &keep
	conn := newTestConnection(t, cfg)
	dir := cfg.BackupPath
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"a.sql", "b.dump", "c.tar", "d.sql", "e.sql"} {
		writeBackup(t, dir, name, base.Add(time.Duration(i)*time.Hour))
	}
	writeBackup(t, dir, "notes.txt", base)

	removed, err := conn.PruneBackups()
	if err != nil {
		t.Fatalf("PruneBackups: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed = %v", removed)
	}

	for _, name := range []string{"c.tar", "d.sql", "e.sql", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s should remain: %v", name, err)
		}
	}
	for _, name := range []string{"a.sql", "b.dump"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed", name)
		}
	}
}

func TestPruneBackupsTieBreaksByName(t *testing.T) {
	cfg := newTestConfig(t)
	keep := 2
	cfg.MaxBackups = &keep
	conn := newTestConnection(t, cfg)
	dir := cfg.BackupPath
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	same := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, name := range []string{"b.sql", "a.sql", "c.sql"} {
		writeBackup(t, dir, name, same)
	}

	if _, err := conn.PruneBackups(); err != nil {
		t.Fatalf("PruneBackups: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.sql")); !os.IsNotExist(err) {
		t.Fatalf("a.sql should be pruned first on a tie")
	}
}

func TestPruneBackupsDisabled(t *testing.T) {
	cfg := newTestConfig(t)
	zero := 0
	cfg.MaxBackups = &zero
	conn := newTestConnection(t, cfg)
	if err := os.MkdirAll(cfg.BackupPath, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 25; i++ {
		writeBackup(t, cfg.BackupPath, time.Unix(int64(i), 0).UTC().Format("150405")+".sql", time.Unix(int64(i), 0))
	}
	removed, err := conn.PruneBackups()
	if err != nil || len(removed) != 0 {
		t.Fatalf("PruneBackups = %v, %v", removed, err)
	}
}

func TestBackupToPrunesAfterSuccess(t *testing.T) {
	cfg := newTestConfig(t)
	keep := 2
	cfg.MaxBackups = &keep
	cfg.BackupCommand = config.CustomCommand(`printf x > "{file}"`)
	conn := newTestConnection(t, cfg, WithCommandRunner(shellcmd.NewRunner(time.Minute, nil)))
	if err := os.MkdirAll(cfg.BackupPath, 0o755); err != nil {
		t.Fatal(err)
	}

	old := time.Now().Add(-48 * time.Hour)
	writeBackup(t, cfg.BackupPath, "old1.sql", old)
	writeBackup(t, cfg.BackupPath, "old2.sql", old.Add(time.Hour))

	path, err := conn.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	entries, err := os.ReadDir(cfg.BackupPath)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 2 || !slices.Contains(names, filepath.Base(path)) || !slices.Contains(names, "old2.sql") {
		t.Fatalf("remaining backups = %v", names)
	}
}

func TestRestoreDefaults(t *testing.T) {
	cfg := mysqlBackupConfig(t)
	runner := &recordingRunner{}
	conn := newMySQLBackupConnection(t, cfg, runner)

	file := filepath.Join(t.TempDir(), "dump.sql")
	if err := os.WriteFile(file, []byte("-- dump"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := conn.Restore(context.Background(), file); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	cmd := runner.commands[0]
	if !strings.HasPrefix(cmd, "mysql --defaults-file=") || !strings.HasSuffix(cmd, `craft < "`+file+`"`) {
		t.Fatalf("restore command = %q", cmd)
	}

	if err := conn.Restore(context.Background(), filepath.Join(t.TempDir(), "missing.sql")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestRestoreFormatFromPath(t *testing.T) {
	dir := t.TempDir()
	files := map[string]config.BackupFormat{
		"a.sql":  config.FormatSQL,
		"a.dump": config.FormatCustom,
		"a.tar":  config.FormatTar,
	}
	for name, want := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		info, _ := os.Stat(p)
		if got := restoreFormat(p, info); got != want {
			t.Fatalf("%s: format = %s, want %s", name, got, want)
		}
	}
	info, _ := os.Stat(dir)
	if got := restoreFormat(dir, info); got != config.FormatDirectory {
		t.Fatalf("directory format = %s", got)
	}
}
