package craftdb

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/eqr/craftdb/config"
	"github.com/eqr/craftdb/shellcmd"
	"github.com/pocketbase/pocketbase/tools/list"
)

// DefaultIgnoredBackupTables are exported without data. Names are unprefixed.
var DefaultIgnoredBackupTables = []string{
	"assetindexdata",
	"assetindexingsessions",
	"imagetransformindex",
	"resourcepaths",
	"sessions",
	"cache",
}

const backupGlob = "*.{sql,dump,tar}"

// BackupDescriptor describes a backup about to run.
type BackupDescriptor struct {
	FilePath     string
	IgnoreTables []string
	Format       config.BackupFormat
}

// PreBackupHook runs before every backup and returns the ignore list to use.
// A nil list keeps the one it was given; an empty list exports every table.
type PreBackupHook interface {
	BeforeBackup(ctx context.Context, d BackupDescriptor) ([]string, error)
}

// PreBackupHookFunc adapts a function to PreBackupHook.
type PreBackupHookFunc func(ctx context.Context, d BackupDescriptor) ([]string, error)

func (f PreBackupHookFunc) BeforeBackup(ctx context.Context, d BackupDescriptor) ([]string, error) {
	return f(ctx, d)
}

// IgnoredBackupTables returns the default ignore list with the table prefix applied.
func (c *Connection) IgnoredBackupTables() []string {
	out := make([]string, len(DefaultIgnoredBackupTables))
	for i, t := range DefaultIgnoredBackupTables {
		out[i] = c.TableName("{{%" + t + "}}")
	}
	return out
}

// BackupFilePath returns a free path in the backup directory named
// <system>--<YYYY-MM-DD-HHMMSS>--v<version>[--N]<ext>.
func (c *Connection) BackupFilePath() (string, error) {
	dir := c.cfg.BackupPath
	if dir == "" {
		return "", fmt.Errorf("backup path is not configured")
	}

	base := c.now().UTC().Format("2006-01-02-150405") + "--v" + c.cfg.Version
	if name := sanitizeSystemName(c.cfg.SystemName); name != "" {
		base = name + "--" + base
	}
	ext := c.backupFormat().Extension()

	path := filepath.Join(dir, base+ext)
	for i := 1; ; i++ {
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
		path = filepath.Join(dir, fmt.Sprintf("%s--%d%s", base, i, ext))
	}
}

func sanitizeSystemName(name string) string {
	var b strings.Builder
	lastSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSep = false
		case r == '-' || r == '.':
			b.WriteRune(r)
			lastSep = false
		default:
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
		}
	}
	return strings.Trim(b.String(), "_-.")
}

// backupFormat is always plain SQL for MySQL.
func (c *Connection) backupFormat() config.BackupFormat {
	if c.cfg.Driver != config.DriverPgsql || c.cfg.BackupFormat == "" {
		return config.FormatSQL
	}
	return c.cfg.BackupFormat
}

// Backup writes a backup to a generated path in the backup directory and returns it.
func (c *Connection) Backup(ctx context.Context) (string, error) {
	path, err := c.BackupFilePath()
	if err != nil {
		return "", err
	}
	if err := c.BackupTo(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

// BackupTo writes a backup to path and prunes old backups afterwards.
func (c *Connection) BackupTo(ctx context.Context, path string) error {
	if c.cfg.BackupCommand.Disabled {
		return ErrBackupDisabled
	}

	format := c.backupFormat()
	ignore := c.IgnoredBackupTables()
	if c.preBackup != nil {
		replaced, err := c.preBackup.BeforeBackup(ctx, BackupDescriptor{
			FilePath:     path,
			IgnoreTables: append([]string(nil), ignore...),
			Format:       format,
		})
		if err != nil {
			return fmt.Errorf("pre-backup hook: %w", err)
		}
		if replaced != nil {
			ignore = list.ToUniqueStringSlice(replaced)
		}
	}

	tpl := c.cfg.BackupCommand.Template
	if c.cfg.BackupCommand.IsDefault() {
		engine, err := c.engine(ctx)
		if err != nil {
			return err
		}
		opts := shellcmd.BackupOptions{IgnoreTables: ignore, Charset: c.cfg.Charset, Format: format}
		if c.cfg.Driver == config.DriverMySQL {
			file, cleanup, err := c.writeDefaultsFile()
			if err != nil {
				return err
			}
			defer cleanup()
			opts.DefaultsFile = file
		}
		tpl = engine.BackupCommand(opts)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	if c.logger != nil {
		c.logger.Info("backing up database", "path", path, "ignored_tables", len(ignore))
	}
	if err := c.runner.Run(ctx, shellcmd.Substitute(tpl, c.tokens(path)), c.cfg.Password); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}

	if _, err := c.PruneBackups(); err != nil && c.logger != nil {
		c.logger.Warn("prune backups failed", "error", err)
	}
	return nil
}

// Restore loads the backup at path.
func (c *Connection) Restore(ctx context.Context, path string) error {
	if c.cfg.RestoreCommand.Disabled {
		return ErrRestoreDisabled
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	tpl := c.cfg.RestoreCommand.Template
	if c.cfg.RestoreCommand.IsDefault() {
		engine, err := c.engine(ctx)
		if err != nil {
			return err
		}
		opts := shellcmd.RestoreOptions{Format: restoreFormat(path, info)}
		if c.cfg.Driver == config.DriverMySQL {
			file, cleanup, err := c.writeDefaultsFile()
			if err != nil {
				return err
			}
			defer cleanup()
			opts.DefaultsFile = file
		}
		tpl = engine.RestoreCommand(opts)
	}

	if c.logger != nil {
		c.logger.Info("restoring database", "path", path)
	}
	if err := c.runner.Run(ctx, shellcmd.Substitute(tpl, c.tokens(path)), c.cfg.Password); err != nil {
		return fmt.Errorf("restore database: %w", err)
	}
	c.RefreshSchema()
	return nil
}

func restoreFormat(path string, info fs.FileInfo) config.BackupFormat {
	if info.IsDir() {
		return config.FormatDirectory
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dump":
		return config.FormatCustom
	case ".tar":
		return config.FormatTar
	}
	return config.FormatSQL
}

func (c *Connection) engine(ctx context.Context) (shellcmd.Engine, error) {
	switch c.cfg.Driver {
	case config.DriverMySQL:
		maria, err := c.IsMariaDB(ctx)
		if err != nil {
			return nil, err
		}
		return shellcmd.NewMySQLEngine(maria), nil
	case config.DriverPgsql:
		return shellcmd.NewPostgresEngine(), nil
	}
	return nil, fmt.Errorf("%w: no default backup command for %s", ErrUnsupportedDriver, c.cfg.Driver)
}

func (c *Connection) writeDefaultsFile() (string, func(), error) {
	return shellcmd.WriteDefaultsFile(c.cfg.TempPath, shellcmd.Credentials{
		User:     c.cfg.User,
		Password: c.cfg.Password,
		Server:   c.cfg.Server,
		Port:     c.cfg.Port,
		Socket:   c.cfg.UnixSocket,
	})
}

func (c *Connection) tokens(path string) shellcmd.Tokens {
	return shellcmd.Tokens{
		File:     path,
		Port:     c.cfg.Port,
		Server:   c.cfg.Server,
		User:     c.cfg.User,
		Password: c.cfg.Password,
		Database: c.cfg.Database,
		Schema:   c.cfg.Schema,
	}
}

type backupFile struct {
	path    string
	name    string
	modTime time.Time
}

// PruneBackups deletes the oldest backups beyond the configured maximum and
// returns the removed paths. Newer modification times win; ties keep the
// lexically greater name.
func (c *Connection) PruneBackups() ([]string, error) {
	keep := c.cfg.KeepBackups()
	dir := c.cfg.BackupPath
	if keep <= 0 || dir == "" {
		return nil, nil
	}

	names, err := doublestar.Glob(os.DirFS(dir), backupGlob)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	if len(names) <= keep {
		return nil, nil
	}

	files := make([]backupFile, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		files = append(files, backupFile{path: p, name: name, modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.After(files[j].modTime)
		}
		return files[i].name > files[j].name
	})

	if len(files) <= keep {
		return nil, nil
	}

	removed := make([]string, 0, len(files)-keep)
	for _, f := range files[keep:] {
		if err := os.RemoveAll(f.path); err != nil {
			return removed, fmt.Errorf("remove backup %s: %w", f.name, err)
		}
		removed = append(removed, f.path)
		if c.logger != nil {
			c.logger.Info("removed old backup", "path", f.path)
		}
	}
	return removed, nil
}
