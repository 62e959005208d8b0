package migrations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/eqr/craftdb"
	"github.com/eqr/craftdb/config"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/hook"
	"github.com/pocketbase/pocketbase/tools/list"
)

// Manager discovers, applies and reverts migrations for one track and keeps
// the applied names in the migrations table.
type Manager struct {
	conn       *craftdb.Connection
	track      Track
	table      string
	fsys       fs.FS
	dir        string
	migrations []Migration
	byName     map[string]Migration
	out        io.Writer
	buffered   bool
	logger     *slog.Logger

	onBeforeMigrate *hook.Hook[*MigrateEvent]
	onAfterMigrate  *hook.Hook[*MigrateEvent]
}

// Option configures the Manager.
type Option func(*Manager)

// WithTrack selects the history track. Defaults to AppTrack.
func WithTrack(t Track) Option {
	return func(m *Manager) {
		if t.Type == "" {
			t.Type = TypeApp
		}
		m.track = t
	}
}

// WithTableName overrides the default {{%migrations}} table.
func WithTableName(name string) Option {
	trimmed := strings.TrimSpace(name)
	return func(m *Manager) {
		if trimmed != "" {
			m.table = trimmed
		}
	}
}

// WithFS reads migration files from dir inside fsys.
func WithFS(fsys fs.FS, dir string) Option {
	return func(m *Manager) {
		m.fsys = fsys
		m.dir = dir
	}
}

// WithDir reads migration files from a directory on disk.
func WithDir(dir string) Option {
	return func(m *Manager) {
		if dir == "" {
			return
		}
		m.fsys = os.DirFS(dir)
		m.dir = "."
	}
}

// WithOutput sets the writer receiving step output. Defaults to io.Discard.
func WithOutput(w io.Writer) Option {
	return func(m *Manager) {
		if w != nil {
			m.out = w
		}
	}
}

// WithBufferedOutput collects each step's output and attaches it to the
// MigrationError on failure instead of streaming it.
func WithBufferedOutput(buffered bool) Option {
	return func(m *Manager) {
		m.buffered = buffered
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager constructs a Manager with optional configuration.
func NewManager(conn *craftdb.Connection, opts ...Option) *Manager {
	m := &Manager{
		conn:            conn,
		track:           AppTrack,
		table:           defaultTableName,
		byName:          make(map[string]Migration),
		out:             io.Discard,
		onBeforeMigrate: &hook.Hook[*MigrateEvent]{},
		onAfterMigrate:  &hook.Hook[*MigrateEvent]{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// Track returns the history track the manager works on.
func (m *Manager) Track() Track { return m.track }

// Register adds a single migration, ensuring unique names.
func (m *Manager) Register(mig Migration) error {
	if mig == nil {
		return errors.New("migration is nil")
	}

	name := strings.TrimSpace(mig.Name())
	if name == "" {
		return errors.New("migration name is required")
	}
	if name == BaseMigration {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMigration, name)
	}

	m.byName[name] = mig
	m.migrations = append(m.migrations, mig)
	return nil
}

// RegisterAll adds multiple migrations in order.
func (m *Manager) RegisterAll(migrations ...Migration) error {
	for _, mig := range migrations {
		if err := m.Register(mig); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the registered migration called name, falling back to the
// matching SQL file.
func (m *Manager) Resolve(name string) (Migration, error) {
	if mig, ok := m.byName[name]; ok {
		return mig, nil
	}
	if m.fsys != nil {
		mig, err := LoadSQL(m.fsys, m.dir, name)
		if err == nil {
			return mig, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMigrationNotFound, name)
}

// NewMigrations returns the names of known migrations that have not been
// applied on this track, in ascending order.
func (m *Manager) NewMigrations(ctx context.Context) ([]string, error) {
	if err := m.EnsureHistoryTable(ctx); err != nil {
		return nil, err
	}

	files, err := migrationFileNames(m.fsys, m.dir)
	if err != nil {
		return nil, err
	}
	known := make([]string, 0, len(files)+len(m.migrations))
	known = append(known, files...)
	for _, mig := range m.migrations {
		known = append(known, strings.TrimSpace(mig.Name()))
	}

	applied, err := m.appliedNames(ctx)
	if err != nil {
		return nil, err
	}
	applied = append(applied, BaseMigration)

	pending := list.SubtractSlice(list.ToUniqueStringSlice(known), applied)
	sort.Strings(pending)
	return pending, nil
}

// Up applies up to limit pending migrations, all of them when limit <= 0. It
// stops at the first failure; steps applied before it stay committed.
func (m *Manager) Up(ctx context.Context, limit int) ([]string, error) {
	pending, err := m.NewMigrations(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(pending) {
		pending = pending[:limit]
	}

	applied := make([]string, 0, len(pending))
	for _, name := range pending {
		mig, err := m.Resolve(name)
		if err != nil {
			return applied, err
		}
		if err := m.MigrateUp(ctx, mig); err != nil {
			return applied, err
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// Down reverts the newest limit applied migrations, one when limit <= 0.
func (m *Manager) Down(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1
	}

	history, err := m.History(ctx, limit)
	if err != nil {
		return nil, err
	}

	reverted := make([]string, 0, len(history))
	for _, rec := range history {
		mig, err := m.Resolve(rec.Name)
		if err != nil {
			return reverted, err
		}
		if err := m.MigrateDown(ctx, mig); err != nil {
			return reverted, err
		}
		reverted = append(reverted, rec.Name)
	}
	return reverted, nil
}

// MigrateUp applies a single migration and records it in the same transaction.
func (m *Manager) MigrateUp(ctx context.Context, mig Migration) error {
	return m.migrate(ctx, mig, DirectionUp)
}

// MigrateDown reverts a single migration and removes its history row in the
// same transaction.
func (m *Manager) MigrateDown(ctx context.Context, mig Migration) error {
	return m.migrate(ctx, mig, DirectionDown)
}

func (m *Manager) migrate(ctx context.Context, mig Migration, dir Direction) error {
	if mig == nil {
		return errors.New("migration is nil")
	}
	name := strings.TrimSpace(mig.Name())
	if name == BaseMigration {
		return nil
	}
	if err := m.EnsureHistoryTable(ctx); err != nil {
		return err
	}

	event := &MigrateEvent{Name: name, Direction: dir, Track: m.track}
	if err := m.onBeforeMigrate.Trigger(event); err != nil {
		return &MigrationError{Name: name, Direction: dir, Cause: err}
	}

	var (
		buf bytes.Buffer
		out = m.out
	)
	if m.buffered {
		out = &buf
	}

	verb := "applying"
	if dir == DirectionDown {
		verb = "reverting"
	}
	fmt.Fprintf(out, "*** %s %s\n", verb, name)
	m.log(slog.LevelInfo, verb+" migration", "name", name, "track", m.track.Type)
	start := time.Now()

	err := m.conn.Transaction(ctx, func(ctx context.Context, cmd *craftdb.Command) error {
		tx := &Tx{Command: cmd, out: out}
		if dir == DirectionUp {
			if err := mig.Up(ctx, tx); err != nil {
				return err
			}
			return m.addHistory(ctx, cmd, name)
		}
		if err := mig.Down(ctx, tx); err != nil {
			return err
		}
		return m.removeHistory(ctx, cmd, name)
	})
	m.conn.RefreshSchema()

	elapsed := time.Since(start)
	if err != nil {
		fmt.Fprintf(out, "*** failed to %s %s (time: %.3fs)\n", dir, name, elapsed.Seconds())
		m.log(slog.LevelError, "migration failed", "name", name, "direction", string(dir), "error", err)
		migErr := &MigrationError{Name: name, Direction: dir, Cause: err}
		if m.buffered {
			migErr.Output = buf.String()
		}
		return migErr
	}

	fmt.Fprintf(out, "*** %s %s (time: %.3fs)\n", pastTense(dir), name, elapsed.Seconds())
	m.log(slog.LevelDebug, "migration done", "name", name, "direction", string(dir), "elapsed", elapsed)

	if err := m.onAfterMigrate.Trigger(event); err != nil {
		return fmt.Errorf("after migrate %s: %w", name, err)
	}
	return nil
}

func pastTense(d Direction) string {
	if d == DirectionDown {
		return "reverted"
	}
	return "applied"
}

// History returns the applied migrations of the track, newest name first.
// limit <= 0 returns everything.
func (m *Manager) History(ctx context.Context, limit int) ([]Record, error) {
	if err := m.EnsureHistoryTable(ctx); err != nil {
		return nil, err
	}

	q := m.conn.Command(ctx).Builder().
		Select("*").
		From(m.conn.TableName(m.table)).
		Where(m.track.condition()).
		OrderBy("name DESC")
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	records := make([]Record, 0)
	if err := q.WithContext(ctx).All(&records); err != nil {
		return nil, fmt.Errorf("load migration history: %w", err)
	}
	return records, nil
}

func (m *Manager) appliedNames(ctx context.Context) ([]string, error) {
	var names []string
	err := m.conn.Command(ctx).Builder().
		Select("name").
		From(m.conn.TableName(m.table)).
		Where(m.track.condition()).
		WithContext(ctx).
		Column(&names)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	return names, nil
}

// HasRun reports whether name has been applied on this track.
func (m *Manager) HasRun(ctx context.Context, name string) (bool, error) {
	if err := m.EnsureHistoryTable(ctx); err != nil {
		return false, err
	}

	var count int
	err := m.conn.Command(ctx).Builder().
		Select("COUNT(*)").
		From(m.conn.TableName(m.table)).
		Where(dbx.And(m.track.condition(), dbx.HashExp{"name": name})).
		WithContext(ctx).
		Row(&count)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return count > 0, nil
}

// MarkApplied records name as applied without running it.
func (m *Manager) MarkApplied(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("migration name is required")
	}
	if name == BaseMigration {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}

	ran, err := m.HasRun(ctx, name)
	if err != nil || ran {
		return err
	}
	return m.addHistory(ctx, m.conn.Command(ctx), name)
}

// RemoveHistory forgets that name was applied without reverting it.
func (m *Manager) RemoveHistory(ctx context.Context, name string) error {
	if err := m.EnsureHistoryTable(ctx); err != nil {
		return err
	}
	return m.removeHistory(ctx, m.conn.Command(ctx), name)
}

// TruncateHistory forgets every applied migration of the track.
func (m *Manager) TruncateHistory(ctx context.Context) (int64, error) {
	if err := m.EnsureHistoryTable(ctx); err != nil {
		return 0, err
	}
	res, err := m.conn.Command(ctx).Delete(ctx, m.table, m.track.condition())
	if err != nil {
		return 0, fmt.Errorf("truncate migration history: %w", err)
	}
	return res.RowsAffected()
}

func (m *Manager) addHistory(ctx context.Context, cmd *craftdb.Command, name string) error {
	cols := m.track.columns(name)
	cols["applyTime"] = craftdb.FormatTime(m.conn.Now())
	if _, err := cmd.Insert(ctx, m.table, cols); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}

func (m *Manager) removeHistory(ctx context.Context, cmd *craftdb.Command, name string) error {
	where := dbx.And(m.track.condition(), dbx.HashExp{"name": name})
	if _, err := cmd.Delete(ctx, m.table, where); err != nil {
		return fmt.Errorf("remove migration %s: %w", name, err)
	}
	return nil
}

// EnsureHistoryTable creates the migrations table when it is missing.
func (m *Manager) EnsureHistoryTable(ctx context.Context) error {
	if m.conn == nil {
		return errors.New("manager connection is nil")
	}

	exists, err := m.conn.TableExists(ctx, m.table, false)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	cmd := m.conn.Command(ctx)
	if _, err := cmd.Exec(ctx, historyTableSQL(m.conn.Driver(), m.conn.TableName(m.table)), nil); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	if _, err := cmd.CreateIndex(ctx, m.table, []string{"type", "pluginId", "name"}, true); err != nil {
		return err
	}
	m.log(slog.LevelInfo, "created migrations table", "table", m.conn.TableName(m.table))

	if _, err := m.conn.TableExists(ctx, m.table, true); err != nil {
		return err
	}
	return nil
}

func historyTableSQL(driver config.Driver, table string) string {
	id, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT NOT NULL"
	switch driver {
	case config.DriverMySQL:
		id, ts = "INT NOT NULL AUTO_INCREMENT PRIMARY KEY", "DATETIME NOT NULL"
	case config.DriverPgsql:
		id, ts = "SERIAL PRIMARY KEY", "TIMESTAMP(0) NOT NULL"
	}

	return "CREATE TABLE {{" + table + "}} (" +
		"[[id]] " + id + ", " +
		"[[type]] VARCHAR(16) NOT NULL DEFAULT 'app', " +
		"[[pluginId]] INTEGER NULL, " +
		"[[name]] VARCHAR(255) NOT NULL, " +
		"[[applyTime]] " + ts + ", " +
		"[[dateCreated]] " + ts + ", " +
		"[[dateUpdated]] " + ts + ", " +
		"[[uid]] CHAR(36) NOT NULL DEFAULT '0')"
}

func (m *Manager) log(level slog.Level, msg string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Log(context.Background(), level, msg, args...)
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// NewName builds a migration name of the form mYYMMDD_HHMMSS_description.
func NewName(description string, now time.Time) (string, error) {
	desc := strings.Trim(nonWord.ReplaceAllString(strings.ToLower(description), "_"), "_")
	if desc == "" {
		return "", fmt.Errorf("%w: description %q", ErrInvalidName, description)
	}
	return "m" + now.UTC().Format("060102_150405") + "_" + desc, nil
}

// Create writes an empty SQL migration into dir and returns its path.
func Create(dir, description string, now time.Time) (string, error) {
	name, err := NewName(description, now)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create migrations dir: %w", err)
	}

	path := filepath.Join(dir, name+sqlFileExt)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create migration file: %w", err)
	}
	defer f.Close()

	if _, err := io.WriteString(f, sqlFileHeader); err != nil {
		return "", fmt.Errorf("write migration file: %w", err)
	}
	return path, nil
}
