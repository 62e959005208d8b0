package craftdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blang/semver/v4"
	"github.com/eqr/craftdb/config"
	"github.com/eqr/craftdb/shellcmd"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/security"
	"github.com/pocketbase/pocketbase/tools/store"
)

// Driver labels returned by DriverLabel.
const (
	LabelMySQL      = "MySQL"
	LabelMariaDB    = "MariaDB"
	LabelPostgreSQL = "PostgreSQL"
	LabelSQLite     = "SQLite"
)

const identifierAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var versionPattern = regexp.MustCompile(`^\d+(\.\d+){0,2}`)

// CommandRunner executes a shell command line. password is only used for redaction.
type CommandRunner interface {
	Run(ctx context.Context, command, password string) error
}

// Option configures optional Connection settings.
type Option func(*Connection)

// WithLogger attaches a logger used for SQL and shell command logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithClock overrides the time source used for timestamps and backup names.
func WithClock(now func() time.Time) Option {
	return func(c *Connection) {
		if now != nil {
			c.now = now
		}
	}
}

// WithUIDGenerator overrides the generator for uid column values.
func WithUIDGenerator(fn func() string) Option {
	return func(c *Connection) {
		if fn != nil {
			c.newUID = fn
		}
	}
}

// WithPreBackupHook registers a hook that may replace the backup ignore list.
func WithPreBackupHook(h PreBackupHook) Option {
	return func(c *Connection) {
		c.preBackup = h
	}
}

// WithCommandRunner overrides the runner used for backup and restore commands.
func WithCommandRunner(r CommandRunner) Option {
	return func(c *Connection) {
		if r != nil {
			c.runner = r
		}
	}
}

// WithServerVersion presets the server version string and skips the probe and
// charset queries.
func WithServerVersion(version string) Option {
	return func(c *Connection) {
		c.presetVersion = version
	}
}

// Connection wraps a dbx database handle with schema caching, transaction
// tracking and backup support.
type Connection struct {
	cfg    *config.Config
	db     *dbx.DB
	logger *slog.Logger
	now    func() time.Time
	newUID func() string

	preBackup     PreBackupHook
	runner        CommandRunner
	presetVersion string

	mu          sync.Mutex
	probed      bool
	rawVersion  string
	label       string
	supportsMb4 *bool

	schema *store.Store[string, *TableSchema]

	primary  *Connection
	replicas []*Connection
	next     atomic.Uint32
}

// Open connects to the database described by cfg. Replica failures are logged
// and the replica is skipped; Replica then falls back to the primary.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Connection, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c, err := open(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	replicaCfgs, err := cfg.ReplicaConfigs()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	for _, rc := range replicaCfgs {
		replica, err := open(ctx, rc, opts)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("replica unavailable", "server", rc.Server, "error", err)
			}
			continue
		}
		replica.primary = c
		c.replicas = append(c.replicas, replica)
	}

	return c, nil
}

func open(ctx context.Context, cfg *config.Config, opts []Option) (*Connection, error) {
	driverName, dsn, err := cfg.DataSource()
	if err != nil {
		return nil, &ConnectError{Driver: string(cfg.Driver), Kind: ErrConnectionFailed, Err: err}
	}
	if !slices.Contains(sql.Drivers(), driverName) {
		return nil, &ConnectError{Driver: driverName, Kind: ErrDriverNotRegistered}
	}

	db, err := dbx.Open(driverName, dsn)
	if err != nil {
		return nil, &ConnectError{Driver: driverName, Kind: ErrConnectionFailed, Err: err}
	}
	if err := db.DB().PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &ConnectError{Driver: driverName, Kind: ErrConnectionFailed, Err: err}
	}

	return New(db, cfg, opts...), nil
}

// New wraps an already opened dbx handle.
func New(db *dbx.DB, cfg *config.Config, opts ...Option) *Connection {
	if cfg == nil {
		cfg = &config.Config{}
	}

	c := &Connection{
		cfg:    cfg,
		db:     db,
		now:    time.Now,
		newUID: newUID,
		schema: store.New[string, *TableSchema](nil),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.runner == nil {
		c.runner = shellcmd.NewRunner(cfg.CommandTimeout, c.logger)
	}
	if db != nil {
		c.attachLogging()
	}

	return c
}

func (c *Connection) attachLogging() {
	logger := c.logger
	if logger == nil {
		return
	}
	c.db.ExecLogFunc = func(ctx context.Context, t time.Duration, query string, _ sql.Result, err error) {
		if err != nil {
			logger.DebugContext(ctx, "sql exec failed", "sql", query, "duration", t, "error", err)
			return
		}
		logger.DebugContext(ctx, "sql exec", "sql", query, "duration", t)
	}
	c.db.QueryLogFunc = func(ctx context.Context, t time.Duration, query string, _ *sql.Rows, err error) {
		if err != nil {
			logger.DebugContext(ctx, "sql query failed", "sql", query, "duration", t, "error", err)
			return
		}
		logger.DebugContext(ctx, "sql query", "sql", query, "duration", t)
	}
}

// Config returns the configuration the connection was opened with.
func (c *Connection) Config() *config.Config { return c.cfg }

// DB returns the underlying dbx handle.
func (c *Connection) DB() *dbx.DB { return c.db }

// Driver returns the configured driver.
func (c *Connection) Driver() config.Driver { return c.cfg.Driver }

// Now returns the current time from the connection clock, in UTC.
func (c *Connection) Now() time.Time { return c.now().UTC() }

// Close closes the connection and its replicas and clears every cached value.
func (c *Connection) Close() error {
	var errs []error
	for _, r := range c.replicas {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.replicas = nil

	c.mu.Lock()
	c.probed = false
	c.rawVersion = ""
	c.label = ""
	c.supportsMb4 = nil
	c.mu.Unlock()
	c.RefreshSchema()

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Primary returns the primary connection. For a primary it returns itself.
func (c *Connection) Primary() *Connection {
	if c.primary != nil {
		return c.primary
	}
	return c
}

// Replica returns the next read replica in round-robin order, or the primary
// when no replicas are configured.
func (c *Connection) Replica() *Connection {
	p := c.Primary()
	if len(p.replicas) == 0 {
		return p
	}
	n := p.next.Add(1) - 1
	return p.replicas[int(n)%len(p.replicas)]
}

// Command returns a command bound to the transaction carried by ctx, or to the
// connection itself when none is active.
func (c *Connection) Command(ctx context.Context) *Command {
	if state := c.txFromContext(ctx); state != nil && !state.isDone() {
		return c.commandFor(state.tx)
	}
	return c.commandFor(c.db)
}

func (c *Connection) commandFor(b dbx.Builder) *Command {
	return &Command{conn: c, builder: b}
}

// TableName resolves the {{%name}} form to the configured table prefix.
// Other names are returned unchanged.
func (c *Connection) TableName(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "{{") && strings.HasSuffix(name, "}}") {
		inner := strings.TrimSuffix(strings.TrimPrefix(name, "{{"), "}}")
		if rest, ok := strings.CutPrefix(inner, "%"); ok {
			return c.cfg.TablePrefix + rest
		}
		return inner
	}
	return name
}

// ExpandTablePrefix rewrites every {{%name}} in query to {{<prefix>name}}.
func (c *Connection) ExpandTablePrefix(query string) string {
	return strings.ReplaceAll(query, "{{%", "{{"+c.cfg.TablePrefix)
}

// IndexName returns a unique random index name.
func (c *Connection) IndexName() string { return c.objectName("idx") }

// ForeignKeyName returns a unique random foreign key name.
func (c *Connection) ForeignKeyName() string { return c.objectName("fk") }

// PrimaryKeyName returns a unique random primary key name.
func (c *Connection) PrimaryKeyName() string { return c.objectName("pk") }

func (c *Connection) objectName(kind string) string {
	return c.cfg.TablePrefix + kind + "_" + security.RandomStringWithAlphabet(36, identifierAlphabet)
}

// DriverLabel returns the human readable driver name, probing the server once.
func (c *Connection) DriverLabel(ctx context.Context) (string, error) {
	if err := c.probe(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label, nil
}

// IsMariaDB reports whether a mysql connection is actually talking to MariaDB.
func (c *Connection) IsMariaDB(ctx context.Context) (bool, error) {
	label, err := c.DriverLabel(ctx)
	if err != nil {
		return false, err
	}
	return label == LabelMariaDB, nil
}

// ServerVersion returns the probed server version.
func (c *Connection) ServerVersion(ctx context.Context) (semver.Version, error) {
	if err := c.probe(ctx); err != nil {
		return semver.Version{}, err
	}
	c.mu.Lock()
	raw := c.rawVersion
	c.mu.Unlock()
	return parseServerVersion(raw)
}

func parseServerVersion(raw string) (semver.Version, error) {
	m := versionPattern.FindString(strings.TrimSpace(raw))
	if m == "" {
		return semver.Version{}, fmt.Errorf("parse server version %q", raw)
	}
	return semver.ParseTolerant(m)
}

func (c *Connection) probe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.probed {
		return nil
	}

	raw := c.presetVersion
	if raw == "" {
		var q string
		switch c.cfg.Driver {
		case config.DriverMySQL:
			q = "SELECT VERSION()"
		case config.DriverPgsql:
			q = "SHOW server_version"
		case config.DriverSqlite:
			q = "SELECT sqlite_version()"
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedDriver, c.cfg.Driver)
		}
		if err := c.db.NewQuery(q).WithContext(ctx).Row(&raw); err != nil {
			return fmt.Errorf("probe server version: %w", err)
		}
	}

	c.rawVersion = raw
	switch c.cfg.Driver {
	case config.DriverMySQL:
		c.label = LabelMySQL
		if strings.Contains(strings.ToLower(raw), "mariadb") {
			c.label = LabelMariaDB
		}
	case config.DriverPgsql:
		c.label = LabelPostgreSQL
	case config.DriverSqlite:
		c.label = LabelSQLite
	}
	c.probed = true
	return nil
}

var mb4MinVersion = semver.MustParse("5.5.3")

// SupportsMb4 reports whether the server can store 4-byte UTF-8. The result is
// computed once and cached until Close or SetSupportsMb4.
func (c *Connection) SupportsMb4(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.supportsMb4 != nil {
		v := *c.supportsMb4
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	supported := true
	if c.cfg.Driver == config.DriverMySQL {
		v, err := c.ServerVersion(ctx)
		if err != nil {
			return false, err
		}
		supported = v.GTE(mb4MinVersion)
		if supported && c.presetVersion == "" && c.db != nil {
			var charsets []string
			err := c.db.NewQuery("SELECT CHARACTER_SET_NAME FROM information_schema.CHARACTER_SETS WHERE CHARACTER_SET_NAME = 'utf8mb4'").
				WithContext(ctx).
				Column(&charsets)
			if err != nil {
				return false, fmt.Errorf("look up utf8mb4 charset: %w", err)
			}
			supported = len(charsets) > 0
		}
	}

	c.SetSupportsMb4(supported)
	return supported, nil
}

// SetSupportsMb4 overrides the cached mb4 capability.
func (c *Connection) SetSupportsMb4(v bool) {
	c.mu.Lock()
	c.supportsMb4 = &v
	c.mu.Unlock()
}
