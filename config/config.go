package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-sql-driver/mysql"
)

// Driver identifies the configured database engine.
type Driver string

const (
	DriverMySQL  Driver = "mysql"
	DriverPgsql  Driver = "pgsql"
	DriverSqlite Driver = "sqlite"
)

// BackupFormat is the pg_dump output format. MySQL always produces plain SQL.
type BackupFormat string

const (
	FormatSQL       BackupFormat = "sql"
	FormatCustom    BackupFormat = "custom"
	FormatDirectory BackupFormat = "directory"
	FormatTar       BackupFormat = "tar"
)

// Extension returns the backup file extension for the format, including the dot.
func (f BackupFormat) Extension() string {
	switch f {
	case FormatCustom, FormatDirectory:
		return ".dump"
	case FormatTar:
		return ".tar"
	default:
		return ".sql"
	}
}

const (
	defaultServer         = "localhost"
	defaultSchema         = "public"
	defaultSystemName     = "craft"
	defaultVersion        = "1.0.0"
	defaultBackupPath     = "storage/backups"
	defaultMigrationsPath = "migrations"
	defaultMaxBackups     = 20
	defaultCommandTimeout = 10 * time.Minute
	defaultSSLMode        = "disable"
)

var tablePrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9_]*$`)

// Config holds database, backup and migration settings.
type Config struct {
	Driver      Driver   `toml:"driver" yaml:"driver" json:"driver" env:"CRAFT_DB_DRIVER"`
	DSN         string   `toml:"dsn,omitempty" yaml:"dsn,omitempty" json:"dsn,omitempty" env:"CRAFT_DB_DSN"`
	Server      string   `toml:"server" yaml:"server" json:"server" env:"CRAFT_DB_SERVER"`
	Port        int      `toml:"port,omitempty" yaml:"port,omitempty" json:"port,omitempty" env:"CRAFT_DB_PORT"`
	UnixSocket  string   `toml:"unix_socket,omitempty" yaml:"unix_socket,omitempty" json:"unix_socket,omitempty" env:"CRAFT_DB_UNIX_SOCKET"`
	User        string   `toml:"user" yaml:"user" json:"user" env:"CRAFT_DB_USER"`
	Password    string   `toml:"password" yaml:"password" json:"password" env:"CRAFT_DB_PASSWORD"`
	Database    string   `toml:"database" yaml:"database" json:"database" env:"CRAFT_DB_DATABASE"`
	Schema      string   `toml:"schema,omitempty" yaml:"schema,omitempty" json:"schema,omitempty" env:"CRAFT_DB_SCHEMA"`
	TablePrefix string   `toml:"table_prefix,omitempty" yaml:"table_prefix,omitempty" json:"table_prefix,omitempty" env:"CRAFT_DB_TABLE_PREFIX"`
	Charset     string   `toml:"charset,omitempty" yaml:"charset,omitempty" json:"charset,omitempty" env:"CRAFT_DB_CHARSET"`
	SSLMode     string   `toml:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty" env:"CRAFT_DB_SSL_MODE"`
	Replicas    []string `toml:"replicas,omitempty" yaml:"replicas,omitempty" json:"replicas,omitempty" env:"CRAFT_DB_REPLICAS" envSeparator:","`

	SystemName string `toml:"system_name" yaml:"system_name" json:"system_name" env:"CRAFT_SYSTEM_NAME"`
	Version    string `toml:"version" yaml:"version" json:"version" env:"CRAFT_VERSION"`
	Installed  *bool  `toml:"installed,omitempty" yaml:"installed,omitempty" json:"installed,omitempty" env:"CRAFT_INSTALLED"`

	BackupPath     string        `toml:"backup_path" yaml:"backup_path" json:"backup_path" env:"CRAFT_BACKUP_PATH"`
	BackupCommand  Command       `toml:"backup_command,omitempty" yaml:"backup_command,omitempty" json:"backup_command,omitempty" env:"CRAFT_BACKUP_COMMAND"`
	RestoreCommand Command       `toml:"restore_command,omitempty" yaml:"restore_command,omitempty" json:"restore_command,omitempty" env:"CRAFT_RESTORE_COMMAND"`
	BackupFormat   BackupFormat  `toml:"backup_format,omitempty" yaml:"backup_format,omitempty" json:"backup_format,omitempty" env:"CRAFT_BACKUP_FORMAT"`
	MaxBackups     *int          `toml:"max_backups,omitempty" yaml:"max_backups,omitempty" json:"max_backups,omitempty" env:"CRAFT_MAX_BACKUPS"`
	CommandTimeout time.Duration `toml:"command_timeout,omitempty" yaml:"command_timeout,omitempty" json:"command_timeout,omitempty" env:"CRAFT_COMMAND_TIMEOUT"`
	TempPath       string        `toml:"temp_path,omitempty" yaml:"temp_path,omitempty" json:"temp_path,omitempty" env:"CRAFT_TEMP_PATH"`

	MigrationsPath string `toml:"migrations_path,omitempty" yaml:"migrations_path,omitempty" json:"migrations_path,omitempty" env:"CRAFT_MIGRATIONS_PATH"`

	// ProjectRoot is the directory relative paths are resolved against.
	ProjectRoot string `toml:"-" yaml:"-" json:"-"`
}

// ApplyDefaults fills unset fields and resolves relative paths against ProjectRoot.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMySQL
	}
	if c.Server == "" && c.UnixSocket == "" {
		c.Server = defaultServer
	}
	if c.Port == 0 {
		switch c.Driver {
		case DriverMySQL:
			c.Port = 3306
		case DriverPgsql:
			c.Port = 5432
		}
	}
	if c.Schema == "" && c.Driver == DriverPgsql {
		c.Schema = defaultSchema
	}
	if c.SSLMode == "" {
		c.SSLMode = defaultSSLMode
	}
	if c.SystemName == "" {
		c.SystemName = defaultSystemName
	}
	if c.Version == "" {
		c.Version = defaultVersion
	}
	if c.Installed == nil {
		installed := true
		c.Installed = &installed
	}
	if c.BackupFormat == "" {
		c.BackupFormat = FormatSQL
	}
	if c.MaxBackups == nil {
		maxBackups := defaultMaxBackups
		c.MaxBackups = &maxBackups
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.TempPath == "" {
		c.TempPath = os.TempDir()
	}
	if c.BackupPath == "" {
		c.BackupPath = defaultBackupPath
	}
	if c.MigrationsPath == "" {
		c.MigrationsPath = defaultMigrationsPath
	}

	c.BackupPath = c.resolvePath(c.BackupPath)
	c.MigrationsPath = c.resolvePath(c.MigrationsPath)
	c.TempPath = c.resolvePath(c.TempPath)
	if c.Driver == DriverSqlite {
		c.Database = c.resolvePath(c.Database)
	}
}

func (c *Config) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.ProjectRoot == "" || p == ":memory:" {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}

// Validate checks the config after defaults have been applied.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverMySQL, DriverPgsql, DriverSqlite)),
		validation.Field(&c.Database, validation.Required),
		validation.Field(&c.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&c.TablePrefix, validation.Length(0, 5), validation.Match(tablePrefixPattern)),
		validation.Field(&c.BackupFormat, validation.In(FormatSQL, FormatCustom, FormatDirectory, FormatTar)),
		validation.Field(&c.MaxBackups, validation.Min(0)),
		validation.Field(&c.SystemName, validation.Required),
		validation.Field(&c.Version, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// IsInstalled reports whether the system is past its initial install.
func (c *Config) IsInstalled() bool {
	return c.Installed == nil || *c.Installed
}

// KeepBackups returns the configured retention count; zero disables pruning.
func (c *Config) KeepBackups() int {
	if c.MaxBackups == nil {
		return defaultMaxBackups
	}
	return *c.MaxBackups
}

// Host returns the server address used for TCP connections.
func (c *Config) Host() string {
	return net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
}

// DataSource returns the database/sql driver name and its connection string.
func (c *Config) DataSource() (string, string, error) {
	switch c.Driver {
	case DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = c.User
		mc.Passwd = c.Password
		mc.DBName = c.Database
		mc.ParseTime = true
		mc.Loc = time.UTC
		if c.UnixSocket != "" {
			mc.Net = "unix"
			mc.Addr = c.UnixSocket
		} else {
			mc.Net = "tcp"
			mc.Addr = c.Host()
		}
		if c.Charset != "" {
			mc.Params = map[string]string{"charset": c.Charset}
		}
		return "mysql", mc.FormatDSN(), nil
	case DriverPgsql:
		parts := []string{
			"host=" + quotePgValue(c.pgHost()),
			"port=" + strconv.Itoa(c.Port),
			"user=" + quotePgValue(c.User),
			"password=" + quotePgValue(c.Password),
			"dbname=" + quotePgValue(c.Database),
			"sslmode=" + quotePgValue(c.SSLMode),
		}
		if c.Schema != "" {
			parts = append(parts, "search_path="+quotePgValue(c.Schema))
		}
		return "postgres", strings.Join(parts, " "), nil
	case DriverSqlite:
		dsn := c.Database
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		}
		return "sqlite", dsn, nil
	}
	return "", "", fmt.Errorf("unsupported driver %q", c.Driver)
}

func (c *Config) pgHost() string {
	if c.UnixSocket != "" {
		return c.UnixSocket
	}
	return c.Server
}

// ReplicaConfigs returns one config per replica DSN, inheriting everything the DSN omits.
func (c *Config) ReplicaConfigs() ([]*Config, error) {
	out := make([]*Config, 0, len(c.Replicas))
	for _, raw := range c.Replicas {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parsed, err := ParseDSN(raw)
		if err != nil {
			return nil, fmt.Errorf("replica dsn: %w", err)
		}
		replica := *c
		replica.Replicas = nil
		replica.DSN = ""
		parsed.ApplyTo(&replica)
		out = append(out, &replica)
	}
	return out, nil
}

func quotePgValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
