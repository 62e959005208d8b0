package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cast"
)

// DSN is the parsed form of a URL-style connection string such as
// mysql://user:secret@db:3306/craft or postgres://user@db/craft?schema=public.
type DSN struct {
	Driver   Driver
	User     string
	Password string
	Server   string
	Port     int
	Database string
	Schema   string
	Socket   string
}

// ParseDSN parses a URL-style DSN.
func ParseDSN(dsnString string) (*DSN, error) {
	if dsnString == "" {
		return nil, fmt.Errorf("empty DSN")
	}

	u, err := url.Parse(dsnString)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN format: %w", err)
	}

	if u.Scheme == "" {
		return nil, fmt.Errorf("missing database scheme")
	}

	driver, err := determineDriver(u.Scheme)
	if err != nil {
		return nil, err
	}

	dsn := &DSN{Driver: driver}

	if driver == DriverSqlite {
		dsn.Database = u.Opaque
		if dsn.Database == "" {
			dsn.Database = u.Host + u.Path
		}
		return dsn, nil
	}

	dsn.User = u.User.Username()
	dsn.Server = u.Hostname()
	dsn.Database = strings.TrimPrefix(u.Path, "/")

	if password, ok := u.User.Password(); ok {
		dsn.Password = password
	}

	if u.Port() != "" {
		port, err := cast.ToIntE(u.Port())
		if err != nil {
			return nil, fmt.Errorf("invalid DSN port %q: %w", u.Port(), err)
		}
		dsn.Port = port
	}

	query := u.Query()
	dsn.Schema = query.Get("schema")
	dsn.Socket = query.Get("unix_socket")

	return dsn, nil
}

// ApplyTo copies the non-empty DSN parts onto cfg.
func (d *DSN) ApplyTo(cfg *Config) {
	cfg.Driver = d.Driver
	if d.User != "" {
		cfg.User = d.User
	}
	if d.Password != "" {
		cfg.Password = d.Password
	}
	if d.Server != "" {
		cfg.Server = d.Server
	}
	if d.Port != 0 {
		cfg.Port = d.Port
	}
	if d.Database != "" {
		cfg.Database = d.Database
	}
	if d.Schema != "" {
		cfg.Schema = d.Schema
	}
	if d.Socket != "" {
		cfg.UnixSocket = d.Socket
	}
}

func determineDriver(scheme string) (Driver, error) {
	switch strings.ToLower(scheme) {
	case "mysql", "mariadb":
		return DriverMySQL, nil
	case "postgresql", "postgres", "pgsql":
		return DriverPgsql, nil
	case "sqlite", "sqlite3", "file":
		return DriverSqlite, nil
	default:
		return "", fmt.Errorf("unsupported database scheme %q", scheme)
	}
}
