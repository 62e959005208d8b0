package shellcmd

import (
	"strings"

	"github.com/eqr/craftdb/config"
)

// BackupOptions feed the default backup templates.
type BackupOptions struct {
	// IgnoreTables are raw (prefixed) table names whose data is skipped.
	IgnoreTables []string
	// DefaultsFile is the MySQL [client] credentials file.
	DefaultsFile string
	Charset      string
	Format       config.BackupFormat
}

// RestoreOptions feed the default restore templates.
type RestoreOptions struct {
	DefaultsFile string
	Format       config.BackupFormat
}

// Engine builds the default backup and restore command templates for a driver.
// Templates still contain tokens; run them through Substitute before executing.
type Engine interface {
	BackupCommand(opts BackupOptions) string
	RestoreCommand(opts RestoreOptions) string
	Name() string
}

// MySQLEngine builds mysqldump/mysql commands.
type MySQLEngine struct {
	isMariaDB bool
}

func NewMySQLEngine(isMariaDB bool) *MySQLEngine {
	return &MySQLEngine{isMariaDB: isMariaDB}
}

// BackupCommand dumps the full schema first, then appends data for every table
// except the ignored ones.
func (e *MySQLEngine) BackupCommand(opts BackupOptions) string {
	dumpCmd := "mysqldump"
	if e.isMariaDB {
		dumpCmd = "mariadb-dump"
	}

	charset := opts.Charset
	if charset == "" {
		charset = "utf8"
	}

	defaultArgs := strings.Join([]string{
		`--defaults-file="` + opts.DefaultsFile + `"`,
		"--add-drop-table",
		"--comments",
		"--create-options",
		"--dump-date",
		"--no-autocommit",
		"--routines",
		"--default-character-set=" + charset,
		"--set-charset",
		"--triggers",
		"--no-tablespaces",
	}, " ")

	ignoreArgs := make([]string, 0, len(opts.IgnoreTables))
	for _, table := range opts.IgnoreTables {
		ignoreArgs = append(ignoreArgs, "--ignore-table={database}."+table)
	}

	schemaDump := dumpCmd + " " + defaultArgs + ` --single-transaction --no-data --result-file="{file}" {database}`

	dataDump := dumpCmd + " " + defaultArgs + " --no-create-info"
	if len(ignoreArgs) > 0 {
		dataDump += " " + strings.Join(ignoreArgs, " ")
	}
	dataDump += ` {database} >> "{file}"`

	return schemaDump + " && " + dataDump
}

func (e *MySQLEngine) RestoreCommand(opts RestoreOptions) string {
	client := "mysql"
	if e.isMariaDB {
		client = "mariadb"
	}
	return client + ` --defaults-file="` + opts.DefaultsFile + `" {database} < "{file}"`
}

func (e *MySQLEngine) Name() string {
	if e.isMariaDB {
		return "MariaDB"
	}
	return "MySQL"
}

// PostgresEngine builds pg_dump/psql/pg_restore commands.
type PostgresEngine struct{}

func NewPostgresEngine() *PostgresEngine {
	return &PostgresEngine{}
}

const pgPassword = `PGPASSWORD="{password}" `

func (e *PostgresEngine) BackupCommand(opts BackupOptions) string {
	args := []string{
		"pg_dump",
		"--dbname={database}",
		"--host={server}",
		"--port={port}",
		"--username={user}",
		"--if-exists",
		"--clean",
		"--no-owner",
		"--no-privileges",
		"--no-acl",
		`--file="{file}"`,
		"--schema={schema}",
	}

	if format := pgFormat(opts.Format); format != "" {
		args = append(args, "--format="+format)
	}

	for _, table := range opts.IgnoreTables {
		args = append(args, "--exclude-table-data '{schema}."+table+"'")
	}

	return pgPassword + strings.Join(args, " ")
}

func (e *PostgresEngine) RestoreCommand(opts RestoreOptions) string {
	if pgFormat(opts.Format) == "" {
		return pgPassword + `psql --dbname={database} --host={server} --port={port} --username={user} --no-password < "{file}"`
	}
	return pgPassword + `pg_restore --dbname={database} --host={server} --port={port} --username={user} --no-password --no-owner --no-acl --clean --if-exists "{file}"`
}

func (e *PostgresEngine) Name() string {
	return "PostgreSQL"
}

func pgFormat(f config.BackupFormat) string {
	switch f {
	case config.FormatCustom:
		return "custom"
	case config.FormatDirectory:
		return "directory"
	case config.FormatTar:
		return "tar"
	default:
		return ""
	}
}
