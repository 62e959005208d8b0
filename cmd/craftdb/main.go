// Command craftdb backs up, restores and migrates a Craft database using the
// settings found in craftdb.toml (or .yaml/.json) and CRAFT_* variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/eqr/craftdb"
	"github.com/eqr/craftdb/config"
	"github.com/eqr/craftdb/migrations"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const usage = `usage: craftdb [-dir path] [-v] [-type app|plugin|content] [-plugin id] <command>

commands:
  backup [path]            export the database (default path under backup_path)
  restore <path>           import a backup file
  migrate up [-limit n]    apply pending migrations (all by default)
  migrate down [-limit n]  revert applied migrations (one by default)
  migrate new <desc>       create an empty SQL migration
  migrate history          list applied migrations
  migrate pending          list migrations that have not been applied
  migrate mark <name>      record a migration as applied without running it
  db info                  print server details
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var migErr *migrations.MigrationError
		if errors.As(err, &migErr) && migErr.Output != "" {
			fmt.Fprintf(os.Stderr, "\n%s", migErr.Output)
		}
		os.Exit(1)
	}
}

type app struct {
	dir     string
	verbose bool
	track   migrations.Track
	stdout  io.Writer
	stderr  io.Writer
	logger  *slog.Logger
	now     func() time.Time
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("craftdb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }

	a := &app{stdout: stdout, stderr: stderr, now: time.Now}
	var trackType string
	var pluginID int64
	fs.StringVar(&a.dir, "dir", ".", "project directory to search for the config file")
	fs.BoolVar(&a.verbose, "v", false, "verbose output")
	fs.StringVar(&trackType, "type", "", "migration track (app, plugin, content)")
	fs.Int64Var(&pluginID, "plugin", 0, "plugin id for the plugin track")
	if err := fs.Parse(args); err != nil {
		return err
	}

	track, err := resolveTrack(trackType, pluginID)
	if err != nil {
		return err
	}
	a.track = track

	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	switch rest[0] {
	case "backup":
		return a.backup(ctx, rest[1:])
	case "restore":
		return a.restore(ctx, rest[1:])
	case "migrate":
		return a.migrate(ctx, rest[1:])
	case "db":
		if len(rest) < 2 || rest[1] != "info" {
			return fmt.Errorf("unknown db command %q", strings.Join(rest[1:], " "))
		}
		return a.info(ctx)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func resolveTrack(trackType string, pluginID int64) (migrations.Track, error) {
	switch {
	case pluginID != 0:
		if trackType != "" && trackType != migrations.TypePlugin {
			return migrations.Track{}, fmt.Errorf("-plugin requires -type %s", migrations.TypePlugin)
		}
		return migrations.PluginTrack(pluginID), nil
	case trackType == "" || trackType == migrations.TypeApp:
		return migrations.AppTrack, nil
	case trackType == migrations.TypeContent:
		return migrations.Track{Type: migrations.TypeContent}, nil
	case trackType == migrations.TypePlugin:
		return migrations.Track{}, errors.New("-type plugin requires -plugin id")
	}
	return migrations.Track{}, fmt.Errorf("unknown migration track %q", trackType)
}

func (a *app) connect(ctx context.Context) (*craftdb.Connection, *config.Config, error) {
	cfg, err := config.Load(a.dir)
	if err != nil {
		return nil, nil, err
	}
	conn, err := craftdb.Open(ctx, cfg, craftdb.WithLogger(a.logger))
	if err != nil {
		return nil, nil, err
	}
	return conn, cfg, nil
}

func (a *app) backup(ctx context.Context, args []string) error {
	conn, _, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var path string
	if len(args) > 0 {
		path = args[0]
		err = conn.BackupTo(ctx, path)
	} else {
		path, err = conn.Backup(ctx)
	}
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	fmt.Fprintf(a.stdout, "Backup file: %s\n", path)
	return nil
}

func (a *app) restore(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("restore requires a backup path")
	}
	conn, _, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Restore(ctx, args[0]); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	fmt.Fprintf(a.stdout, "Restored %s\n", args[0])
	return nil
}

func (a *app) migrate(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("migrate requires a subcommand")
	}

	sub := flag.NewFlagSet("migrate "+args[0], flag.ContinueOnError)
	sub.SetOutput(a.stderr)
	limit := sub.Int("limit", 0, "number of migrations (0 = default)")
	if err := sub.Parse(args[1:]); err != nil {
		return err
	}
	rest := sub.Args()

	conn, cfg, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if args[0] == "new" {
		if len(rest) == 0 {
			return errors.New("migrate new requires a description")
		}
		path, err := migrations.Create(cfg.MigrationsPath, strings.Join(rest, " "), a.now())
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Created %s\n", path)
		return nil
	}

	out := io.Discard
	if a.verbose {
		out = a.stdout
	}
	m := migrations.NewManager(conn,
		migrations.WithTrack(a.track),
		migrations.WithDir(cfg.MigrationsPath),
		migrations.WithOutput(out),
		migrations.WithBufferedOutput(!a.verbose),
		migrations.WithLogger(a.logger),
	)

	switch args[0] {
	case "up":
		applied, err := m.Up(ctx, *limit)
		a.printNames("Applied", applied)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(a.stdout, "No new migrations found. Your system is up to date.")
		}
		return nil
	case "down":
		reverted, err := m.Down(ctx, *limit)
		a.printNames("Reverted", reverted)
		return err
	case "pending":
		pending, err := m.NewMigrations(ctx)
		if err != nil {
			return err
		}
		a.printNames("Pending", pending)
		return nil
	case "history":
		records, err := m.History(ctx, *limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tAPPLIED")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\n", r.Name, r.ApplyTime)
		}
		return tw.Flush()
	case "mark":
		if len(rest) != 1 {
			return errors.New("migrate mark requires a migration name")
		}
		if err := m.MarkApplied(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Marked %s as applied\n", rest[0])
		return nil
	}
	return fmt.Errorf("unknown migrate command %q", args[0])
}

func (a *app) printNames(label string, names []string) {
	if len(names) == 0 {
		return
	}
	fmt.Fprintf(a.stdout, "%s %d migration(s):\n", label, len(names))
	for _, n := range names {
		fmt.Fprintf(a.stdout, "  %s\n", n)
	}
}

func (a *app) info(ctx context.Context) error {
	conn, cfg, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	label, err := conn.DriverLabel(ctx)
	if err != nil {
		return err
	}
	version, err := conn.ServerVersion(ctx)
	if err != nil {
		return err
	}
	mb4, err := conn.SupportsMb4(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Driver:\t%s\n", label)
	fmt.Fprintf(tw, "Version:\t%s\n", version)
	fmt.Fprintf(tw, "Database:\t%s\n", cfg.Database)
	fmt.Fprintf(tw, "Table prefix:\t%s\n", cfg.TablePrefix)
	fmt.Fprintf(tw, "Supports mb4:\t%t\n", mb4)
	fmt.Fprintf(tw, "Backup path:\t%s\n", cfg.BackupPath)
	return tw.Flush()
}
