package migrations

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"regexp"
	"strings"
)

const (
	sqlFileExt    = ".sql"
	markerPrefix  = "-- +migrate"
	markerUp      = "up"
	markerDown    = "down"
	sqlFileHeader = "-- +migrate Up\n\n\n-- +migrate Down\n"
)

var fileNamePattern = regexp.MustCompile(`^m\d{6}_\d{6}_.+\.sql$`)

// SQLMigration is a migration read from a .sql file. The file is split into
// sections by "-- +migrate Up" and "-- +migrate Down" lines; text before the
// first marker belongs to Up.
type SQLMigration struct {
	name    string
	up      []string
	down    []string
	hasDown bool
}

// ParseSQL reads a migration file body.
func ParseSQL(name string, r io.Reader) (*SQLMigration, error) {
	var up, down strings.Builder
	current := &up
	m := &SQLMigration{name: name}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, markerPrefix) {
			switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, markerPrefix))) {
			case markerUp:
				current = &up
			case markerDown:
				current = &down
				m.hasDown = true
			default:
				return nil, fmt.Errorf("%s: unknown marker %q", name, trimmed)
			}
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	m.up = splitStatements(up.String())
	m.down = splitStatements(down.String())
	return m, nil
}

// LoadSQL reads <name>.sql from dir inside fsys.
func LoadSQL(fsys fs.FS, dir, name string) (*SQLMigration, error) {
	f, err := fsys.Open(path.Join(dir, name+sqlFileExt))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSQL(name, f)
}

func (m *SQLMigration) Name() string { return m.name }

// Statements returns the parsed statements of one direction.
func (m *SQLMigration) Statements(d Direction) []string {
	if d == DirectionDown {
		return m.down
	}
	return m.up
}

func (m *SQLMigration) Up(ctx context.Context, tx *Tx) error {
	return m.exec(ctx, tx, m.up)
}

func (m *SQLMigration) Down(ctx context.Context, tx *Tx) error {
	if !m.hasDown {
		return fmt.Errorf("%w: %s has no down section", ErrDeclined, m.name)
	}
	return m.exec(ctx, tx, m.down)
}

func (m *SQLMigration) exec(ctx context.Context, tx *Tx, statements []string) error {
	for i, stmt := range statements {
		tx.Printf("    > %s\n", summarize(stmt))
		if _, err := tx.Exec(ctx, stmt, nil); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return nil
}

func summarize(stmt string) string {
	line := strings.Join(strings.Fields(stmt), " ")
	if len(line) > 80 {
		return line[:77] + "..."
	}
	return line
}

func migrationFileNames(fsys fs.FS, dir string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	if dir == "" {
		dir = "."
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !fileNamePattern.MatchString(e.Name()) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), sqlFileExt))
	}
	return names, nil
}

// splitStatements splits a script on semicolons outside of quotes, comments
// and PostgreSQL dollar-quoted bodies.
func splitStatements(script string) []string {
	var (
		out    []string
		buf    strings.Builder
		quote  byte
		dollar string
	)

	flush := func() {
		stmt := strings.TrimSpace(buf.String())
		buf.Reset()
		if stmt != "" && !onlyComments(stmt) {
			out = append(out, stmt)
		}
	}

	for i := 0; i < len(script); i++ {
		c := script[i]

		switch {
		case dollar != "":
			if strings.HasPrefix(script[i:], dollar) {
				buf.WriteString(dollar)
				i += len(dollar) - 1
				dollar = ""
				continue
			}
		case quote != 0:
			if c == '\\' && quote != '`' && i+1 < len(script) {
				buf.WriteByte(c)
				i++
				c = script[i]
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				end = len(script) - i
			}
			buf.WriteString(script[i : i+end])
			i += end - 1
			continue
		case c == '/' && strings.HasPrefix(script[i:], "/*"):
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				end = len(script) - i - 2
			} else {
				end += 2
			}
			buf.WriteString(script[i : i+2+end])
			i += 1 + end
			continue
		case c == '$':
			if tag := dollarTag(script[i:]); tag != "" {
				dollar = tag
				buf.WriteString(tag)
				i += len(tag) - 1
				continue
			}
		case c == ';':
			flush()
			continue
		}

		buf.WriteByte(c)
	}
	flush()

	return out
}

var dollarTagPattern = regexp.MustCompile(`^\$[A-Za-z_]*\$`)

func dollarTag(s string) string {
	return dollarTagPattern.FindString(s)
}

func onlyComments(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
