package shellcmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Credentials are written to a MySQL option file so the password never appears
// on a command line.
type Credentials struct {
	User     string
	Password string
	Server   string
	Port     int
	Socket   string
}

// WriteDefaultsFile writes a [client] option file readable only by the current user
// and returns its path plus a cleanup func. Call cleanup even when the command fails.
func WriteDefaultsFile(dir string, c Credentials) (string, func(), error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "my-*.cnf")
	if err != nil {
		return "", nil, fmt.Errorf("create defaults file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	lines := []string{
		"[client]",
		"user=" + c.User,
		`password="` + AddSlashes(c.Password) + `"`,
	}
	if c.Socket != "" {
		lines = append(lines, "socket="+c.Socket)
	} else {
		lines = append(lines, "host="+c.Server)
		if c.Port != 0 {
			lines = append(lines, "port="+strconv.Itoa(c.Port))
		}
	}

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("chmod defaults file: %w", err)
	}
	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write defaults file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close defaults file: %w", err)
	}

	return path, cleanup, nil
}
