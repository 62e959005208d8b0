package shellcmd

import (
	"strconv"
	"strings"
)

// Tokens are the placeholder values substituted into backup and restore templates.
type Tokens struct {
	File     string
	Port     int
	Server   string
	User     string
	Password string
	Database string
	Schema   string
}

// Substitute replaces {file}, {port}, {server}, {user}, {password}, {database} and
// {schema} in template. Matching is literal and case-sensitive. The password is
// escaped with EscapePassword before it is inserted.
func Substitute(template string, t Tokens) string {
	port := ""
	if t.Port != 0 {
		port = strconv.Itoa(t.Port)
	}

	r := strings.NewReplacer(
		"{file}", t.File,
		"{port}", port,
		"{server}", t.Server,
		"{user}", t.User,
		"{password}", EscapePassword(t.Password),
		"{database}", t.Database,
		"{schema}", t.Schema,
	)
	return r.Replace(template)
}

// EscapePassword makes a password safe inside a double-quoted shell word:
// quotes, backslashes and NUL get a backslash, then every $ becomes \$.
func EscapePassword(password string) string {
	return strings.ReplaceAll(AddSlashes(password), "$", `\$`)
}

// AddSlashes backslash-escapes single quotes, double quotes, backslashes and NUL bytes.
func AddSlashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case 0:
			b.WriteString(`\0`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Redact hides password in s, in both its raw and escaped forms, replacing each
// occurrence with one bullet per byte of the raw password.
func Redact(s, password string) string {
	if password == "" {
		return s
	}
	mask := strings.Repeat("•", len(password))
	if escaped := EscapePassword(password); escaped != password {
		s = strings.ReplaceAll(s, escaped, mask)
	}
	if slashed := AddSlashes(password); slashed != password {
		s = strings.ReplaceAll(s, slashed, mask)
	}
	return strings.ReplaceAll(s, password, mask)
}
