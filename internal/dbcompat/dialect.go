package dbcompat

import (
	"fmt"
	"strings"
)

// Engine identifies one of the two supported database backends.
type Engine string

const (
	// MySQL is the production backend (network, credentials based).
	MySQL Engine = "mysql"
	// SQLite is the development backend (local file).
	SQLite Engine = "sqlite"
)

// ParseEngine maps a DATABASE_TYPE value onto an Engine. An empty value
// selects SQLite.
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "mysql":
		return MySQL, nil
	default:
		return "", fmt.Errorf("unknown database type %q", s)
	}
}

// sqliteTokens holds the MySQL vocabulary that SQLite spells differently.
var sqliteTokens = map[string]string{
	"AUTO_INCREMENT": "AUTOINCREMENT",
	"BOOLEAN":        "INTEGER",
	"TRUE":           "1",
	"FALSE":          "0",
}

// Rewrite translates a query written with canonical "%s" placeholders and
// MySQL keywords into the native form for engine.
//
// The translation is lexical. Quoted literals, quoted identifiers and
// comments are copied through untouched; keywords are only replaced when
// they form a whole word.
func Rewrite(engine Engine, query string) string {
	var b strings.Builder
	b.Grow(len(query))

	n := len(query)
	for i := 0; i < n; {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			j := skipQuoted(query, i)
			b.WriteString(query[i:j])
			i = j

		case c == '-' && i+1 < n && query[i+1] == '-':
			j := strings.IndexByte(query[i:], '\n')
			if j < 0 {
				j = n
			} else {
				j += i
			}
			b.WriteString(query[i:j])
			i = j

		case c == '/' && i+1 < n && query[i+1] == '*':
			j := strings.Index(query[i+2:], "*/")
			if j < 0 {
				j = n
			} else {
				j += i + 4
			}
			b.WriteString(query[i:j])
			i = j

		case c == '%' && i+1 < n && query[i+1] == 's':
			b.WriteByte('?')
			i += 2

		case c == '%' && i+1 < n && query[i+1] == '%':
			b.WriteByte('%')
			i += 2

		case isWordStart(c):
			j := i + 1
			for j < n && isWordChar(query[j]) {
				j++
			}
			word := query[i:j]
			if engine == SQLite {
				if repl, ok := sqliteTokens[strings.ToUpper(word)]; ok {
					word = repl
				}
			}
			b.WriteString(word)
			i = j

		default:
			b.WriteByte(c)
			i++
		}
	}

	return b.String()
}

// skipQuoted returns the index just past the literal that starts at i.
// Doubled quotes and backslash escapes stay inside the literal. An
// unterminated literal runs to the end of the query.
func skipQuoted(s string, i int) int {
	quote := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			if quote != '`' {
				j++
			}
		case quote:
			if j+1 < len(s) && s[j+1] == quote {
				j++
				continue
			}
			return j + 1
		}
	}
	return len(s)
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordChar(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9') || c == '$'
}

// returnsRows reports whether the statement produces a result set.
func returnsRows(query string) bool {
	q := strings.TrimLeft(query, " \t\r\n(")
	end := strings.IndexFunc(q, func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'))
	})
	if end >= 0 {
		q = q[:end]
	}

	switch strings.ToUpper(q) {
	case "SELECT", "WITH", "PRAGMA", "SHOW", "DESCRIBE", "DESC", "EXPLAIN", "VALUES":
		return true
	default:
		return false
	}
}
