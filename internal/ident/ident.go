package ident

import (
	"strings"
)

// Style selects the quoting rules of a SQL dialect.
type Style int

const (
	// ANSI quotes identifiers with double quotes (PostgreSQL).
	ANSI Style = iota
	// Backtick quotes identifiers with backticks (MySQL, MariaDB).
	Backtick
)

func (s Style) quoteRune() rune {
	if s == Backtick {
		return '`'
	}
	return '"'
}

// SplitQualified splits a potentially schema-qualified identifier into its parts.
// Both double quotes and backticks are honoured.
func SplitQualified(ident string) []string {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return nil
	}
	var parts []string
	var buf strings.Builder
	var quote rune
	runes := []rune(ident)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '`':
			if quote == 0 {
				quote = r
				continue
			}
			if r != quote {
				buf.WriteRune(r)
				continue
			}
			if i+1 < len(runes) && runes[i+1] == quote {
				buf.WriteRune(r)
				i++
				continue
			}
			quote = 0
		case r == '.' && quote == 0:
			parts = append(parts, strings.TrimSpace(buf.String()))
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
	}
	parts = append(parts, strings.TrimSpace(buf.String()))
	return parts
}

// Quote safely quotes a single identifier part.
func (s Style) Quote(part string) string {
	q := string(s.quoteRune())
	return q + strings.ReplaceAll(part, q, q+q) + q
}

// QuoteQualified renders qualified identifier parts as a SQL identifier.
func (s Style) QuoteQualified(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = s.Quote(p)
	}
	return strings.Join(quoted, ".")
}

// Table quotes a possibly qualified table name.
func (s Style) Table(name string) string {
	return s.QuoteQualified(SplitQualified(name))
}

// BaseTableName returns the last segment of a qualified identifier.
func BaseTableName(ident string) string {
	parts := SplitQualified(ident)
	if len(parts) == 0 {
		return strings.TrimSpace(ident)
	}
	return parts[len(parts)-1]
}

// IndexName derives a deterministic index name for table and columns.
func IndexName(table string, columns ...string) string {
	base := strings.ReplaceAll(BaseTableName(table), ".", "_")
	return "idx_" + base + "_" + strings.Join(columns, "_")
}
