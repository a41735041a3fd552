package query

import (
	"strconv"
	"strings"

	"github.com/mickamy/revy/internal/ident"
)

// Flavor selects placeholder and quoting rules.
type Flavor int

const (
	Postgres Flavor = iota
	MySQL
)

func (f Flavor) Style() ident.Style {
	if f == MySQL {
		return ident.Backtick
	}
	return ident.ANSI
}

// Placeholder returns the n-th (1-based) bind parameter.
func (f Flavor) Placeholder(n int) string {
	if f == MySQL {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

// Builder accumulates a statement and its arguments.
type Builder struct {
	flavor Flavor
	sb     strings.Builder
	args   []any
}

func New(f Flavor) *Builder {
	return &Builder{flavor: f}
}

func (b *Builder) Write(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// Ident writes a quoted, possibly qualified identifier.
func (b *Builder) Ident(name string) *Builder {
	b.sb.WriteString(b.flavor.Style().Table(name))
	return b
}

// Column writes alias.column, or just the quoted column when alias is empty.
func (b *Builder) Column(alias, name string) *Builder {
	if alias != "" {
		b.sb.WriteString(alias)
		b.sb.WriteByte('.')
	}
	b.sb.WriteString(b.flavor.Style().Quote(name))
	return b
}

// Arg writes a placeholder bound to v.
func (b *Builder) Arg(v any) *Builder {
	b.args = append(b.args, v)
	b.sb.WriteString(b.flavor.Placeholder(len(b.args)))
	return b
}

// Args writes a comma separated placeholder list.
func (b *Builder) Args(vs ...any) *Builder {
	for i, v := range vs {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.Arg(v)
	}
	return b
}

// Columns writes a comma separated list of quoted columns.
func (b *Builder) Columns(alias string, names ...string) *Builder {
	for i, n := range names {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.Column(alias, n)
	}
	return b
}

func (b *Builder) String() string { return b.sb.String() }

func (b *Builder) Bound() []any { return b.args }

// Where collects AND-ed conditions.
type Where struct {
	conds []func(b *Builder)
}

// Eq adds alias.column = v.
func (w *Where) Eq(alias, column string, v any) *Where {
	w.conds = append(w.conds, func(b *Builder) { b.Column(alias, column).Write(" = ").Arg(v) })
	return w
}

// Op adds alias.column <op> v.
func (w *Where) Op(alias, column, op string, v any) *Where {
	w.conds = append(w.conds, func(b *Builder) { b.Column(alias, column).Write(" " + op + " ").Arg(v) })
	return w
}

// IsNull adds alias.column IS NULL.
func (w *Where) IsNull(alias, column string) *Where {
	w.conds = append(w.conds, func(b *Builder) { b.Column(alias, column).Write(" IS NULL") })
	return w
}

func (w *Where) Empty() bool { return len(w.conds) == 0 }

// WriteTo appends " WHERE ..." when conditions exist.
func (w *Where) WriteTo(b *Builder) {
	for i, c := range w.conds {
		if i == 0 {
			b.Write(" WHERE ")
		} else {
			b.Write(" AND ")
		}
		c(b)
	}
}

// Insert renders INSERT INTO table (cols) VALUES (...).
func Insert(f Flavor, table string, cols []string, vals []any) *Builder {
	b := New(f)
	b.Write("INSERT INTO ").Ident(table).Write(" (").Columns("", cols...).Write(") VALUES (").Args(vals...).Write(")")
	return b
}

// Upsert renders an insert that updates every non-key column when a row
// with the same key exists.
func Upsert(f Flavor, table, key string, cols []string, vals []any) *Builder {
	b := Insert(f, table, cols, vals)
	st := f.Style()
	var sets []string
	for _, c := range cols {
		if c == key {
			continue
		}
		q := st.Quote(c)
		if f == MySQL {
			sets = append(sets, q+" = VALUES("+q+")")
		} else {
			sets = append(sets, q+" = EXCLUDED."+q)
		}
	}
	switch {
	case f == MySQL && len(sets) == 0:
		k := st.Quote(key)
		b.Write(" ON DUPLICATE KEY UPDATE " + k + " = " + k)
	case f == MySQL:
		b.Write(" ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", "))
	case len(sets) == 0:
		b.Write(" ON CONFLICT (" + st.Quote(key) + ") DO NOTHING")
	default:
		b.Write(" ON CONFLICT (" + st.Quote(key) + ") DO UPDATE SET " + strings.Join(sets, ", "))
	}
	return b
}

// AppendReturning appends a RETURNING clause listing cols (or * when none
// are given). Trailing semicolons are re-attached after the clause.
func AppendReturning(q string, cols ...string) (string, bool) {
	trimmed := strings.TrimSpace(q)
	if trimmed == "" {
		return q, false
	}

	hasSemicolon := false
	for strings.HasSuffix(trimmed, ";") {
		hasSemicolon = true
		trimmed = strings.TrimSpace(trimmed[:len(trimmed)-1])
	}
	if trimmed == "" {
		return q, false
	}

	list := "*"
	if len(cols) > 0 {
		list = strings.Join(cols, ", ")
	}
	var b strings.Builder
	b.WriteString(trimmed)
	b.WriteString("\nRETURNING ")
	b.WriteString(list)
	if hasSemicolon {
		b.WriteString(";")
	}
	return b.String(), true
}

// Literal renders s as a single-quoted SQL string literal.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
