package querygen

import (
	"strings"
)

// Dialect holds the SQL spelling differences between engines.
type Dialect struct {
	Name string

	// Identifier quoting.
	Quote    string
	QuoteEnd string
	Escape   string

	// SupportsFullJoin is false for engines without FULL OUTER JOIN.
	SupportsFullJoin bool
}

// Built-in dialects.
var (
	ANSI     = &Dialect{Name: "ansi", Quote: `"`, QuoteEnd: `"`, Escape: `""`, SupportsFullJoin: true}
	DuckDB   = &Dialect{Name: "duckdb", Quote: `"`, QuoteEnd: `"`, Escape: `""`, SupportsFullJoin: true}
	Postgres = &Dialect{Name: "postgres", Quote: `"`, QuoteEnd: `"`, Escape: `""`, SupportsFullJoin: true}
)

// DialectFor returns the dialect registered under name, or ANSI.
func DialectFor(name string) *Dialect {
	switch strings.ToLower(name) {
	case "duckdb":
		return DuckDB
	case "postgres", "postgresql":
		return Postgres
	}
	return ANSI
}

// QuoteIdentifier quotes an identifier using the dialect's quote characters.
func (d *Dialect) QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, d.QuoteEnd, d.Escape)
	return d.Quote + escaped + d.QuoteEnd
}

// QuoteQualified quotes each dot-separated part of a qualified name.
func (d *Dialect) QuoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// QuoteString renders a SQL string literal.
func (d *Dialect) QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
