package sink

import (
	"regexp"
	"strings"

	"github.com/cisync/cisync/pkg/errors"
)

// MappingEntry pairs a target column with the JSON path that populates it.
type MappingEntry struct {
	Column   string
	JSONPath string
}

// Mapping is the ordered per-table rule set describing which JSON field
// populates which relational column. It must be validated before any
// statement text is built from it.
type Mapping []MappingEntry

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdentifier rejects anything that could not be a plain SQL identifier.
func validIdentifier(s string) bool {
	return identifierRe.MatchString(s)
}

// Validate rejects empty mappings and entries whose column or path could not
// safely appear in generated SQL.
func (m Mapping) Validate(table string) error {
	if len(m) == 0 {
		return errors.New(errors.ErrorTypeConfig, "no column mapping defined").
			WithDetail("table", table)
	}
	for _, e := range m {
		if !validIdentifier(e.Column) {
			return errors.New(errors.ErrorTypeConfig, "invalid mapping column").
				WithDetail("table", table).WithDetail("column", e.Column)
		}
		if _, err := pgPath(e.JSONPath); err != nil {
			return err
		}
	}
	return nil
}

// pgPath converts a "$.a.b" style JSON path into a postgres text path
// literal like '{a,b}'.
func pgPath(jsonPath string) (string, error) {
	p := strings.TrimPrefix(jsonPath, "$")
	p = strings.TrimPrefix(p, ".")
	if p == "" {
		return "", errors.New(errors.ErrorTypeConfig, "empty JSON path")
	}
	segments := strings.Split(p, ".")
	for _, seg := range segments {
		if !validIdentifier(seg) {
			return "", errors.New(errors.ErrorTypeConfig, "invalid JSON path segment").
				WithDetail("path", jsonPath).WithDetail("segment", seg)
		}
	}
	return "{" + strings.Join(segments, ",") + "}", nil
}

// buildInsert renders the single-statement batch insert: every target column
// is projected as text from the JSON array bound as $1.
func buildInsert(table string, mapping Mapping) (string, error) {
	if !validIdentifier(table) {
		return "", errors.New(errors.ErrorTypeConfig, "invalid table name").
			WithDetail("table", table)
	}
	if err := mapping.Validate(table); err != nil {
		return "", err
	}

	var cols, projections []string
	for _, e := range mapping {
		path, err := pgPath(e.JSONPath)
		if err != nil {
			return "", err
		}
		cols = append(cols, quoteIdent(e.Column))
		projections = append(projections, "elem #>> '"+path+"'")
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(quoteIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") SELECT ")
	b.WriteString(strings.Join(projections, ", "))
	b.WriteString(" FROM jsonb_array_elements($1::jsonb) AS elem")
	return b.String(), nil
}

// buildPurge renders the prefix-based housekeeping delete.
func buildPurge(table, column string) (string, error) {
	if !validIdentifier(table) || !validIdentifier(column) {
		return "", errors.New(errors.ErrorTypeConfig, "invalid purge target").
			WithDetail("table", table).WithDetail("column", column)
	}
	return "DELETE FROM " + quoteIdent(table) + " WHERE " + quoteIdent(column) + " LIKE $1 || '%'", nil
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}
