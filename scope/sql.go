// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scope

import (
	"fmt"
	"strings"
	"unicode"
)

// Query is a compiled snapshot statement with positional arguments
type Query struct {
	SQL  string
	Args []any
}

// Compile renders the snapshot query of table restricted by p.
//
// Server tables are laid out as <snake_case_table>(id text primary key, record jsonb);
// json paths are passed as text[] arguments.
func Compile(table string, p Predicate) (Query, error) {
	c := &compiler{}
	alias := c.alias("t")
	where, err := c.cond(alias, p)
	if err != nil {
		return Query{}, err
	}
	sql := fmt.Sprintf("SELECT %s.record FROM %s %s", alias, TableName(table), alias)
	if where != "true" {
		sql += " WHERE " + where
	}
	return Query{SQL: sql, Args: c.args}, nil
}

type compiler struct {
	args []any
	n    int
}

func (c *compiler) alias(prefix string) string {
	a := fmt.Sprintf("%s%d", prefix, c.n)
	c.n++
	return a
}

func (c *compiler) arg(v any) string {
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *compiler) cond(alias string, p Predicate) (string, error) {
	switch n := p.(type) {
	case All:
		return "true", nil
	case Never:
		return "false", nil
	case Member:
		elem := c.alias("e")
		parts := []string{fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(%s) AS %s(value) WHERE %s.value #>> %s = %s)",
			c.array(alias, n.Personnel), elem, elem, c.arg(n.Key), c.arg(n.User),
		)}
		for _, path := range n.Open {
			parts = append(parts, fmt.Sprintf("%s.record #>> %s IS NULL", alias, c.arg(path)))
		}
		return strings.Join(parts, " AND "), nil
	case IDIn:
		src := c.alias("t")
		var sel, from string
		switch {
		case !n.Unnest:
			sel = fmt.Sprintf("%s.record #>> %s", src, c.arg(n.Field))
			from = fmt.Sprintf("%s %s", TableName(n.Source), src)
		case len(n.Subfield) == 0:
			elem := c.alias("e")
			sel = elem + ".value"
			from = fmt.Sprintf("%s %s, jsonb_array_elements_text(%s) AS %s(value)",
				TableName(n.Source), src, c.array(src, n.Field), elem)
		default:
			elem := c.alias("e")
			sub := c.arg(n.Subfield)
			sel = fmt.Sprintf("%s.value #>> %s", elem, sub)
			from = fmt.Sprintf("%s %s, jsonb_array_elements(%s) AS %s(value)",
				TableName(n.Source), src, c.array(src, n.Field), elem)
		}
		inner, err := c.subquery(sel, from, src, n.Of)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s.id IN (%s)", alias, inner), nil
	case FieldIn:
		field := c.arg(n.Field)
		src := c.alias("t")
		inner, err := c.subquery(src+".id", TableName(n.Source)+" "+src, src, n.Of)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s.record #>> %s IN (%s)", alias, field, inner), nil
	default:
		return "", fmt.Errorf("unsupported predicate %T", p)
	}
}

// array reads the json array at path, anything else (null, scalar, object)
// reads as an empty array
func (c *compiler) array(alias string, path []string) string {
	value := fmt.Sprintf("%s.record #> %s", alias, c.arg(path))
	return fmt.Sprintf("CASE WHEN jsonb_typeof(%s) = 'array' THEN %s ELSE '[]'::jsonb END", value, value)
}

func (c *compiler) subquery(sel, from, alias string, p Predicate) (string, error) {
	where, err := c.cond(alias, p)
	if err != nil {
		return "", err
	}
	q := fmt.Sprintf("SELECT %s FROM %s", sel, from)
	if where != "true" {
		q += " WHERE " + where
	}
	return q, nil
}

// TableName maps a record table name to its server table ("TimeAndMaterialsEstimate"
// becomes "time_and_materials_estimate")
func TableName(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
