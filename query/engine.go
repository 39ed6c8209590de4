// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package query evaluates table queries (filters, column projections, sorts and limits)
// against locally mirrored records, reproducing the server's query semantics for the
// replicated subset.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/mobiletoly/go-dropsync/schema"
)

// Source provides the records a query runs over
type Source interface {
	// Mirrors reports whether table is replicated locally
	Mirrors(table string) bool
	// Records returns every stored record of table
	Records(ctx context.Context, table string) ([]map[string]any, error)
	// Record returns one stored record, or nil when it is absent
	Record(ctx context.Context, table, id string) (map[string]any, error)
}

// Request is a table query.
// Column "." projects the whole record and "null" projects a null.
type Request struct {
	Table   string   `json:"tableName"`
	Columns []string `json:"columns"`
	Filters Filters  `json:"filters,omitempty"`
	Sorts   []string `json:"sorts,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Result holds projected rows and the number of rows that matched before the limit
type Result struct {
	Rows      [][]any `json:"rows"`
	FullCount int     `json:"full_count"`
}

// Engine runs queries using a schema registry
type Engine struct {
	registry *schema.Registry
	logger   *slog.Logger
}

// NewEngine creates a query engine
func NewEngine(registry *schema.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, logger: logger}
}

type matchedRow struct {
	row  []any
	keys []any
}

// Run evaluates req against src. Resolution errors (unknown fields) abort the query.
func (e *Engine) Run(ctx context.Context, src Source, req Request) (*Result, error) {
	if !src.Mirrors(req.Table) {
		return &Result{Rows: [][]any{}, FullCount: 0}, nil
	}
	if _, ok := e.registry.Table(req.Table); !ok {
		return nil, fmt.Errorf("%w: table %s", ErrUnknownField, req.Table)
	}

	records, err := src.Records(ctx, req.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to load records of %s: %w", req.Table, err)
	}

	ev := &evaluator{
		res:      newResolver(e.registry, src),
		table:    req.Table,
		patterns: map[string]*regexp.Regexp{},
	}
	folder := cases.Fold()

	var rows []matchedRow
	for _, rec := range records {
		if rec == nil {
			continue
		}
		accept := true
		for _, f := range req.Filters {
			ok, err := ev.match(ctx, f, rec)
			if err != nil {
				e.logger.Error("Local query failed", "table", req.Table, "error", err)
				return nil, err
			}
			if !ok {
				accept = false
				break
			}
		}
		if !accept {
			continue
		}

		row := make([]any, 0, len(req.Columns))
		for _, column := range req.Columns {
			switch column {
			case ".":
				row = append(row, rec)
			case "null":
				row = append(row, nil)
			default:
				v, err := ev.res.column(ctx, req.Table, rec, column)
				if err != nil {
					e.logger.Error("Local query failed", "table", req.Table, "column", column, "error", err)
					return nil, err
				}
				row = append(row, v)
			}
		}

		keys := make([]any, 0, len(req.Sorts))
		for _, s := range req.Sorts {
			v, err := ev.res.column(ctx, req.Table, rec, strings.TrimPrefix(s, "-"))
			if err != nil {
				e.logger.Error("Local query failed", "table", req.Table, "sort", s, "error", err)
				return nil, err
			}
			keys = append(keys, sortKey(folder, v))
		}
		rows = append(rows, matchedRow{row: row, keys: keys})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for k, s := range req.Sorts {
			c := compareValues(rows[i].keys[k], rows[j].keys[k])
			if strings.HasPrefix(s, "-") {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})

	result := &Result{FullCount: len(rows), Rows: make([][]any, 0, len(rows))}
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	for _, r := range rows {
		result.Rows = append(result.Rows, r.row)
	}
	return result, nil
}

// Match reports whether one record of table passes all filters
func (e *Engine) Match(ctx context.Context, src Source, table string, filters Filters, rec map[string]any) (bool, error) {
	ev := &evaluator{res: newResolver(e.registry, src), table: table, patterns: map[string]*regexp.Regexp{}}
	for _, f := range filters {
		ok, err := ev.match(ctx, f, rec)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

type evaluator struct {
	res      *resolver
	table    string
	patterns map[string]*regexp.Regexp
}

func (ev *evaluator) match(ctx context.Context, f Filter, rec map[string]any) (bool, error) {
	switch n := f.(type) {
	case Or:
		for _, sub := range n.Filters {
			ok, err := ev.match(ctx, sub, rec)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case And:
		for _, sub := range n.Filters {
			ok, err := ev.match(ctx, sub, rec)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Not:
		ok, err := ev.match(ctx, n.Filter, rec)
		return !ok, err
	case Column:
		v, err := ev.res.column(ctx, ev.table, rec, n.Column)
		if err != nil {
			return false, err
		}
		return ev.condition(n.Condition, v)
	default:
		return false, fmt.Errorf("unsupported filter node %T", f)
	}
}

func (ev *evaluator) condition(c Condition, v any) (bool, error) {
	if c.Like != nil {
		re, ok := ev.patterns[*c.Like]
		if !ok {
			var err error
			if re, err = likePattern(*c.Like); err != nil {
				return false, fmt.Errorf("invalid like pattern %q: %w", *c.Like, err)
			}
			ev.patterns[*c.Like] = re
		}
		subject, ok := likeSubject(v)
		if !ok || !re.MatchString(subject) {
			return false, nil
		}
	}
	if c.HasEqual && !valuesEqual(v, c.Equal) {
		return false, nil
	}
	if c.In != nil {
		found := false
		for _, lit := range c.In {
			if valuesEqual(v, lit) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	if c.Intersects != nil {
		items, _ := v.([]any)
		found := false
		for _, item := range items {
			for _, lit := range c.Intersects {
				if valuesEqual(item, lit) {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}
