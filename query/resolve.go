// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-dropsync/schema"
)

var (
	// ErrUnknownField is returned when a column path names neither a field nor a derived function
	ErrUnknownField = errors.New("unknown field")
	// ErrMissingKey is returned when a keyed derived function is used without "@key"
	ErrMissingKey = errors.New("derived function requires a key")
)

// resolver evaluates dotted column paths against records, dereferencing links
// through the Source. Linked records are memoized for the lifetime of one query.
type resolver struct {
	reg   *schema.Registry
	src   Source
	links map[string]map[string]any
}

func newResolver(reg *schema.Registry, src Source) *resolver {
	return &resolver{reg: reg, src: src, links: map[string]map[string]any{}}
}

// column resolves "a.b.c@key" against a row of table
func (r *resolver) column(ctx context.Context, table string, row map[string]any, column string) (any, error) {
	meta, ok := r.reg.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: table %s", ErrUnknownField, table)
	}
	pathPart, key, _ := strings.Cut(column, "@")
	return r.record(ctx, meta, row, strings.Split(pathPart, "."), key)
}

func (r *resolver) record(ctx context.Context, meta *schema.Record, v any, path []string, key string) (any, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected record value, got %T", meta.Name, v)
	}
	if len(path) == 0 {
		return m, nil
	}

	segment, rest := path[0], path[1:]
	if f, ok := meta.Fields[segment]; ok {
		return r.value(ctx, f, m[segment], rest, key)
	}
	if fn, ok := meta.Functions[segment]; ok {
		if fn.Keyed && key == "" {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, meta.Name, segment)
		}
		out, err := fn.Fn(m, key)
		if err != nil {
			return nil, fmt.Errorf("derived function %s.%s failed: %w", meta.Name, segment, err)
		}
		return r.value(ctx, fn.Returns, out, rest, key)
	}
	switch segment {
	case "id":
		if len(rest) > 0 {
			return nil, fmt.Errorf("%w: %s.id.%s", ErrUnknownField, meta.Name, strings.Join(rest, "."))
		}
		return m["id"], nil
	case "null":
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, meta.Name, segment)
}

func (r *resolver) value(ctx context.Context, f *schema.Field, v any, path []string, key string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Kind {
	case schema.KindRecord:
		return r.record(ctx, f.Record, v, path, key)
	case schema.KindArray:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array value, got %T", v)
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			resolved, err := r.value(ctx, f.Items, item, path, key)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved)
		}
		return out, nil
	case schema.KindLink:
		if len(path) == 0 {
			return v, nil
		}
		return r.link(ctx, f.LinkTo, v, path, key)
	case schema.KindDecimal:
		if err := leaf(f, path); err != nil {
			return nil, err
		}
		return toDecimal(v)
	case schema.KindNumber:
		if err := leaf(f, path); err != nil {
			return nil, err
		}
		if n, ok := v.(float64); ok {
			return json.Number(fmt.Sprint(n)), nil
		}
		return v, nil
	case schema.KindString, schema.KindBoolean, schema.KindDate, schema.KindDateTime,
		schema.KindBinary, schema.KindEnum:
		if err := leaf(f, path); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported field kind %s", f.Kind)
	}
}

func (r *resolver) link(ctx context.Context, table string, v any, path []string, key string) (any, error) {
	id, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("link to %s: expected identifier, got %T", table, v)
	}
	if !r.src.Mirrors(table) {
		return nil, nil
	}
	meta, ok := r.reg.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: linked table %s", ErrUnknownField, table)
	}

	cacheKey := table + "@" + id
	linked, cached := r.links[cacheKey]
	if !cached {
		rec, err := r.src.Record(ctx, table, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load linked record %s: %w", cacheKey, err)
		}
		linked = rec
		r.links[cacheKey] = rec
	}
	if linked == nil {
		return nil, nil
	}
	return r.record(ctx, meta, linked, path, key)
}

func leaf(f *schema.Field, path []string) error {
	if len(path) > 0 {
		return fmt.Errorf("%w: %s under %s field", ErrUnknownField, strings.Join(path, "."), f.Kind)
	}
	return nil
}
