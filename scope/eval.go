// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scope

import (
	"context"
	"fmt"

	"github.com/mobiletoly/go-dropsync/query"
)

// Evaluator interprets predicates against locally stored records. Admitted id sets of
// source tables are computed once per evaluator.
type Evaluator struct {
	src  query.Source
	sets map[string]map[string]bool
}

// NewEvaluator creates an evaluator over src
func NewEvaluator(src query.Source) *Evaluator {
	return &Evaluator{src: src, sets: map[string]map[string]bool{}}
}

// Select returns the records of table admitted by p
func (e *Evaluator) Select(ctx context.Context, table string, p Predicate) ([]map[string]any, error) {
	if _, ok := p.(Never); ok {
		return nil, nil
	}
	records, err := e.src.Records(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load records of %s: %w", table, err)
	}
	var out []map[string]any
	for _, rec := range records {
		ok, err := e.Admits(ctx, p, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Admits reports whether rec passes p
func (e *Evaluator) Admits(ctx context.Context, p Predicate, rec map[string]any) (bool, error) {
	switch n := p.(type) {
	case All:
		return true, nil
	case Never:
		return false, nil
	case Member:
		for _, path := range n.Open {
			if lookup(rec, path) != nil {
				return false, nil
			}
		}
		items, _ := lookup(rec, n.Personnel).([]any)
		for _, item := range items {
			if m, ok := item.(map[string]any); ok && lookup(m, n.Key) == n.User {
				return true, nil
			}
		}
		return false, nil
	case IDIn:
		set, err := e.idsFrom(ctx, n)
		if err != nil {
			return false, err
		}
		id, _ := rec["id"].(string)
		return set[id], nil
	case FieldIn:
		set, err := e.admittedIDs(ctx, n.Source, n.Of)
		if err != nil {
			return false, err
		}
		id, _ := lookup(rec, n.Field).(string)
		return id != "" && set[id], nil
	default:
		return false, fmt.Errorf("unsupported predicate %T", p)
	}
}

func (e *Evaluator) admittedIDs(ctx context.Context, table string, p Predicate) (map[string]bool, error) {
	key := "id:" + table
	if set, ok := e.sets[key]; ok {
		return set, nil
	}
	recs, err := e.Select(ctx, table, p)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if id, ok := rec["id"].(string); ok {
			set[id] = true
		}
	}
	e.sets[key] = set
	return set, nil
}

func (e *Evaluator) idsFrom(ctx context.Context, n IDIn) (map[string]bool, error) {
	key := fmt.Sprintf("ref:%s:%v:%v", n.Source, n.Field, n.Subfield)
	if set, ok := e.sets[key]; ok {
		return set, nil
	}
	recs, err := e.Select(ctx, n.Source, n.Of)
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	for _, rec := range recs {
		v := lookup(rec, n.Field)
		if !n.Unnest {
			if id, ok := v.(string); ok {
				set[id] = true
			}
			continue
		}
		items, _ := v.([]any)
		for _, item := range items {
			if len(n.Subfield) > 0 {
				m, _ := item.(map[string]any)
				item = lookup(m, n.Subfield)
			}
			if id, ok := item.(string); ok {
				set[id] = true
			}
		}
	}
	e.sets[key] = set
	return set, nil
}

func lookup(rec map[string]any, path []string) any {
	var cur any = rec
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok || m == nil {
			return nil
		}
		cur = m[seg]
	}
	return cur
}
