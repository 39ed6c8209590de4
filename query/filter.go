// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Filter is a node of a filter tree.
//
// This is a sealed interface: only Or, And, Not and Column implement it, so
// evaluation can switch over the node types exhaustively.
type Filter interface {
	filterNode()
}

// Or matches when any sub-filter matches
type Or struct {
	Filters []Filter
}

// And matches when every sub-filter matches
type And struct {
	Filters []Filter
}

// Not inverts a filter
type Not struct {
	Filter Filter
}

// Column is a leaf predicate over one resolved column
type Column struct {
	Column    string
	Condition Condition
}

func (Or) filterNode()     {}
func (And) filterNode()    {}
func (Not) filterNode()    {}
func (Column) filterNode() {}

// Condition holds the leaf tests; every test that is set must pass.
// Equal is only checked when HasEqual is true so that equality with null is expressible.
type Condition struct {
	Like       *string
	HasEqual   bool
	Equal      any
	In         []any
	Intersects []any
}

// Like builds a like(pattern) leaf
func Like(column, pattern string) Filter {
	return Column{Column: column, Condition: Condition{Like: &pattern}}
}

// Equal builds an equal(value) leaf
func Equal(column string, value any) Filter {
	return Column{Column: column, Condition: Condition{HasEqual: true, Equal: value}}
}

// In builds an in(values) leaf
func In(column string, values ...any) Filter {
	return Column{Column: column, Condition: Condition{In: values}}
}

// Intersects builds an array-membership leaf
func Intersects(column string, values ...any) Filter {
	return Column{Column: column, Condition: Condition{Intersects: values}}
}

// Filters is a list of filters that must all match. It carries the wire encoding
// used by QUERY requests: {"or":[...]}, {"and":[...]}, {"not":{...}} and
// {"column":"...","filter":{"like"|"equal"|"in"|"intersects":...}}.
type Filters []Filter

// MarshalJSON encodes the filter list in wire form
func (fs Filters) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(fs))
	for _, f := range fs {
		raw, err := MarshalFilter(f)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a filter list from wire form
func (fs *Filters) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("failed to decode filters: %w", err)
	}
	out := make(Filters, 0, len(raws))
	for _, raw := range raws {
		f, err := ParseFilter(raw)
		if err != nil {
			return err
		}
		out = append(out, f)
	}
	*fs = out
	return nil
}

// MarshalFilter encodes one filter node in wire form
func MarshalFilter(f Filter) (json.RawMessage, error) {
	switch n := f.(type) {
	case Or:
		sub, err := Filters(n.Filters).MarshalJSON()
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{"or": sub})
	case And:
		sub, err := Filters(n.Filters).MarshalJSON()
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{"and": sub})
	case Not:
		sub, err := MarshalFilter(n.Filter)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{"not": sub})
	case Column:
		cond := map[string]any{}
		if n.Condition.Like != nil {
			cond["like"] = *n.Condition.Like
		}
		if n.Condition.HasEqual {
			cond["equal"] = n.Condition.Equal
		}
		if n.Condition.In != nil {
			cond["in"] = n.Condition.In
		}
		if n.Condition.Intersects != nil {
			cond["intersects"] = n.Condition.Intersects
		}
		return json.Marshal(map[string]any{"column": n.Column, "filter": cond})
	default:
		return nil, fmt.Errorf("unsupported filter node %T", f)
	}
}

// ParseFilter decodes one filter node from wire form
func ParseFilter(raw json.RawMessage) (Filter, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode filter: %w", err)
	}
	if sub, ok := obj["or"]; ok {
		var fs Filters
		if err := fs.UnmarshalJSON(sub); err != nil {
			return nil, err
		}
		return Or{Filters: fs}, nil
	}
	if sub, ok := obj["and"]; ok {
		var fs Filters
		if err := fs.UnmarshalJSON(sub); err != nil {
			return nil, err
		}
		return And{Filters: fs}, nil
	}
	if sub, ok := obj["not"]; ok {
		inner, err := ParseFilter(sub)
		if err != nil {
			return nil, err
		}
		return Not{Filter: inner}, nil
	}

	colRaw, ok := obj["column"]
	if !ok {
		return nil, fmt.Errorf("filter has neither combinator nor column")
	}
	var col Column
	if err := json.Unmarshal(colRaw, &col.Column); err != nil {
		return nil, fmt.Errorf("failed to decode filter column: %w", err)
	}
	var cond map[string]json.RawMessage
	if condRaw, ok := obj["filter"]; ok {
		if err := json.Unmarshal(condRaw, &cond); err != nil {
			return nil, fmt.Errorf("failed to decode filter condition: %w", err)
		}
	}
	if v, ok := cond["like"]; ok {
		var pattern string
		if err := json.Unmarshal(v, &pattern); err != nil {
			return nil, fmt.Errorf("like pattern must be a string: %w", err)
		}
		col.Condition.Like = &pattern
	}
	if v, ok := cond["equal"]; ok {
		lit, err := decodeLiteral(v)
		if err != nil {
			return nil, err
		}
		col.Condition.HasEqual = true
		col.Condition.Equal = lit
	}
	if v, ok := cond["in"]; ok {
		list, err := decodeList(v)
		if err != nil {
			return nil, err
		}
		col.Condition.In = list
	}
	if v, ok := cond["intersects"]; ok {
		list, err := decodeList(v)
		if err != nil {
			return nil, err
		}
		col.Condition.Intersects = list
	}
	return col, nil
}

func decodeLiteral(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode filter literal: %w", err)
	}
	return v, nil
}

func decodeList(raw json.RawMessage) ([]any, error) {
	v, err := decodeLiteral(raw)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("filter list must be an array, got %T", v)
	}
	return list, nil
}
