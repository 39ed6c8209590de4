// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package patch applies attribute-path diffs to JSON-shaped records.
//
// A Patch addresses a value by its field path and carries a delta cell:
//
//	[new]          add (the current value must be absent)
//	[old, new]     replace (the current value must equal old)
//	[old, 0, 0]    delete (the current value must equal old)
//	{key: delta}   nested per-key deltas
//	{"_t": "a"}    array delta: "_i" removals/moves, "i" inserts or modifications, "append"
//
// With override set, base checks are skipped. A failed base check is ErrMismatch.
package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	// ErrMismatch means the patch base does not match the current value ("bad patch")
	ErrMismatch = errors.New("patch base mismatch")
	// ErrInvalidPatch means the delta is malformed or uses an unsupported form
	ErrInvalidPatch = errors.New("invalid patch")
)

// Patch is one attribute-path diff
type Patch struct {
	Field []string        `json:"field"`
	Diff  json.RawMessage `json:"diff"`
}

// Apply applies a single patch to record and returns the patched copy.
// The input record is never modified.
func Apply(record map[string]any, p Patch, override bool) (map[string]any, error) {
	delta, err := decode(p.Diff)
	if err != nil {
		return nil, err
	}
	out, _, err := applyAt(record, record != nil, p.Field, delta, override)
	if err != nil {
		return nil, fmt.Errorf("field %v: %w", p.Field, err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: patch replaced record with %T", ErrInvalidPatch, out)
	}
	return m, nil
}

// ApplyAll applies patches in order
func ApplyAll(record map[string]any, patches []Patch, override bool) (map[string]any, error) {
	current := record
	for i, p := range patches {
		next, err := Apply(current, p, override)
		if err != nil {
			return nil, fmt.Errorf("patch %d: %w", i, err)
		}
		current = next
	}
	return current, nil
}

func decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return v, nil
}

// applyAt walks path below current and applies delta there. It returns the new value,
// whether the value was deleted, and an error.
func applyAt(current any, present bool, path []string, delta any, override bool) (any, bool, error) {
	if len(path) == 0 {
		return applyDelta(current, present, delta, override)
	}
	var m map[string]any
	switch c := current.(type) {
	case map[string]any:
		m = c
	case nil:
		m = map[string]any{}
	default:
		return nil, false, fmt.Errorf("%w: path segment %q into %T", ErrMismatch, path[0], current)
	}
	sub, subPresent := m[path[0]]
	next, deleted, err := applyAt(sub, subPresent, path[1:], delta, override)
	if err != nil {
		return nil, false, err
	}
	out := copyMap(m)
	if deleted {
		delete(out, path[0])
	} else {
		out[path[0]] = next
	}
	return out, false, nil
}

func applyDelta(current any, present bool, delta any, override bool) (any, bool, error) {
	switch d := delta.(type) {
	case nil:
		return current, false, nil
	case []any:
		return applyCell(current, present, d, override)
	case map[string]any:
		if t, ok := d["_t"]; ok && t == "a" {
			out, err := applyArray(current, present, d, override)
			return out, false, err
		}
		return applyObject(current, d, override)
	default:
		return nil, false, fmt.Errorf("%w: unexpected delta %T", ErrInvalidPatch, delta)
	}
}

func applyCell(current any, present bool, cell []any, override bool) (any, bool, error) {
	switch len(cell) {
	case 1:
		if !override && present && current != nil {
			return nil, false, fmt.Errorf("%w: add %s but found %s", ErrMismatch, show(cell[0]), show(current))
		}
		return cell[0], false, nil
	case 2:
		if !override && !Equal(current, cell[0]) {
			return nil, false, fmt.Errorf("%w: expected %s but found %s", ErrMismatch, show(cell[0]), show(current))
		}
		return cell[1], false, nil
	case 3:
		switch marker(cell[2]) {
		case 0:
			if !override && !Equal(current, cell[0]) {
				return nil, false, fmt.Errorf("%w: delete %s but found %s", ErrMismatch, show(cell[0]), show(current))
			}
			return nil, true, nil
		case 2:
			return nil, false, fmt.Errorf("%w: text diffs are not supported", ErrInvalidPatch)
		}
	}
	return nil, false, fmt.Errorf("%w: cell of length %d", ErrInvalidPatch, len(cell))
}

func applyObject(current any, delta map[string]any, override bool) (any, bool, error) {
	var base map[string]any
	switch c := current.(type) {
	case map[string]any:
		base = c
	case nil:
		base = map[string]any{}
	default:
		if !override {
			return nil, false, fmt.Errorf("%w: object delta on %T", ErrMismatch, current)
		}
		base = map[string]any{}
	}
	out := copyMap(base)
	for key, sub := range delta {
		value, present := out[key]
		next, deleted, err := applyDelta(value, present, sub, override)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", key, err)
		}
		if deleted {
			delete(out, key)
		} else {
			out[key] = next
		}
	}
	return out, false, nil
}

type insertion struct {
	index int
	value any
}

func applyArray(current any, present bool, delta map[string]any, override bool) (any, error) {
	var base []any
	switch c := current.(type) {
	case []any:
		base = c
	case nil:
		if !present && !override {
			return nil, fmt.Errorf("%w: array delta but value is absent", ErrMismatch)
		}
	default:
		return nil, fmt.Errorf("%w: array delta on %T", ErrMismatch, current)
	}

	var removals []int
	var inserts []insertion
	modifications := map[int]any{}

	for key, value := range delta {
		if key == "_t" || key == "append" {
			continue
		}
		if key[0] == '_' {
			idx, err := strconv.Atoi(key[1:])
			if err != nil {
				return nil, fmt.Errorf("%w: bad removal index %q", ErrInvalidPatch, key)
			}
			cell, ok := value.([]any)
			if !ok || len(cell) != 3 || (marker(cell[2]) != 0 && marker(cell[2]) != 3) {
				return nil, fmt.Errorf("%w: bad removal cell at %q", ErrInvalidPatch, key)
			}
			removals = append(removals, idx)
			continue
		}
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("%w: bad index %q", ErrInvalidPatch, key)
		}
		if cell, ok := value.([]any); ok && len(cell) == 1 {
			inserts = append(inserts, insertion{index: idx, value: cell[0]})
		} else {
			modifications[idx] = value
		}
	}

	result := append([]any(nil), base...)
	sort.Sort(sort.Reverse(sort.IntSlice(removals)))
	for _, idx := range removals {
		if idx < 0 || idx >= len(result) {
			return nil, fmt.Errorf("%w: removal index %d out of range", ErrMismatch, idx)
		}
		cell := delta["_"+strconv.Itoa(idx)].([]any)
		removed := result[idx]
		result = append(result[:idx], result[idx+1:]...)
		if marker(cell[2]) == 3 {
			to, ok := intValue(cell[1])
			if !ok {
				return nil, fmt.Errorf("%w: bad move target", ErrInvalidPatch)
			}
			inserts = append(inserts, insertion{index: to, value: removed})
		} else if !override && !Equal(removed, cell[0]) {
			return nil, fmt.Errorf("%w: remove %s but found %s", ErrMismatch, show(cell[0]), show(removed))
		}
	}

	sort.SliceStable(inserts, func(i, j int) bool { return inserts[i].index < inserts[j].index })
	for _, ins := range inserts {
		if ins.index < 0 || ins.index > len(result) {
			return nil, fmt.Errorf("%w: insert index %d out of range", ErrMismatch, ins.index)
		}
		result = append(result, nil)
		copy(result[ins.index+1:], result[ins.index:])
		result[ins.index] = ins.value
	}

	indexes := make([]int, 0, len(modifications))
	for idx := range modifications {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		if idx < 0 || idx >= len(result) {
			return nil, fmt.Errorf("%w: modify index %d out of range", ErrMismatch, idx)
		}
		next, deleted, err := applyDelta(result[idx], true, modifications[idx], override)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", idx, err)
		}
		if deleted {
			next = nil
		}
		result[idx] = next
	}

	if extra, ok := delta["append"]; ok {
		result = append(result, extra)
	}
	return result, nil
}

func marker(v any) int {
	n, ok := intValue(v)
	if !ok {
		return -1
	}
	return n
}

func intValue(v any) (int, bool) {
	d, ok := number(v)
	if !ok {
		return 0, false
	}
	n, err := d.Int64()
	if err != nil {
		return 0, false
	}
	return int(n), true
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func show(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
