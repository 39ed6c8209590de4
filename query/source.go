// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"sort"
)

// MapSource is an in-memory Source keyed by table name. Records are returned
// ordered by id so results are deterministic.
type MapSource map[string][]map[string]any

func (m MapSource) Mirrors(table string) bool {
	_, ok := m[table]
	return ok
}

func (m MapSource) Records(_ context.Context, table string) ([]map[string]any, error) {
	out := append([]map[string]any(nil), m[table]...)
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := out[i]["id"].(string)
		b, _ := out[j]["id"].(string)
		return a < b
	})
	return out, nil
}

func (m MapSource) Record(_ context.Context, table, id string) (map[string]any, error) {
	for _, rec := range m[table] {
		if rec["id"] == id {
			return rec, nil
		}
	}
	return nil, nil
}
