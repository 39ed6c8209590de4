// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package patch

import (
	"encoding/json"

	"github.com/cockroachdb/apd/v3"
)

// Equal reports deep equality of two JSON-shaped values. Numbers compare numerically
// whatever their Go representation (json.Number, float64, int).
func Equal(a, b any) bool {
	if an, ok := number(a); ok {
		bn, ok := number(b)
		return ok && an.Cmp(bn) == 0
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// number converts a JSON number to an exact decimal
func number(v any) (*apd.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, _, err := apd.NewFromString(string(n))
		return d, err == nil
	case float64:
		d := new(apd.Decimal)
		_, err := d.SetFloat64(n)
		return d, err == nil
	case float32:
		d := new(apd.Decimal)
		_, err := d.SetFloat64(float64(n))
		return d, err == nil
	case int:
		return apd.New(int64(n), 0), true
	case int64:
		return apd.New(n, 0), true
	default:
		return nil, false
	}
}
