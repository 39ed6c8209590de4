// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"golang.org/x/text/cases"

	"github.com/mobiletoly/go-dropsync/patch"
)

// toDecimal converts a JSON-shaped decimal (canonical string or number) to *apd.Decimal
func toDecimal(v any) (*apd.Decimal, error) {
	switch d := v.(type) {
	case *apd.Decimal:
		return d, nil
	case string:
		out, _, err := apd.NewFromString(d)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", d, err)
		}
		return out, nil
	case json.Number:
		out, _, err := apd.NewFromString(string(d))
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", d, err)
		}
		return out, nil
	case float64:
		out := new(apd.Decimal)
		if _, err := out.SetFloat64(d); err != nil {
			return nil, fmt.Errorf("invalid decimal %v: %w", d, err)
		}
		return out, nil
	case int:
		return apd.New(int64(d), 0), nil
	case int64:
		return apd.New(d, 0), nil
	default:
		return nil, fmt.Errorf("cannot interpret %T as decimal", v)
	}
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// valuesEqual compares a resolved value with a filter literal. A decimal equals its
// canonical string form and a number equals its string form; everything else falls
// back to deep JSON equality.
func valuesEqual(a, b any) bool {
	if d, ok := a.(*apd.Decimal); ok {
		return decimalEquals(d, b)
	}
	if d, ok := b.(*apd.Decimal); ok {
		return decimalEquals(d, a)
	}
	if s, ok := b.(string); ok {
		if n, ok := numberOf(a); ok {
			f, err := strconv.ParseFloat(s, 64)
			return err == nil && f == n
		}
	}
	if s, ok := a.(string); ok {
		if n, ok := numberOf(b); ok {
			f, err := strconv.ParseFloat(s, 64)
			return err == nil && f == n
		}
	}
	return patch.Equal(a, b)
}

func decimalEquals(d *apd.Decimal, other any) bool {
	switch other.(type) {
	case string, json.Number, float64, int, int64, *apd.Decimal:
		od, err := toDecimal(other)
		return err == nil && d.Cmp(od) == 0
	}
	return false
}

// rank orders values of different types: null first, then booleans, numbers, strings
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case *apd.Decimal, json.Number, float64, int, int64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

// compareValues orders two sort keys. Strings are expected to be case-folded already.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 1:
		av, bv := a.(bool), b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case 2:
		ad, errA := toDecimal(a)
		bd, errB := toDecimal(b)
		if errA != nil || errB != nil {
			return 0
		}
		return ad.Cmp(bd)
	case 3:
		return strings.Compare(a.(string), b.(string))
	}
	return 0
}

// sortKey normalizes a resolved value for sorting
func sortKey(folder cases.Caser, v any) any {
	if s, ok := v.(string); ok {
		return folder.String(s)
	}
	return v
}

// likePattern translates an SQL-style pattern ("%" wildcard, "\%" literal percent,
// "\\" literal backslash) into an anchored, case-insensitive expression.
func likePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?is)^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\\' && i+1 < len(runes) && (runes[i+1] == '%' || runes[i+1] == '\\'):
			b.WriteString(regexp.QuoteMeta(string(runes[i+1])))
			i++
		case r == '%':
			b.WriteString(".*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// likeSubject renders a resolved value as the text a like pattern is tested against
func likeSubject(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case *apd.Decimal:
		return s.String(), true
	case json.Number:
		return s.String(), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}
