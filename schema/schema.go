// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package schema is the static registry of per-table record metadata: field kinds,
// nested and linked records, and derived functions. Records are interpreted generically
// through this registry, so no per-entity code is needed on the sync path.
package schema

import (
	"fmt"
	"sort"
)

// Kind is the shape of a single field value
type Kind int

const (
	KindString Kind = iota
	KindBoolean
	KindDecimal
	KindNumber
	KindDate
	KindDateTime
	KindBinary
	KindEnum
	KindLink
	KindRecord
	KindArray
)

var kindNames = map[Kind]string{
	KindString:   "string",
	KindBoolean:  "boolean",
	KindDecimal:  "decimal",
	KindNumber:   "number",
	KindDate:     "date",
	KindDateTime: "datetime",
	KindBinary:   "binary",
	KindEnum:     "enum",
	KindLink:     "link",
	KindRecord:   "record",
	KindArray:    "array",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a kind name from a schema description to its Kind
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown field kind %q", name)
}

// Field describes one field. Only the members relevant to Kind are set:
// Items for arrays, Record for nested records, LinkTo for links and Values for enums.
type Field struct {
	Kind   Kind
	Items  *Field
	Record *Record
	LinkTo string
	Values []string
}

// Func computes a derived value from a full JSON-shaped record. Keyed functions
// receive the auxiliary key; unkeyed functions receive an empty key.
type Func func(record map[string]any, key string) (any, error)

// Function is a derived function declared on a record
type Function struct {
	Name    string
	Keyed   bool
	Returns *Field
	Fn      Func
}

// Record is the metadata of a table row or of a nested record value
type Record struct {
	Name      string
	Fields    map[string]*Field
	Functions map[string]*Function
}

// NewRecord creates record metadata with the given fields
func NewRecord(name string, fields map[string]*Field) *Record {
	if fields == nil {
		fields = map[string]*Field{}
	}
	return &Record{Name: name, Fields: fields, Functions: map[string]*Function{}}
}

// WithFunction declares an unkeyed derived function and returns the record for chaining
func (r *Record) WithFunction(name string, returns *Field, fn Func) *Record {
	r.Functions[name] = &Function{Name: name, Returns: returns, Fn: fn}
	return r
}

// WithKeyedFunction declares a derived function parameterized by an auxiliary key
func (r *Record) WithKeyedFunction(name string, returns *Field, fn Func) *Record {
	r.Functions[name] = &Function{Name: name, Keyed: true, Returns: returns, Fn: fn}
	return r
}

// Blank returns a fresh record value with every field at its zero value and the given id.
// It is the base used when a patch targets a record that has no local copy yet.
func (r *Record) Blank(id string) map[string]any {
	out := make(map[string]any, len(r.Fields)+1)
	for name, f := range r.Fields {
		out[name] = f.zero()
	}
	out["id"] = id
	return out
}

func (f *Field) zero() any {
	switch f.Kind {
	case KindString:
		return ""
	case KindBoolean:
		return false
	case KindArray:
		return []any{}
	case KindRecord:
		if f.Record == nil {
			return map[string]any{}
		}
		out := make(map[string]any, len(f.Record.Fields))
		for name, sub := range f.Record.Fields {
			out[name] = sub.zero()
		}
		return out
	default:
		return nil
	}
}

// Registry maps table names to record metadata. It is immutable after loading
// and safe for concurrent reads.
type Registry struct {
	tables map[string]*Record
}

// NewRegistry creates a registry from table records
func NewRegistry(tables ...*Record) (*Registry, error) {
	r := &Registry{tables: make(map[string]*Record, len(tables))}
	for _, t := range tables {
		if t == nil || t.Name == "" {
			return nil, fmt.Errorf("table record must have a name")
		}
		if _, dup := r.tables[t.Name]; dup {
			return nil, fmt.Errorf("duplicate table %q", t.Name)
		}
		r.tables[t.Name] = t
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Table returns the metadata for a table
func (r *Registry) Table(name string) (*Record, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// Tables returns all table names in sorted order
func (r *Registry) Tables() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) validate() error {
	for name, t := range r.tables {
		for fieldName, f := range t.Fields {
			if err := r.validateField(f); err != nil {
				return fmt.Errorf("table %s field %s: %w", name, fieldName, err)
			}
		}
		for fnName, fn := range t.Functions {
			if fn.Fn == nil || fn.Returns == nil {
				return fmt.Errorf("table %s function %s: missing implementation or return type", name, fnName)
			}
			if err := r.validateField(fn.Returns); err != nil {
				return fmt.Errorf("table %s function %s: %w", name, fnName, err)
			}
		}
	}
	return nil
}

func (r *Registry) validateField(f *Field) error {
	if f == nil {
		return fmt.Errorf("nil field")
	}
	switch f.Kind {
	case KindArray:
		if f.Items == nil {
			return fmt.Errorf("array field without items")
		}
		return r.validateField(f.Items)
	case KindRecord:
		if f.Record == nil {
			return fmt.Errorf("record field without metadata")
		}
		for name, sub := range f.Record.Fields {
			if err := r.validateField(sub); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	case KindLink:
		if f.LinkTo == "" {
			return fmt.Errorf("link field without target table")
		}
	}
	return nil
}

// Field constructors used by code-built registries and tests

func String() *Field   { return &Field{Kind: KindString} }
func Boolean() *Field  { return &Field{Kind: KindBoolean} }
func Decimal() *Field  { return &Field{Kind: KindDecimal} }
func Number() *Field   { return &Field{Kind: KindNumber} }
func Date() *Field     { return &Field{Kind: KindDate} }
func DateTime() *Field { return &Field{Kind: KindDateTime} }
func Binary() *Field   { return &Field{Kind: KindBinary} }

func Enum(values ...string) *Field { return &Field{Kind: KindEnum, Values: values} }
func Link(table string) *Field     { return &Field{Kind: KindLink, LinkTo: table} }
func ArrayOf(items *Field) *Field  { return &Field{Kind: KindArray, Items: items} }
func Nested(r *Record) *Field      { return &Field{Kind: KindRecord, Record: r} }
