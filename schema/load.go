// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Functions binds derived function implementations by "Table.function" name
type Functions map[string]Func

type fieldDesc struct {
	Kind   string                `yaml:"kind"`
	Items  *fieldDesc            `yaml:"items"`
	Fields map[string]*fieldDesc `yaml:"fields"`
	Table  string                `yaml:"table"`
	Values []string              `yaml:"values"`
}

type functionDesc struct {
	Keyed   bool       `yaml:"keyed"`
	Returns *fieldDesc `yaml:"returns"`
}

type tableDesc struct {
	Fields    map[string]*fieldDesc    `yaml:"fields"`
	Functions map[string]*functionDesc `yaml:"functions"`
}

type description struct {
	Tables map[string]*tableDesc `yaml:"tables"`
}

// Load builds a registry from a YAML (or JSON) schema description produced by the
// record code generator. Every declared function must have an implementation in funcs.
func Load(data []byte, funcs Functions) (*Registry, error) {
	var desc description
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to parse schema description: %w", err)
	}

	records := make([]*Record, 0, len(desc.Tables))
	for name, td := range desc.Tables {
		if td == nil {
			td = &tableDesc{}
		}
		rec, err := buildRecord(name, td.Fields)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		for fnName, fd := range td.Functions {
			if fd == nil || fd.Returns == nil {
				return nil, fmt.Errorf("table %s function %s: missing return type", name, fnName)
			}
			impl, ok := funcs[name+"."+fnName]
			if !ok {
				return nil, fmt.Errorf("table %s function %s: no implementation bound", name, fnName)
			}
			returns, err := buildField(name+"."+fnName, fd.Returns)
			if err != nil {
				return nil, fmt.Errorf("table %s function %s: %w", name, fnName, err)
			}
			rec.Functions[fnName] = &Function{Name: fnName, Keyed: fd.Keyed, Returns: returns, Fn: impl}
		}
		records = append(records, rec)
	}

	return NewRegistry(records...)
}

func buildRecord(name string, fields map[string]*fieldDesc) (*Record, error) {
	rec := NewRecord(name, nil)
	for fieldName, fd := range fields {
		f, err := buildField(name+"."+fieldName, fd)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fieldName, err)
		}
		rec.Fields[fieldName] = f
	}
	return rec, nil
}

func buildField(path string, fd *fieldDesc) (*Field, error) {
	if fd == nil {
		return nil, fmt.Errorf("empty field description")
	}
	kind, err := ParseKind(fd.Kind)
	if err != nil {
		return nil, err
	}
	f := &Field{Kind: kind, LinkTo: fd.Table, Values: fd.Values}
	switch kind {
	case KindArray:
		if f.Items, err = buildField(path+"[]", fd.Items); err != nil {
			return nil, err
		}
	case KindRecord:
		if f.Record, err = buildRecord(path, fd.Fields); err != nil {
			return nil, err
		}
	}
	return f, nil
}
