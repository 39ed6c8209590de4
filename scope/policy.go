// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package scope decides which server rows are replicated to a client. A per-table
// policy resolves, for a given user, into a predicate that is evaluated against the
// local mirror on the client and compiled to SQL for the authoritative snapshot on
// the server.
package scope

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind names a replication policy type
type Kind string

const (
	KindAll      Kind = "all"
	KindList     Kind = "list"
	KindLink     Kind = "link"
	KindBacklink Kind = "backlink"
	KindProject  Kind = "project"
	KindNone     Kind = "none"
)

// ErrInvalidPolicy is returned for policy tables that cannot be resolved
var ErrInvalidPolicy = errors.New("invalid replication policy")

// Policy is one table's replication rule.
//
// Source and Field are used by list, link and backlink policies. Field is a dotted
// path ("common.project"); Subfield unnests list elements through a sub-field.
// Version gates local partition migration.
type Policy struct {
	Kind     Kind   `yaml:"type" json:"type"`
	Source   string `yaml:"source,omitempty" json:"source,omitempty"`
	Field    string `yaml:"field,omitempty" json:"field,omitempty"`
	Subfield string `yaml:"subfield,omitempty" json:"subfield,omitempty"`
	Version  int    `yaml:"version" json:"version"`
}

// Policies is the policy table keyed by table name
type Policies map[string]Policy

// LoadPolicies decodes a YAML (or JSON) policy table and validates it
func LoadPolicies(data []byte) (Policies, error) {
	var p Policies
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode policies: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks kinds, required fields, source references and cycles
func (p Policies) Validate() error {
	for _, table := range p.Tables() {
		pol := p[table]
		switch pol.Kind {
		case KindAll, KindProject, KindNone:
		case KindList, KindLink, KindBacklink:
			if pol.Source == "" || pol.Field == "" {
				return fmt.Errorf("%w: %s: %s policy needs source and field", ErrInvalidPolicy, table, pol.Kind)
			}
			if _, ok := p[pol.Source]; !ok {
				return fmt.Errorf("%w: %s: unknown source table %s", ErrInvalidPolicy, table, pol.Source)
			}
			if pol.Subfield != "" && pol.Kind != KindList {
				return fmt.Errorf("%w: %s: subfield is only valid for list policies", ErrInvalidPolicy, table)
			}
		default:
			return fmt.Errorf("%w: %s: unknown policy type %q", ErrInvalidPolicy, table, pol.Kind)
		}
		if pol.Version < 0 {
			return fmt.Errorf("%w: %s: negative version", ErrInvalidPolicy, table)
		}
	}
	for _, table := range p.Tables() {
		seen := map[string]bool{}
		for t := table; ; {
			if seen[t] {
				return fmt.Errorf("%w: %s: source cycle", ErrInvalidPolicy, table)
			}
			seen[t] = true
			pol := p[t]
			if pol.Source == "" {
				break
			}
			t = pol.Source
		}
	}
	return nil
}

// Tables returns the table names in sorted order
func (p Policies) Tables() []string {
	out := make([]string, 0, len(p))
	for t := range p {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Mirrored returns the tables that are replicated locally (every policy except none)
func (p Policies) Mirrored() []string {
	var out []string
	for _, t := range p.Tables() {
		if p[t].Kind != KindNone {
			out = append(out, t)
		}
	}
	return out
}

// Mirrors reports whether table is replicated locally
func (p Policies) Mirrors(table string) bool {
	pol, ok := p[table]
	return ok && pol.Kind != KindNone
}

func splitPath(field string) []string {
	if field == "" {
		return nil
	}
	return strings.Split(field, ".")
}
