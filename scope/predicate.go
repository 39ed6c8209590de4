// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scope

import "fmt"

// Predicate restricts a table scan to the rows a policy admits.
//
// Sealed: All, Never, IDIn, FieldIn and Member are the only implementations.
type Predicate interface {
	predicate()
}

// All admits every row
type All struct{}

// Never admits no row
type Never struct{}

// IDIn admits rows whose id appears in Field of the rows of Source admitted by Of.
// With Unnest, Field holds an array whose elements (or the Subfield of each element)
// are the ids.
type IDIn struct {
	Source   string
	Of       Predicate
	Field    []string
	Unnest   bool
	Subfield []string
}

// FieldIn admits rows whose Field holds the id of a row of Source admitted by Of
type FieldIn struct {
	Field  []string
	Source string
	Of     Predicate
}

// Member admits rows listing User in their personnel array while every Open path is unset
type Member struct {
	User      string
	Personnel []string
	Key       []string
	Open      [][]string
}

func (All) predicate()     {}
func (Never) predicate()   {}
func (IDIn) predicate()    {}
func (FieldIn) predicate() {}
func (Member) predicate()  {}

// ProjectRule describes the user-scoped predicate of project policies
type ProjectRule struct {
	// Personnel is the array of assignments on the record
	Personnel string
	// Key is the user reference inside each assignment
	Key string
	// Open lists terminal-state fields that must all be unset
	Open []string
}

// DefaultProjectRule returns the rule used by project policies: the user is listed
// in "personnel[].user" and both "projectLostDate" and "completion.date" are null.
func DefaultProjectRule() ProjectRule {
	return ProjectRule{
		Personnel: "personnel",
		Key:       "user",
		Open:      []string{"projectLostDate", "completion.date"},
	}
}

// Resolver turns policies into predicates for one user
type Resolver struct {
	policies Policies
	project  ProjectRule
}

// NewResolver validates policies and creates a resolver
func NewResolver(policies Policies, rule ProjectRule) (*Resolver, error) {
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{policies: policies, project: rule}, nil
}

// Policies returns the resolver's policy table
func (r *Resolver) Policies() Policies { return r.policies }

// Resolve returns the predicate restricting table for user. Tables without a policy
// are never mirrored.
func (r *Resolver) Resolve(table, user string) (Predicate, error) {
	pol, ok := r.policies[table]
	if !ok {
		return Never{}, nil
	}
	switch pol.Kind {
	case KindAll:
		return All{}, nil
	case KindNone:
		return Never{}, nil
	case KindProject:
		open := make([][]string, 0, len(r.project.Open))
		for _, f := range r.project.Open {
			open = append(open, splitPath(f))
		}
		return Member{
			User:      user,
			Personnel: splitPath(r.project.Personnel),
			Key:       splitPath(r.project.Key),
			Open:      open,
		}, nil
	case KindList, KindLink:
		of, err := r.Resolve(pol.Source, user)
		if err != nil {
			return nil, err
		}
		return IDIn{
			Source:   pol.Source,
			Of:       of,
			Field:    splitPath(pol.Field),
			Unnest:   pol.Kind == KindList,
			Subfield: splitPath(pol.Subfield),
		}, nil
	case KindBacklink:
		of, err := r.Resolve(pol.Source, user)
		if err != nil {
			return nil, err
		}
		return FieldIn{Field: splitPath(pol.Field), Source: pol.Source, Of: of}, nil
	default:
		return nil, fmt.Errorf("%w: %s: unknown policy type %q", ErrInvalidPolicy, table, pol.Kind)
	}
}
