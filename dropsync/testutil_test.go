package dropsync

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-dropsync/schema"
	"github.com/mobiletoly/go-dropsync/scope"
)

const testPolicies = `
Project: {type: project, version: 1}
Contact: {type: list, source: Project, field: contacts, version: 1}
Note: {type: none, version: 1}
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	personnel := schema.NewRecord("Personnel", map[string]*schema.Field{"user": schema.String()})
	completion := schema.NewRecord("Completion", map[string]*schema.Field{"date": schema.Date()})
	project := schema.NewRecord("Project", map[string]*schema.Field{
		"name":            schema.String(),
		"total":           schema.Decimal(),
		"personnel":       schema.ArrayOf(schema.Nested(personnel)),
		"contacts":        schema.ArrayOf(schema.Link("Contact")),
		"projectLostDate": schema.Date(),
		"completion":      schema.Nested(completion),
	})
	contact := schema.NewRecord("Contact", map[string]*schema.Field{"name": schema.String()})
	note := schema.NewRecord("Note", map[string]*schema.Field{"text": schema.String()})
	reg, err := schema.NewRegistry(project, contact, note)
	require.NoError(t, err)
	return reg
}

func testResolver(t *testing.T) *scope.Resolver {
	t.Helper()
	policies, err := scope.LoadPolicies([]byte(testPolicies))
	require.NoError(t, err)
	r, err := scope.NewResolver(policies, scope.DefaultProjectRule())
	require.NoError(t, err)
	return r
}

func project(id, name string, users ...string) map[string]any {
	personnel := []any{}
	for _, u := range users {
		personnel = append(personnel, map[string]any{"user": u})
	}
	return map[string]any{
		"id":              id,
		"name":            name,
		"personnel":       personnel,
		"contacts":        []any{fmt.Sprintf("c-%s", id)},
		"projectLostDate": nil,
		"completion":      map[string]any{"date": nil},
	}
}

func seededStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(testRegistry(t), testResolver(t), quietLogger())
	require.NoError(t, store.Put("Project",
		project("p1", "Old", "u1"),
		project("p2", "Beta", "u2"),
	))
	require.NoError(t, store.Put("Contact",
		map[string]any{"id": "c-p1", "name": "Ann"},
		map[string]any{"id": "c-p2", "name": "Bob"},
		map[string]any{"id": "c-x", "name": "Orphan"},
	))
	require.NoError(t, store.Put("Note", map[string]any{"id": "n1", "text": "never mirrored"}))
	return store
}
