package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const projectSchema = `
tables:
  Project:
    fields:
      name: {kind: string}
      active: {kind: boolean}
      total: {kind: decimal}
      company: {kind: link, table: Company}
      personnel:
        kind: array
        items:
          kind: record
          fields:
            user: {kind: link, table: User}
            role: {kind: enum, values: [estimator, foreman]}
    functions:
      label:
        returns: {kind: string}
      roleOf:
        keyed: true
        returns: {kind: string}
  Company:
    fields:
      name: {kind: string}
`

func TestLoadSchemaDescription(t *testing.T) {
	funcs := Functions{
		"Project.label":  func(r map[string]any, _ string) (any, error) { return r["name"], nil },
		"Project.roleOf": func(r map[string]any, key string) (any, error) { return key, nil },
	}

	reg, err := Load([]byte(projectSchema), funcs)
	require.NoError(t, err)
	require.Equal(t, []string{"Company", "Project"}, reg.Tables())

	project, ok := reg.Table("Project")
	require.True(t, ok)
	require.Equal(t, KindLink, project.Fields["company"].Kind)
	require.Equal(t, "Company", project.Fields["company"].LinkTo)

	personnel := project.Fields["personnel"]
	require.Equal(t, KindArray, personnel.Kind)
	require.Equal(t, KindRecord, personnel.Items.Kind)
	require.Equal(t, []string{"estimator", "foreman"}, personnel.Items.Record.Fields["role"].Values)

	require.False(t, project.Functions["label"].Keyed)
	require.True(t, project.Functions["roleOf"].Keyed)
}

func TestLoadRequiresBoundFunctions(t *testing.T) {
	_, err := Load([]byte(projectSchema), Functions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no implementation bound")
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	_, err := Load([]byte("tables:\n  A:\n    fields:\n      x: {kind: money}\n"), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown field kind")
}

func TestRegistryValidatesLinks(t *testing.T) {
	_, err := NewRegistry(NewRecord("A", map[string]*Field{"b": {Kind: KindLink}}))
	require.Error(t, err)

	_, err = NewRegistry(NewRecord("A", nil), NewRecord("A", nil))
	require.Error(t, err)
}

func TestBlankRecord(t *testing.T) {
	rec := NewRecord("Project", map[string]*Field{
		"name":       String(),
		"active":     Boolean(),
		"total":      Decimal(),
		"contacts":   ArrayOf(Link("Contact")),
		"completion": Nested(NewRecord("Project.completion", map[string]*Field{"date": Date(), "note": String()})),
	})

	blank := rec.Blank("p1")
	require.Equal(t, "p1", blank["id"])
	require.Equal(t, "", blank["name"])
	require.Equal(t, false, blank["active"])
	require.Nil(t, blank["total"])
	require.Equal(t, []any{}, blank["contacts"])
	require.Equal(t, map[string]any{"date": nil, "note": ""}, blank["completion"])
}

func TestKindNames(t *testing.T) {
	for k := KindString; k <= KindArray; k++ {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}
}
