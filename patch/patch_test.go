package patch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func p(field []string, diff string) Patch {
	return Patch{Field: field, Diff: json.RawMessage(diff)}
}

func TestApplyReplace(t *testing.T) {
	rec := map[string]any{"id": "p1", "name": "Old"}

	out, err := Apply(rec, p([]string{"name"}, `["Old","New"]`), false)
	require.NoError(t, err)
	require.Equal(t, "New", out["name"])
	require.Equal(t, "Old", rec["name"], "input must not be modified")
}

func TestApplyMismatch(t *testing.T) {
	rec := map[string]any{"name": "Other"}

	_, err := Apply(rec, p([]string{"name"}, `["Old","New"]`), false)
	require.True(t, errors.Is(err, ErrMismatch))

	out, err := Apply(rec, p([]string{"name"}, `["Old","New"]`), true)
	require.NoError(t, err)
	require.Equal(t, "New", out["name"])
}

func TestApplyAddAndDelete(t *testing.T) {
	rec := map[string]any{"id": "p1"}

	out, err := Apply(rec, p([]string{"note"}, `["hello"]`), false)
	require.NoError(t, err)
	require.Equal(t, "hello", out["note"])

	_, err = Apply(out, p([]string{"note"}, `["again"]`), false)
	require.True(t, errors.Is(err, ErrMismatch))

	out, err = Apply(out, p([]string{"note"}, `["hello",0,0]`), false)
	require.NoError(t, err)
	_, present := out["note"]
	require.False(t, present)
}

func TestApplyNestedPath(t *testing.T) {
	rec := map[string]any{"completion": map[string]any{"date": nil, "by": "u1"}}

	out, err := Apply(rec, p([]string{"completion", "date"}, `[null,"2025-01-02"]`), false)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"date": "2025-01-02", "by": "u1"}, out["completion"])

	out, err = Apply(rec, p(nil, `{"completion":{"by":["u1","u2"]}}`), false)
	require.NoError(t, err)
	require.Equal(t, "u2", out["completion"].(map[string]any)["by"])
}

func TestApplyNumbersCompareNumerically(t *testing.T) {
	rec := map[string]any{"count": float64(3)}

	out, err := Apply(rec, p([]string{"count"}, `[3.0, 4]`), false)
	require.NoError(t, err)
	require.Equal(t, json.Number("4"), out["count"])
}

func TestApplyArrayDelta(t *testing.T) {
	rec := map[string]any{"tags": []any{"a", "b", "c"}}

	out, err := Apply(rec, p([]string{"tags"}, `{"_t":"a","_1":["b",0,0],"0":["a","A"],"append":"d"}`), false)
	require.NoError(t, err)
	require.Equal(t, []any{"A", "c", "d"}, out["tags"])

	out, err = Apply(rec, p([]string{"tags"}, `{"_t":"a","1":["x"]}`), false)
	require.NoError(t, err)
	require.Equal(t, []any{"a", "x", "b", "c"}, out["tags"])

	out, err = Apply(rec, p([]string{"tags"}, `{"_t":"a","_0":["",2,3]}`), false)
	require.NoError(t, err)
	require.Equal(t, []any{"b", "c", "a"}, out["tags"])

	_, err = Apply(rec, p([]string{"tags"}, `{"_t":"a","_0":["z",0,0]}`), false)
	require.True(t, errors.Is(err, ErrMismatch))
}

func TestApplyRejectsTextDiff(t *testing.T) {
	_, err := Apply(map[string]any{"s": "abc"}, p([]string{"s"}, `["@@ -1 +1 @@",0,2]`), false)
	require.True(t, errors.Is(err, ErrInvalidPatch))
}

func TestApplyCellMarkerMustBeInteger(t *testing.T) {
	rec := map[string]any{"note": "hello"}
	out, err := Apply(rec, p([]string{"note"}, `["hello",0,0]`), false)
	require.NoError(t, err)
	require.NotContains(t, out, "note")

	_, err = Apply(rec, p([]string{"note"}, `["hello",0,0.5]`), false)
	require.True(t, errors.Is(err, ErrInvalidPatch))
}

func TestApplyAllStopsAtFirstFailure(t *testing.T) {
	rec := map[string]any{"name": "A"}
	patches := []Patch{
		p([]string{"name"}, `["A","B"]`),
		p([]string{"name"}, `["B","C"]`),
	}
	out, err := ApplyAll(rec, patches, false)
	require.NoError(t, err)
	require.Equal(t, "C", out["name"])

	_, err = ApplyAll(rec, []Patch{patches[1]}, false)
	require.ErrorIs(t, err, ErrMismatch)
}

func TestEqual(t *testing.T) {
	require.True(t, Equal(json.Number("1"), 1.0))
	require.True(t, Equal(json.Number("2.50"), json.Number("2.5")))
	require.False(t, Equal(json.Number("12345678901234567890.1"), json.Number("12345678901234567890.2")))
	require.True(t, Equal(map[string]any{"a": []any{"x", nil}}, map[string]any{"a": []any{"x", nil}}))
	require.False(t, Equal("1", json.Number("1")))
	require.False(t, Equal(nil, ""))
}
