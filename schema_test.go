package distil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilitiesFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model string
		want  Capabilities
	}{
		{"google/gemini-2.0-flash", Capabilities{NeedsLiteralNormalization: true, NeedsObjectRootSchema: true}},
		{"gemini/gemini-1.5-pro", Capabilities{NeedsLiteralNormalization: true, NeedsObjectRootSchema: true}},
		{"openai/gpt-4o", Capabilities{NeedsObjectRootSchema: true}},
		{"azure/gpt-4o", Capabilities{NeedsObjectRootSchema: true}},
		{"anthropic/claude-sonnet-4-5", Capabilities{}},
		{"unknown-provider/some-model", Capabilities{}},
		{"modelwithoutprovider", Capabilities{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CapabilitiesFor(tt.model), tt.model)
	}
}

func TestNormalize_PassThrough(t *testing.T) {
	t.Parallel()
	shape := map[string]any{"type": "string"}
	out, key := Normalize(Capabilities{}, shape)
	assert.Equal(t, "", key)
	// No constraint means the shape passes through unchanged.
	assert.Equal(t, shape, out)
}

func TestNormalize_NilShape(t *testing.T) {
	t.Parallel()
	out, key := Normalize(Capabilities{NeedsLiteralNormalization: true, NeedsObjectRootSchema: true}, nil)
	assert.Nil(t, out)
	assert.Equal(t, "", key)
}

func TestNormalize_RefCycleTerminates(t *testing.T) {
	t.Parallel()
	shape := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"node": map[string]any{"$ref": "#/$defs/node"},
		},
		"$defs": map[string]any{
			"node": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"next": map[string]any{"$ref": "#/$defs/node"},
				},
			},
		},
	}
	out, _ := Normalize(Capabilities{NeedsLiteralNormalization: true}, shape)
	require.NotNil(t, out)

	node, ok := out["properties"].(map[string]any)["node"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "object", node["type"])
	// The cycle edge stays an unresolved reference instead of recursing.
	next, ok := node["properties"].(map[string]any)["next"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "#/$defs/node", next["$ref"])
}

func TestNormalize_RefResolution(t *testing.T) {
	t.Parallel()
	shape := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{"$ref": "#/$defs/status"},
		},
		"$defs": map[string]any{
			"status": map[string]any{"type": "string", "enum": []any{"open", "closed"}},
		},
	}
	out, _ := Normalize(Capabilities{NeedsLiteralNormalization: true}, shape)
	status := out["properties"].(map[string]any)["status"].(map[string]any)
	assert.Equal(t, "string", status["type"])
	assert.NotContains(t, status, "$ref")
}

func TestNormalize_ConstUnionCollapse(t *testing.T) {
	t.Parallel()
	shape := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"kind": map[string]any{
				"anyOf": []any{
					map[string]any{"type": "string", "const": "cat"},
					map[string]any{"type": "string", "const": "dog"},
				},
			},
		},
	}
	out, _ := Normalize(Capabilities{NeedsLiteralNormalization: true}, shape)
	kind := out["properties"].(map[string]any)["kind"].(map[string]any)
	assert.Equal(t, []any{"cat", "dog"}, kind["enum"])
	assert.Equal(t, "string", kind["type"])
	assert.NotContains(t, kind, "anyOf")
}

func TestNormalize_ConstUnionMixedBaseTypes(t *testing.T) {
	t.Parallel()
	shape := map[string]any{
		"oneOf": []any{
			map[string]any{"type": "string", "const": "one"},
			map[string]any{"type": "number", "const": float64(1)},
		},
	}
	out, _ := Normalize(Capabilities{NeedsLiteralNormalization: true}, shape)
	assert.Equal(t, []any{"one", float64(1)}, out["enum"])
	assert.NotContains(t, out, "oneOf")
	// No shared base type, so none is set.
	assert.NotContains(t, out, "type")
}

func TestNormalize_NonConstUnionUntouched(t *testing.T) {
	t.Parallel()
	shape := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "string"},
			map[string]any{"type": "number", "const": float64(1)},
		},
	}
	out, _ := Normalize(Capabilities{NeedsLiteralNormalization: true}, shape)
	assert.Contains(t, out, "anyOf")
	assert.NotContains(t, out, "enum")
}

func TestNormalize_StripsExamples(t *testing.T) {
	t.Parallel()
	shape := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "examples": []any{"Ada"}},
		},
		"examples": []any{map[string]any{"name": "Ada"}},
	}
	out, _ := Normalize(Capabilities{NeedsLiteralNormalization: true}, shape)
	assert.NotContains(t, out, "examples")
	name := out["properties"].(map[string]any)["name"].(map[string]any)
	assert.NotContains(t, name, "examples")
}

func TestNormalize_WrapsNonObjectRoot(t *testing.T) {
	t.Parallel()
	shape := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	out, key := Normalize(Capabilities{NeedsObjectRootSchema: true}, shape)
	assert.Equal(t, WrapKey, key)
	assert.Equal(t, "object", out["type"])
	assert.Equal(t, []any{WrapKey}, out["required"])
	inner := out["properties"].(map[string]any)[WrapKey].(map[string]any)
	assert.Equal(t, "array", inner["type"])
}

func TestNormalize_ObjectRootNotWrapped(t *testing.T) {
	t.Parallel()
	shape := map[string]any{"type": "object", "properties": map[string]any{}}
	out, key := Normalize(Capabilities{NeedsObjectRootSchema: true}, shape)
	assert.Equal(t, "", key)
	assert.Equal(t, shape, out)
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	t.Parallel()
	shape := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"kind": map[string]any{
				"anyOf": []any{
					map[string]any{"type": "string", "const": "a"},
					map[string]any{"type": "string", "const": "b"},
				},
				"examples": []any{"a"},
			},
		},
	}
	before, err := json.Marshal(shape)
	require.NoError(t, err)
	_, _ = Normalize(Capabilities{NeedsLiteralNormalization: true, NeedsObjectRootSchema: true}, shape)
	after, err := json.Marshal(shape)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestWrapUnwrap_Idempotent(t *testing.T) {
	t.Parallel()
	v := any(float64(42))
	assert.Equal(t, v, Unwrap(WrapKey, wrapValue(WrapKey, v)))
	// A candidate already wrapped by the model is not wrapped twice.
	pre := map[string]any{WrapKey: v}
	assert.Equal(t, v, Unwrap(WrapKey, wrapValue(WrapKey, pre)))
	// Without a wrap key both are identity.
	assert.Equal(t, v, Unwrap("", wrapValue("", v)))
}

func TestUnwrap_BareValue(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", Unwrap(WrapKey, "hello"))
}

func TestSchemaFor(t *testing.T) {
	t.Parallel()
	type Contact struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Note  string `json:"note,omitempty"`
	}
	shape, err := SchemaFor[Contact]()
	require.NoError(t, err)
	assert.Equal(t, "object", shape["type"])
	assert.NotContains(t, shape, "$schema")
	props, ok := shape["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "name")
	assert.Contains(t, props, "email")
}

func TestValidateShape_Violations(t *testing.T) {
	t.Parallel()
	sch, err := compileShape(map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, validateShape(sch, map[string]any{"name": "Ada"}))

	err = validateShape(sch, map[string]any{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	var sve *SchemaValidationError
	require.ErrorAs(t, err, &sve)
	assert.NotEmpty(t, sve.Violations)
}

func TestCompileShape_NilAcceptsAnything(t *testing.T) {
	t.Parallel()
	sch, err := compileShape(nil)
	require.NoError(t, err)
	assert.NoError(t, validateShape(sch, map[string]any{"anything": true}))
	assert.NoError(t, validateShape(sch, "text"))
}
