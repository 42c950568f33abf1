package distil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// WrapKey is the synthetic field name used when a non-object shape must be
// wrapped into an object for providers that require object-rooted tool schemas.
const WrapKey = "value"

// Capabilities describe the schema constraints of a provider's tool-calling
// mechanism. They form a closed set resolved once per request; the normalizer
// never branches on provider names directly.
type Capabilities struct {
	// NeedsLiteralNormalization is set for providers that cannot express unions
	// of literal constants (anyOf/oneOf of const variants).
	NeedsLiteralNormalization bool
	// NeedsObjectRootSchema is set for providers that require the tool schema
	// root to be an object.
	NeedsObjectRootSchema bool
}

// CapabilitiesFor resolves capability flags from the provider segment of a
// "provider/model" identifier. Unknown providers get the permissive default
// (shape passes through unchanged).
func CapabilitiesFor(model string) Capabilities {
	provider, _, _ := strings.Cut(model, "/")
	switch provider {
	case "google", "gemini", "vertex":
		return Capabilities{NeedsLiteralNormalization: true, NeedsObjectRootSchema: true}
	case "openai", "azure":
		return Capabilities{NeedsObjectRootSchema: true}
	default:
		return Capabilities{}
	}
}

// Normalize rewrites shape into a form the provider's tool-calling mechanism
// accepts and returns it with the unwrap key ("" when no wrapping was applied).
// The input map is never mutated. Normalization is a pure data transformation:
// malformed shapes pass through unchanged rather than failing.
func Normalize(caps Capabilities, shape map[string]any) (map[string]any, string) {
	if shape == nil {
		return nil, ""
	}
	out := shape
	if caps.NeedsLiteralNormalization {
		out = deepCloneShape(shape)
		out = resolveRefs(out)
		walkShape(out, func(n map[string]any) {
			collapseConstUnion(n)
			delete(n, "examples")
		})
	}
	if caps.NeedsObjectRootSchema && !isObjectShape(out) {
		return map[string]any{
			"type":                 "object",
			"properties":           map[string]any{WrapKey: out},
			"required":             []any{WrapKey},
			"additionalProperties": false,
		}, WrapKey
	}
	return out, ""
}

// Unwrap extracts the payload from a possibly-wrapped value. It accepts both a
// bare value and an object already carrying the wrap key, so unwrapping after
// wrapValue is idempotent.
func Unwrap(key string, v any) any {
	if key == "" {
		return v
	}
	if m, ok := v.(map[string]any); ok {
		if inner, present := m[key]; present {
			return inner
		}
	}
	return v
}

// wrapValue wraps v under key unless it is already exactly a wrapped object
// (a single-field object carrying the wrap key).
func wrapValue(key string, v any) any {
	if key == "" {
		return v
	}
	if m, ok := v.(map[string]any); ok {
		if _, present := m[key]; present && len(m) == 1 {
			return m
		}
	}
	return map[string]any{key: v}
}

// isObjectShape reports whether the shape describes a JSON object.
func isObjectShape(shape map[string]any) bool {
	if shape == nil {
		return false
	}
	if t, ok := shape["type"].(string); ok {
		return t == "object"
	}
	_, hasProps := shape["properties"]
	return hasProps
}

// deepCloneShape copies a shape map through a marshal/unmarshal round trip so
// the caller's map is never mutated.
func deepCloneShape(shape map[string]any) map[string]any {
	data, err := json.Marshal(shape)
	if err != nil {
		return shape
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return shape
	}
	return out
}

// walkShape recursively visits every map node in the shape tree (including
// $defs and definitions).
func walkShape(shape map[string]any, visit func(map[string]any)) {
	if shape == nil {
		return
	}
	visit(shape)
	for _, val := range shape {
		switch v := val.(type) {
		case map[string]any:
			walkShape(v, visit)
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					walkShape(m, visit)
				}
			}
		}
	}
}

// resolveRefs replaces every internal $ref node with its referent. Resolution
// tracks an explicit in-progress set keyed by reference string: a ref that is
// already being resolved (a cycle) stays in place as an unresolved reference
// instead of recursing, so termination does not depend on the shape.
func resolveRefs(root map[string]any) map[string]any {
	r := &refResolver{
		root:      root,
		resolving: make(map[string]bool),
		resolved:  make(map[string]map[string]any),
	}
	if out, ok := r.resolve(root).(map[string]any); ok {
		return out
	}
	return root
}

type refResolver struct {
	root      map[string]any
	resolving map[string]bool           // in-progress set for cycle detection
	resolved  map[string]map[string]any // memo of already-resolved refs
}

func (r *refResolver) resolve(n any) any {
	switch v := n.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			return r.resolveRef(ref, v)
		}
		for k, val := range v {
			v[k] = r.resolve(val)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = r.resolve(item)
		}
		return v
	default:
		return n
	}
}

func (r *refResolver) resolveRef(ref string, node map[string]any) any {
	if r.resolving[ref] {
		return node // cycle edge stays a reference
	}
	if memo, ok := r.resolved[ref]; ok {
		return memo
	}
	target := r.lookup(ref)
	if target == nil {
		return node // external or dangling ref passes through unchanged
	}
	r.resolving[ref] = true
	out, _ := r.resolve(deepCloneShape(target)).(map[string]any)
	delete(r.resolving, ref)
	if out == nil {
		return node
	}
	r.resolved[ref] = out
	return out
}

// lookup follows a local JSON pointer ("#/$defs/Name", "#/definitions/Name", or
// deeper) into the root shape.
func (r *refResolver) lookup(ref string) map[string]any {
	path, ok := strings.CutPrefix(ref, "#/")
	if !ok {
		return nil
	}
	cur := any(r.root)
	for seg := range strings.SplitSeq(path, "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[seg]; !ok {
			return nil
		}
	}
	m, _ := cur.(map[string]any)
	return m
}

// collapseConstUnion rewrites an anyOf/oneOf whose alternatives are all
// single-constant variants into an enum constraint, keeping the base type when
// every alternative shares one. Mixed unions are left untouched.
func collapseConstUnion(n map[string]any) {
	for _, key := range []string{"anyOf", "oneOf"} {
		alts, ok := n[key].([]any)
		if !ok || len(alts) == 0 {
			continue
		}
		enum, typ, ok := constUnion(alts)
		if !ok {
			continue
		}
		delete(n, key)
		n["enum"] = enum
		if typ != "" {
			n["type"] = typ
		}
	}
}

// constUnion extracts the constants of an all-const alternative set. The shared
// base type is "" when alternatives disagree on (or omit) their type.
func constUnion(alts []any) ([]any, string, bool) {
	enum := make([]any, 0, len(alts))
	typ := ""
	shared := true
	for i, alt := range alts {
		m, ok := alt.(map[string]any)
		if !ok {
			return nil, "", false
		}
		c, ok := m["const"]
		if !ok {
			return nil, "", false
		}
		enum = append(enum, c)
		t, _ := m["type"].(string)
		if i == 0 {
			typ = t
		} else if t != typ {
			shared = false
		}
	}
	if !shared {
		typ = ""
	}
	return enum, typ, true
}

// SchemaFor reflects a shape map from a Go type using struct tags (json,
// jsonschema, description), so typed callers never hand-write shape maps.
func SchemaFor[T any]() (map[string]any, error) {
	r := &invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	schema := r.Reflect(new(T))
	if schema == nil {
		return nil, errors.New("schema reflection returned nil")
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// compileShape compiles a shape map into a validator. The map is not mutated.
// A nil shape compiles to the empty schema, which accepts any value.
func compileShape(shape map[string]any) (*jsonschema.Schema, error) {
	if shape == nil {
		shape = map[string]any{}
	}
	data, err := json.Marshal(shape)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("shape.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("shape.json")
}

// validateShape runs shape validation over a candidate value, converting
// jsonschema failures into a SchemaValidationError with per-field violations.
func validateShape(sch *jsonschema.Schema, v any) error {
	err := sch.Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return &SchemaValidationError{Violations: violationList(ve), Err: err}
	}
	return &SchemaValidationError{Violations: []string{err.Error()}, Err: err}
}

var violationPrinter = message.NewPrinter(language.English)

// violationList flattens the leaf causes of a validation error into one line
// per failing instance location.
func violationList(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(violationPrinter))}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, violationList(cause)...)
	}
	return out
}

// decodeJSON decodes candidate bytes the same way shape validation expects them.
func decodeJSON(data []byte) (any, error) {
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
