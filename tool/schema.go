package tool

import (
	"embed"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

const definitionSchemaPath = "schemas/tool-definition.schema.json"

//go:embed schemas/tool-definition.schema.json
var definitionSchemaFiles embed.FS

var loadDefinitionSchema = sync.OnceValues(func() (*schemaValidator, error) {
	data, err := definitionSchemaFiles.ReadFile(definitionSchemaPath)
	if err != nil {
		return nil, fmt.Errorf("tool: reading definition schema: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tool: parse definition schema: %w", err)
	}
	return compileValidator(raw)
})

// DefinitionSchema returns the bundled JSON Schema that every definition
// document must satisfy.
func DefinitionSchema() ([]byte, error) {
	data, err := definitionSchemaFiles.ReadFile(definitionSchemaPath)
	if err != nil {
		return nil, fmt.Errorf("tool: reading definition schema: %w", err)
	}
	return slices.Clone(data), nil
}

// CompileSchema parses and resolves a JSON Schema document.
func CompileSchema(data []byte) (*jsonschema.Resolved, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("tool: parse schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tool: resolve schema: %w", err)
	}
	return resolved, nil
}

// compileParameters compiles a parameters object and returns it together with
// a deep copy normalized through JSON.
func compileParameters(params map[string]any) (map[string]any, *schemaValidator, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("tool: encode parameters: %w", err)
	}
	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, nil, fmt.Errorf("tool: decode parameters: %w", err)
	}
	validator, err := compileValidator(clone)
	if err != nil {
		return nil, nil, err
	}
	return clone, validator, nil
}

// schemaValidator reports every violation of a schema, not just the first.
// The resolver stops at the first failing keyword, so object schemas are
// split: each declared property is checked against its own subschema,
// required names are checked directly, and the remaining object keywords run
// against a copy whose property subschemas accept anything.
type schemaValidator struct {
	whole *jsonschema.Resolved

	// Set only when the schema declares properties that compile on their own.
	residual *jsonschema.Resolved
	required []string
	names    []string
	props    map[string]*schemaValidator
}

func compileValidator(raw map[string]any) (*schemaValidator, error) {
	whole, err := resolveRaw(raw)
	if err != nil {
		return nil, err
	}
	v := &schemaValidator{whole: whole}

	declared, _ := raw["properties"].(map[string]any)
	if len(declared) == 0 {
		return v, nil
	}
	props := make(map[string]*schemaValidator, len(declared))
	open := make(map[string]any, len(declared))
	for name, sub := range declared {
		subRaw, ok := sub.(map[string]any)
		if !ok {
			return v, nil
		}
		// Subschemas that reference definitions elsewhere in the document
		// cannot be resolved alone; such schemas are validated whole.
		pv, err := compileValidator(subRaw)
		if err != nil {
			return v, nil
		}
		props[name] = pv
		open[name] = map[string]any{}
	}

	residualRaw := maps.Clone(raw)
	residualRaw["properties"] = open
	delete(residualRaw, "required")
	residual, err := resolveRaw(residualRaw)
	if err != nil {
		return v, nil
	}

	v.residual = residual
	v.props = props
	v.names = slices.Sorted(maps.Keys(props))
	if req, ok := raw["required"].([]any); ok {
		for _, name := range req {
			if s, ok := name.(string); ok {
				v.required = append(v.required, s)
			}
		}
	}
	return v, nil
}

func resolveRaw(raw map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("tool: encode schema: %w", err)
	}
	return CompileSchema(data)
}

func validateInstance(v *schemaValidator, instance any) []string {
	if v == nil {
		return nil
	}
	return v.violations(instance, "")
}

func (v *schemaValidator) violations(instance any, path string) []string {
	err := v.whole.Validate(instance)
	if err == nil {
		return nil
	}
	obj, isObject := instance.(map[string]any)
	if v.residual == nil || !isObject {
		return []string{violationAt(path, err)}
	}

	var out []string
	for _, name := range v.required {
		if _, ok := obj[name]; !ok {
			out = append(out, fmt.Sprintf("%s: missing required property %q", pathOrRoot(path), name))
		}
	}
	if rerr := v.residual.Validate(instance); rerr != nil {
		out = append(out, violationAt(path, rerr))
	}
	for _, name := range v.names {
		value, ok := obj[name]
		if !ok {
			continue
		}
		out = append(out, v.props[name].violations(value, path+"/"+name)...)
	}
	if len(out) == 0 {
		out = append(out, violationAt(path, err))
	}
	return out
}

func violationAt(path string, err error) string {
	msg := strings.TrimPrefix(strings.TrimSpace(err.Error()), "validating root: ")
	return pathOrRoot(path) + ": " + msg
}

func pathOrRoot(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}

// NormalizeArgs returns a deep copy of args as plain JSON values: numbers
// become float64 and nested structs become maps. A nil map becomes empty.
func NormalizeArgs(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("tool: encode arguments: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("tool: decode arguments: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

