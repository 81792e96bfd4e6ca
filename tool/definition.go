package tool

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Definition describes one dispatchable tool. Once admitted by a Registry it is
// never mutated; reloads replace it wholesale.
type Definition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
	Adapter     string         `json:"adapter" yaml:"adapter"`

	schema *schemaValidator
}

// ValidateArgs checks args against the definition's parameter schema and
// returns one message per violation. args should already be normalized with
// NormalizeArgs.
func (d Definition) ValidateArgs(args map[string]any) []string {
	schema := d.schema
	if schema == nil {
		_, compiled, err := compileParameters(d.Parameters)
		if err != nil {
			return []string{err.Error()}
		}
		schema = compiled
	}
	if args == nil {
		args = map[string]any{}
	}
	return validateInstance(schema, args)
}

// definitionValidator admits definitions into a registry.
type definitionValidator struct {
	adapters []string
}

// compile validates def and returns an admitted copy with a private deep copy
// of Parameters and its compiled schema. Every violation found is reported.
func (v definitionValidator) compile(def Definition) (Definition, []Diagnostic) {
	def.Name = strings.TrimSpace(def.Name)
	def.Adapter = strings.TrimSpace(def.Adapter)

	var diags []Diagnostic
	addErr := func(field, code, msg string) {
		diags = append(diags, Diagnostic{Field: field, Code: code, Severity: SeverityError, Message: msg})
	}

	if def.Name == "" {
		addErr("name", "REQUIRED", "name is required")
	}
	if strings.TrimSpace(def.Description) == "" {
		addErr("description", "REQUIRED", "description is required")
	}
	if def.Adapter == "" {
		addErr("adapter", "REQUIRED", "adapter is required")
	} else if len(v.adapters) > 0 && !slices.Contains(v.adapters, def.Adapter) {
		addErr("adapter", "UNKNOWN_ADAPTER", fmt.Sprintf("adapter %q is not one of %s", def.Adapter, strings.Join(v.adapters, ", ")))
	}

	var (
		params   map[string]any
		compiled *schemaValidator
	)
	if def.Parameters == nil {
		addErr("parameters", "REQUIRED", "parameters is required")
	} else {
		var err error
		params, compiled, err = compileParameters(def.Parameters)
		if err != nil {
			addErr("parameters", "INVALID_SCHEMA", err.Error())
		}
	}
	if hasErrors(diags) {
		return Definition{}, diags
	}

	if violations := validateDefinitionDocument(def); len(violations) > 0 {
		for _, msg := range violations {
			addErr("$", "SCHEMA", msg)
		}
		return Definition{}, diags
	}

	for _, name := range undeclaredRequired(params) {
		diags = append(diags, Diagnostic{
			Field:    "parameters.required",
			Code:     "UNDECLARED_REQUIRED",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("required property %q is not declared in properties", name),
		})
	}

	def.Parameters = params
	def.schema = compiled
	return def, diags
}

// undeclaredRequired lists top-level required names missing from properties.
// Such schemas still validate, but no argument can carry a typed value there.
func undeclaredRequired(params map[string]any) []string {
	props, ok := params["properties"].(map[string]any)
	if !ok {
		return nil
	}
	required, _ := params["required"].([]any)
	var out []string
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, declared := props[name]; !declared {
			out = append(out, name)
		}
	}
	return out
}

func validateDefinitionDocument(def Definition) []string {
	schema, err := loadDefinitionSchema()
	if err != nil {
		return []string{err.Error()}
	}
	data, err := json.Marshal(def)
	if err != nil {
		return []string{fmt.Sprintf("encode definition: %v", err)}
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return []string{fmt.Sprintf("decode definition: %v", err)}
	}
	return validateInstance(schema, doc)
}
