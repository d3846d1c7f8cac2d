package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

var schemaCache sync.Map // *Definition -> *gojsonschema.Schema

func jsonType(kind ParamKind) string {
	switch kind {
	case KindBool:
		return "boolean"
	case KindInt:
		return "integer"
	case KindFloat:
		return "number"
	case KindFileArray, KindStringArray, KindIntArray:
		return "array"
	default:
		return "string"
	}
}

// propertySchema builds the JSON Schema fragment for one parameter
func propertySchema(p ParameterSpec, withDescription bool) map[string]any {
	prop := map[string]any{
		"type": jsonType(p.Kind),
	}
	if withDescription {
		desc := p.Description
		if desc == "" {
			desc = p.Label
		}
		if desc != "" {
			prop["description"] = desc
		}
	}

	switch p.Kind {
	case KindInt, KindFloat:
		if p.Minimum != nil {
			prop["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			prop["maximum"] = *p.Maximum
		}
	case KindString, KindFile:
		if p.MinLength != nil {
			prop["minLength"] = *p.MinLength
		}
		if p.MaxLength != nil {
			prop["maxLength"] = *p.MaxLength
		}
	case KindFileArray, KindStringArray, KindIntArray:
		itemType := "string"
		if p.Kind == KindIntArray {
			itemType = "integer"
		}
		prop["items"] = map[string]any{"type": itemType}
		if p.MinLength != nil {
			prop["minItems"] = *p.MinLength
		}
		if p.MaxLength != nil {
			prop["maxItems"] = *p.MaxLength
		}
	}

	if len(p.Choices) > 0 {
		prop["enum"] = p.Choices
	}

	return prop
}

// validationSchema compiles (once per definition) the JSON Schema used to check prepared args
func validationSchema(def *Definition) (*gojsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(def); ok {
		return cached.(*gojsonschema.Schema), nil
	}

	properties := make(map[string]any, len(def.Parameters))
	required := []string{}
	for _, p := range def.Parameters {
		properties[p.Name] = propertySchema(p, false)
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schemaMap := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return nil, &ConfigError{Tool: def.Key, Msg: "failed to build parameter schema", Err: err}
	}
	schemaCache.Store(def, schema)
	return schema, nil
}

// validateArgs returns every constraint violation in args, sorted for stable output
func validateArgs(def *Definition, args map[string]any) ([]string, error) {
	schema, err := validationSchema(def)
	if err != nil {
		return nil, err
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return nil, fmt.Errorf("failed to validate arguments: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, describe(re))
	}
	sort.Strings(problems)
	return problems, nil
}

// describe renders a schema violation as "field must ..."
func describe(re gojsonschema.ResultError) string {
	field := re.Field()
	d := re.Details()

	switch re.Type() {
	case "required":
		return fmt.Sprintf("%v is required", d["property"])
	case "number_gte":
		return fmt.Sprintf("%s must be >= %v", field, d["min"])
	case "number_gt":
		return fmt.Sprintf("%s must be > %v", field, d["min"])
	case "number_lte":
		return fmt.Sprintf("%s must be <= %v", field, d["max"])
	case "number_lt":
		return fmt.Sprintf("%s must be < %v", field, d["max"])
	case "enum":
		return fmt.Sprintf("%s must be one of [%v]", field, d["allowed"])
	case "invalid_type":
		return fmt.Sprintf("%s must be of type %v", field, d["expected"])
	case "array_min_items":
		return fmt.Sprintf("%s must have at least %v items", field, d["min"])
	case "array_max_items":
		return fmt.Sprintf("%s must have at most %v items", field, d["max"])
	case "string_gte":
		return fmt.Sprintf("%s must be at least %v characters", field, d["min"])
	case "string_lte":
		return fmt.Sprintf("%s must be at most %v characters", field, d["max"])
	default:
		return fmt.Sprintf("%s: %s", field, re.Description())
	}
}

// AgentSchema describes the tool to an LLM. Hidden parameters are left out.
func (d *Definition) AgentSchema() Schema {
	properties := make(map[string]any)
	required := []string{}

	for _, p := range d.Parameters {
		if p.Hidden {
			continue
		}
		properties[p.Name] = propertySchema(p, true)
		if p.Required && p.Default == nil {
			required = append(required, p.Name)
		}
	}

	input := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		input["required"] = required
	}

	desc := d.Description
	if desc == "" {
		desc = d.Name
	}
	return Schema{Name: d.Key, Description: desc, InputSchema: input}
}

// Schema is a provider-neutral tool description for LLM function calling
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Required returns the names listed as required in the input schema
func (s Schema) Required() []string {
	req, _ := s.InputSchema["required"].([]string)
	return req
}

// Properties returns the input schema properties
func (s Schema) Properties() map[string]any {
	props, _ := s.InputSchema["properties"].(map[string]any)
	return props
}
