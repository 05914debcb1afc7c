package policy

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaLookup resolves the JSON Schema a Gear's manifest declares for one
// of its actions' parameters. A nil return (ok=false) means the manifest
// declares no schema for that action, in which case parameter validation is
// skipped.
type SchemaLookup func(gearID, action string) (schemaJSON []byte, ok bool)

// validateParameters checks step.Parameters against the schema schemaJSON
// declares, returning one violation message per failed constraint. An empty
// schemaJSON is treated as "no schema" and never produces violations.
func validateParameters(parameters map[string]any, schemaJSON []byte) ([]string, error) {
	if len(schemaJSON) == 0 {
		return nil, nil
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal parameter schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("params.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("params.json")
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}

	// jsonschema validates against any; map[string]any round-trips cleanly
	// since json.Unmarshal already produced it from either wire JSON or a
	// Go-native construction in tests.
	if err := schema.Validate(map[string]any(parameters)); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return flattenViolations(ve), nil
		}
		return []string{err.Error()}, nil
	}
	return nil, nil
}

func flattenViolations(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if e == nil {
			return
		}
		out = append(out, e.Error())
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return out
}
