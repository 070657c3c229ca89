package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ResultValidator validates a role's result payload against a JSON Schema.
// Roles without a configured schema skip validation entirely.
type ResultValidator struct {
	schema *jsonschema.Schema
}

// NewResultValidator compiles a JSON Schema for result validation.
func NewResultValidator(schemaJSON json.RawMessage) (*ResultValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// compiler requires for correct range checks.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("result.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("result.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &ResultValidator{schema: schema}, nil
}

// Validate checks the result string against the schema. The result must be
// a JSON document.
func (v *ResultValidator) Validate(result string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(result))
	if err != nil {
		return fmt.Errorf("result is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
