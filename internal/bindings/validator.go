package bindings

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/XavSPM/RevpiEpics/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/bindings-v1.json
var bindingsSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("bindings-v1.json",
		strings.NewReader(bindingsSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("bindings-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

func (v *Validator) Validate(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// ValidateDefinition checks a single binding, for example one received over REST.
func (v *Validator) ValidateDefinition(def types.BindingDefinition) error {
	data, err := json.Marshal(File{Version: CurrentVersion, Bindings: []types.BindingDefinition{def}})
	if err != nil {
		return fmt.Errorf("failed to marshal binding: %w", err)
	}

	return v.Validate(data)
}
