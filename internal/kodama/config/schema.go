package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	_ "embed"
)

//go:embed schema.json
var schemaJSON []byte

// compiledSchema is compiled once at package init; the schema is embedded so
// a broken build artefact fails fast rather than at first load.
var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("kodama-config.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("config: add embedded schema: %v", err))
	}
	schema, err := compiler.Compile("kodama-config.json")
	if err != nil {
		panic(fmt.Sprintf("config: compile embedded schema: %v", err))
	}
	return schema
}

// validateSchema checks the raw YAML document against the embedded JSON
// schema. The YAML is decoded generically and round-tripped through JSON so
// the validator sees JSON-typed values.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: normalise document: %w", err)
	}
	var normalised any
	if err := json.Unmarshal(encoded, &normalised); err != nil {
		return fmt.Errorf("config: normalise document: %w", err)
	}

	if err := compiledSchema.Validate(normalised); err != nil {
		return &ValidationError{Field: "document", Reason: err.Error()}
	}
	return nil
}
