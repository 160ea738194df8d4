package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateConfig checks a custom plugin's bound config against its
// immutable config_schema (spec.md §4.3). A nil schema accepts any config.
func ValidateConfig(schema []byte, config json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return fmt.Errorf("decode config_schema: %w", err)
	}
	const resourceName = "config_schema.json"
	if err := compiler.AddResource(resourceName, schemaDoc); err != nil {
		return fmt.Errorf("load config_schema: %w", err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("compile config_schema: %w", err)
	}

	var configDoc any
	dec := json.NewDecoder(bytes.NewReader(config))
	if err := dec.Decode(&configDoc); err != nil {
		return fmt.Errorf("decode plugin config: %w", err)
	}
	if err := compiled.Validate(configDoc); err != nil {
		return fmt.Errorf("plugin config failed schema validation: %w", err)
	}
	return nil
}
