package plugin

import "testing"

func TestValidateConfigNilSchemaAcceptsAnything(t *testing.T) {
	if err := ValidateConfig(nil, []byte(`{"anything":1}`)); err != nil {
		t.Fatalf("expected nil schema to accept any config, got %v", err)
	}
}

func TestValidateConfigAcceptsMatchingConfig(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"required_tier": {"type": "string"}},
		"required": ["required_tier"]
	}`)
	if err := ValidateConfig(schema, []byte(`{"required_tier":"gold"}`)); err != nil {
		t.Fatalf("expected config to validate, got %v", err)
	}
}

func TestValidateConfigRejectsMissingRequiredField(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"required_tier": {"type": "string"}},
		"required": ["required_tier"]
	}`)
	if err := ValidateConfig(schema, []byte(`{}`)); err == nil {
		t.Fatal("expected validation error for missing required field")
	}
}

func TestValidateConfigRejectsWrongType(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"max_retries": {"type": "integer"}}
	}`)
	if err := ValidateConfig(schema, []byte(`{"max_retries":"not-a-number"}`)); err == nil {
		t.Fatal("expected validation error for wrong type")
	}
}
