package cortex

import (
	"encoding/json"
	"errors"
	"testing"
)

var personSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	},
	"required": ["name"]
}`)

func TestValidateJSONAccepts(t *testing.T) {
	err := validateJSON("options", personSchema, map[string]any{"name": "ada", "age": 36})
	if err != nil {
		t.Fatalf("validateJSON: %v", err)
	}
}

func TestValidateJSONRejects(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"missing required", map[string]any{"age": 36}},
		{"wrong type", map[string]any{"name": 12}},
		{"violates minimum", map[string]any{"name": "ada", "age": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateJSON("options", personSchema, tt.value)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Subject != "options" {
				t.Fatalf("subject = %q", ve.Subject)
			}
		})
	}
}

func TestValidateJSONEmptySchemaIsNoop(t *testing.T) {
	if err := validateJSON("options", nil, map[string]any{"anything": true}); err != nil {
		t.Fatalf("empty schema should accept everything: %v", err)
	}
}

func TestValidateJSONRawMessageValue(t *testing.T) {
	if err := validateJSON("tool input", personSchema, json.RawMessage(`{"name":"ada"}`)); err != nil {
		t.Fatalf("raw value: %v", err)
	}
	err := validateJSON("tool input", personSchema, json.RawMessage(`{"age":1}`))
	if err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestValidateJSONBadSchema(t *testing.T) {
	err := validateJSON("options", json.RawMessage(`{"type": 12}`), map[string]any{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError for malformed schema", err)
	}
}

func TestToPlainJSON(t *testing.T) {
	type payload struct {
		N int `json:"n"`
	}
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"map passthrough", map[string]any{"a": float64(1)}, map[string]any{"a": float64(1)}},
		{"raw message", json.RawMessage(`{"a":1}`), map[string]any{"a": float64(1)}},
		{"struct round trip", payload{N: 3}, map[string]any{"n": float64(3)}},
		{"state", State{"a": 1}, map[string]any{"a": float64(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toPlainJSON(tt.in)
			if err != nil {
				t.Fatalf("toPlainJSON: %v", err)
			}
			if !jsonEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := toPlainJSON(json.RawMessage(`{broken`)); err == nil {
		t.Fatal("expected error for malformed raw message")
	}
}
