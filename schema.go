package cortex

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema compiles a raw JSON Schema document. Schemas are compiled
// once per run (options) or once per agent step (tool inputs); the compiler
// is not shared across runs.
func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	const url = "inline://schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// validateJSON checks a decoded JSON value against a raw schema, reporting
// failures as ValidationError with the given subject.
func validateJSON(subject string, raw json.RawMessage, value any) error {
	if len(raw) == 0 {
		return nil
	}
	sch, err := compileSchema(raw)
	if err != nil {
		return &ValidationError{Subject: subject, Detail: err.Error()}
	}
	// The validator requires plain decoded values; normalize typed wrappers
	// (State, json.RawMessage) through a round-trip when needed.
	v, err := toPlainJSON(value)
	if err != nil {
		return &ValidationError{Subject: subject, Detail: err.Error()}
	}
	if err := sch.Validate(v); err != nil {
		return &ValidationError{Subject: subject, Detail: err.Error()}
	}
	return nil
}

// toPlainJSON converts any Go value into the plain decoded-JSON form
// (map[string]any / []any / scalars) the schema validator expects.
func toPlainJSON(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
		return out, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}
