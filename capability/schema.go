package capability

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON schema. A nil *Schema accepts any value.
type Schema struct {
	raw      json.RawMessage
	compiled *gojsonschema.Schema
}

// CompileSchema compiles a JSON schema document.
func CompileSchema(schemaJSON string) (*Schema, error) {
	if strings.TrimSpace(schemaJSON) == "" {
		return nil, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{raw: json.RawMessage(schemaJSON), compiled: compiled}, nil
}

// Raw returns the schema document.
func (s *Schema) Raw() json.RawMessage {
	if s == nil {
		return nil
	}
	return s.raw
}

// Validate checks value against the schema. Violations are reported as
// ErrInvalidArguments with every schema error listed.
func (s *Schema) Validate(value map[string]any) error {
	if s == nil {
		return nil
	}
	if value == nil {
		value = map[string]any{}
	}

	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		problems[i] = desc.String()
	}
	return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(problems, "; "))
}
