// Package validation wraps JSON-schema validation of request payloads.
package validation

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON schema.
type Schema struct {
	name     string
	compiled *gojsonschema.Schema
}

// FieldError describes a single validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result carries the outcome of validating one payload.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// MustCompile compiles a schema from its JSON source and panics on error.
// Schemas are package-level literals, so a compile failure is a programming
// error caught at startup.
func MustCompile(name, source string) *Schema {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return &Schema{name: name, compiled: compiled}
}

// ValidateBytes validates a raw JSON payload against the schema.
func (s *Schema) ValidateBytes(payload []byte) (*Result, error) {
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, fmt.Errorf("validate against %s: %w", s.name, err)
	}

	if result.Valid() {
		return &Result{Valid: true}, nil
	}

	errs := make([]FieldError, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, FieldError{
			Field:   desc.Field(),
			Message: desc.Description(),
		})
	}
	return &Result{Valid: false, Errors: errs}, nil
}

// Describe renders the failures as a single details string.
func (r *Result) Describe() string {
	if r.Valid {
		return ""
	}
	out := ""
	for i, e := range r.Errors {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return out
}
