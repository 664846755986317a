// Package util holds small internal helpers shared across packages: a
// JSON-Schema-lite parameter validator used by the tool subsystem and string
// utilities for title generation.
package util

import (
	"fmt"
	"strings"
)

// ValidationError reports a parameter that failed schema validation.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateParameters checks args against a minimal JSON schema: required
// fields must be present and declared property types must match. Fields not
// declared in the schema pass through unchecked.
func ValidateParameters(args map[string]any, schema map[string]any) error {
	for _, name := range requiredFields(schema["required"]) {
		if _, present := args[name]; !present {
			return &ValidationError{Field: name, Message: "required field is missing"}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for name, value := range args {
		prop, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		want, _ := prop["type"].(string)
		if !matchesType(value, want) {
			return &ValidationError{
				Field:   name,
				Value:   value,
				Message: fmt.Sprintf("expected type %s, got %T", want, value),
			}
		}
	}
	return nil
}

// requiredFields accepts both []string (hand-written schemas) and []any
// (JSON-decoded schemas).
func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if name, ok := r.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

func matchesType(value any, want string) bool {
	if value == nil || want == "" {
		return true
	}
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			// JSON decoding yields float64 for every number
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}

// TruncateWords shortens s to at most max runes, preferring to cut at a word
// boundary, and appends an ellipsis when truncation happened.
func TruncateWords(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := string(runes[:max])
	if idx := strings.LastIndexByte(cut, ' '); idx > max/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "…"
}
