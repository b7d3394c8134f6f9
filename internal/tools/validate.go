package tools

import (
	"fmt"
	"math"
)

// validateArgs checks tool arguments against the tool's JSON-schema-
// shaped Parameters before the handler runs: required fields, type
// checks, enum membership, and numeric bounds. The subset covered is
// exactly what the registered tools declare.
func validateArgs(toolName string, params, args map[string]any) error {
	properties, _ := params["properties"].(map[string]any)

	if required, ok := params["required"].([]string); ok {
		for _, field := range required {
			if _, present := args[field]; !present {
				return &ErrInvalidInput{ToolName: toolName, Field: field, Reason: "required field missing"}
			}
		}
	}

	for field, value := range args {
		schema, ok := properties[field].(map[string]any)
		if !ok {
			// Unknown fields pass through; models pad calls with extras
			// and rejecting them costs a round for nothing.
			continue
		}
		if err := validateValue(toolName, field, schema, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(toolName, field string, schema map[string]any, value any) error {
	typ, _ := schema["type"].(string)

	switch typ {
	case "string":
		s, ok := value.(string)
		if !ok {
			return &ErrInvalidInput{ToolName: toolName, Field: field, Reason: fmt.Sprintf("expected string, got %T", value)}
		}
		if enum, ok := schema["enum"].([]string); ok {
			if !contains(enum, s) {
				return &ErrInvalidInput{ToolName: toolName, Field: field, Reason: fmt.Sprintf("%q is not one of %v", s, enum)}
			}
		}

	case "integer":
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) {
			return &ErrInvalidInput{ToolName: toolName, Field: field, Reason: fmt.Sprintf("expected integer, got %v", value)}
		}
		return validateBounds(toolName, field, schema, f)

	case "number":
		f, ok := toFloat(value)
		if !ok {
			return &ErrInvalidInput{ToolName: toolName, Field: field, Reason: fmt.Sprintf("expected number, got %T", value)}
		}
		return validateBounds(toolName, field, schema, f)

	case "boolean":
		if _, ok := value.(bool); !ok {
			return &ErrInvalidInput{ToolName: toolName, Field: field, Reason: fmt.Sprintf("expected boolean, got %T", value)}
		}

	case "object":
		if _, ok := value.(map[string]any); !ok {
			return &ErrInvalidInput{ToolName: toolName, Field: field, Reason: fmt.Sprintf("expected object, got %T", value)}
		}

	case "array":
		if _, ok := value.([]any); !ok {
			return &ErrInvalidInput{ToolName: toolName, Field: field, Reason: fmt.Sprintf("expected array, got %T", value)}
		}
	}
	return nil
}

func validateBounds(toolName, field string, schema map[string]any, f float64) error {
	if min, ok := toFloat(schema["minimum"]); ok && f < min {
		return &ErrInvalidInput{ToolName: toolName, Field: field, Reason: fmt.Sprintf("%v is below minimum %v", f, min)}
	}
	if max, ok := toFloat(schema["maximum"]); ok && f > max {
		return &ErrInvalidInput{ToolName: toolName, Field: field, Reason: fmt.Sprintf("%v is above maximum %v", f, max)}
	}
	return nil
}

// toFloat accepts the numeric shapes JSON decoding and literal schema
// maps produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
