// Package validation checks resolved entities before they are written.
package validation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ha1tch/storysync/pkg/models"
)

// Validator checks an entity's desired state before upsert
type Validator interface {
	Validate(e *models.TargetEntity) (bool, []string)
	LoadSchema(t models.EntityType, schemaData map[string]interface{}) error
	HasSchema(t models.EntityType) bool
}

// JSONSchemaValidator applies the built-in rules (non-empty name, maximum
// encoded size) plus optional per-type JSON schema files describing the
// attribute map
type JSONSchemaValidator struct {
	schemas   map[models.EntityType]map[string]interface{}
	schemaDir string
	maxSize   int
	mu        sync.RWMutex
}

// NewJSONSchemaValidator creates a validator. maxSize <= 0 disables the size check.
func NewJSONSchemaValidator(schemaDir string, maxSize int) *JSONSchemaValidator {
	return &JSONSchemaValidator{
		schemas:   make(map[models.EntityType]map[string]interface{}),
		schemaDir: schemaDir,
		maxSize:   maxSize,
	}
}

// LoadSchema registers an attribute schema for an entity type
func (v *JSONSchemaValidator) LoadSchema(t models.EntityType, schemaData map[string]interface{}) error {
	if !t.Valid() {
		return fmt.Errorf("unknown entity type: %s", t)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.schemas[t] = schemaData
	return nil
}

// LoadSchemaFromFile loads <schemaDir>/<type>.json. A missing file is not an error.
func (v *JSONSchemaValidator) LoadSchemaFromFile(t models.EntityType) error {
	data, err := os.ReadFile(filepath.Join(v.schemaDir, string(t)+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var schemaData map[string]interface{}
	if err := json.Unmarshal(data, &schemaData); err != nil {
		return fmt.Errorf("invalid schema for %s: %w", t, err)
	}
	return v.LoadSchema(t, schemaData)
}

// LoadAllSchemas loads a schema file for every known entity type
func (v *JSONSchemaValidator) LoadAllSchemas() error {
	if v.schemaDir == "" {
		return nil
	}
	if _, err := os.Stat(v.schemaDir); os.IsNotExist(err) {
		return nil
	}
	for _, t := range models.DependencyOrder() {
		if err := v.LoadSchemaFromFile(t); err != nil {
			return fmt.Errorf("failed to load schema for %s: %w", t, err)
		}
	}
	return nil
}

// HasSchema checks if a schema exists for an entity type
func (v *JSONSchemaValidator) HasSchema(t models.EntityType) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, exists := v.schemas[t]
	return exists
}

// GetSchema retrieves the schema of an entity type
func (v *JSONSchemaValidator) GetSchema(t models.EntityType) (map[string]interface{}, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	schema, exists := v.schemas[t]
	if !exists {
		return nil, fmt.Errorf("schema not found for entity type: %s", t)
	}
	return schema, nil
}

// Validate checks an entity. The attribute map is checked against the
// type's schema when one is loaded.
func (v *JSONSchemaValidator) Validate(e *models.TargetEntity) (bool, []string) {
	errors := []string{}

	if !e.Type.Valid() {
		return false, []string{fmt.Sprintf("unknown entity type: %s", e.Type)}
	}
	if strings.TrimSpace(e.Name) == "" {
		errors = append(errors, "missing required field: name")
	}
	if v.maxSize > 0 {
		data, err := json.Marshal(e)
		if err != nil {
			errors = append(errors, fmt.Sprintf("entity not encodable: %v", err))
		} else if len(data) > v.maxSize {
			errors = append(errors, fmt.Sprintf("entity too large: %d bytes (max %d)", len(data), v.maxSize))
		}
	}

	v.mu.RLock()
	schema, exists := v.schemas[e.Type]
	v.mu.RUnlock()
	if exists {
		errors = append(errors, validateAttributes(schema, e.Attributes)...)
	}

	return len(errors) == 0, errors
}

func validateAttributes(schema map[string]interface{}, data map[string]interface{}) []string {
	var errors []string

	if required, ok := schema["required"].([]interface{}); ok {
		for _, reqField := range required {
			if field, ok := reqField.(string); ok {
				if _, exists := data[field]; !exists {
					errors = append(errors, fmt.Sprintf("missing required attribute: %s", field))
				}
			}
		}
	}

	properties, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return errors
	}
	for key, value := range data {
		propMap, ok := properties[key].(map[string]interface{})
		if !ok {
			continue
		}

		if expectedType, ok := propMap["type"].(string); ok {
			actualType := getJSONType(value)
			if actualType != expectedType && !(expectedType == "number" && actualType == "integer") {
				errors = append(errors,
					fmt.Sprintf("attribute %s: expected type %s, got %s", key, expectedType, actualType))
			}
		}

		if strVal, ok := value.(string); ok {
			if minLen, ok := propMap["minLength"].(float64); ok && len(strVal) < int(minLen) {
				errors = append(errors,
					fmt.Sprintf("attribute %s: string too short (min %d)", key, int(minLen)))
			}
			if maxLen, ok := propMap["maxLength"].(float64); ok && len(strVal) > int(maxLen) {
				errors = append(errors,
					fmt.Sprintf("attribute %s: string too long (max %d)", key, int(maxLen)))
			}
		}

		if enum, ok := propMap["enum"].([]interface{}); ok {
			found := false
			for _, enumVal := range enum {
				if value == enumVal {
					found = true
					break
				}
			}
			if !found {
				errors = append(errors, fmt.Sprintf("attribute %s: value not in allowed enum values", key))
			}
		}
	}
	return errors
}

// getJSONType returns the JSON type name for a value
func getJSONType(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		if val == float64(int64(val)) {
			return "integer"
		}
		return "number"
	case int, int64:
		return "integer"
	case string:
		return "string"
	case []interface{}, []string:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}

// NoOpValidator is a validator that always passes
type NoOpValidator struct{}

// NewNoOpValidator creates a no-op validator
func NewNoOpValidator() *NoOpValidator {
	return &NoOpValidator{}
}

// Validate always returns true
func (n *NoOpValidator) Validate(e *models.TargetEntity) (bool, []string) {
	return true, nil
}

// LoadSchema is a no-op
func (n *NoOpValidator) LoadSchema(t models.EntityType, schemaData map[string]interface{}) error {
	return nil
}

// HasSchema always returns false
func (n *NoOpValidator) HasSchema(t models.EntityType) bool {
	return false
}
