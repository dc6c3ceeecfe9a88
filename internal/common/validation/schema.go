// Package validation checks request payloads against JSON schemas before
// they reach the portal.
package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema names for the portal's request payloads.
const (
	SchemaSubmission        = "submission"
	SchemaTransition        = "transition"
	SchemaDeliverable       = "deliverable"
	SchemaMessage           = "message"
	SchemaMemberRole        = "member-role"
	SchemaMemberDisabled    = "member-disabled"
	SchemaAssignment        = "assignment"
	SchemaNotificationsRead = "notifications-read"
)

// MaxMessageLength bounds a message body in characters.
const MaxMessageLength = 5000

var schemaSources = map[string]string{
	SchemaSubmission: `{
		"type": "object",
		"properties": {
			"fileRef": {"type": "string", "minLength": 1},
			"linkRef": {"type": "string", "minLength": 1},
			"notes":   {"type": "string", "maxLength": 2000}
		},
		"oneOf": [
			{"required": ["fileRef"], "not": {"required": ["linkRef"]}},
			{"required": ["linkRef"], "not": {"required": ["fileRef"]}}
		],
		"additionalProperties": false
	}`,
	SchemaTransition: `{
		"type": "object",
		"required": ["toStatus"],
		"properties": {
			"toStatus":    {"type": "string", "enum": ["pending_review", "approved", "rejected", "changes_requested", "locked_for_printing"]},
			"reason":      {"type": "string"},
			"reviewNotes": {"type": "string"},
			"reviewedBy":  {"type": "string"}
		},
		"additionalProperties": false
	}`,
	SchemaDeliverable: `{
		"type": "object",
		"required": ["name", "type"],
		"properties": {
			"name":       {"type": "string", "minLength": 1, "maxLength": 200},
			"type":       {"type": "string", "minLength": 1},
			"dueDate":    {"type": "string", "format": "date-time"},
			"isRequired": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	SchemaMessage: `{
		"type": "object",
		"required": ["body"],
		"properties": {
			"body":          {"type": "string"},
			"deliverableId": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	SchemaMemberRole: `{
		"type": "object",
		"required": ["role"],
		"properties": {
			"role":      {"type": "string", "enum": ["superadmin", "admin", "partner"]},
			"partnerId": {"type": "string"},
			"email":     {"type": "string"},
			"phone":     {"type": "string"}
		},
		"additionalProperties": false
	}`,
	SchemaMemberDisabled: `{
		"type": "object",
		"required": ["disabled"],
		"properties": {"disabled": {"type": "boolean"}},
		"additionalProperties": false
	}`,
	SchemaAssignment: `{
		"type": "object",
		"required": ["adminId", "partnerId"],
		"properties": {
			"adminId":   {"type": "string", "minLength": 1},
			"partnerId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	SchemaNotificationsRead: `{
		"type": "object",
		"required": ["ids"],
		"properties": {
			"ids": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1, "maxItems": 500}
		},
		"additionalProperties": false
	}`,
}

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Validator holds the compiled payload schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles every payload schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(schemaSources))}
	for name, src := range schemaSources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// Validate checks a raw JSON document against the named schema.
func (v *Validator) Validate(name string, document []byte) (*ValidationResult, error) {
	schema, ok := v.schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		// malformed JSON
		return &ValidationResult{Errors: []ValidationError{{
			Field:   "(root)",
			Message: err.Error(),
			Code:    "MALFORMED_JSON",
		}}}, nil
	}

	out := &ValidationResult{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   desc.Field(),
			Message: desc.Description(),
			Code:    strings.ToUpper(desc.Type()),
		})
	}
	sort.Slice(out.Errors, func(i, j int) bool { return out.Errors[i].Field < out.Errors[j].Field })
	return out, nil
}

// GetErrorMessages returns a simple list of error messages
func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

// HasErrors checks if validation has errors for specific field
func (vr *ValidationResult) HasErrors(field string) bool {
	for _, err := range vr.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}
