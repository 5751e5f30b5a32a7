package taxonomy

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ClassificationResult is the validated output of the classify step.
type ClassificationResult struct {
	DocumentType         string  `json:"documentType"`
	ExtractionConfidence float64 `json:"extractionConfidence"`
	Language             string  `json:"language"`
	Explanation          string  `json:"explanation,omitempty"`
	DocumentSummary      string  `json:"documentSummary,omitempty"`
}

// NormalizationResult is the validated output of the normalize step.
type NormalizationResult struct {
	Template string         `json:"template"`
	Fields   map[string]any `json:"fields"`
}

// OCRExtractedText is the inner envelope of an OCR response.
type OCRExtractedText struct {
	ContentType string `json:"contentType"` // structured or raw
	Content     any    `json:"content"`
}

// OCREnvelope is the validated shape of an OCR response.
type OCREnvelope struct {
	DocumentDescription string           `json:"documentDescription,omitempty"`
	Language            string           `json:"language,omitempty"`
	ExtractedText       OCRExtractedText `json:"extractedText"`
}

// schemaSet holds the compiled validators.
type schemaSet struct {
	classification *jsonschema.Resolved
	ocr            *jsonschema.Resolved
	fields         map[string]*jsonschema.Resolved
	fieldSchemas   map[string]*jsonschema.Schema
}

func floatPtr(v float64) *float64 { return &v }

// falseSchema rejects everything; used to forbid additional properties.
func falseSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}

func fieldSchema(f Field) *jsonschema.Schema {
	switch f.Type {
	case "number":
		return &jsonschema.Schema{Type: "number", Description: f.Description}
	case "date":
		// Lenient by design: the date parser downstream accepts YYYY,
		// YYYY-MM, and YYYY-MM-DD.
		return &jsonschema.Schema{Type: "string", Description: f.Description}
	case "period":
		return &jsonschema.Schema{
			Type:        "object",
			Description: f.Description,
			Properties: map[string]*jsonschema.Schema{
				"startDate": {Type: "string", Description: "Period start date"},
				"endDate":   {Type: "string", Description: "Period end date"},
			},
			AdditionalProperties: falseSchema(),
		}
	case "object":
		props := make(map[string]*jsonschema.Schema, len(f.Children))
		for _, child := range f.Children {
			props[child.Name] = fieldSchema(child)
		}
		return &jsonschema.Schema{
			Type:                 "object",
			Description:          f.Description,
			Properties:           props,
			AdditionalProperties: falseSchema(),
		}
	default:
		return &jsonschema.Schema{Type: "string", Description: f.Description}
	}
}

// FieldsSchema builds the JSON schema for one document type's structured
// fields. Every field is optional; unknown fields are rejected.
func FieldsSchema(t *DocumentType) *jsonschema.Schema {
	props := make(map[string]*jsonschema.Schema, len(t.Fields))
	for _, f := range t.Fields {
		props[f.Name] = fieldSchema(f)
	}
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		AdditionalProperties: falseSchema(),
	}
}

func classificationSchema(r *Registry) *jsonschema.Schema {
	ids := r.TypeIDs()
	enum := make([]any, len(ids))
	for i, id := range ids {
		enum[i] = id
	}
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"documentType":         {Type: "string", Enum: enum},
			"extractionConfidence": {Type: "number", Minimum: floatPtr(0), Maximum: floatPtr(1)},
			"language":             {Type: "string"},
			"explanation":          {Type: "string"},
			"documentSummary":      {Type: "string"},
		},
		Required: []string{"documentType", "extractionConfidence", "language"},
	}
}

func ocrSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"documentDescription": {Type: "string"},
			"language":            {Type: "string"},
			"extractedText": {
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"contentType": {Type: "string", Enum: []any{"structured", "raw"}},
					"content":     {},
				},
				Required: []string{"contentType", "content"},
			},
		},
		Required: []string{"extractedText"},
	}
}

func compileSchemas(r *Registry) (*schemaSet, error) {
	set := &schemaSet{
		fields:       make(map[string]*jsonschema.Resolved, len(r.types)),
		fieldSchemas: make(map[string]*jsonschema.Schema, len(r.types)),
	}
	var err error
	if set.classification, err = classificationSchema(r).Resolve(nil); err != nil {
		return nil, fmt.Errorf("failed to compile classification schema: %w", err)
	}
	if set.ocr, err = ocrSchema().Resolve(nil); err != nil {
		return nil, fmt.Errorf("failed to compile ocr schema: %w", err)
	}
	for i := range r.types {
		t := &r.types[i]
		schema := FieldsSchema(t)
		resolved, err := schema.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", t.ID, err)
		}
		set.fields[t.ID] = resolved
		set.fieldSchemas[t.ID] = schema
	}
	return set, nil
}

func validateAgainst(resolved *jsonschema.Resolved, raw []byte) error {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return resolved.Validate(instance)
}

// ValidateClassification parses and validates a classification response.
func (r *Registry) ValidateClassification(raw []byte) (*ClassificationResult, error) {
	if err := validateAgainst(r.schema.classification, raw); err != nil {
		return nil, fmt.Errorf("classification validation failed: %w", err)
	}
	var result ClassificationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode classification: %w", err)
	}
	return &result, nil
}

// ValidateOCR parses and validates an OCR response envelope.
func (r *Registry) ValidateOCR(raw []byte) (*OCREnvelope, error) {
	if err := validateAgainst(r.schema.ocr, raw); err != nil {
		return nil, fmt.Errorf("ocr validation failed: %w", err)
	}
	var envelope OCREnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode ocr envelope: %w", err)
	}
	return &envelope, nil
}

// ValidateFields validates normalized fields against the schema for typeID,
// falling back to the unclassified schema when typeID is unknown.
func (r *Registry) ValidateFields(typeID string, fields map[string]any) error {
	t := r.NormalizationType(typeID)
	resolved := r.schema.fields[t.ID]
	if err := resolved.Validate(fields); err != nil {
		return fmt.Errorf("fields validation failed for %s: %w", t.ID, err)
	}
	return nil
}

// ResponseSchemaFor returns the raw JSON schema for a type's fields, used to
// build structured-output response formats for providers that accept one.
func (r *Registry) ResponseSchemaFor(typeID string) *jsonschema.Schema {
	t := r.NormalizationType(typeID)
	return r.schema.fieldSchemas[t.ID]
}
