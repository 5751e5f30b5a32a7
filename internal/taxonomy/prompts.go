package taxonomy

import (
	"fmt"
	"strings"
)

// ClassificationPrompt renders the system prompt for the classify step. It
// enumerates the taxonomy so the model can only pick from known ids.
func (r *Registry) ClassificationPrompt() string {
	var b strings.Builder
	b.WriteString("You are a document classifier. Read the extracted text of a document ")
	b.WriteString("and classify it into exactly one of the following types:\n\n")
	for _, t := range r.types {
		fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Description)
	}
	fmt.Fprintf(&b, "- %s: content that is not a personal or business document (spam, marketing, blank pages)\n\n", TypeIrrelevant)
	b.WriteString("Respond with a single JSON object:\n")
	b.WriteString(`{"documentType": "<type id>", "extractionConfidence": <0..1>, "language": "<ISO 639-1>", "explanation": "<one sentence>", "documentSummary": "<one paragraph>"}`)
	b.WriteString("\n\nUse ")
	b.WriteString(TypeUnclassified)
	b.WriteString(" when the document is readable but matches no listed type. ")
	b.WriteString("extractionConfidence reflects how certain you are of the type. ")
	b.WriteString("Output only the JSON object, no prose.")
	return b.String()
}

// NormalizationPrompt renders the system prompt for the normalize step of one
// document type, injecting a textual rendering of its field schema.
func (r *Registry) NormalizationPrompt(typeID string) string {
	t := r.NormalizationType(typeID)
	var b strings.Builder
	fmt.Fprintf(&b, "You are a document data extractor. The document is a %s (%s).\n", t.Label, t.ID)
	b.WriteString("Extract the following fields from the document content:\n\n")
	renderFields(&b, t.Fields, "")
	b.WriteString("\nRespond with a single JSON object:\n")
	fmt.Fprintf(&b, `{"template": "%s", "fields": { ... extracted fields ... }}`, t.ID)
	b.WriteString("\n\nOmit any field that is not present in the document. ")
	b.WriteString("Dates use YYYY-MM-DD; use YYYY-MM or YYYY when the document is less precise. ")
	b.WriteString("Numbers are plain decimals without thousands separators or currency symbols. ")
	b.WriteString("Output only the JSON object, no prose.")
	return b.String()
}

func renderFields(b *strings.Builder, fields []Field, indent string) {
	for _, f := range fields {
		switch f.Type {
		case "period":
			fmt.Fprintf(b, "%s- %s (object with startDate and endDate): %s\n", indent, f.Name, f.Description)
		case "object":
			fmt.Fprintf(b, "%s- %s (object): %s\n", indent, f.Name, f.Description)
			renderFields(b, f.Children, indent+"  ")
		default:
			fmt.Fprintf(b, "%s- %s (%s): %s\n", indent, f.Name, f.Type, f.Description)
		}
	}
}

// OCRPrompt is the system prompt for vision-based text extraction. The model
// must answer with the extraction envelope so downstream validation is
// uniform across providers.
func OCRPrompt() string {
	return `You are a document OCR engine. Read the supplied document image carefully and transcribe its full text content.

Respond with a single JSON object:
{"documentDescription": "<one sentence>", "language": "<ISO 639-1>", "extractedText": {"contentType": "structured" or "raw", "content": <string or object>}}

Use contentType "structured" with an object when the document has clear tabular or form structure worth preserving; otherwise use "raw" with the complete transcribed text as a string. Preserve the reading order. Do not summarize or omit text. Output only the JSON object, no prose.`
}
