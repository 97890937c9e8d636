package correct

import (
	"strings"
)

// buildPrompt composes the correction instruction for one page. The
// model sees the raw OCR text plus (when the client attaches it) the
// page image, and must answer with a single JSON object:
//
//	{"corrected_text": "...", "fields": {"Label": "value", ...}}
//
// corrected_text keeps one item per line in reading order with OCR
// noise fixed; fields carries any labeled pairs the model is sure of.
func buildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("You are a data extraction expert for scanned documents. ")
	b.WriteString("Correct the raw OCR text below using the attached image where available. ")
	b.WriteString("Fix character-level OCR mistakes, drop scanner noise, keep one item per line in reading order.\n\n")

	if req.DocType != "" {
		b.WriteString("The document was declared as: ")
		b.WriteString(req.DocType)
		b.WriteString(".\n")
	}
	if len(req.Vocabulary) > 0 {
		b.WriteString("Labels expected on this document type: ")
		b.WriteString(strings.Join(req.Vocabulary, ", "))
		b.WriteString(".\n")
	}

	b.WriteString("\nRespond with ONLY a single JSON object of the form ")
	b.WriteString(`{"corrected_text": "<cleaned text, lines separated by \n>", "fields": {"<label>": "<value>"}}`)
	b.WriteString(". Format dates as YYYY-MM-DD. Omit fields you cannot read. No explanations, no markdown.\n")

	b.WriteString("\n--- Raw OCR Text ---\n")
	b.WriteString(req.RawText)
	return b.String()
}
