package app

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"suncochat/pkg/ai"
	"suncochat/pkg/domain"
)

const pdfMimeType = "application/pdf"

// messageParts builds the outbound parts for a chat turn. PDF attachments
// are converted to a text part locally so the model only ever sees text and
// images; anything else goes inline.
func messageParts(text string, file *domain.FileAttachment) []ai.Part {
	parts := make([]ai.Part, 0, 2)
	if text != "" {
		parts = append(parts, ai.Part{Text: text})
	}
	if file == nil {
		return parts
	}
	if strings.EqualFold(file.MimeType, pdfMimeType) {
		if extracted, err := pdfText(file.Data); err == nil && extracted != "" {
			parts = append(parts, ai.Part{Text: fmt.Sprintf("File %s:\n%s", file.Name, extracted)})
			return parts
		}
		// Extraction failed; let the model try the raw bytes.
	}
	parts = append(parts, ai.Part{
		Inline: &ai.Blob{MimeType: file.MimeType, Data: file.Data},
	})
	return parts
}

// pdfText extracts plain text from a base64-encoded PDF.
func pdfText(data string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode pdf payload: %w", err)
	}
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely.
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String()), nil
}
