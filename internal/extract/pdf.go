package extract

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
)

// TextEngine extracts plain text from PDF bytes.
type TextEngine interface {
	Name() string
	Text(data []byte) (string, error)
}

// FitzEngine extracts text through MuPDF. Primary engine; handles most
// real-world PDFs including ones with unusual encodings.
type FitzEngine struct{}

// Name identifies the engine in logs and failure detail.
func (FitzEngine) Name() string { return "fitz" }

// Text extracts the concatenated text of every page.
func (FitzEngine) Text(data []byte) (string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	var sb strings.Builder
	for page := 0; page < doc.NumPage(); page++ {
		text, err := doc.Text(page)
		if err != nil {
			return "", fmt.Errorf("extract page %d: %w", page+1, err)
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// PlainEngine is the pure-Go fallback engine, used when the primary output
// fails the quality gate.
type PlainEngine struct{}

// Name identifies the engine in logs and failure detail.
func (PlainEngine) Name() string { return "plain" }

// Text extracts the document's plain text stream.
func (PlainEngine) Text(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read plain text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("drain plain text: %w", err)
	}
	return buf.String(), nil
}

// QualityGate decides whether extracted text is usable or garbled.
type QualityGate struct {
	MinTextLength       int
	MaxUnprintableRatio float64
}

// Accept reports whether the text passes the length and printability checks.
func (g QualityGate) Accept(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < g.MinTextLength {
		return false
	}
	var unprintable, total int
	for _, r := range trimmed {
		total++
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			unprintable++
		}
	}
	if total == 0 {
		return false
	}
	return float64(unprintable)/float64(total) <= g.MaxUnprintableRatio
}
