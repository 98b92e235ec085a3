// Package document loads text from uploaded PDFs, falling back to OCR for
// scanned and handwritten pages.
package document

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/pavelanni/examforge/internal/ocr"
)

// MinTextChars is the shortest text layer accepted before falling back to OCR.
const MinTextChars = 50

// ErrNeedsOCR means the PDF has no usable text layer and no OCR client is configured.
var ErrNeedsOCR = errors.New("PDF has no text layer and OCR is not configured")

// OCR recognizes text in a PDF.
type OCR interface {
	ProcessPDF(ctx context.Context, pdf []byte) (*ocr.Result, error)
}

// Document is the loaded text of an upload.
type Document struct {
	Text  string
	Pages int
	Hash  string
	OCR   bool
}

// Loader extracts document text. OCR may be nil.
type Loader struct {
	OCR OCR
}

// Load returns the document text, using OCR when forced or when the PDF
// text layer is missing or too short.
func (l *Loader) Load(ctx context.Context, content []byte, forceOCR bool) (*Document, error) {
	if len(content) == 0 {
		return nil, errors.New("empty PDF content")
	}
	doc := &Document{Hash: Hash(content)}

	if !forceOCR {
		text, pages, err := ExtractText(content)
		if err == nil && len(text) >= MinTextChars {
			doc.Text, doc.Pages = text, pages
			return doc, nil
		}
		slog.Info("PDF text layer unusable, trying OCR", "chars", len(text), "error", err)
		doc.Pages = pages
	}

	if l.OCR == nil {
		return nil, ErrNeedsOCR
	}
	res, err := l.OCR.ProcessPDF(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("OCR: %w", err)
	}
	if strings.TrimSpace(res.Text) == "" {
		return nil, errors.New("OCR returned no text")
	}
	doc.Text, doc.OCR = res.Text, true
	if res.Pages > 0 {
		doc.Pages = res.Pages
	}
	return doc, nil
}

// Hash returns the hex SHA-256 of content, used to detect duplicate uploads.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ExtractText reads the PDF text layer row by row, falling back to plain
// text for pages where row extraction fails.
func ExtractText(content []byte) (text string, pages int, err error) {
	// The PDF parser panics on some malformed streams.
	defer func() {
		if r := recover(); r != nil {
			text, pages, err = "", 0, fmt.Errorf("parse PDF: %v", r)
		}
	}()
	content = sanitizePDF(content)
	r, readErr := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if readErr != nil {
		return "", 0, fmt.Errorf("parse PDF: %w", readErr)
	}
	numPages := r.NumPage()
	if numPages == 0 {
		return "", 0, errors.New("PDF has no pages")
	}

	var sb strings.Builder
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, rowErr := page.GetTextByRow()
		if rowErr != nil {
			plain, plainErr := page.GetPlainText(nil)
			if plainErr != nil {
				slog.Debug("skipping unreadable PDF page", "page", i, "error", plainErr)
				continue
			}
			sb.WriteString(plain)
			sb.WriteString("\n")
			continue
		}
		for _, row := range rows {
			var line strings.Builder
			for _, word := range row.Content {
				line.WriteString(word.S)
			}
			if s := strings.TrimSpace(line.String()); s != "" {
				sb.WriteString(s)
				sb.WriteString("\n")
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String()), numPages, nil
}

// sanitizePDF drops data appended after the last %%EOF marker, which some
// web downloads carry and which breaks the xref lookup.
func sanitizePDF(content []byte) []byte {
	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		return content
	}
	marker := []byte("%%EOF")
	last := bytes.LastIndex(content, marker)
	if last == -1 {
		return content
	}
	end := last + len(marker)
	for end < len(content) && (content[end] == '\n' || content[end] == '\r') {
		end++
	}
	if len(content)-end > 10 {
		slog.Debug("removing trailing data after %%EOF", "bytes", len(content)-end)
		return content[:end]
	}
	return content
}
