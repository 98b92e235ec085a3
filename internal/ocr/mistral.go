// Package ocr converts scanned or handwritten PDFs to text.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"
)

// DefaultBaseURL is the Mistral API endpoint.
const DefaultBaseURL = "https://api.mistral.ai"

// DefaultModel is the Mistral OCR model.
const DefaultModel = "mistral-ocr-latest"

// Result is the recognized text of a document.
type Result struct {
	Text  string
	Pages int
}

// Mistral is a client for the Mistral OCR API.
type Mistral struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// NewMistral creates a Mistral OCR client.
func NewMistral(baseURL, apiKey, model string) *Mistral {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Mistral{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute, // handwritten sheets can run to dozens of pages
		},
	}
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type ocrPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type ocrResponse struct {
	Pages     []ocrPage `json:"pages"`
	UsageInfo struct {
		PagesProcessed int `json:"pages_processed"`
	} `json:"usage_info"`
}

// ProcessPDF sends the PDF inline as a data URL and returns the pages'
// markdown joined in page order.
func (c *Mistral) ProcessPDF(ctx context.Context, pdf []byte) (*Result, error) {
	payload, err := json.Marshal(ocrRequest{
		Model: c.Model,
		Document: ocrDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(pdf),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal OCR request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/ocr", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create OCR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OCR request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("OCR service returned status %d: %s", resp.StatusCode, string(body))
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode OCR response: %w", err)
	}

	slices.SortFunc(out.Pages, func(a, b ocrPage) int { return a.Index - b.Index })
	parts := make([]string, 0, len(out.Pages))
	for _, p := range out.Pages {
		parts = append(parts, strings.TrimSpace(p.Markdown))
	}

	pages := out.UsageInfo.PagesProcessed
	if pages == 0 {
		pages = len(out.Pages)
	}
	return &Result{Text: strings.Join(parts, "\n\n"), Pages: pages}, nil
}
