package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// maxFetchBytes caps how much of a remote document the resolver reads.
const maxFetchBytes = 4 << 20

// Resolver turns raw request content into embeddable text. Text passes
// through, PDFs arrive base64-encoded and get their text extracted,
// URLs are fetched and stripped to visible text. Image content is a
// caption or reference string; the text itself is what gets embedded.
type Resolver struct {
	client *http.Client
}

// NewResolver creates a Resolver with a bounded HTTP client for URL content.
func NewResolver() *Resolver {
	return &Resolver{client: &http.Client{Timeout: 15 * time.Second}}
}

// Resolve returns the text to embed for the given content and type.
// Unknown content types are rejected rather than guessed at.
func (r *Resolver) Resolve(ctx context.Context, content, contentType string) (string, error) {
	switch contentType {
	case "", "text", "image":
		if strings.TrimSpace(content) == "" {
			return "", fmt.Errorf("empty content")
		}
		return content, nil
	case "pdf":
		return extractPDFText(content)
	case "url":
		return r.fetchURLText(ctx, content)
	default:
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}
}

func extractPDFText(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding pdf content: %w", err)
	}
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	text, err := io.ReadAll(textReader)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	out := strings.TrimSpace(string(text))
	if out == "" {
		return "", fmt.Errorf("pdf contains no extractable text")
	}
	return out, nil
}

func (r *Resolver) fetchURLText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", url, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", url, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "html") {
		return strings.TrimSpace(string(body)), nil
	}
	return stripHTML(string(body))
}

// stripHTML extracts visible text from an HTML document, skipping
// script, style and noscript subtrees.
func stripHTML(content string) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				parts = append(parts, text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	out := strings.Join(parts, " ")
	if out == "" {
		return "", fmt.Errorf("page contains no visible text")
	}
	return out, nil
}
