package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pdf "github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const maxURLFetchSize = 5 << 20 // 5MB

// Document content types.
const (
	TypeText = "text"
	TypeHTML = "html"
	TypeURL  = "url"
	TypePDF  = "pdf"
)

// ErrUnsupportedType is returned for an unknown content type.
var ErrUnsupportedType = errors.New("unsupported content type")

// ErrEmptyContent is returned when extraction produced no text.
var ErrEmptyContent = errors.New("document has no text content")

// ErrFetch is returned when a URL source cannot be retrieved.
var ErrFetch = errors.New("fetching url failed")

// Source describes raw reference content submitted for indexing.
type Source struct {
	Type    string // text (default), html, url, pdf
	Title   string
	Content string // plain text, HTML markup, or base64 PDF bytes
	URL     string
}

// Extract resolves src into plain text. URL sources are fetched with client
// and stripped of markup. The returned title falls back to the URL.
func Extract(ctx context.Context, client *http.Client, src Source) (text, title string, err error) {
	title = src.Title
	switch src.Type {
	case "", TypeText:
		text = collapseWhitespace(src.Content)
	case TypeHTML:
		text, err = ExtractHTML(strings.NewReader(src.Content))
	case TypePDF:
		var data []byte
		data, err = base64.StdEncoding.DecodeString(src.Content)
		if err != nil {
			return "", "", fmt.Errorf("invalid base64 content: %w", err)
		}
		text, err = ExtractPDF(data)
	case TypeURL:
		if title == "" {
			title = src.URL
		}
		text, err = FetchURL(ctx, client, src.URL)
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedType, src.Type)
	}
	if err != nil {
		return "", "", err
	}
	if text == "" {
		return "", "", ErrEmptyContent
	}
	return text, title, nil
}

// FetchURL downloads a page and returns its visible text.
func FetchURL(ctx context.Context, client *http.Client, url string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: url returned status %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %w", ErrFetch, err)
	}
	if isPDF(body) {
		return ExtractPDF(body)
	}
	return ExtractHTML(bytes.NewReader(body))
}

// ExtractHTML returns the text nodes of an HTML document, skipping script,
// style and noscript elements.
func ExtractHTML(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return collapseWhitespace(sb.String()), nil
}

// ExtractPDF returns the plain text of a PDF file.
func ExtractPDF(data []byte) (string, error) {
	if !isPDF(data) {
		return "", errors.New("missing %PDF header")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	return collapseWhitespace(string(b)), nil
}

func isPDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}
