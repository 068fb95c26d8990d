package pipeline

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

type extraction struct {
	Text      string
	PageCount int
}

// extractContent pulls plain text out of raw document bytes, choosing the
// parser by file extension. Anything that is not a PDF or EPUB is treated as
// plain text.
func extractContent(filename string, data []byte) (extraction, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return extractPDF(data)
	case ".epub":
		return extractEPUB(data)
	default:
		return extraction{Text: normalizeText(string(data))}, nil
	}
}

func extractPDF(data []byte) (extraction, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return extraction{}, fmt.Errorf("open pdf: %w", err)
	}
	totalPages := reader.NumPage()
	var pages []string
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely
			continue
		}
		if text = normalizeText(text); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return extraction{}, fmt.Errorf("no text extracted from pdf")
	}
	return extraction{Text: strings.Join(pages, " "), PageCount: totalPages}, nil
}

func extractEPUB(data []byte) (extraction, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return extraction{}, fmt.Errorf("open epub: %w", err)
	}
	var sections []string
	for _, file := range reader.File {
		name := strings.ToLower(file.Name)
		if !(strings.HasSuffix(name, ".xhtml") || strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm")) {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return extraction{}, fmt.Errorf("read epub file: %w", err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return extraction{}, fmt.Errorf("read epub content: %w", err)
		}
		doc, err := html.Parse(bytes.NewReader(raw))
		if err != nil {
			return extraction{}, fmt.Errorf("parse epub html: %w", err)
		}
		if text := normalizeText(htmlText(doc)); text != "" {
			sections = append(sections, text)
		}
	}
	if len(sections) == 0 {
		return extraction{}, fmt.Errorf("no text extracted from epub")
	}
	return extraction{Text: strings.Join(sections, " "), PageCount: len(sections)}, nil
}

func htmlText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && (node.Data == "p" || node.Data == "br" || node.Data == "div" || node.Data == "li") {
			buf.WriteString(" ")
		}
	}
	walk(n)
	return buf.String()
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
