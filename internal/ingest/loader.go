// Package ingest is the document/URL ingestion pipeline spec.md §1 scopes
// to interfaces only ("conventional ETL"): loaders per source format,
// chunking, and handing the result to internal/chunkstore. Grounded on the
// teacher's internal/document.Service (job-queue worker pool,
// textsplitter.NewRecursiveCharacter) and
// original_source/backend_py/crawler.py / txt_loader.py / pptx_loader.py
// for per-format and crawl-failure semantics.
package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// RawDocument is one loaded-but-not-yet-chunked document.
type RawDocument struct {
	Text     string
	Source   string
	Metadata map[string]any
}

// Loader turns one source reference (a file path, byte payload, or URL)
// into one or more raw documents. Load must never panic on malformed
// input. URLLoader reports a failed page as a RawDocument whose text
// carries a failure marker (mirroring crawler.py's process_web_content), so
// a bad page degrades a single document; the file loaders (PDF, DOCX, XLSX,
// PPTX) return an error for a file they cannot read.
type Loader interface {
	Load(ctx context.Context, source string) ([]RawDocument, error)
}

// TXTLoader handles plain text, grounded on txt_loader.py's pass-through
// behavior (no transformation beyond whitespace normalization).
type TXTLoader struct{}

func (TXTLoader) Load(_ context.Context, source string) ([]RawDocument, error) {
	text := strings.TrimSpace(source)
	return []RawDocument{{Text: text, Source: "txt", Metadata: map[string]any{}}}, nil
}

// URLLoader fetches a web page and extracts its visible text with
// goquery, standing in for crawler.py's Selenium+unstructured pipeline
// (which needs a browser runtime with no idiomatic Go equivalent in the
// pack). A fetch or parse failure returns a single error-marked
// RawDocument rather than a Go error, matching crawl_urls's policy of
// producing a placeholder "解析失败" document so the caller's batch
// continues.
type URLLoader struct {
	Client *http.Client
}

func NewURLLoader() *URLLoader {
	return &URLLoader{Client: &http.Client{Timeout: 20 * time.Second}}
}

func (l *URLLoader) Load(ctx context.Context, url string) ([]RawDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return l.errorDoc(url, err), nil
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		return l.errorDoc(url, err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return l.errorDoc(url, fmt.Errorf("status %d", resp.StatusCode)), nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return l.errorDoc(url, err), nil
	}

	doc.Find("script, style, nav, footer, header").Remove()
	title := strings.TrimSpace(doc.Find("title").First().Text())
	text := strings.TrimSpace(collapseWhitespace(doc.Find("body").Text()))

	if len(text) < 50 {
		return l.errorDoc(url, fmt.Errorf("content too short")), nil
	}

	return []RawDocument{{
		Text:   text,
		Source: url,
		Metadata: map[string]any{
			"source": url,
			"title":  title,
		},
	}}, nil
}

func (l *URLLoader) errorDoc(url string, cause error) []RawDocument {
	return []RawDocument{{
		Text:     fmt.Sprintf("解析失败: %s\n原始URL: %s", cause, url),
		Source:   url,
		Metadata: map[string]any{"source": url, "error": cause.Error()},
	}}
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// PDFLoader extracts text via ledongthuc/pdf's whole-document reader.
type PDFLoader struct{}

func (PDFLoader) Load(_ context.Context, path string) ([]RawDocument, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open pdf %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("ingest: extract pdf text %s: %w", path, err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, fmt.Errorf("ingest: read pdf text %s: %w", path, err)
	}

	return []RawDocument{{
		Text:     strings.TrimSpace(buf.String()),
		Source:   path,
		Metadata: map[string]any{"source": path, "pages": r.NumPage()},
	}}, nil
}

// DOCXLoader extracts paragraph text via nguyenthenguyen/docx.
type DOCXLoader struct{}

func (DOCXLoader) Load(_ context.Context, path string) ([]RawDocument, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open docx %s: %w", path, err)
	}
	defer r.Close()

	text := r.Editable().GetContent()
	return []RawDocument{{
		Text:     strings.TrimSpace(stripDocxMarkup(text)),
		Source:   path,
		Metadata: map[string]any{"source": path},
	}}, nil
}

// stripDocxMarkup removes the XML tags nguyenthenguyen/docx's GetContent
// leaves around run text, keeping only the readable content.
func stripDocxMarkup(raw string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range raw {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return collapseWhitespace(sb.String())
}

// XLSXLoader flattens every sheet's cells into one text blob, row by row.
// Curated-QA spreadsheets use internal/curatedqa.ParseXLSX instead; this
// loader is for XLSX files uploaded as a knowledge-base source document.
type XLSXLoader struct{}

func (XLSXLoader) Load(_ context.Context, path string) ([]RawDocument, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open xlsx %s: %w", path, err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
	}

	return []RawDocument{{
		Text:     strings.TrimSpace(sb.String()),
		Source:   path,
		Metadata: map[string]any{"source": path},
	}}, nil
}

// PPTXLoader extracts slide text from a .pptx file. The pack carries no
// grounded Go PPTX-parsing library (unlike PDF/DOCX/XLSX, each read through
// a third-party library), so this reads the OOXML package
// directly: a .pptx is a zip archive of one XML part per slide
// (ppt/slides/slideN.xml), each run of visible text wrapped in an <a:t>
// element. Documented in DESIGN.md as the standard-library fallback this
// process calls for when no suitable third-party library exists.
type PPTXLoader struct{}

var slideFileRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func (PPTXLoader) Load(_ context.Context, path string) ([]RawDocument, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open pptx %s: %w", path, err)
	}
	defer r.Close()

	type slide struct {
		num  int
		text string
	}
	var slides []slide

	for _, f := range r.File {
		m := slideFileRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		text, err := extractSlideText(f)
		if err != nil {
			return nil, fmt.Errorf("ingest: read slide %s in %s: %w", f.Name, path, err)
		}
		num := 0
		fmt.Sscanf(m[1], "%d", &num)
		slides = append(slides, slide{num: num, text: text})
	}

	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var sb strings.Builder
	for _, s := range slides {
		if s.text == "" {
			continue
		}
		sb.WriteString(s.text)
		sb.WriteString("\n\n")
	}

	return []RawDocument{{
		Text:     strings.TrimSpace(sb.String()),
		Source:   path,
		Metadata: map[string]any{"source": path, "slides": len(slides)},
	}}, nil
}

// slideXML matches the <a:t> text runs a slide's XML part wraps visible
// text in; everything else (shape geometry, formatting) is ignored.
type slideXML struct {
	Texts []string `xml:"cSld>spTree>sp>txBody>p>r>t"`
}

func extractSlideText(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}

	var parsed slideXML
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return "", err
	}
	return collapseWhitespace(strings.Join(parsed.Texts, " ")), nil
}

// ForExtension picks a Loader for a lowercased file extension ("pdf",
// "docx", "xlsx", "pptx", "txt") or the special value "url".
func ForExtension(ext string) (Loader, error) {
	switch strings.ToLower(ext) {
	case "txt":
		return TXTLoader{}, nil
	case "url":
		return NewURLLoader(), nil
	case "pdf":
		return PDFLoader{}, nil
	case "docx":
		return DOCXLoader{}, nil
	case "xlsx":
		return XLSXLoader{}, nil
	case "pptx":
		return PPTXLoader{}, nil
	default:
		return nil, fmt.Errorf("ingest: unsupported extension %q", ext)
	}
}
