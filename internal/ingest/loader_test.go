package ingest_test

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/pixell07/multi-tenant-ai/internal/ingest"
)

func TestTXTLoaderTrimsWhitespace(t *testing.T) {
	loader := ingest.TXTLoader{}
	docs, err := loader.Load(context.Background(), "  hello world  \n")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "hello world", docs[0].Text)
}

func TestForExtensionRejectsUnsupportedFormat(t *testing.T) {
	_, err := ingest.ForExtension("mp3")
	assert.Error(t, err)
}

func TestForExtensionIsCaseInsensitive(t *testing.T) {
	loader, err := ingest.ForExtension("PDF")
	require.NoError(t, err)
	assert.IsType(t, ingest.PDFLoader{}, loader)
}

func TestXLSXLoaderFlattensRows(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	f.SetCellValue(sheet, "A1", "name")
	f.SetCellValue(sheet, "B1", "value")
	f.SetCellValue(sheet, "A2", "foo")
	f.SetCellValue(sheet, "B2", "bar")

	path := filepath.Join(t.TempDir(), "sheet.xlsx")
	require.NoError(t, f.SaveAs(path))

	loader := ingest.XLSXLoader{}
	docs, err := loader.Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Text, "name\tvalue")
	assert.Contains(t, docs[0].Text, "foo\tbar")
}

// buildMinimalPPTX writes a zip archive with the single OOXML part
// PPTXLoader reads: a slide XML with two <a:t> text runs.
func buildMinimalPPTX(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deck.pptx")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("ppt/slides/slide1.xml")
	require.NoError(t, err)

	slideXML := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
  <p:cSld>
    <p:spTree>
      <p:sp>
        <p:txBody>
          <a:p><a:r><a:t>Welcome to the deck</a:t></a:r></a:p>
          <a:p><a:r><a:t>second line</a:t></a:r></a:p>
        </p:txBody>
      </p:sp>
    </p:spTree>
  </p:cSld>
</p:sld>`
	_, err = w.Write([]byte(slideXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return path
}

func TestPPTXLoaderExtractsSlideText(t *testing.T) {
	path := buildMinimalPPTX(t)

	loader := ingest.PPTXLoader{}
	docs, err := loader.Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Text, "Welcome to the deck")
	assert.Contains(t, docs[0].Text, "second line")
	assert.Equal(t, 1, docs[0].Metadata["slides"])
}

func TestPPTXLoaderErrorsOnNotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-pptx.pptx")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	loader := ingest.PPTXLoader{}
	_, err := loader.Load(context.Background(), path)
	assert.Error(t, err)
}

func TestURLLoaderReturnsErrorMarkedDocForBadURL(t *testing.T) {
	loader := ingest.NewURLLoader()
	docs, err := loader.Load(context.Background(), "http://127.0.0.1:1/unreachable")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Text, "解析失败")
}

func TestNewDocIDProducesUniqueValues(t *testing.T) {
	a := ingest.NewDocID()
	b := ingest.NewDocID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
