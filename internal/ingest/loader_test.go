package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("paper.pdf"))
	assert.True(t, IsSupported("report.DOCX"))
	assert.True(t, IsSupported("notes.TXT"))
	assert.True(t, IsSupported("main.go"))

	assert.False(t, IsSupported("setup.exe"))
	assert.False(t, IsSupported("archive.tar.gz"))
	assert.False(t, IsSupported("noextension"))
}

func TestSupportedExtensionsSorted(t *testing.T) {
	exts := SupportedExtensions()
	assert.Len(t, exts, 22)
	assert.True(t, sort.StringsAreSorted(exts))
	assert.Contains(t, exts, ".pdf")
	assert.Contains(t, exts, ".docx")
	assert.Contains(t, exts, ".go")
}

func TestLoadUnsupported(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "malware.exe"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type: .exe")
}

func TestLoadTextFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	content := "First line.\nSecond line with   spaces.\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "notes.txt", doc.Filename)
	assert.Equal(t, "text", doc.FileType)
	assert.Equal(t, content, doc.Text)
	assert.Empty(t, doc.Pages)
	assert.Equal(t, path, doc.Metadata["source"])
	assert.Equal(t, "txt", doc.Metadata["language"])
}

func TestLoadCodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "code", doc.FileType)
	assert.Equal(t, "go", doc.Metadata["language"])
}

func TestLoadTextReplacesInvalidUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.txt")
	require.NoError(t, os.WriteFile(path, []byte{'o', 'k', 0xff, 0xfe, '!'}, 0o644))

	doc, err := Load(path)
	require.NoError(t, err)

	assert.True(t, utf8.ValidString(doc.Text))
	assert.Contains(t, doc.Text, "ok")
	assert.Contains(t, doc.Text, string(utf8.RuneError))
}

// writeDOCX builds a minimal .docx: a zip holding word/document.xml.
func writeDOCX(t *testing.T, dir, documentXML string) string {
	t.Helper()
	path := filepath.Join(dir, "fixture.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestLoadDOCX(t *testing.T) {
	const documentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world</w:t></w:r></w:p>
    <w:p/>
    <w:p><w:r><w:t>Second</w:t></w:r><w:tab/><w:r><w:t>paragraph</w:t></w:r></w:p>
  </w:body>
</w:document>`

	path := writeDOCX(t, t.TempDir(), documentXML)
	doc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fixture.docx", doc.Filename)
	assert.Equal(t, "docx", doc.FileType)
	assert.Equal(t, "Hello world\n\nSecond paragraph", doc.Text)
	assert.Equal(t, 2, doc.Metadata["paragraph_count"])
	assert.Equal(t, path, doc.Metadata["source"])
	assert.Empty(t, doc.Pages)
}

func TestLoadDOCXMissingDocumentXML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/styles.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte("<styles/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no word/document.xml")
}

func TestLoadDOCXNotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.docx")
	require.NoError(t, os.WriteFile(path, []byte("plain text, not a zip"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestDocxParagraphsDropsEmpty(t *testing.T) {
	const xmlBody = `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>   </w:t></w:r></w:p>
<w:p><w:r><w:t>kept</w:t></w:r></w:p>
</w:body>
</w:document>`

	paragraphs, err := docxParagraphs(strings.NewReader(xmlBody))
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, paragraphs)
}

// writePDF writes a single-page PDF containing one text run. Object offsets
// are captured while writing so the xref table is exact.
func writePDF(t *testing.T, dir, text string) string {
	t.Helper()

	var buf bytes.Buffer
	var offsets []int
	addObj := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
	}

	buf.WriteString("%PDF-1.4\n")
	addObj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	addObj("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	addObj("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] " +
		"/Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>\nendobj\n")
	addObj("4 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")
	stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
	addObj(fmt.Sprintf("5 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stream), stream))

	xrefPos := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(offsets)+1, xrefPos)

	path := filepath.Join(dir, "fixture.pdf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestLoadPDF(t *testing.T) {
	path := writePDF(t, t.TempDir(), "Hello PDF")

	doc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fixture.pdf", doc.Filename)
	assert.Equal(t, "pdf", doc.FileType)
	require.Len(t, doc.Pages, 1)
	assert.Contains(t, doc.Pages[0], "Hello PDF")
	assert.Equal(t, doc.Pages[0], doc.Text)
	assert.Equal(t, 1, doc.Metadata["page_count"])
}

func TestLoadPDFMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pdf")
	require.NoError(t, os.WriteFile(path, []byte("this is not a pdf"), 0o644))

	doc, err := Load(path)
	require.Error(t, err)
	assert.Nil(t, doc)
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "a b c", cleanText("  a\t b \n\n c  "))
	assert.Equal(t, "", cleanText(" \n\t "))
}
