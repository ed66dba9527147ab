// Package ingest turns uploaded files into embedded, indexed chunks and
// tracks the background jobs doing the work.
package ingest

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/thebtf/recall/pkg/models"
)

var supportedExtensions = map[string]bool{
	".pdf": true, ".docx": true, ".txt": true, ".md": true, ".py": true,
	".js": true, ".ts": true, ".tsx": true, ".jsx": true, ".json": true,
	".yaml": true, ".yml": true, ".toml": true, ".csv": true, ".html": true,
	".css": true, ".rs": true, ".go": true, ".java": true, ".c": true,
	".cpp": true, ".h": true,
}

// codeExtensions get file_type "code"; the remaining non-binary formats
// (.txt, .md, .csv) are "text".
var codeExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".css": true,
	".rs": true, ".go": true, ".java": true, ".c": true, ".cpp": true,
	".h": true, ".html": true,
}

// SupportedExtensions returns the accepted upload extensions, sorted.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(supportedExtensions))
	for ext := range supportedExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// IsSupported reports whether filename has a loadable extension.
func IsSupported(filename string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Load extracts text from a file on disk. PDF pages are kept separately so
// chunking can record page numbers.
func Load(path string) (*models.LoadedDocument, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !supportedExtensions[ext] {
		return nil, fmt.Errorf("unsupported file type: %s", ext)
	}
	switch ext {
	case ".pdf":
		return loadPDF(path)
	case ".docx":
		return loadDOCX(path)
	default:
		return loadText(path, ext)
	}
}

// loadPDF extracts per-page text. The parser panics on some malformed
// files; the recover turns that into a load error so one bad upload cannot
// take down a job.
func loadPDF(path string) (doc *models.LoadedDocument, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = fmt.Errorf("parse pdf %s: %v", filepath.Base(path), r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if cleaned := cleanText(text); cleaned != "" {
			pages = append(pages, cleaned)
		}
	}

	return &models.LoadedDocument{
		Filename: filepath.Base(path),
		FileType: "pdf",
		Text:     strings.Join(pages, "\n\n"),
		Metadata: models.Metadata{"page_count": len(pages), "source": path},
		Pages:    pages,
	}, nil
}

func loadDOCX(path string) (*models.LoadedDocument, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	var body io.ReadCloser
	for _, zf := range zr.File {
		if zf.Name == "word/document.xml" {
			if body, err = zf.Open(); err != nil {
				return nil, fmt.Errorf("open document.xml: %w", err)
			}
			break
		}
	}
	if body == nil {
		return nil, fmt.Errorf("docx %s has no word/document.xml", filepath.Base(path))
	}
	defer body.Close()

	paragraphs, err := docxParagraphs(body)
	if err != nil {
		return nil, err
	}

	return &models.LoadedDocument{
		Filename: filepath.Base(path),
		FileType: "docx",
		Text:     strings.Join(paragraphs, "\n\n"),
		Metadata: models.Metadata{"paragraph_count": len(paragraphs), "source": path},
	}, nil
}

// docxParagraphs walks the document XML collecting the text runs (w:t) of
// each paragraph (w:p). Tabs and breaks become whitespace.
func docxParagraphs(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var paragraphs []string
	var current strings.Builder
	inParagraph := false
	inText := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inParagraph = true
				current.Reset()
			case "t":
				inText = inParagraph
			case "tab", "br":
				if inParagraph {
					current.WriteByte(' ')
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if inParagraph {
					if text := cleanText(current.String()); text != "" {
						paragraphs = append(paragraphs, text)
					}
				}
				inParagraph = false
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return paragraphs, nil
}

func loadText(path, ext string) (*models.LoadedDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	fileType := "text"
	if codeExtensions[ext] {
		fileType = "code"
	}

	return &models.LoadedDocument{
		Filename: filepath.Base(path),
		FileType: fileType,
		Text:     strings.ToValidUTF8(string(raw), string(utf8.RuneError)),
		Metadata: models.Metadata{"source": path, "language": strings.TrimPrefix(ext, ".")},
	}, nil
}

// cleanText collapses whitespace runs to single spaces.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
