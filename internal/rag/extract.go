package rag

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/steveyegge/consult/internal/types"
)

// mimeByExtension is the fixed extension table. Unknown extensions fall
// back to application/octet-stream.
var mimeByExtension = map[string]string{
	".md":   "text/markdown",
	".txt":  "text/plain",
	".json": "application/json",
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".csv":  "text/csv",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
}

// MimeTypeFor infers a MIME type from a filename's extension.
func MimeTypeFor(filename string) string {
	if mime, ok := mimeByExtension[strings.ToLower(filepath.Ext(filename))]; ok {
		return mime
	}
	return "application/octet-stream"
}

// ExtractText converts an uploaded file to plain text: PDFs and DOCX go
// through dedicated parsers, everything else is treated as UTF-8.
func ExtractText(filename string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return extractPDF(data)
	case ".docx":
		return extractDOCX(data)
	default:
		if !utf8.Valid(data) {
			return "", types.ValidationError("file", fmt.Sprintf("%s is not valid UTF-8 text", filename))
		}
		return string(data), nil
	}
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", types.ValidationError("file", fmt.Sprintf("unreadable PDF: %v", err))
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", types.ValidationError("file", fmt.Sprintf("failed to extract PDF text: %v", err))
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("failed to read PDF text: %w", err)
	}
	return buf.String(), nil
}

// extractDOCX pulls the text runs out of word/document.xml. Paragraph
// ends become newlines so chunk boundaries respect structure.
func extractDOCX(data []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", types.ValidationError("file", fmt.Sprintf("unreadable DOCX: %v", err))
	}

	var docXML io.ReadCloser
	for _, f := range archive.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return "", fmt.Errorf("failed to open document.xml: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return "", types.ValidationError("file", "DOCX has no word/document.xml")
	}
	defer func() { _ = docXML.Close() }()

	var sb strings.Builder
	decoder := xml.NewDecoder(docXML)
	inText := false
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", types.ValidationError("file", fmt.Sprintf("malformed DOCX XML: %v", err))
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}
