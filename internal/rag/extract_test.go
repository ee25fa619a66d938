package rag

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/steveyegge/consult/internal/types"
)

func TestMimeTypeFor(t *testing.T) {
	tests := map[string]string{
		"notes.md":    "text/markdown",
		"README.TXT":  "text/plain",
		"data.json":   "application/json",
		"paper.pdf":   "application/pdf",
		"report.docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"rows.csv":    "text/csv",
		"cfg.yaml":    "application/x-yaml",
		"cfg.yml":     "application/x-yaml",
		"blob.bin":    "application/octet-stream",
		"noext":       "application/octet-stream",
	}
	for name, want := range tests {
		if got := MimeTypeFor(name); got != want {
			t.Errorf("MimeTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestExtractPlainText(t *testing.T) {
	got, err := ExtractText("notes.md", []byte("# Title\nbody"))
	if err != nil {
		t.Fatalf("ExtractText failed: %v", err)
	}
	if got != "# Title\nbody" {
		t.Errorf("got %q", got)
	}

	if _, err := ExtractText("junk.txt", []byte{0xff, 0xfe, 0x00, 0x80}); types.KindOf(err) != types.KindValidation {
		t.Errorf("non-UTF-8 kind = %v", types.KindOf(err))
	}
}

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip create failed: %v", err)
	}
	if _, err := f.Write([]byte(documentXML)); err != nil {
		t.Fatalf("zip write failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close failed: %v", err)
	}
	return buf.Bytes()
}

func TestExtractDOCX(t *testing.T) {
	const docXML = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second </w:t></w:r><w:r><w:t>paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`

	got, err := ExtractText("report.docx", buildDOCX(t, docXML))
	if err != nil {
		t.Fatalf("ExtractText failed: %v", err)
	}
	if !strings.Contains(got, "First paragraph.") || !strings.Contains(got, "Second paragraph.") {
		t.Errorf("extracted text = %q", got)
	}
	// Paragraphs become separate lines.
	if strings.Index(got, "First paragraph.") > strings.Index(got, "Second paragraph.") {
		t.Error("paragraph order lost")
	}

	if _, err := ExtractText("bad.docx", []byte("not a zip")); types.KindOf(err) != types.KindValidation {
		t.Errorf("bad archive kind = %v", types.KindOf(err))
	}
	if _, err := ExtractText("empty.docx", buildDOCXWithout(t)); types.KindOf(err) != types.KindValidation {
		t.Errorf("missing document.xml kind = %v", types.KindOf(err))
	}
}

func buildDOCXWithout(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, _ := zw.Create("word/other.xml")
	_, _ = f.Write([]byte("<x/>"))
	_ = zw.Close()
	return buf.Bytes()
}
