package parser

import (
	"strings"
	"testing"

	"github.com/trovehq/trove/pkg/models"
)

func TestForPathRouting(t *testing.T) {
	tests := []struct {
		path      string
		supported bool
	}{
		{"notes.txt", true},
		{"README.md", true},
		{"page.HTML", true},
		{"slides.pptx", false},
		{"binary.exe", false},
	}
	for _, tt := range tests {
		if got := ForPath(tt.path) != nil; got != tt.supported {
			t.Errorf("ForPath(%q) supported = %v, want %v", tt.path, got, tt.supported)
		}
	}
}

func TestParsePlainTextNormalisesLineEndings(t *testing.T) {
	text, err := Parse("notes.txt", []byte("one\r\ntwo\r\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if text != "one\ntwo\n" {
		t.Errorf("unexpected output: %q", text)
	}
}

func TestParseHTMLStripsMarkupAndScripts(t *testing.T) {
	input := `<html><head><title>T</title><style>p{color:red}</style></head>
<body><h1>Heading</h1><p>The quick <b>brown</b> fox.</p>
<script>alert("nope")</script><p>Second paragraph.</p></body></html>`

	text, err := Parse("page.html", []byte(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, want := range []string{"Heading", "The quick brown fox.", "Second paragraph."} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got %q", want, text)
		}
	}
	for _, banned := range []string{"alert", "color:red", "<p>"} {
		if strings.Contains(text, banned) {
			t.Errorf("expected %q stripped, got %q", banned, text)
		}
	}
	if !strings.Contains(text, "Heading\n\nThe quick") {
		t.Errorf("expected paragraph boundary after heading, got %q", text)
	}
}

func TestParseUnsupportedFormat(t *testing.T) {
	if _, err := Parse("deck.pptx", []byte("x")); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestFileKindForPath(t *testing.T) {
	tests := []struct {
		path string
		want models.FileKind
	}{
		{"a.txt", models.FileTxt},
		{"a.md", models.FileTxt},
		{"a.docx", models.FileDocx},
		{"a.pptx", models.FilePptx},
		{"a.html", models.FileNone},
	}
	for _, tt := range tests {
		if got := FileKindForPath(tt.path); got != tt.want {
			t.Errorf("FileKindForPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
