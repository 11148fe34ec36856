// Package parser turns raw file bytes into plain text for chunking. Each
// parser handles one family of formats; the registry routes by file
// extension.
package parser

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/trovehq/trove/pkg/models"
)

// Parser converts one file format to plain text.
type Parser interface {
	Parse(data []byte) (string, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(data []byte) (string, error)

// Parse implements Parser.
func (f ParserFunc) Parse(data []byte) (string, error) {
	return f(data)
}

// byExtension routes lowercase extensions (dot included) to parsers.
var byExtension = map[string]Parser{
	".txt":  ParserFunc(parsePlainText),
	".md":   ParserFunc(parsePlainText),
	".rst":  ParserFunc(parsePlainText),
	".html": ParserFunc(parseHTML),
	".htm":  ParserFunc(parseHTML),
}

// ForPath returns the parser for a file path, or nil when the format is
// unsupported.
func ForPath(path string) Parser {
	return byExtension[strings.ToLower(filepath.Ext(path))]
}

// Parse routes data through the parser for path.
func Parse(path string, data []byte) (string, error) {
	p := ForPath(path)
	if p == nil {
		return "", fmt.Errorf("unsupported file format: %s", filepath.Ext(path))
	}
	text, err := p.Parse(data)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return text, nil
}

// FileKindForPath maps a file extension to the document model's file kind.
func FileKindForPath(path string) models.FileKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".rst":
		return models.FileTxt
	case ".docx":
		return models.FileDocx
	case ".pptx":
		return models.FilePptx
	default:
		return models.FileNone
	}
}

// parsePlainText passes text formats through, normalising line endings.
func parsePlainText(data []byte) (string, error) {
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}
