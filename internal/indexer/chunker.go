package indexer

import (
	"regexp"
	"strings"
)

var paragraphSep = regexp.MustCompile(`\n\s*\n`)

// Chunk splits content into indexable chunks: paragraphs (blank-line
// separated) merged greedily until a chunk reaches minChars. A trailing
// chunk shorter than minChars is kept rather than dropped.
func Chunk(content string, minChars int) []string {
	if minChars <= 0 {
		minChars = 1
	}

	var chunks []string
	var buf strings.Builder
	for _, para := range paragraphSep.Split(content, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(para)
		if buf.Len() >= minChars {
			chunks = append(chunks, buf.String())
			buf.Reset()
		}
	}
	if buf.Len() > 0 {
		chunks = append(chunks, buf.String())
	}
	return chunks
}
