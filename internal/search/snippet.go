package search

import (
	"net/url"
	"strings"

	"github.com/trovehq/trove/internal/ml"
	"github.com/trovehq/trove/pkg/models"
)

// sentence boundaries: terminal punctuation followed by a space, or any
// quote/paren character.
const sentenceTerminals = ".?!:-"
const sentenceBrackets = "\"'()[]{}"

func isBoundary(content string, i int) bool {
	ch := content[i]
	if strings.IndexByte(sentenceBrackets, ch) >= 0 {
		return true
	}
	if strings.IndexByte(sentenceTerminals, ch) >= 0 {
		return i+1 >= len(content) || content[i+1] == ' '
	}
	return false
}

// snapToSentence widens a raw answer span to its enclosing sentence.
func snapToSentence(content string, span ml.Span) ml.Span {
	if span.Start < 0 {
		span.Start = 0
	}
	if span.End > len(content) {
		span.End = len(content)
	}
	if span.Start > span.End {
		span.Start = span.End
	}

	start := span.Start
	for start > 0 && !isBoundary(content, start-1) {
		start--
	}
	for start < span.Start && content[start] == ' ' {
		start++
	}

	end := span.End
	for end < len(content) && !isBoundary(content, end) {
		end++
	}
	// Terminal punctuation belongs to the sentence; a quote or paren does not.
	if end < len(content) && strings.IndexByte(sentenceTerminals, content[end]) >= 0 {
		end++
	}

	return ml.Span{
		Text:  strings.TrimSpace(content[start:end]),
		Start: start,
		End:   end,
		Score: span.Score,
	}
}

// scrollToTextURL appends a #:~:text= fragment so browsers scroll to and
// highlight the answer. Short answers go in whole; long ones as a
// first-words,last-words range. '-' is fragment syntax and must be escaped.
func scrollToTextURL(base, answer string) string {
	if base == "" {
		return ""
	}
	words := strings.Fields(answer)
	if len(words) == 0 {
		return base
	}

	var fragment string
	if len(words) <= 7 {
		fragment = fragmentEscape(strings.Join(words, " "))
	} else {
		fragment = fragmentEscape(strings.Join(words[:3], " ")) + "," +
			fragmentEscape(strings.Join(words[len(words)-3:], " "))
	}
	return base + "#:~:text=" + fragment
}

func fragmentEscape(s string) string {
	escaped := url.PathEscape(s)
	return strings.ReplaceAll(escaped, "-", "%2D")
}

const suffixMaxWords = 20

// contentParts renders the answer bold with up to twenty trailing context
// words regular.
func contentParts(content string, answer ml.Span) []models.ContentPart {
	parts := []models.ContentPart{{Content: answer.Text, Bold: true}}

	rest := ""
	if answer.End < len(content) {
		rest = content[answer.End:]
	}
	words := strings.Fields(rest)
	if len(words) > suffixMaxWords {
		words = words[:suffixMaxWords]
	}
	if len(words) > 0 {
		parts = append(parts, models.ContentPart{Content: " " + strings.Join(words, " "), Bold: false})
	}
	return parts
}
