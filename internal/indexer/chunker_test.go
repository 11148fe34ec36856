package indexer

import (
	"strings"
	"testing"
)

func TestChunkMergesShortParagraphs(t *testing.T) {
	content := "First paragraph.\n\nSecond paragraph.\n\nThird paragraph."
	chunks := Chunk(content, 30)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(chunks), chunks)
	}
	if !strings.Contains(chunks[0], "First") || !strings.Contains(chunks[0], "Second") {
		t.Errorf("expected first two paragraphs merged, got %q", chunks[0])
	}
	if chunks[1] != "Third paragraph." {
		t.Errorf("expected trailing partial kept, got %q", chunks[1])
	}
}

func TestChunkKeepsLongParagraphsWhole(t *testing.T) {
	long := strings.Repeat("word ", 100)
	chunks := Chunk(long, 50)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestChunkEmptyContent(t *testing.T) {
	if got := Chunk("", 256); got != nil {
		t.Errorf("expected nil for empty content, got %q", got)
	}
	if got := Chunk("\n\n  \n\n", 256); got != nil {
		t.Errorf("expected nil for whitespace content, got %q", got)
	}
}

func TestChunkBlankLinesWithSpaces(t *testing.T) {
	content := "alpha\n   \nbeta"
	chunks := Chunk(content, 1)
	if len(chunks) != 2 {
		t.Fatalf("expected space-only separator lines to split, got %q", chunks)
	}
	if chunks[0] != "alpha" || chunks[1] != "beta" {
		t.Errorf("unexpected chunks: %q", chunks)
	}
}

func TestChunkTrailingShortIsKept(t *testing.T) {
	content := strings.Repeat("x", 300) + "\n\nshort tail"
	chunks := Chunk(content, 256)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[1] != "short tail" {
		t.Errorf("expected short tail preserved, got %q", chunks[1])
	}
}
