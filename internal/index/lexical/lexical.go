// Package lexical provides the in-memory BM25 index over chunk text, with
// single-file blob persistence. The index is rebuilt in full from the store
// after any set of documents is inserted or removed; readers observe an
// atomically swapped immutable snapshot, never a torn state.
package lexical

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/trovehq/trove/internal/observability"
)

// BM25 parameters, the standard Robertson defaults.
const (
	k1 = 1.5
	b  = 0.75
)

// Entry is one indexable unit: a chunk id and its indexing text (content
// plus title, author, and source type name).
type Entry struct {
	ID   int64
	Text string
}

// snapshot is an immutable built index. A new one replaces the old wholesale
// on every rebuild.
type snapshot struct {
	// Postings maps term -> chunk id -> term frequency.
	Postings map[string]map[int64]int
	// DocLen maps chunk id -> token count.
	DocLen map[int64]int
	AvgLen float64
}

// Index is the BM25 lexical index. One writer (the indexer goroutine)
// rebuilds it; any number of query goroutines search concurrently.
type Index struct {
	path    string
	current atomic.Pointer[snapshot]
	logger  zerolog.Logger
}

// New opens the index, loading a previously persisted blob from path when
// one exists. An unreadable blob is discarded; the next rebuild rewrites it.
func New(path string) *Index {
	idx := &Index{path: path, logger: observability.Logger("index.lexical")}
	idx.current.Store(&snapshot{
		Postings: map[string]map[int64]int{},
		DocLen:   map[int64]int{},
	})

	if path != "" {
		if err := idx.load(); err != nil {
			if !os.IsNotExist(err) {
				idx.logger.Warn().Err(err).Str("path", path).Msg("discarding unreadable index blob")
			}
		}
	}
	return idx
}

// Rebuild replaces the whole index with one built from entries and persists
// the new snapshot.
func (idx *Index) Rebuild(entries []Entry) error {
	snap := &snapshot{
		Postings: make(map[string]map[int64]int),
		DocLen:   make(map[int64]int, len(entries)),
	}

	total := 0
	for _, e := range entries {
		tokens := tokenize(e.Text)
		snap.DocLen[e.ID] = len(tokens)
		total += len(tokens)
		for _, tok := range tokens {
			postings, ok := snap.Postings[tok]
			if !ok {
				postings = make(map[int64]int)
				snap.Postings[tok] = postings
			}
			postings[e.ID]++
		}
	}
	if len(entries) > 0 {
		snap.AvgLen = float64(total) / float64(len(entries))
	}

	idx.current.Store(snap)
	idx.logger.Debug().Int("chunks", len(entries)).Int("terms", len(snap.Postings)).Msg("index rebuilt")
	return idx.save(snap)
}

// Search returns the ids of the top-k chunks by BM25 score, descending.
func (idx *Index) Search(query string, k int) []int64 {
	snap := idx.current.Load()
	n := len(snap.DocLen)
	if n == 0 || k <= 0 {
		return nil
	}

	scores := make(map[int64]float64)
	for _, term := range tokenize(query) {
		postings, ok := snap.Postings[term]
		if !ok {
			continue
		}
		// Okapi idf with the +1 smoothing that keeps common terms positive.
		idf := math.Log(1 + (float64(n)-float64(len(postings))+0.5)/(float64(len(postings))+0.5))
		for id, tf := range postings {
			lengthNorm := 1 - b + b*float64(snap.DocLen[id])/snap.AvgLen
			scores[id] += idf * float64(tf) * (k1 + 1) / (float64(tf) + k1*lengthNorm)
		}
	}

	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > k {
		ids = ids[:k]
	}
	return ids
}

// Contains reports whether a chunk id is present in the current snapshot.
func (idx *Index) Contains(id int64) bool {
	_, ok := idx.current.Load().DocLen[id]
	return ok
}

// Count returns the number of indexed chunks.
func (idx *Index) Count() int {
	return len(idx.current.Load().DocLen)
}

// Clear empties the index and persists the empty snapshot.
func (idx *Index) Clear() error {
	snap := &snapshot{
		Postings: map[string]map[int64]int{},
		DocLen:   map[int64]int{},
	}
	idx.current.Store(snap)
	return idx.save(snap)
}

// save writes the snapshot blob atomically (temp file + rename).
func (idx *Index) save(snap *snapshot) error {
	if idx.path == "" {
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encode index blob: %w", err)
	}

	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write index blob: %w", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return fmt.Errorf("rename index blob: %w", err)
	}
	return nil
}

func (idx *Index) load() error {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("decode index blob: %w", err)
	}
	idx.current.Store(&snap)
	idx.logger.Info().Int("chunks", len(snap.DocLen)).Msg("loaded persisted index")
	return nil
}

// tokenize lowercases (Unicode case fold), normalises to NFKC, and splits on
// non-letter/digit runs. The Caser is built per call: cases.Caser carries
// internal state and is not safe for concurrent use.
func tokenize(text string) []string {
	folded := cases.Fold().String(norm.NFKC.String(text))
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
