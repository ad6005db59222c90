// Package vector stores chunk embeddings with their retrieval metadata
// and serves cosine top-k search over them. At this system's scale a flat
// scan beats an approximate index: tens of thousands of vectors score in
// single-digit milliseconds with none of the recall loss.
package vector

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Entry is one stored chunk with its retrieval metadata.
type Entry struct {
	ChunkID  string `json:"chunk_id"`
	DocID    string `json:"doc_id"`
	DocType  string `json:"doc_type"`
	Title    string `json:"title"`
	Filename string `json:"filename"`
	Page     int    `json:"page_no"`
	Seq      int    `json:"seq"`
	Boundary string `json:"boundary_kind"`
	Text     string `json:"text"`
}

// Match is a search hit with its cosine similarity.
type Match struct {
	Entry
	Score float64 `json:"score"`
}

// Filter restricts search candidates. The zero value matches everything;
// set fields combine with AND.
type Filter struct {
	DocTypes      []string
	DocIDs        []string
	TitleContains string
}

func (f Filter) matches(e Entry) bool {
	if len(f.DocTypes) > 0 && !containsString(f.DocTypes, e.DocType) {
		return false
	}
	if len(f.DocIDs) > 0 && !containsString(f.DocIDs, e.DocID) {
		return false
	}
	if f.TitleContains != "" && !strings.Contains(e.Title, f.TitleContains) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Store holds vectors and metadata in memory, persisting both to a paired
// pair of files under its directory. All methods are safe for concurrent
// use.
type Store struct {
	mu        sync.RWMutex
	dim       int
	vectors   [][]float32
	norms     []float64
	entries   []Entry
	indexPath string
	docsPath  string
}

// Open loads the store files from dir, returning an empty store when none
// exist yet. A count mismatch between the index and metadata files is an
// error: the pair is written atomically, so divergence means corruption.
func Open(dir string) (*Store, error) {
	s := &Store{
		indexPath: filepath.Join(dir, "vector.index"),
		docsPath:  filepath.Join(dir, "vector.docs"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dim returns the embedding dimension, 0 while the store is empty.
func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Count returns the number of stored chunks.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Add appends chunk vectors with their metadata and persists the store.
// The first batch fixes the dimension; later batches must match it.
func (s *Store) Add(vectors [][]float32, entries []Entry) error {
	if len(vectors) != len(entries) {
		return fmt.Errorf("vector store: %d vectors for %d entries", len(vectors), len(entries))
	}
	if len(vectors) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dim
	if dim == 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("vector store: vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	prevDim := s.dim
	prevLen := len(s.entries)
	s.dim = dim
	s.vectors = append(s.vectors, vectors...)
	s.entries = append(s.entries, entries...)
	for _, v := range vectors {
		s.norms = append(s.norms, vectorNorm(v))
	}

	if err := s.save(); err != nil {
		s.dim = prevDim
		s.vectors = s.vectors[:prevLen]
		s.entries = s.entries[:prevLen]
		s.norms = s.norms[:prevLen]
		return err
	}
	return nil
}

// Search returns the topK entries most similar to query under cosine
// similarity, restricted by filter.
func (s *Store) Search(query []float32, topK int, filter Filter) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 || topK <= 0 {
		return nil, nil
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("vector store: query dimension %d, index dimension %d", len(query), s.dim)
	}

	qnorm := vectorNorm(query)
	if qnorm == 0 {
		return nil, nil
	}

	matches := make([]Match, 0, topK*2)
	for i, e := range s.entries {
		if !filter.matches(e) {
			continue
		}
		if s.norms[i] == 0 {
			continue
		}
		score := dot(query, s.vectors[i]) / (qnorm * s.norms[i])
		matches = append(matches, Match{Entry: e, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeleteByDoc removes every chunk of a document, compacting the store, and
// persists the result. Returns how many chunks were removed.
func (s *Store) DeleteByDoc(docID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keptVectors [][]float32
	var keptNorms []float64
	var keptEntries []Entry
	removed := 0
	for i, e := range s.entries {
		if e.DocID == docID {
			removed++
			continue
		}
		keptVectors = append(keptVectors, s.vectors[i])
		keptNorms = append(keptNorms, s.norms[i])
		keptEntries = append(keptEntries, e)
	}
	if removed == 0 {
		return 0, nil
	}

	prevVectors, prevNorms, prevEntries, prevDim := s.vectors, s.norms, s.entries, s.dim
	s.vectors = keptVectors
	s.norms = keptNorms
	s.entries = keptEntries
	if len(s.entries) == 0 {
		s.dim = 0
	}

	if err := s.save(); err != nil {
		s.vectors, s.norms, s.entries, s.dim = prevVectors, prevNorms, prevEntries, prevDim
		return 0, err
	}
	return removed, nil
}

// DocIDs returns the distinct document ids present in the store.
func (s *Store) DocIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, e := range s.entries {
		if _, ok := seen[e.DocID]; ok {
			continue
		}
		seen[e.DocID] = struct{}{}
		out = append(out, e.DocID)
	}
	sort.Strings(out)
	return out
}

// ChunksByDoc returns a document's chunks ordered by sequence.
func (s *Store) ChunksByDoc(docID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.DocID == docID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Chunk returns a single stored chunk by id.
func (s *Store) Chunk(chunkID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.ChunkID == chunkID {
			return e, true
		}
	}
	return Entry{}, false
}

// Clear drops everything and persists the empty store.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevVectors, prevNorms, prevEntries, prevDim := s.vectors, s.norms, s.entries, s.dim
	s.dim = 0
	s.vectors = nil
	s.norms = nil
	s.entries = nil
	if err := s.save(); err != nil {
		s.vectors, s.norms, s.entries, s.dim = prevVectors, prevNorms, prevEntries, prevDim
		return err
	}
	return nil
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
