// Package registry tracks every ingested document: identity, version,
// type and chunk bookkeeping. State lives in a single JSON file written
// atomically, small enough at this system's scale to rewrite on every
// change.
package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Actions returned by Decide.
const (
	ActionNew       = "new"
	ActionDuplicate = "duplicate"
	ActionUpdate    = "update"
)

// Document is one registered source document.
type Document struct {
	DocID       string    `json:"doc_id"`
	Title       string    `json:"title"`
	Filename    string    `json:"filename"`
	DocType     string    `json:"doc_type"`
	ContentHash string    `json:"content_hash"`
	Version     int       `json:"version"`
	ChunkCount  int       `json:"chunk_count"`
	ChunkerUsed string    `json:"chunker_used"`
	FileSize    int64     `json:"file_size"`
	PageCount   int       `json:"page_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// Key returns the logical identity used for update detection: the title
// when present, otherwise the filename.
func (d Document) Key() string {
	if d.Title != "" {
		return d.Title
	}
	return d.Filename
}

// Decision describes how an incoming document relates to what is already
// registered.
type Decision struct {
	Action   string
	DocID    string
	Version  int
	Existing *Document // prior version for update, registered copy for duplicate
}

type registryFile struct {
	Documents []Document `json:"documents"`
}

// Registry holds the document table. All methods are safe for concurrent
// use.
type Registry struct {
	mu   sync.RWMutex
	path string
	docs map[string]*Document // keyed by doc_id, tombstones included
}

// Load opens the registry file at path, creating an empty registry when
// the file does not exist yet.
func Load(path string) (*Registry, error) {
	r := &Registry{
		path: path,
		docs: make(map[string]*Document),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", path, err)
	}
	for i := range file.Documents {
		d := file.Documents[i]
		r.docs[d.DocID] = &d
	}
	return r, nil
}

// Decide classifies an incoming document by content hash and logical key.
//
//	same hash, live entry      -> duplicate
//	same hash, deleted entry   -> new (re-ingest under the same id)
//	same key, different hash   -> update, version+1
//	otherwise                  -> new
func (r *Registry) Decide(title, filename, contentHash string) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	docID := DocIDFromHash(contentHash)
	if existing, ok := r.docs[docID]; ok && !existing.Deleted {
		cp := *existing
		return Decision{Action: ActionDuplicate, DocID: docID, Version: existing.Version, Existing: &cp}
	}

	key := title
	if key == "" {
		key = filename
	}
	if prior := r.latestByKey(key); prior != nil {
		cp := *prior
		return Decision{Action: ActionUpdate, DocID: docID, Version: prior.Version + 1, Existing: &cp}
	}
	return Decision{Action: ActionNew, DocID: docID, Version: 1}
}

// latestByKey returns the live document with the highest version for the
// given logical key. Callers hold at least a read lock.
func (r *Registry) latestByKey(key string) *Document {
	if key == "" {
		return nil
	}
	var best *Document
	for _, d := range r.docs {
		if d.Deleted || d.Key() != key {
			continue
		}
		if best == nil || d.Version > best.Version {
			best = d
		}
	}
	return best
}

// Commit inserts or replaces a document entry and persists the registry.
// On persistence failure the in-memory state is rolled back so memory and
// disk never diverge.
func (r *Registry) Commit(doc Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, hadPrev := r.docs[doc.DocID]
	stored := doc
	r.docs[doc.DocID] = &stored

	if err := r.save(); err != nil {
		if hadPrev {
			r.docs[doc.DocID] = prev
		} else {
			delete(r.docs, doc.DocID)
		}
		return fmt.Errorf("persisting registry: %w", err)
	}
	return nil
}

// Delete marks a document as deleted. The tombstone stays in the file so a
// later re-upload of identical content is recognized.
func (r *Registry) Delete(docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[docID]
	if !ok || doc.Deleted {
		return fmt.Errorf("document %s not found", docID)
	}

	doc.Deleted = true
	doc.UpdatedAt = time.Now()
	if err := r.save(); err != nil {
		doc.Deleted = false
		return fmt.Errorf("persisting registry: %w", err)
	}
	return nil
}

// Get returns a live document by id.
func (r *Registry) Get(docID string) (Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[docID]
	if !ok || doc.Deleted {
		return Document{}, false
	}
	return *doc, true
}

// List returns documents most recently updated first. docType filters
// exact, keyword matches a title or filename substring, and tombstones
// are omitted unless includeDeleted is set.
func (r *Registry) List(docType, keyword string, includeDeleted bool) []Document {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keyword = strings.ToLower(keyword)
	out := make([]Document, 0, len(r.docs))
	for _, d := range r.docs {
		if d.Deleted && !includeDeleted {
			continue
		}
		if docType != "" && d.DocType != docType {
			continue
		}
		if keyword != "" &&
			!strings.Contains(strings.ToLower(d.Title), keyword) &&
			!strings.Contains(strings.ToLower(d.Filename), keyword) {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].DocID < out[j].DocID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Stats summarizes the registry contents. Chunk, byte and type counts
// cover live documents only.
type Stats struct {
	TotalDocuments   int            `json:"total_documents"`
	ActiveDocuments  int            `json:"active_documents"`
	DeletedDocuments int            `json:"deleted_documents"`
	TotalChunks      int            `json:"total_chunks"`
	TotalBytes       int64          `json:"total_bytes"`
	TotalMB          float64        `json:"total_mb"`
	ByType           map[string]int `json:"by_type"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{ByType: make(map[string]int)}
	for _, d := range r.docs {
		s.TotalDocuments++
		if d.Deleted {
			s.DeletedDocuments++
			continue
		}
		s.ActiveDocuments++
		s.TotalChunks += d.ChunkCount
		s.TotalBytes += d.FileSize
		s.ByType[d.DocType]++
	}
	s.TotalMB = math.Round(float64(s.TotalBytes)/(1024*1024)*100) / 100
	return s
}

// ClearAll removes every entry, tombstones included, persists the empty
// registry and reports how many entries were dropped.
func (r *Registry) ClearAll() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.docs
	removed := len(prev)
	r.docs = make(map[string]*Document)
	if err := r.save(); err != nil {
		r.docs = prev
		return 0, fmt.Errorf("persisting registry: %w", err)
	}
	return removed, nil
}

// save writes the registry atomically via temp file and rename. Callers
// hold the write lock.
func (r *Registry) save() error {
	docs := make([]Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, *d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocID < docs[j].DocID })

	data, err := json.MarshalIndent(registryFile{Documents: docs}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
