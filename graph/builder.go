package graph

import (
	"sort"
	"strconv"
	"strings"
)

// SourceDocument is the builder's view of one ingested document.
type SourceDocument struct {
	DocID    string
	Title    string
	Filename string
	DocType  string
	Chunks   []ChunkMeta
}

// ChunkMeta carries one chunk plus the metadata stored on its node.
type ChunkMeta struct {
	ChunkID  string
	Seq      int
	Page     int
	Boundary string
	Text     string
}

// Builder turns documents into graph nodes and edges using the
// rule-based extractors.
type Builder struct {
	store *Store
}

func NewBuilder(s *Store) *Builder {
	return &Builder{store: s}
}

// AddDocument writes one document into the graph: a document node, a
// chunk node per chunk, and the entities and relations extracted from
// each chunk's text.
func (b *Builder) AddDocument(doc SourceDocument) {
	if doc.DocID == "" {
		return
	}
	name := doc.Title
	if name == "" {
		name = doc.Filename
	}
	if name == "" {
		name = doc.DocID
	}
	docNode := DocNodeID(doc.DocID)
	b.store.AddNode(docNode, TypeDocument, name, map[string]string{
		"doc_id":   doc.DocID,
		"doc_type": doc.DocType,
		"filename": doc.Filename,
	})

	ex := extractorFor(doc.DocType)
	for i := range doc.Chunks {
		b.addChunk(&doc, docNode, ex, &doc.Chunks[i])
	}
}

func (b *Builder) addChunk(doc *SourceDocument, docNode string, ex extractor, chunk *ChunkMeta) {
	text := strings.TrimSpace(chunk.Text)
	if text == "" || chunk.ChunkID == "" {
		return
	}

	chunkNode := ChunkNodeID(chunk.ChunkID)
	b.store.AddNode(chunkNode, TypeChunk, chunk.ChunkID, map[string]string{
		"chunk_id": chunk.ChunkID,
		"doc_id":   doc.DocID,
		"doc_type": doc.DocType,
		"filename": doc.Filename,
		"title":    doc.Title,
		"boundary": chunk.Boundary,
		"page":     strconv.Itoa(chunk.Page),
	})
	b.store.AddBidirectional(docNode, chunkNode, RelContains, RelPartOf,
		RelationWeights[RelContains],
		Evidence{DocID: doc.DocID, ChunkID: chunk.ChunkID, Extractor: "graph_builder", Confidence: 1.0})

	dc := docContext{
		Text:    text,
		Merged:  doc.Title + "\n" + doc.Filename + "\n" + text,
		DocType: doc.DocType,
	}
	mentionEv := Evidence{DocID: doc.DocID, ChunkID: chunk.ChunkID, Extractor: "entity_mention", Confidence: 0.7}

	// Every entity node this chunk touches also gets a mentions edge
	// from the chunk; that edge is what carries the entity's evidence
	// for this document, and what RemoveDoc later walks.
	known := make(map[entityKey]string)
	ensure := func(entityType, raw string) (string, bool) {
		value := normalizeEntity(entityType, raw)
		if value == "" {
			return "", false
		}
		key := entityKey{entityType, value}
		if id, ok := known[key]; ok {
			return id, true
		}
		id := EntityNodeID(entityType, value)
		b.store.AddNode(id, entityType, value, nil, mentionEv)
		b.store.AddBidirectional(chunkNode, id, RelMentions, RelMentionedBy,
			RelationWeights[RelMentions], mentionEv)
		known[key] = id
		return id, true
	}

	for _, ref := range ex.entities(dc) {
		ensure(ref.Type, ref.Value)
	}
	for _, rec := range ex.relations(dc) {
		src, ok := ensure(rec.SourceType, rec.SourceValue)
		if !ok {
			continue
		}
		dst, ok := ensure(rec.TargetType, rec.TargetValue)
		if !ok {
			continue
		}
		ev := Evidence{DocID: doc.DocID, ChunkID: chunk.ChunkID, Extractor: "relation_extractor", Confidence: rec.Confidence}
		if rec.Bidirectional {
			b.store.AddBidirectional(src, dst, rec.Relation, rec.Reverse, rec.Weight, ev)
		} else {
			b.store.AddEdge(src, dst, rec.Relation, rec.Weight, ev)
		}
	}
}

// Rebuild resets the graph and re-adds every document. Documents are
// processed in doc id order and chunks in sequence order, so feeding
// the same corpus twice produces identical on-disk bytes. Saving is
// left to the caller.
func (b *Builder) Rebuild(docs []SourceDocument) {
	b.store.Reset()

	sorted := append([]SourceDocument(nil), docs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DocID < sorted[j].DocID })
	for _, doc := range sorted {
		doc.Chunks = append([]ChunkMeta(nil), doc.Chunks...)
		sort.Slice(doc.Chunks, func(i, j int) bool { return doc.Chunks[i].Seq < doc.Chunks[j].Seq })
		b.AddDocument(doc)
	}
}
