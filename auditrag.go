// Package auditrag answers questions about audit and compliance
// documents. Uploaded regulations, audit reports and issue ledgers are
// parsed, chunked along their document structure, embedded into a
// vector index and distilled into a knowledge graph; questions are
// routed by intent, answered from hybrid retrieval over both indices
// and returned with citations back to the source chunks.
package auditrag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/junwei-lu/auditrag/answer"
	"github.com/junwei-lu/auditrag/graph"
	"github.com/junwei-lu/auditrag/llm"
	"github.com/junwei-lu/auditrag/parser"
	"github.com/junwei-lu/auditrag/qlog"
	"github.com/junwei-lu/auditrag/registry"
	"github.com/junwei-lu/auditrag/retrieval"
	"github.com/junwei-lu/auditrag/session"
	"github.com/junwei-lu/auditrag/vector"
)

// Engine wires the stores and providers into one pipeline. All methods
// are safe for concurrent use: reads and ingestion share the engine,
// destructive operations (delete, clear, rebuild) run exclusively.
type Engine struct {
	cfg Config

	registry *registry.Registry
	vectors  *vector.Store
	graph    *graph.Store
	builder  *graph.Builder
	parsers  *parser.Registry

	chatLLM  llm.Provider
	embedLLM llm.Provider
	reranker *llm.Reranker

	router    *retrieval.Router
	retriever *retrieval.Engine
	generator *answer.Generator
	sessions  *session.Store
	queries   *qlog.Store

	// mu keeps multi-store operations coherent: destructive paths hold
	// the write lock, everything else reads. The stores handle their
	// own fine-grained locking underneath.
	mu sync.RWMutex

	// inflight holds content hashes being committed right now, so
	// identical files inside one ingest batch collapse to a single
	// registration instead of racing.
	inflightMu sync.Mutex
	inflight   map[string]bool
}

// New builds an engine from configuration: providers from the config
// blocks, stores from cfg.DataDir.
func New(cfg Config) (*Engine, error) {
	chatLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	var reranker *llm.Reranker
	if cfg.Rerank.Enabled {
		reranker = llm.NewReranker(llm.Config{
			Model:   cfg.Rerank.Model,
			BaseURL: cfg.Rerank.BaseURL,
			APIKey:  cfg.Rerank.APIKey,
		})
	}

	return newEngine(cfg, chatLLM, embedLLM, reranker)
}

// newEngine opens the stores and wires the pipeline around the given
// providers. Tests inject fakes here.
func newEngine(cfg Config, chatLLM, embedLLM llm.Provider, reranker *llm.Reranker) (*Engine, error) {
	cfg.normalize()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	reg, err := registry.Load(filepath.Join(cfg.DataDir, "registry.json"))
	if err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	vectors, err := vector.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	g, err := graph.Open(filepath.Join(cfg.DataDir, "graph.bin"))
	if err != nil {
		return nil, fmt.Errorf("opening graph store: %w", err)
	}
	queries, err := qlog.Open(filepath.Join(cfg.DataDir, "queries.db"))
	if err != nil {
		return nil, fmt.Errorf("opening query log: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		registry: reg,
		vectors:  vectors,
		graph:    g,
		builder:  graph.NewBuilder(g),
		parsers:  parser.NewRegistry(),
		chatLLM:  chatLLM,
		embedLLM: embedLLM,
		reranker: reranker,
		router: retrieval.NewRouter(chatLLM, cfg.Chat.Model, retrieval.RouterConfig{
			DefaultTopK:   cfg.TopK,
			RerankTopK:    cfg.RerankTopK,
			RerankEnabled: cfg.Rerank.Enabled,
		}),
		retriever: retrieval.New(vectors, g, embedLLM, reranker),
		generator: answer.NewGenerator(chatLLM, cfg.Chat.Model, 0),
		sessions:  session.NewStore(cfg.SessionMaxMessages, time.Duration(cfg.SessionTTLMinutes)*time.Minute),
		queries:   queries,
		inflight:  make(map[string]bool),
	}

	if err := e.reconcile(); err != nil {
		queries.Close()
		return nil, err
	}

	slog.Info("engine ready",
		"data_dir", cfg.DataDir,
		"documents", len(reg.List("", "", false)),
		"vectors", vectors.Count(),
		"graph_nodes", g.GetStats().Nodes,
		"rerank", cfg.Rerank.Enabled)
	return e, nil
}

// reconcile repairs cross-store drift after a crash. The registry is
// authoritative: vector entries and graph nodes for documents it does
// not list as live are dropped, and a lost graph beside a populated
// vector store is rebuilt from the surviving chunks.
func (e *Engine) reconcile() error {
	live := make(map[string]bool)
	for _, d := range e.registry.List("", "", false) {
		live[d.DocID] = true
	}

	for _, docID := range e.vectors.DocIDs() {
		if live[docID] {
			continue
		}
		n, err := e.vectors.DeleteByDoc(docID)
		if err != nil {
			return fmt.Errorf("dropping orphaned vectors for %s: %w", docID, err)
		}
		slog.Warn("reconcile: dropped orphaned vectors", "doc_id", docID, "chunks", n)
	}
	for _, docID := range e.graph.DocIDs() {
		if live[docID] {
			continue
		}
		nodes, edges := e.graph.RemoveDoc(docID)
		slog.Warn("reconcile: dropped orphaned graph nodes",
			"doc_id", docID, "nodes", nodes, "edges", edges)
	}

	if e.vectors.Count() > 0 && e.graph.GetStats().Nodes == 0 {
		slog.Info("reconcile: graph empty, rebuilding from indexed chunks")
		if _, err := e.rebuildGraphLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Close persists the graph and releases the query log. The registry
// and vector store write through on every mutation and need no final
// save.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if err := e.graph.Save(); err != nil {
		firstErr = fmt.Errorf("saving graph: %w", err)
	}
	if err := e.queries.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing query log: %w", err)
	}
	return firstErr
}

// Graph exposes the underlying graph store for the browsing endpoints.
func (e *Engine) Graph() *graph.Store { return e.graph }

// SystemInfo reports the running state of the stores and providers.
type SystemInfo struct {
	Status         string         `json:"status"`
	VectorCount    int            `json:"vector_count"`
	Dimension      int            `json:"dimension"`
	ChunkerType    string         `json:"chunker_type"`
	EmbeddingModel string         `json:"embedding_model"`
	RerankEnabled  bool           `json:"rerank_enabled"`
	GraphStats     graph.Stats    `json:"graph_stats"`
	DocumentStats  registry.Stats `json:"document_stats"`
}

// Info snapshots the system state.
func (e *Engine) Info(ctx context.Context) SystemInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return SystemInfo{
		Status:         "running",
		VectorCount:    e.vectors.Count(),
		Dimension:      e.vectors.Dim(),
		ChunkerType:    e.cfg.ChunkerType,
		EmbeddingModel: e.cfg.Embedding.Model,
		RerankEnabled:  e.cfg.Rerank.Enabled,
		GraphStats:     e.graph.GetStats(),
		DocumentStats:  e.registry.Stats(),
	}
}

// Documents lists registered documents, newest first. docType and
// keyword filter; tombstones are included only when includeDeleted is
// set.
func (e *Engine) Documents(docType, keyword string, includeDeleted bool) []registry.Document {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.List(docType, keyword, includeDeleted)
}

// DocumentStats summarizes the registry.
func (e *Engine) DocumentStats() registry.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.Stats()
}

// Document returns one registered document by id.
func (e *Engine) Document(docID string) (registry.Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, ok := e.registry.Get(docID)
	if !ok {
		return registry.Document{}, NewError(ErrNotFound, fmt.Sprintf("document %s not found", docID))
	}
	return doc, nil
}

// ChunkInfo is one indexed chunk of a document.
type ChunkInfo struct {
	ChunkID  string `json:"chunk_id"`
	Seq      int    `json:"seq"`
	Page     int    `json:"page_no"`
	Boundary string `json:"boundary_kind"`
	Chars    int    `json:"chars"`
	Text     string `json:"text,omitempty"`
}

// DocumentChunks returns the indexed chunks of one document in sequence
// order. Text is included only when includeText is set; the listing
// stays cheap for large documents otherwise.
func (e *Engine) DocumentChunks(docID string, includeText bool) ([]ChunkInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.registry.Get(docID); !ok {
		return nil, NewError(ErrNotFound, fmt.Sprintf("document %s not found", docID))
	}
	entries := e.vectors.ChunksByDoc(docID)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	chunks := make([]ChunkInfo, 0, len(entries))
	for _, en := range entries {
		ci := ChunkInfo{
			ChunkID:  en.ChunkID,
			Seq:      en.Seq,
			Page:     en.Page,
			Boundary: en.Boundary,
			Chars:    len([]rune(en.Text)),
		}
		if includeText {
			ci.Text = en.Text
		}
		chunks = append(chunks, ci)
	}
	return chunks, nil
}

// DeleteResult reports what a delete removed.
type DeleteResult struct {
	DocID         string `json:"doc_id"`
	ChunksRemoved int    `json:"chunks_removed"`
	NodesRemoved  int    `json:"nodes_removed"`
	EdgesRemoved  int    `json:"edges_removed"`
}

// DeleteDocument tombstones a document and removes its chunks from both
// indices. The document never surfaces in search again; its registry
// entry stays behind so re-uploads of the same content register as new.
func (e *Engine) DeleteDocument(ctx context.Context, docID string) (DeleteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, ok := e.registry.Get(docID)
	if !ok || doc.Deleted {
		return DeleteResult{}, NewError(ErrNotFound, fmt.Sprintf("document %s not found", docID))
	}
	if err := e.registry.Delete(docID); err != nil {
		return DeleteResult{}, WrapError(ErrRegistry, "deleting document", err)
	}
	chunks, err := e.vectors.DeleteByDoc(docID)
	if err != nil {
		return DeleteResult{}, WrapError(ErrVectorStore, "removing document vectors", err)
	}
	nodes, edges := e.graph.RemoveDoc(docID)
	if err := e.graph.Save(); err != nil {
		return DeleteResult{}, WrapError(ErrGraphStore, "saving graph after delete", err)
	}

	slog.Info("document deleted",
		"doc_id", docID,
		"chunks", chunks,
		"graph_nodes", nodes,
		"graph_edges", edges)
	return DeleteResult{
		DocID:         docID,
		ChunksRemoved: chunks,
		NodesRemoved:  nodes,
		EdgesRemoved:  edges,
	}, nil
}

// ClearResult reports a full wipe.
type ClearResult struct {
	DocumentsRemoved int `json:"documents_removed"`
}

// ClearAll wipes the registry, the vector index and the graph,
// tombstones included. Sessions and the query log survive.
func (e *Engine) ClearAll(ctx context.Context) (ClearResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed, err := e.registry.ClearAll()
	if err != nil {
		return ClearResult{}, WrapError(ErrRegistry, "clearing registry", err)
	}
	if err := e.vectors.Clear(); err != nil {
		return ClearResult{}, WrapError(ErrVectorStore, "clearing vector store", err)
	}
	e.graph.Reset()
	if err := e.graph.Save(); err != nil {
		return ClearResult{}, WrapError(ErrGraphStore, "saving cleared graph", err)
	}

	slog.Info("all stores cleared", "documents", removed)
	return ClearResult{DocumentsRemoved: removed}, nil
}

// RebuildGraph re-derives the whole knowledge graph from the registry
// and the indexed chunks. Searches wait until the rebuild finishes.
func (e *Engine) RebuildGraph(ctx context.Context) (graph.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	stats, err := e.rebuildGraphLocked()
	if err != nil {
		return graph.Stats{}, err
	}
	slog.Info("graph rebuilt",
		"nodes", stats.Nodes,
		"edges", stats.Edges,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

// rebuildGraphLocked assumes the caller holds the write lock or runs
// before the engine is shared.
func (e *Engine) rebuildGraphLocked() (graph.Stats, error) {
	e.builder.Rebuild(e.sourceDocuments())
	if err := e.graph.Save(); err != nil {
		return graph.Stats{}, WrapError(ErrGraphStore, "saving rebuilt graph", err)
	}
	return e.graph.GetStats(), nil
}

// sourceDocuments assembles the graph builder's input from the live
// registry entries and their indexed chunks.
func (e *Engine) sourceDocuments() []graph.SourceDocument {
	var docs []graph.SourceDocument
	for _, d := range e.registry.List("", "", false) {
		entries := e.vectors.ChunksByDoc(d.DocID)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
		chunks := make([]graph.ChunkMeta, 0, len(entries))
		for _, en := range entries {
			chunks = append(chunks, graph.ChunkMeta{
				ChunkID:  en.ChunkID,
				Seq:      en.Seq,
				Page:     en.Page,
				Boundary: en.Boundary,
				Text:     en.Text,
			})
		}
		docs = append(docs, graph.SourceDocument{
			DocID:    d.DocID,
			Title:    d.Title,
			Filename: d.Filename,
			DocType:  d.DocType,
			Chunks:   chunks,
		})
	}
	return docs
}

// RecentQueries returns the latest query log entries, newest first.
func (e *Engine) RecentQueries(ctx context.Context, limit int) ([]qlog.Entry, error) {
	entries, err := e.queries.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("reading query log: %w", err)
	}
	return entries, nil
}
