package auditrag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/junwei-lu/auditrag/chunker"
	"github.com/junwei-lu/auditrag/graph"
	"github.com/junwei-lu/auditrag/llm"
	"github.com/junwei-lu/auditrag/parser"
	"github.com/junwei-lu/auditrag/registry"
	"github.com/junwei-lu/auditrag/vector"
)

// DefaultDocType is assumed when an upload names none.
const DefaultDocType = "internal_regulation"

// Ingest outcome statuses.
const (
	StatusNew     = "new"
	StatusSkipped = "skipped"
	StatusUpdated = "updated"
	StatusFailed  = "failed"
)

// IngestUnit is one file submitted for ingestion.
type IngestUnit struct {
	Path     string // file on disk
	Filename string // original name; empty falls back to the base of Path
	Title    string
	DocType  string
}

// IngestOptions control one batch.
type IngestOptions struct {
	ChunkerType string // empty uses the configured strategy
	SaveAfter   bool   // persist the graph once the batch finishes
}

// IngestOutcome reports one unit's fate. A failed unit carries its
// error and never affects its siblings.
type IngestOutcome struct {
	Filename string `json:"filename"`
	DocID    string `json:"doc_id,omitempty"`
	Status   string `json:"status"`
	Chunks   int    `json:"chunks,omitempty"`
	Chunker  string `json:"chunker_used,omitempty"`
	Error    string `json:"error,omitempty"`
}

// IngestFiles runs the pipeline over the units with a bounded worker
// pool. Outcomes are reported in submission order.
func (e *Engine) IngestFiles(ctx context.Context, units []IngestUnit, opts IngestOptions) ([]IngestOutcome, error) {
	if len(units) == 0 {
		return nil, NewError(ErrBadRequest, "no files to ingest")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	start := time.Now()
	outcomes := make([]IngestOutcome, len(units))
	var g errgroup.Group
	g.SetLimit(e.cfg.IngestConcurrency)
	for i := range units {
		i := i
		g.Go(func() error {
			outcomes[i] = e.ingestOne(ctx, units[i], opts)
			return nil
		})
	}
	// Unit failures live in the outcomes, never in the group error.
	_ = g.Wait()

	if opts.SaveAfter {
		if err := e.graph.Save(); err != nil {
			return outcomes, WrapError(ErrGraphStore, "saving graph after ingest", err)
		}
	}

	counts := map[string]int{}
	chunks := 0
	for _, o := range outcomes {
		counts[o.Status]++
		chunks += o.Chunks
	}
	slog.Info("ingest batch finished",
		"files", len(units),
		"new", counts[StatusNew],
		"skipped", counts[StatusSkipped],
		"updated", counts[StatusUpdated],
		"failed", counts[StatusFailed],
		"chunks", chunks,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return outcomes, nil
}

// ingestOne runs parse, chunk, decide, embed and commit for one file.
func (e *Engine) ingestOne(ctx context.Context, unit IngestUnit, opts IngestOptions) IngestOutcome {
	filename := unit.Filename
	if filename == "" {
		filename = filepath.Base(unit.Path)
	}
	out := IngestOutcome{Filename: filename}
	fail := func(err error) IngestOutcome {
		out.Status = StatusFailed
		out.Error = err.Error()
		slog.Warn("ingest: unit failed", "filename", filename, "error", err)
		return out
	}

	start := time.Now()

	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	p, err := e.parsers.Get(format)
	if err != nil {
		return fail(WrapError(ErrParse, fmt.Sprintf("unsupported format %q", format), err))
	}
	blocks, err := p.Parse(ctx, unit.Path)
	if err != nil {
		return fail(classifyStageErr(err, ErrParse, "parsing "+filename))
	}
	if len(blocks) == 0 {
		return fail(NewError(ErrParse, "no text extracted from "+filename))
	}

	hash := registry.HashText(parser.JoinBlocks(blocks))

	// Identical files inside one batch collapse to the first one seen.
	if !e.claimHash(hash) {
		out.Status = StatusSkipped
		out.DocID = registry.DocIDFromHash(hash)
		return out
	}
	defer e.releaseHash(hash)

	decision := e.registry.Decide(unit.Title, filename, hash)
	if decision.Action == registry.ActionDuplicate {
		out.Status = StatusSkipped
		out.DocID = decision.DocID
		slog.Info("ingest: duplicate skipped", "filename", filename, "doc_id", decision.DocID)
		return out
	}

	docType := unit.DocType
	if docType == "" {
		docType = DefaultDocType
	}
	chunks, usedChunker, err := e.chunksFor(blocks, filename, unit.Title, docType, opts.ChunkerType, 0)
	if err != nil {
		return fail(err)
	}
	if len(chunks) == 0 {
		return fail(NewError(ErrChunk, "no chunks produced for "+filename))
	}

	if err := ctx.Err(); err != nil {
		return fail(classifyStageErr(err, ErrCancelled, "ingesting "+filename))
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := llm.EmbedBatches(ctx, e.embedLLM, texts, e.cfg.EmbedBatchSize)
	if err != nil {
		return fail(classifyStageErr(err, ErrEmbedding, "embedding "+filename))
	}

	entries := make([]vector.Entry, len(chunks))
	meta := make([]graph.ChunkMeta, len(chunks))
	for i, c := range chunks {
		entries[i] = vector.Entry{
			ChunkID:  fmt.Sprintf("%s:%d", decision.DocID, c.Seq),
			DocID:    decision.DocID,
			DocType:  docType,
			Title:    unit.Title,
			Filename: filename,
			Page:     c.Page,
			Seq:      c.Seq,
			Boundary: c.Boundary,
			Text:     c.Text,
		}
		meta[i] = graph.ChunkMeta{
			ChunkID:  entries[i].ChunkID,
			Seq:      c.Seq,
			Page:     c.Page,
			Boundary: c.Boundary,
			Text:     c.Text,
		}
	}

	if err := e.vectors.Add(vecs, entries); err != nil {
		return fail(WrapError(ErrVectorStore, "indexing "+filename, err))
	}
	e.builder.AddDocument(graph.SourceDocument{
		DocID:    decision.DocID,
		Title:    unit.Title,
		Filename: filename,
		DocType:  docType,
		Chunks:   meta,
	})

	now := time.Now().UTC()
	doc := registry.Document{
		DocID:       decision.DocID,
		Title:       unit.Title,
		Filename:    filename,
		DocType:     docType,
		ContentHash: hash,
		Version:     decision.Version,
		ChunkCount:  len(chunks),
		ChunkerUsed: usedChunker,
		FileSize:    fileSize(unit.Path),
		PageCount:   maxPage(blocks),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if decision.Action == registry.ActionUpdate && decision.Existing != nil {
		doc.CreatedAt = decision.Existing.CreatedAt
	}
	if err := e.registry.Commit(doc); err != nil {
		// Undo the index writes so the stores stay aligned with the
		// registry, which is authoritative.
		if _, derr := e.vectors.DeleteByDoc(decision.DocID); derr != nil {
			slog.Warn("ingest: undoing vector write failed", "doc_id", decision.DocID, "error", derr)
		}
		e.graph.RemoveDoc(decision.DocID)
		return fail(WrapError(ErrRegistry, "registering "+filename, err))
	}

	// The new version is committed; retire the old one. Leftovers here
	// are cleaned by reconcile on the next start.
	if decision.Action == registry.ActionUpdate && decision.Existing != nil {
		old := decision.Existing.DocID
		if _, err := e.vectors.DeleteByDoc(old); err != nil {
			slog.Warn("ingest: removing superseded vectors failed", "doc_id", old, "error", err)
		}
		e.graph.RemoveDoc(old)
		if err := e.registry.Delete(old); err != nil {
			slog.Warn("ingest: tombstoning superseded version failed", "doc_id", old, "error", err)
		}
		out.Status = StatusUpdated
	} else {
		out.Status = StatusNew
	}

	out.DocID = decision.DocID
	out.Chunks = len(chunks)
	out.Chunker = usedChunker
	slog.Info("ingest: document indexed",
		"filename", filename,
		"doc_id", decision.DocID,
		"status", out.Status,
		"version", decision.Version,
		"chunks", len(chunks),
		"chunker", usedChunker,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return out
}

// chunksFor resolves the chunking strategy and splits the blocks,
// reporting which concrete chunker ran.
func (e *Engine) chunksFor(blocks []parser.Block, filename, title, docType, chunkerName string, chunkSize int) ([]chunker.Chunk, string, error) {
	if chunkerName == "" {
		chunkerName = e.cfg.ChunkerType
	}
	if chunkSize <= 0 {
		chunkSize = e.cfg.ChunkSize
	}
	ck, err := chunker.New(chunkerName, chunker.Config{ChunkSize: chunkSize})
	if err != nil {
		return nil, "", WrapError(ErrBadRequest, "invalid chunker type", err)
	}

	doc := chunker.Document{Blocks: blocks, Filename: filename, Title: title, DocType: docType}
	used := ck.Name()
	if smart, ok := ck.(*chunker.SmartChunker); ok {
		ck, used = smart.Resolve(doc)
	}
	return ck.Chunk(doc), used, nil
}

// ChunkPreview chunks raw text without touching the stores, so chunking
// strategies can be inspected before an upload.
func (e *Engine) ChunkPreview(text, chunkerName, docType string, chunkSize int) ([]chunker.Chunk, string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, "", NewError(ErrBadRequest, "text must not be empty")
	}
	blocks := parser.BlocksFromText(text)
	return e.chunksFor(blocks, "preview.txt", "", docType, chunkerName, chunkSize)
}

// ChunkPreviewFile parses a file and chunks it without committing
// anything.
func (e *Engine) ChunkPreviewFile(ctx context.Context, path, filename, chunkerName, docType string, chunkSize int) ([]chunker.Chunk, string, error) {
	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	p, err := e.parsers.Get(format)
	if err != nil {
		return nil, "", WrapError(ErrParse, fmt.Sprintf("unsupported format %q", format), err)
	}
	blocks, err := p.Parse(ctx, path)
	if err != nil {
		return nil, "", classifyStageErr(err, ErrParse, "parsing "+filename)
	}
	return e.chunksFor(blocks, filename, "", docType, chunkerName, chunkSize)
}

func (e *Engine) claimHash(hash string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if e.inflight[hash] {
		return false
	}
	e.inflight[hash] = true
	return true
}

func (e *Engine) releaseHash(hash string) {
	e.inflightMu.Lock()
	delete(e.inflight, hash)
	e.inflightMu.Unlock()
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func maxPage(blocks []parser.Block) int {
	page := 0
	for _, b := range blocks {
		if b.Page > page {
			page = b.Page
		}
	}
	return page
}
