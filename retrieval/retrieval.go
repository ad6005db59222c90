// Package retrieval fuses vector and graph search into one ranked
// candidate list, optionally reranked, and routes queries to a
// retrieval plan chosen by intent.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/junwei-lu/auditrag/graph"
	"github.com/junwei-lu/auditrag/llm"
	"github.com/junwei-lu/auditrag/vector"
)

// Retrieval modes.
const (
	ModeVector = "vector"
	ModeGraph  = "graph"
	ModeHybrid = "hybrid"
)

// Options configures a single search operation. Callers normally fill it
// from a routed plan; zero values fall back to conservative defaults.
type Options struct {
	Mode       string
	TopK       int     // final result count
	RerankTopK int     // fused candidates kept ahead of the reranker
	Alpha      float64 // vector weight in hybrid fusion, graph gets 1-Alpha
	GraphHops  int
	GraphTopK  int
	NodeBudget int
	DocTypes   []string
	UseRerank  bool
}

// Result is one retrieved chunk with its fused score and the per-side
// contributions that produced it.
type Result struct {
	vector.Entry
	Score       float64  `json:"score"`
	VectorScore float64  `json:"vector_score"`
	GraphScore  float64  `json:"graph_score"`
	Seeds       []string `json:"seeds,omitempty"`
}

// Trace records the breakdown of one search operation.
type Trace struct {
	Mode          string  `json:"mode"`
	Alpha         float64 `json:"alpha"`
	VectorHits    int     `json:"vector_hits"`
	GraphHits     int     `json:"graph_hits"`
	FusedHits     int     `json:"fused_hits"`
	RerankApplied bool    `json:"rerank_applied"`
	ElapsedMs     int64   `json:"elapsed_ms"`
}

// Engine runs vector, graph, or hybrid retrieval over the two indices.
type Engine struct {
	vectors  *vector.Store
	graph    *graph.Store
	embedder llm.Provider
	reranker *llm.Reranker // nil disables reranking
}

// New creates a retrieval engine. reranker may be nil when reranking is
// not configured.
func New(vectors *vector.Store, g *graph.Store, embedder llm.Provider, reranker *llm.Reranker) *Engine {
	return &Engine{
		vectors:  vectors,
		graph:    g,
		embedder: embedder,
		reranker: reranker,
	}
}

// Search embeds the query, runs the sides the mode calls for in
// parallel, fuses their scores and optionally reranks the head of the
// fused list. A rerank failure falls back to the fused order and is
// reported through the trace, never as an error. In hybrid mode a
// failing vector side degrades to the surviving graph hits.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, *Trace, error) {
	start := time.Now()

	mode := opts.Mode
	switch mode {
	case ModeVector, ModeGraph, ModeHybrid:
	default:
		mode = ModeHybrid
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}
	limit := opts.RerankTopK
	if limit < topK {
		limit = topK
	}
	alpha := opts.Alpha
	switch mode {
	case ModeVector:
		alpha = 1.0
	case ModeGraph:
		alpha = 0.0
	}

	trace := &Trace{Mode: mode, Alpha: alpha}

	var (
		vecMatches []vector.Match
		graphHits  []graph.ChunkHit
	)
	g, gctx := errgroup.WithContext(ctx)
	if mode != ModeGraph {
		g.Go(func() error {
			m, err := e.vectorSearch(gctx, query, limit, vector.Filter{DocTypes: opts.DocTypes})
			if err != nil {
				return fmt.Errorf("vector search: %w", err)
			}
			vecMatches = m
			return nil
		})
	}
	if mode != ModeVector {
		g.Go(func() error {
			graphHits = e.graph.Search(query, graph.SearchOptions{
				TopK:       opts.GraphTopK,
				Hops:       opts.GraphHops,
				NodeBudget: opts.NodeBudget,
				DocTypes:   opts.DocTypes,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if mode == ModeVector || len(graphHits) == 0 {
			return nil, trace, err
		}
		slog.Warn("retrieval: vector side failed, serving graph hits only", "error", err)
		vecMatches = nil
	}
	trace.VectorHits = len(vecMatches)
	trace.GraphHits = len(graphHits)

	fused := Fuse(vecMatches, graphHits, alpha, limit)
	fused = e.resolveEntries(fused)
	trace.FusedHits = len(fused)

	if opts.UseRerank && e.reranker != nil && len(fused) > 1 {
		fused, trace.RerankApplied = e.rerank(ctx, query, fused, topK)
	}
	if len(fused) > topK {
		fused = fused[:topK]
	}

	trace.ElapsedMs = time.Since(start).Milliseconds()
	slog.Debug("retrieval: search complete",
		"mode", mode,
		"vector_hits", trace.VectorHits,
		"graph_hits", trace.GraphHits,
		"returned", len(fused),
		"rerank_applied", trace.RerankApplied,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return fused, trace, nil
}

// vectorSearch embeds the query and scans the vector store.
func (e *Engine) vectorSearch(ctx context.Context, query string, k int, filter vector.Filter) ([]vector.Match, error) {
	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}
	return e.vectors.Search(embeddings[0], k, filter)
}

// Fuse merges vector matches and graph hits into one ranked list. Each
// side's scores are min-max normalised to [0,1] independently, then a
// chunk's fused score is alpha*vector + (1-alpha)*graph with a missing
// side contributing 0. Duplicates within a side keep the higher
// normalised score. The merged list is sorted descending and truncated
// to limit. Graph-only results carry just the chunk id; the caller
// resolves their metadata against the vector store.
func Fuse(vecMatches []vector.Match, graphHits []graph.ChunkHit, alpha float64, limit int) []Result {
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}

	type fused struct {
		entry    vector.Entry
		vec      float64
		graph    float64
		seeds    []string
		resolved bool
	}
	byChunk := make(map[string]*fused, len(vecMatches)+len(graphHits))
	var order []string

	vecScores := make([]float64, len(vecMatches))
	for i, m := range vecMatches {
		vecScores[i] = m.Score
	}
	for i, norm := range normalizeScores(vecScores) {
		m := vecMatches[i]
		f := byChunk[m.ChunkID]
		if f == nil {
			f = &fused{}
			byChunk[m.ChunkID] = f
			order = append(order, m.ChunkID)
		}
		if norm > f.vec {
			f.vec = norm
		}
		if !f.resolved {
			f.entry = m.Entry
			f.resolved = true
		}
	}

	graphScores := make([]float64, len(graphHits))
	for i, h := range graphHits {
		graphScores[i] = h.Score
	}
	for i, norm := range normalizeScores(graphScores) {
		h := graphHits[i]
		f := byChunk[h.ChunkID]
		if f == nil {
			f = &fused{entry: vector.Entry{ChunkID: h.ChunkID}}
			byChunk[h.ChunkID] = f
			order = append(order, h.ChunkID)
		}
		if norm > f.graph {
			f.graph = norm
		}
		if len(f.seeds) == 0 {
			f.seeds = h.Seeds
		}
	}

	results := make([]Result, 0, len(order))
	for _, id := range order {
		f := byChunk[id]
		results = append(results, Result{
			Entry:       f.entry,
			Score:       alpha*f.vec + (1-alpha)*f.graph,
			VectorScore: f.vec,
			GraphScore:  f.graph,
			Seeds:       f.seeds,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// normalizeScores maps scores to [0,1] by min-max. Single-element and
// constant lists normalise to 1.0 so a lone hit is not zeroed out.
func normalizeScores(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi == lo {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// resolveEntries fills in metadata for graph-only results and drops hits
// whose chunk no longer exists in the vector store (deleted documents).
func (e *Engine) resolveEntries(results []Result) []Result {
	out := results[:0]
	for _, r := range results {
		if r.Text == "" && r.DocID == "" {
			entry, ok := e.vectors.Chunk(r.ChunkID)
			if !ok {
				continue
			}
			r.Entry = entry
		}
		out = append(out, r)
	}
	return out
}

// rerank reorders the head of the fused list by relevance. The vendor
// sees at most the first ten candidates; anything it did not score keeps
// the fused order behind the reranked head.
func (e *Engine) rerank(ctx context.Context, query string, fused []Result, topK int) ([]Result, bool) {
	docs := make([]string, len(fused))
	for i, r := range fused {
		docs[i] = r.Text
	}
	topN := topK
	if topN > len(docs) {
		topN = len(docs)
	}
	ranked, err := e.reranker.Rerank(ctx, query, docs, topN)
	if err != nil || len(ranked) == 0 {
		slog.Warn("retrieval: rerank failed, keeping fused order", "error", err)
		return fused, false
	}

	out := make([]Result, 0, len(fused))
	used := make(map[int]bool, len(ranked))
	for _, rr := range ranked {
		r := fused[rr.Index]
		r.Score = rr.RelevanceScore
		out = append(out, r)
		used[rr.Index] = true
	}
	for i, r := range fused {
		if !used[i] {
			out = append(out, r)
		}
	}
	return out, true
}
