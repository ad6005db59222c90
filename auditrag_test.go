package auditrag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/junwei-lu/auditrag/graph"
	"github.com/junwei-lu/auditrag/llm"
)

// fakeProvider scripts chat, streaming and embedding so pipeline tests
// run without a model server. Requests carrying a JSON response format
// are routing calls and get the scripted intent; everything else gets
// the scripted reply.
type fakeProvider struct {
	mu          sync.Mutex
	intentJSON  string
	reply       string
	streamParts []string
	embed       func(string) []float32
	chatErr     error
	embedErr    error

	chatCalls   int
	streamCalls int
	embedCalls  int
	lastChatReq llm.ChatRequest
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		intentJSON:  `{"intent":"regulation_query","reason":"测试路由","suggested_top_k":5}`,
		reply:       "根据制度要求，不得超范围支出[S1]。",
		streamParts: []string{"根据制度要求，不得超范围支出", "[S1]", "。"},
		embed:       fakeVector,
	}
}

// fakeVector embeds text as keyword counts so cosine ranking in tests is
// hand-checkable.
func fakeVector(text string) []float32 {
	return []float32{
		1,
		float32(strings.Count(text, "预算")),
		float32(strings.Count(text, "超范围")),
		float32(strings.Count(text, "采购")),
	}
}

func (f *fakeProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	if req.ResponseFormat == "json_object" {
		return &llm.ChatResponse{Content: f.intentJSON, Model: req.Model}, nil
	}
	f.lastChatReq = req
	return &llm.ChatResponse{
		Content:          f.reply,
		Model:            req.Model,
		FinishReason:     "stop",
		PromptTokens:     20,
		CompletionTokens: 12,
		TotalTokens:      32,
	}, nil
}

func (f *fakeProvider) ChatStream(_ context.Context, req llm.ChatRequest, fn func(llm.StreamChunk) error) error {
	f.mu.Lock()
	f.streamCalls++
	f.lastChatReq = req
	parts := f.streamParts
	err := f.chatErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for _, p := range parts {
		if err := fn(llm.StreamChunk{Content: p}); err != nil {
			return err
		}
	}
	return fn(llm.StreamChunk{Done: true, FinishReason: "stop"})
}

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = f.embed(text)
	}
	return out, nil
}

// Two-article regulation whose chunks embed to distinct fake vectors.
const regulationText = "第一章 总则\n\n第一条 为规范公司预算管理，制定本办法。\n\n第二条 各部门应当按照批复的预算执行，不得超范围支出。\n"

const procurementText = "第一章 附则\n\n第四条 本办法自发布之日起施行。\n\n第五条 采购事项由采购部门负责解释。\n"

func openEngine(t *testing.T, dir string, chat, embed *fakeProvider) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = dir
	e, err := newEngine(cfg, chat, embed, nil)
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	return e
}

func newTestEngine(t *testing.T) (*Engine, *fakeProvider, *fakeProvider) {
	t.Helper()
	chat := newFakeProvider()
	embed := newFakeProvider()
	e := openEngine(t, t.TempDir(), chat, embed)
	t.Cleanup(func() { e.Close() })
	return e, chat, embed
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func ingestOne(t *testing.T, e *Engine, path, title, docType string) IngestOutcome {
	t.Helper()
	outcomes, err := e.IngestFiles(context.Background(),
		[]IngestUnit{{Path: path, Title: title, DocType: docType}}, IngestOptions{})
	if err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	return outcomes[0]
}

func TestDocumentChunksListing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	path := writeFile(t, t.TempDir(), "budget.txt", regulationText)
	out := ingestOne(t, e, path, "预算管理办法", "internal_regulation")

	chunks, err := e.DocumentChunks(out.DocID, true)
	if err != nil {
		t.Fatalf("DocumentChunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != i {
			t.Errorf("chunk %d seq = %d", i, c.Seq)
		}
		if c.ChunkID != fmt.Sprintf("%s:%d", out.DocID, i) {
			t.Errorf("chunk %d id = %q", i, c.ChunkID)
		}
		if c.Boundary != "article" {
			t.Errorf("chunk %d boundary = %q, want article", i, c.Boundary)
		}
		if c.Page != 1 {
			t.Errorf("chunk %d page = %d, want 1", i, c.Page)
		}
		if !strings.HasPrefix(c.Text, "第一章 总则\n") {
			t.Errorf("chunk %d lost its chapter prefix: %q", i, c.Text)
		}
		if c.Chars == 0 {
			t.Errorf("chunk %d chars = 0", i)
		}
	}
	if !strings.Contains(chunks[0].Text, "第一条") || !strings.Contains(chunks[1].Text, "第二条") {
		t.Errorf("articles out of order: %q / %q", chunks[0].Text, chunks[1].Text)
	}

	// Without includeText the listing stays light.
	bare, err := e.DocumentChunks(out.DocID, false)
	if err != nil {
		t.Fatalf("DocumentChunks: %v", err)
	}
	if bare[0].Text != "" {
		t.Errorf("text included without includeText: %q", bare[0].Text)
	}

	if _, err := e.DocumentChunks("missing", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown doc error = %v, want not found", err)
	}
}

func TestInfoReflectsIngestedState(t *testing.T) {
	e, _, _ := newTestEngine(t)
	path := writeFile(t, t.TempDir(), "budget.txt", regulationText)
	out := ingestOne(t, e, path, "预算管理办法", "internal_regulation")

	info := e.Info(context.Background())
	if info.Status != "running" {
		t.Errorf("status = %q", info.Status)
	}
	if info.VectorCount != 2 {
		t.Errorf("vector count = %d, want 2", info.VectorCount)
	}
	if info.Dimension != 4 {
		t.Errorf("dimension = %d, want 4", info.Dimension)
	}
	if info.ChunkerType != "smart" {
		t.Errorf("chunker type = %q", info.ChunkerType)
	}
	if info.RerankEnabled {
		t.Error("rerank reported enabled without a reranker")
	}
	if info.GraphStats.Nodes == 0 || info.GraphStats.Edges == 0 {
		t.Errorf("graph stats empty after ingest: %+v", info.GraphStats)
	}
	if info.DocumentStats.ActiveDocuments != 1 || info.DocumentStats.TotalChunks != 2 {
		t.Errorf("document stats = %+v", info.DocumentStats)
	}

	// The graph picked up the document and its clause entities.
	if _, ok := e.Graph().GetNode(graph.DocNodeID(out.DocID)); !ok {
		t.Error("document node missing from graph")
	}
	if _, ok := e.Graph().GetNode(graph.EntityNodeID(graph.TypeClause, "第一条")); !ok {
		t.Error("clause node missing from graph")
	}
}

func TestDeleteDocumentPurgesIndices(t *testing.T) {
	e, _, _ := newTestEngine(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "budget.txt", regulationText)
	out := ingestOne(t, e, path, "预算管理办法", "internal_regulation")
	ctx := context.Background()

	res, err := e.DeleteDocument(ctx, out.DocID)
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if res.DocID != out.DocID || res.ChunksRemoved != 2 {
		t.Errorf("delete result = %+v, want 2 chunks for %s", res, out.DocID)
	}
	if res.NodesRemoved == 0 || res.EdgesRemoved == 0 {
		t.Errorf("graph untouched by delete: %+v", res)
	}

	if _, err := e.Document(out.DocID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Document after delete = %v, want not found", err)
	}
	info := e.Info(ctx)
	if info.VectorCount != 0 || info.GraphStats.Nodes != 0 {
		t.Errorf("indices not purged: vectors %d, graph %+v", info.VectorCount, info.GraphStats)
	}
	if stats, err := e.RebuildGraph(ctx); err != nil || stats.Nodes != 0 {
		t.Errorf("rebuild after delete = %+v (%v), want empty graph", stats, err)
	}

	// Deleted content never surfaces in search.
	outcome, err := e.SearchWithIntent(ctx, "不得超范围支出的规定", AskOptions{})
	if err != nil {
		t.Fatalf("SearchWithIntent: %v", err)
	}
	if len(outcome.Results) != 0 {
		t.Errorf("search after delete = %+v, want no hits", outcome.Results)
	}

	if _, err := e.DeleteDocument(ctx, out.DocID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want not found", err)
	}

	// The tombstone keeps the hash-derived id stable, so the same file
	// re-registers as new under the old id.
	again := ingestOne(t, e, path, "预算管理办法", "internal_regulation")
	if again.Status != StatusNew || again.DocID != out.DocID {
		t.Errorf("re-upload = %s/%s, want new under %s", again.Status, again.DocID, out.DocID)
	}
}

func TestClearAllWipesEverything(t *testing.T) {
	e, _, _ := newTestEngine(t)
	dir := t.TempDir()
	ctx := context.Background()
	first := ingestOne(t, e, writeFile(t, dir, "budget.txt", regulationText), "预算管理办法", "internal_regulation")
	ingestOne(t, e, writeFile(t, dir, "procure.txt", procurementText), "采购管理办法", "internal_regulation")
	if _, err := e.DeleteDocument(ctx, first.DocID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	res, err := e.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	// One live document plus one tombstone.
	if res.DocumentsRemoved != 2 {
		t.Errorf("documents removed = %d, want 2", res.DocumentsRemoved)
	}
	info := e.Info(ctx)
	if info.VectorCount != 0 || info.GraphStats.Nodes != 0 || info.DocumentStats.TotalDocuments != 0 {
		t.Errorf("state after clear: %+v", info)
	}
	if docs := e.Documents("", "", true); len(docs) != 0 {
		t.Errorf("documents after clear = %+v", docs)
	}
}

func TestRebuildGraphMatchesIncrementalBuild(t *testing.T) {
	e, _, _ := newTestEngine(t)
	dir := t.TempDir()
	ctx := context.Background()
	ingestOne(t, e, writeFile(t, dir, "budget.txt", regulationText), "预算管理办法", "internal_regulation")
	ingestOne(t, e, writeFile(t, dir, "procure.txt", procurementText), "采购管理办法", "internal_regulation")

	before := e.Info(ctx).GraphStats
	stats, err := e.RebuildGraph(ctx)
	if err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}
	if stats.Nodes != before.Nodes || stats.Edges != before.Edges {
		t.Errorf("rebuilt graph = %d nodes / %d edges, want %d / %d",
			stats.Nodes, stats.Edges, before.Nodes, before.Edges)
	}
}

func TestReconcileRebuildsLostGraph(t *testing.T) {
	dir := t.TempDir()
	chat := newFakeProvider()
	embed := newFakeProvider()
	e := openEngine(t, dir, chat, embed)
	path := writeFile(t, t.TempDir(), "budget.txt", regulationText)
	out := ingestOne(t, e, path, "预算管理办法", "internal_regulation")
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Lose the graph file; restart must rebuild it from the indexed
	// chunks.
	if err := os.Remove(filepath.Join(dir, "graph.bin")); err != nil {
		t.Fatalf("removing graph file: %v", err)
	}
	reopened := openEngine(t, dir, newFakeProvider(), newFakeProvider())
	t.Cleanup(func() { reopened.Close() })

	info := reopened.Info(context.Background())
	if info.VectorCount != 2 {
		t.Errorf("vector count after restart = %d, want 2", info.VectorCount)
	}
	if info.GraphStats.Nodes == 0 {
		t.Error("graph not rebuilt from indexed chunks")
	}
	if info.DocumentStats.ActiveDocuments != 1 {
		t.Errorf("active documents = %d, want 1", info.DocumentStats.ActiveDocuments)
	}
	if _, ok := reopened.Graph().GetNode(graph.DocNodeID(out.DocID)); !ok {
		t.Error("document node missing from rebuilt graph")
	}
}
