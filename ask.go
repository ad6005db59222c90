package auditrag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/junwei-lu/auditrag/answer"
	"github.com/junwei-lu/auditrag/llm"
	"github.com/junwei-lu/auditrag/qlog"
	"github.com/junwei-lu/auditrag/retrieval"
)

// Event kinds pushed while a streamed question runs.
const (
	EventProgress  = "progress"
	EventSession   = "session"
	EventDelta     = "delta"
	EventCitations = "citations"
)

// Pipeline stages reported through progress events.
const (
	StageIntent     = "intent"
	StageRetrieval  = "retrieval"
	StageGeneration = "generation"
)

// Event is one push emitted during Ask. Kind selects which fields are
// set; handlers serialize events in emission order.
type Event struct {
	Kind      string
	Stage     string            // progress
	Status    string            // progress: running or done
	Message   string            // progress
	Extra     map[string]any    // progress
	SessionID string            // session
	Delta     string            // delta: streamed answer text
	Citations []answer.Citation // citations
}

// Sink receives events. Returning an error aborts the question, which
// is how a handler reports a gone client.
type Sink func(Event) error

// AskOptions carries per-question retrieval overrides and the streaming
// hook. Zero values defer to the routed plan.
type AskOptions struct {
	SessionID string
	History   []llm.Message // client-held turns, synced into the session
	TopK      int
	Mode      string
	Alpha     *float64
	GraphHops int
	GraphTopK int
	DocType   string
	UseRerank *bool
	Events    Sink // nil disables streaming
}

// AskResult is a finished question: the routed intent, the retrieved
// support and the cited answer.
type AskResult struct {
	Query         string             `json:"query"`
	Intent        string             `json:"intent"`
	IntentReason  string             `json:"intent_reason"`
	Answer        string             `json:"answer"`
	Citations     []answer.Citation  `json:"citations"`
	SearchResults []retrieval.Result `json:"search_results"`
	Usage         answer.Usage       `json:"llm_usage"`
	Model         string             `json:"model"`
	SessionID     string             `json:"session_id"`
	RetrievalMode string             `json:"retrieval_mode"`
	RerankApplied bool               `json:"rerank_applied"`
	ElapsedMs     int64              `json:"elapsed_ms"`
}

// Ask answers one question end to end: route the intent, retrieve
// support, generate a cited reply, remember the turn and log the
// exchange. Cancellation is checked between stages so a dropped client
// stops the pipeline cleanly.
func (e *Engine) Ask(ctx context.Context, query string, opts AskOptions) (*AskResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, NewError(ErrBadRequest, "query must not be empty")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	start := time.Now()
	emit := func(ev Event) error {
		if opts.Events == nil {
			return nil
		}
		return opts.Events(ev)
	}
	progress := func(stage, status, message string, extra map[string]any) error {
		return emit(Event{Kind: EventProgress, Stage: stage, Status: status, Message: message, Extra: extra})
	}

	sessionID := e.sessions.GetOrCreate(opts.SessionID)
	if len(opts.History) > 0 {
		e.sessions.Sync(sessionID, opts.History)
	}

	// First push goes out before any model call so clients see life
	// immediately.
	if err := progress(StageIntent, "running", "请求已接收，准备初始化", nil); err != nil {
		return nil, err
	}
	if err := progress(StageIntent, "running", "意图识别中", nil); err != nil {
		return nil, err
	}
	route := e.router.Route(ctx, query, overridesFrom(opts))
	if err := progress(StageIntent, "done", "意图识别完成: "+route.Intent, map[string]any{
		"intent":     route.Intent,
		"top_k":      route.TopK,
		"use_rerank": route.UseRerank,
	}); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyStageErr(err, ErrCancelled, "answering question")
	}

	if err := progress(StageRetrieval, "running", "向量库匹配中", nil); err != nil {
		return nil, err
	}
	searchOpts := route.Options()
	searchOpts.NodeBudget = e.cfg.GraphNodeBudget
	results, trace, err := e.retriever.Search(ctx, query, searchOpts)
	if err != nil {
		return nil, classifyStageErr(err, ErrVectorStore, "retrieving context")
	}
	if err := progress(StageRetrieval, "done",
		fmt.Sprintf("检索完成，命中 %d 条结果", len(results)),
		map[string]any{"hits": len(results)}); err != nil {
		return nil, err
	}

	if err := emit(Event{Kind: EventSession, SessionID: sessionID}); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyStageErr(err, ErrCancelled, "answering question")
	}

	if err := progress(StageGeneration, "running", "LLM回答生成中", nil); err != nil {
		return nil, err
	}
	history := e.sessions.History(sessionID, 8)
	var onDelta func(string) error
	if opts.Events != nil {
		onDelta = func(delta string) error {
			return emit(Event{Kind: EventDelta, Delta: delta})
		}
	}
	ans, err := e.generator.Generate(ctx, query, results, history, onDelta)
	if err != nil {
		return nil, classifyStageErr(err, ErrLLM, "generating answer")
	}
	if err := progress(StageGeneration, "done", "回答生成完成", map[string]any{
		"model": ans.Model,
		"usage": ans.Usage,
	}); err != nil {
		return nil, err
	}
	if err := emit(Event{Kind: EventCitations, Citations: ans.Citations}); err != nil {
		return nil, err
	}

	e.sessions.Append(sessionID,
		llm.Message{Role: "user", Content: query},
		llm.Message{Role: "assistant", Content: ans.Text},
	)
	e.sessions.SetLastRetrieval(sessionID, results, ans.Citations)

	elapsed := time.Since(start)
	e.logQuery(query, route, results, ans, elapsed)

	slog.Info("question answered",
		"intent", route.Intent,
		"mode", trace.Mode,
		"hits", len(results),
		"rerank_applied", trace.RerankApplied,
		"citations", len(ans.Citations),
		"elapsed", elapsed.Round(time.Millisecond))

	return &AskResult{
		Query:         query,
		Intent:        route.Intent,
		IntentReason:  route.Reason,
		Answer:        ans.Text,
		Citations:     ans.Citations,
		SearchResults: results,
		Usage:         ans.Usage,
		Model:         ans.Model,
		SessionID:     sessionID,
		RetrievalMode: trace.Mode,
		RerankApplied: trace.RerankApplied,
		ElapsedMs:     elapsed.Milliseconds(),
	}, nil
}

// SearchOutcome is an intent-routed retrieval without generation.
type SearchOutcome struct {
	Query         string             `json:"query"`
	Intent        string             `json:"intent"`
	IntentReason  string             `json:"intent_reason"`
	SuggestedTopK int                `json:"suggested_top_k"`
	RetrievalMode string             `json:"retrieval_mode"`
	RerankApplied bool               `json:"rerank_applied"`
	Results       []retrieval.Result `json:"results"`
}

// SearchWithIntent routes the query and returns the ranked support
// without generating an answer.
func (e *Engine) SearchWithIntent(ctx context.Context, query string, opts AskOptions) (*SearchOutcome, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, NewError(ErrBadRequest, "query must not be empty")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	route := e.router.Route(ctx, query, overridesFrom(opts))
	searchOpts := route.Options()
	searchOpts.NodeBudget = e.cfg.GraphNodeBudget
	results, trace, err := e.retriever.Search(ctx, query, searchOpts)
	if err != nil {
		return nil, classifyStageErr(err, ErrVectorStore, "retrieving context")
	}

	return &SearchOutcome{
		Query:         query,
		Intent:        route.Intent,
		IntentReason:  route.Reason,
		SuggestedTopK: route.TopK,
		RetrievalMode: trace.Mode,
		RerankApplied: trace.RerankApplied,
		Results:       results,
	}, nil
}

func overridesFrom(opts AskOptions) retrieval.Overrides {
	return retrieval.Overrides{
		TopK:      opts.TopK,
		Mode:      opts.Mode,
		Alpha:     opts.Alpha,
		GraphHops: opts.GraphHops,
		GraphTopK: opts.GraphTopK,
		DocType:   opts.DocType,
		UseRerank: opts.UseRerank,
	}
}

// logQuery records the exchange on a detached context so a finished
// answer is never failed by its audit trail.
func (e *Engine) logQuery(query string, route retrieval.Route, results []retrieval.Result, ans *answer.Answer, elapsed time.Duration) {
	sources := make([]map[string]any, 0, len(results))
	for _, r := range results {
		sources = append(sources, map[string]any{
			"chunk_id": r.ChunkID,
			"doc_id":   r.DocID,
			"filename": r.Filename,
			"score":    r.Score,
		})
	}
	err := e.queries.Log(context.Background(), qlog.Entry{
		Query:            query,
		Intent:           route.Intent,
		RetrievalMode:    route.Mode,
		Answer:           ans.Text,
		CitationCount:    len(ans.Citations),
		Sources:          sources,
		Model:            ans.Model,
		PromptTokens:     ans.Usage.PromptTokens,
		CompletionTokens: ans.Usage.CompletionTokens,
		TotalTokens:      ans.Usage.TotalTokens,
		LatencyMs:        elapsed.Milliseconds(),
	})
	if err != nil {
		slog.Warn("query log write failed", "error", err)
	}
}
