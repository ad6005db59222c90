package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/junwei-lu/auditrag/llm"
)

// Intent names.
const (
	IntentRegulation = "regulation_query"
	IntentAudit      = "audit_query"
	IntentIssue      = "issue_query"
	IntentGeneral    = "general"
)

// Intent is the classification of one query.
type Intent struct {
	Name          string `json:"intent"`
	Reason        string `json:"reason"`
	SuggestedTopK int    `json:"suggested_top_k"`
	// Analytical marks summarisation and cross-document queries, which
	// get a wider, graph-leaning retrieval plan and no reranking.
	Analytical bool     `json:"analytical"`
	DocTypes   []string `json:"doc_types,omitempty"`
}

// Route is the full routed parameter set for one query: the
// classification plus the retrieval plan after per-intent defaults,
// caller overrides, and clamping.
type Route struct {
	Intent     string   `json:"intent"`
	Reason     string   `json:"reason"`
	TopK       int      `json:"top_k"`
	RerankTopK int      `json:"rerank_top_k"`
	UseRerank  bool     `json:"use_rerank"`
	Mode       string   `json:"retrieval_mode"`
	Alpha      float64  `json:"hybrid_alpha"`
	GraphHops  int      `json:"graph_hops"`
	GraphTopK  int      `json:"graph_top_k"`
	DocTypes   []string `json:"doc_types,omitempty"`
}

// Overrides carries explicit API parameters. Zero and nil fields keep
// the routed plan's values; set fields win over both the classification
// and the per-intent defaults.
type Overrides struct {
	TopK      int
	Mode      string
	Alpha     *float64
	GraphHops int
	GraphTopK int
	DocType   string
	UseRerank *bool
}

// RouterConfig sets the router's baseline retrieval parameters.
type RouterConfig struct {
	DefaultTopK   int
	RerankTopK    int
	RerankEnabled bool
}

// Router classifies queries and assembles retrieval plans. The LLM does
// the classification when available; deterministic keyword rules take
// over on any failure so retrieval always proceeds.
type Router struct {
	chat  llm.Provider // nil disables LLM classification
	model string
	cfg   RouterConfig
}

// NewRouter creates an intent router. chat may be nil, in which case
// only the keyword rules run.
func NewRouter(chat llm.Provider, model string, cfg RouterConfig) *Router {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.RerankTopK <= 0 {
		cfg.RerankTopK = 10
	}
	return &Router{chat: chat, model: model, cfg: cfg}
}

const intentPrompt = `你是审计合规问答系统的路由助手。请分析用户问题并只输出JSON。

意图分类：
- regulation_query: 查询法律法规、公司制度、管理办法、合规要求等。
- audit_query: 查询特定审计报告的内容、审计发现、审计结论等。
- issue_query: 查询审计问题台账、以往问题的整改情况、类似问题的处理要求等。
- general: 宏观汇总、跨报告对比分析，或无法简单归类的问题。

必须返回以下JSON格式，不要包含任何其他文字：
{
  "intent": "意图名称",
  "reason": "分类理由",
  "suggested_top_k": 建议检索的片段数量(5-30之间的整数)
}

用户问题: %s`

// Classify determines the intent of a query. It never fails: an LLM
// error or an unparseable reply falls back to keyword rules.
func (r *Router) Classify(ctx context.Context, query string) Intent {
	if r.chat != nil {
		intent, err := r.classifyLLM(ctx, query)
		if err == nil {
			return intent
		}
		slog.Warn("intent: llm classification failed, using keyword rules", "error", err)
	}
	return classifyKeywords(query)
}

func (r *Router) classifyLLM(ctx context.Context, query string) (Intent, error) {
	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Model: r.model,
		Messages: []llm.Message{
			{Role: "system", Content: "你是一个严格只返回JSON格式的后端助手。"},
			{Role: "user", Content: fmt.Sprintf(intentPrompt, query)},
		},
		Temperature:    0.1,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return Intent{}, err
	}

	var parsed struct {
		Intent        string `json:"intent"`
		Reason        string `json:"reason"`
		SuggestedTopK int    `json:"suggested_top_k"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return Intent{}, fmt.Errorf("parsing intent reply: %w", err)
	}
	name := canonicalIntent(parsed.Intent)
	if name == "" {
		return Intent{}, fmt.Errorf("unknown intent %q", parsed.Intent)
	}

	intent := Intent{Name: name, Reason: parsed.Reason, SuggestedTopK: parsed.SuggestedTopK}
	if intent.SuggestedTopK <= 0 {
		if analyticalQuery(query) {
			intent.SuggestedTopK = 20
		} else {
			intent.SuggestedTopK = r.cfg.DefaultTopK
		}
	}
	intent.SuggestedTopK = clampInt(intent.SuggestedTopK, 1, 50)
	intent.Analytical = intent.SuggestedTopK >= 20
	intent.DocTypes = DocTypeFilter(name)
	return intent, nil
}

// canonicalIntent maps a model reply to one of the four intent names,
// tolerating the longer aliases some models produce.
func canonicalIntent(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case IntentRegulation:
		return IntentRegulation
	case IntentAudit:
		return IntentAudit
	case IntentIssue, "audit_issue", "audit_issue_query":
		return IntentIssue
	case IntentGeneral, "general_query", "comprehensive_query":
		return IntentGeneral
	default:
		return ""
	}
}

var clauseMarkerRe = regexp.MustCompile(`第[一二三四五六七八九十百千万零0-9]+条`)

var (
	regulationMarkers = []string{"规定", "办法", "条例", "制度", "细则", "禁止", "不得", "应当", "合规"}
	auditMarkers      = []string{"审计报告", "审计发现", "审计意见", "审计结论", "审计结果"}
	issueMarkers      = []string{"整改", "台账", "问题", "处理", "违规", "落实"}
	analyticalMarkers = []string{"总结", "汇总", "所有", "全部", "对比", "比较", "分析", "趋势", "summarize", "compare"}
)

// classifyKeywords is the deterministic fallback when no LLM answer is
// usable.
func classifyKeywords(query string) Intent {
	intent := Intent{Name: IntentGeneral, Reason: "关键词规则"}
	switch {
	case containsAny(query, regulationMarkers) || clauseMarkerRe.MatchString(query):
		intent.Name = IntentRegulation
	case containsAny(query, auditMarkers):
		intent.Name = IntentAudit
	case containsAny(query, issueMarkers):
		intent.Name = IntentIssue
	}
	intent.Analytical = analyticalQuery(query)
	if intent.Analytical {
		intent.SuggestedTopK = 20
	} else {
		intent.SuggestedTopK = 5
	}
	intent.DocTypes = DocTypeFilter(intent.Name)
	return intent
}

// analyticalQuery reports whether a query asks for summarisation or
// cross-document analysis rather than a point lookup. Long multi-clause
// questions count as analytical too.
func analyticalQuery(query string) bool {
	lower := strings.ToLower(query)
	for _, m := range analyticalMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	if len([]rune(query)) >= 40 {
		clauses := strings.Count(query, "，") + strings.Count(query, "；") + strings.Count(query, "？")
		if clauses >= 2 {
			return true
		}
	}
	return false
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// DocTypeFilter returns the document types an intent restricts
// retrieval to. General queries search everything.
func DocTypeFilter(intent string) []string {
	switch intent {
	case IntentRegulation:
		return []string{"internal_regulation", "external_regulation"}
	case IntentAudit:
		return []string{"internal_report", "external_report"}
	case IntentIssue:
		return []string{"audit_issue"}
	default:
		return nil
	}
}

// ExpandDocType maps an API doc_type value to the concrete stored
// types. audit_report is accepted as an alias covering both report
// kinds; empty and "all" clear the filter.
func ExpandDocType(docType string) []string {
	switch strings.TrimSpace(docType) {
	case "", "all":
		return nil
	case "audit_report":
		return []string{"internal_report", "external_report"}
	default:
		return []string{docType}
	}
}

// Route classifies the query and assembles the final retrieval
// parameters: per-intent plan defaults, then caller overrides, then
// sanity clamps and the rerank budget guard.
func (r *Router) Route(ctx context.Context, query string, ov Overrides) Route {
	intent := r.Classify(ctx, query)

	topK := intent.SuggestedTopK
	if intent.Analytical && topK < 20 {
		topK = 20
	}
	if ov.TopK > 0 {
		topK = ov.TopK
	}
	topK = clampInt(topK, 1, 50)

	p := planFor(intent)
	if ov.Mode != "" {
		p.mode = ov.Mode
	}
	if ov.Alpha != nil {
		p.alpha = *ov.Alpha
	}
	if ov.GraphHops > 0 {
		p.hops = ov.GraphHops
	}
	if ov.GraphTopK > 0 {
		p.graphTopK = ov.GraphTopK
	}
	p = sanitizePlan(p)

	docTypes := intent.DocTypes
	if ov.DocType != "" {
		docTypes = ExpandDocType(ov.DocType)
	}

	useRerank := r.cfg.RerankEnabled
	if ov.UseRerank != nil {
		useRerank = *ov.UseRerank
	}
	rerankTopK := r.cfg.RerankTopK
	if topK > 10 {
		if topK >= 20 || intent.Analytical {
			useRerank = false
		} else {
			rerankTopK = 10
		}
	} else if topK <= 5 {
		rerankTopK = min(10, topK*2)
	}

	return Route{
		Intent:     intent.Name,
		Reason:     intent.Reason,
		TopK:       topK,
		RerankTopK: rerankTopK,
		UseRerank:  useRerank,
		Mode:       p.mode,
		Alpha:      p.alpha,
		GraphHops:  p.hops,
		GraphTopK:  p.graphTopK,
		DocTypes:   docTypes,
	}
}

// Options converts a route into search options.
func (rt Route) Options() Options {
	return Options{
		Mode:       rt.Mode,
		TopK:       rt.TopK,
		RerankTopK: rt.RerankTopK,
		Alpha:      rt.Alpha,
		GraphHops:  rt.GraphHops,
		GraphTopK:  rt.GraphTopK,
		DocTypes:   rt.DocTypes,
		UseRerank:  rt.UseRerank,
	}
}

type plan struct {
	mode      string
	alpha     float64
	hops      int
	graphTopK int
}

// planFor picks per-intent retrieval parameters. Analytical queries get
// the widest, graph-leaning plan regardless of intent; point lookups
// against regulations stay shallow since clause nodes sit one hop from
// their chunks.
func planFor(intent Intent) plan {
	if intent.Analytical {
		return plan{mode: ModeGraph, alpha: 0.45, hops: 3, graphTopK: 24}
	}
	switch intent.Name {
	case IntentRegulation:
		return plan{mode: ModeHybrid, alpha: 0.75, hops: 1, graphTopK: 10}
	case IntentAudit:
		return plan{mode: ModeHybrid, alpha: 0.65, hops: 2, graphTopK: 12}
	case IntentIssue:
		return plan{mode: ModeHybrid, alpha: 0.58, hops: 2, graphTopK: 16}
	default:
		return plan{mode: ModeHybrid, alpha: 0.6, hops: 2, graphTopK: 14}
	}
}

func sanitizePlan(p plan) plan {
	switch p.mode {
	case ModeVector, ModeGraph, ModeHybrid:
	default:
		p.mode = ModeHybrid
	}
	p.hops = clampInt(p.hops, 1, 4)
	p.graphTopK = clampInt(p.graphTopK, 5, 40)
	if p.alpha < 0 {
		p.alpha = 0
	}
	if p.alpha > 1 {
		p.alpha = 1
	}
	return p
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// extractJSON strips markdown fences and surrounding prose from a model
// reply, leaving the outermost JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
