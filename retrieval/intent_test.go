package retrieval

import (
	"context"
	"errors"
	"testing"
)

func TestClassifyKeywords(t *testing.T) {
	tests := []struct {
		query      string
		wantIntent string
		analytical bool
	}{
		{"公司采购管理办法有哪些要求", IntentRegulation, false},
		{"第三条的内容是什么", IntentRegulation, false},
		{"最新审计报告的主要发现", IntentAudit, false},
		{"去年的问题整改情况如何", IntentIssue, false},
		{"你好", IntentGeneral, false},
		{"总结所有部门的整改问题", IntentIssue, true},
		{"对比近三年的审计发现趋势", IntentAudit, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := classifyKeywords(tt.query)
			if got.Name != tt.wantIntent {
				t.Errorf("intent = %s, want %s", got.Name, tt.wantIntent)
			}
			if got.Analytical != tt.analytical {
				t.Errorf("analytical = %v, want %v", got.Analytical, tt.analytical)
			}
			wantTopK := 5
			if tt.analytical {
				wantTopK = 20
			}
			if got.SuggestedTopK != wantTopK {
				t.Errorf("suggested_top_k = %d, want %d", got.SuggestedTopK, wantTopK)
			}
		})
	}
}

func TestClassifyLLM(t *testing.T) {
	chat := &fakeLLM{reply: "```json\n{\"intent\": \"audit_query\", \"reason\": \"询问审计报告内容\", \"suggested_top_k\": 8}\n```"}
	r := NewRouter(chat, "m", RouterConfig{DefaultTopK: 5, RerankTopK: 10, RerankEnabled: true})

	got := r.Classify(context.Background(), "某公司2023年审计报告的主要结论")
	if got.Name != IntentAudit {
		t.Errorf("intent = %s, want %s", got.Name, IntentAudit)
	}
	if got.Reason != "询问审计报告内容" {
		t.Errorf("reason = %q", got.Reason)
	}
	if got.SuggestedTopK != 8 {
		t.Errorf("suggested_top_k = %d, want 8", got.SuggestedTopK)
	}
	if got.Analytical {
		t.Error("analytical = true for a point lookup")
	}
	want := []string{"internal_report", "external_report"}
	if len(got.DocTypes) != 2 || got.DocTypes[0] != want[0] || got.DocTypes[1] != want[1] {
		t.Errorf("doc types = %v, want %v", got.DocTypes, want)
	}
}

func TestClassifyLLMFailureFallsBack(t *testing.T) {
	chat := &fakeLLM{chatErr: errors.New("provider down")}
	r := NewRouter(chat, "m", RouterConfig{})

	got := r.Classify(context.Background(), "采购管理办法的规定")
	if got.Name != IntentRegulation {
		t.Errorf("intent = %s, want keyword fallback %s", got.Name, IntentRegulation)
	}
	if got.Reason != "关键词规则" {
		t.Errorf("reason = %q, want keyword rule marker", got.Reason)
	}
}

func TestClassifyLLMGarbageFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"not json", "这个问题属于审计类。"},
		{"unknown intent", `{"intent": "banana", "reason": "?", "suggested_top_k": 5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(&fakeLLM{reply: tt.reply}, "m", RouterConfig{})
			got := r.Classify(context.Background(), "最近审计报告的发现")
			if got.Name != IntentAudit {
				t.Errorf("intent = %s, want keyword fallback %s", got.Name, IntentAudit)
			}
		})
	}
}

func TestClassifyAliasIntents(t *testing.T) {
	r := NewRouter(&fakeLLM{reply: `{"intent": "comprehensive_query", "reason": "复杂", "suggested_top_k": 10}`}, "m", RouterConfig{})
	got := r.Classify(context.Background(), "混合问题")
	if got.Name != IntentGeneral {
		t.Errorf("intent = %s, want %s (comprehensive alias)", got.Name, IntentGeneral)
	}
}

func TestRoutePlans(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantMode  string
		wantAlpha float64
		wantHops  int
		wantTopK  int
		wantGTopK int
	}{
		{
			name:      "regulation",
			reply:     `{"intent": "regulation_query", "reason": "r", "suggested_top_k": 5}`,
			wantMode:  ModeHybrid,
			wantAlpha: 0.75,
			wantHops:  1,
			wantTopK:  5,
			wantGTopK: 10,
		},
		{
			name:      "issue",
			reply:     `{"intent": "issue_query", "reason": "r", "suggested_top_k": 5}`,
			wantMode:  ModeHybrid,
			wantAlpha: 0.58,
			wantHops:  2,
			wantTopK:  5,
			wantGTopK: 16,
		},
		{
			name:      "general",
			reply:     `{"intent": "general", "reason": "r", "suggested_top_k": 5}`,
			wantMode:  ModeHybrid,
			wantAlpha: 0.6,
			wantHops:  2,
			wantTopK:  5,
			wantGTopK: 14,
		},
		{
			name:      "analytical widens",
			reply:     `{"intent": "audit_query", "reason": "r", "suggested_top_k": 25}`,
			wantMode:  ModeGraph,
			wantAlpha: 0.45,
			wantHops:  3,
			wantTopK:  25,
			wantGTopK: 24,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(&fakeLLM{reply: tt.reply}, "m", RouterConfig{DefaultTopK: 5, RerankTopK: 10, RerankEnabled: true})
			got := r.Route(context.Background(), "q", Overrides{})
			if got.Mode != tt.wantMode {
				t.Errorf("mode = %s, want %s", got.Mode, tt.wantMode)
			}
			if !almostEqual(got.Alpha, tt.wantAlpha) {
				t.Errorf("alpha = %v, want %v", got.Alpha, tt.wantAlpha)
			}
			if got.GraphHops != tt.wantHops {
				t.Errorf("hops = %d, want %d", got.GraphHops, tt.wantHops)
			}
			if got.TopK != tt.wantTopK {
				t.Errorf("top_k = %d, want %d", got.TopK, tt.wantTopK)
			}
			if got.GraphTopK != tt.wantGTopK {
				t.Errorf("graph_top_k = %d, want %d", got.GraphTopK, tt.wantGTopK)
			}
		})
	}
}

func TestRouteOverridesAndClamps(t *testing.T) {
	alpha := 1.7
	r := NewRouter(&fakeLLM{reply: `{"intent": "general", "reason": "r", "suggested_top_k": 5}`}, "m",
		RouterConfig{DefaultTopK: 5, RerankTopK: 10, RerankEnabled: true})

	got := r.Route(context.Background(), "q", Overrides{
		TopK:      80,
		Mode:      "quantum",
		Alpha:     &alpha,
		GraphHops: 9,
		GraphTopK: 100,
		DocType:   "audit_report",
	})
	if got.Mode != ModeHybrid {
		t.Errorf("mode = %s, want clamp to hybrid", got.Mode)
	}
	if got.GraphHops != 4 {
		t.Errorf("hops = %d, want clamp to 4", got.GraphHops)
	}
	if !almostEqual(got.Alpha, 1.0) {
		t.Errorf("alpha = %v, want clamp to 1.0", got.Alpha)
	}
	if got.GraphTopK != 40 {
		t.Errorf("graph_top_k = %d, want clamp to 40", got.GraphTopK)
	}
	if got.TopK != 50 {
		t.Errorf("top_k = %d, want clamp to 50", got.TopK)
	}
	want := []string{"internal_report", "external_report"}
	if len(got.DocTypes) != 2 || got.DocTypes[0] != want[0] || got.DocTypes[1] != want[1] {
		t.Errorf("doc types = %v, want audit_report alias expansion %v", got.DocTypes, want)
	}
}

func TestRouteRerankGuard(t *testing.T) {
	tests := []struct {
		name           string
		topK           int
		reply          string
		wantUseRerank  bool
		wantRerankTopK int
	}{
		{"small doubles", 3, `{"intent": "general", "reason": "r", "suggested_top_k": 5}`, true, 6},
		{"five doubles to cap", 5, `{"intent": "general", "reason": "r", "suggested_top_k": 5}`, true, 10},
		{"mid keeps config", 8, `{"intent": "general", "reason": "r", "suggested_top_k": 5}`, true, 10},
		{"wide caps at ten", 12, `{"intent": "general", "reason": "r", "suggested_top_k": 5}`, true, 10},
		{"very wide disables", 25, `{"intent": "general", "reason": "r", "suggested_top_k": 5}`, false, 10},
		{"analytical disables", 0, `{"intent": "general", "reason": "r", "suggested_top_k": 20}`, false, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(&fakeLLM{reply: tt.reply}, "m",
				RouterConfig{DefaultTopK: 5, RerankTopK: 10, RerankEnabled: true})
			got := r.Route(context.Background(), "q", Overrides{TopK: tt.topK})
			if got.UseRerank != tt.wantUseRerank {
				t.Errorf("use_rerank = %v, want %v", got.UseRerank, tt.wantUseRerank)
			}
			if got.RerankTopK != tt.wantRerankTopK {
				t.Errorf("rerank_top_k = %d, want %d", got.RerankTopK, tt.wantRerankTopK)
			}
		})
	}
}

func TestRouteRerankExplicitlyDisabled(t *testing.T) {
	off := false
	r := NewRouter(&fakeLLM{reply: `{"intent": "general", "reason": "r", "suggested_top_k": 5}`}, "m",
		RouterConfig{DefaultTopK: 5, RerankTopK: 10, RerankEnabled: true})
	got := r.Route(context.Background(), "q", Overrides{UseRerank: &off})
	if got.UseRerank {
		t.Error("use_rerank = true after explicit disable")
	}
}

func TestExpandDocType(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"all", nil},
		{"audit_report", []string{"internal_report", "external_report"}},
		{"audit_issue", []string{"audit_issue"}},
		{"internal_regulation", []string{"internal_regulation"}},
	}
	for _, tt := range tests {
		got := ExpandDocType(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("ExpandDocType(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ExpandDocType(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fence no lang", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "结果如下：{\"a\":1}。", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.in); got != tt.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
