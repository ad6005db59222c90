package graph

import (
	"regexp"
	"strings"
)

// docContext carries everything an extractor may look at for one chunk.
// Merged prepends the document title and filename to the chunk text so
// entities named only in the title still attach to every chunk.
type docContext struct {
	Text    string
	Merged  string
	DocType string
}

type entityKey struct {
	Type  string
	Value string
}

type entityRef struct {
	Type  string
	Value string
}

// relationRecord is one extracted relation between two entities, by
// type and raw value. Bidirectional records also write the Reverse
// relation from target to source.
type relationRecord struct {
	SourceType    string
	SourceValue   string
	Relation      string
	TargetType    string
	TargetValue   string
	Confidence    float64
	Weight        float64
	Bidirectional bool
	Reverse       string
}

// extractor derives entities and relations from one chunk. Results must
// be deterministic for the same input: ordered slices, no map
// iteration.
type extractor interface {
	entities(dc docContext) []entityRef
	relations(dc docContext) []relationRecord
}

// extractorFor picks the extractor matching a document type.
func extractorFor(docType string) extractor {
	switch strings.ToLower(docType) {
	case "audit_issue":
		return issueExtractor{}
	case "internal_report", "external_report":
		return reportExtractor{}
	case "internal_regulation", "external_regulation":
		return regulationExtractor{}
	default:
		return baseExtractor{}
	}
}

// ---------------------------------------------------------------------------
// Shared extraction primitives
// ---------------------------------------------------------------------------

var (
	yearRe   = regexp.MustCompile(`(?:19|20)\d{2}`)
	clauseRe = regexp.MustCompile(`第[一二三四五六七八九十百千万零0-9]+条`)
	amountRe = regexp.MustCompile(`\d+(?:\.\d+)?(?:亿元|万元|元)`)

	sectionHeadingRe = regexp.MustCompile(`^(?:第[零一二三四五六七八九十百千万0-9]+[章节]|[一二三四五六七八九十百]+、|[（(][一二三四五六七八九十百]+[)）])`)
)

// riskKeywords tags a chunk with coarse risk areas by plain substring
// match, in this order.
var riskKeywords = []string{
	"违规", "风险", "内控", "合规", "数据安全",
	"网络安全", "个人信息", "采购", "预算", "资金",
}

const (
	clauseScanRunes = 6000
	amountScanRunes = 4000
)

// headRunes truncates s to at most n runes.
func headRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func extractYears(text string) []string {
	return dedupe(yearRe.FindAllString(text, -1))
}

func extractClauses(text string) []string {
	return dedupe(clauseRe.FindAllString(headRunes(text, clauseScanRunes), -1))
}

func extractAmounts(text string) []string {
	return dedupe(amountRe.FindAllString(headRunes(text, amountScanRunes), -1))
}

func extractRisks(text string) []string {
	lowered := strings.ToLower(text)
	var risks []string
	for _, kw := range riskKeywords {
		if strings.Contains(lowered, kw) {
			risks = append(risks, kw)
		}
	}
	return risks
}

// sectionHeadings collects up to max heading-shaped lines from the
// chunk text.
func sectionHeadings(text string, max int) []string {
	var heads []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !sectionHeadingRe.MatchString(line) {
			continue
		}
		if len([]rune(line)) > 40 {
			continue
		}
		heads = append(heads, line)
		if len(heads) == max {
			break
		}
	}
	return dedupe(heads)
}

// dedupe keeps the first occurrence of each item, preserving order.
func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

type topicRule struct {
	Keyword string
	Topic   string
}

func matchTopics(text string, rules []topicRule) []string {
	lowered := strings.ToLower(text)
	var topics []string
	for _, r := range rules {
		if strings.Contains(lowered, r.Keyword) {
			topics = append(topics, r.Topic)
		}
	}
	return dedupe(topics)
}

// ---------------------------------------------------------------------------
// Base extractor
// ---------------------------------------------------------------------------

// baseExtractor handles document types without a specialised extractor.
// It only emits the entities every chunk gets: document type, years,
// clauses, risk areas and section headings.
type baseExtractor struct{}

func (baseExtractor) entities(dc docContext) []entityRef {
	return basicEntities(dc)
}

func (baseExtractor) relations(docContext) []relationRecord { return nil }

func basicEntities(dc docContext) []entityRef {
	var refs []entityRef
	if dt := strings.TrimSpace(dc.DocType); dt != "" {
		refs = append(refs, entityRef{TypeDocType, dt})
	}
	for _, y := range extractYears(dc.Merged) {
		refs = append(refs, entityRef{TypeYear, y})
	}
	for _, c := range extractClauses(dc.Text) {
		refs = append(refs, entityRef{TypeClause, c})
	}
	for _, r := range extractRisks(dc.Merged) {
		refs = append(refs, entityRef{TypeRiskType, r})
	}
	for _, h := range sectionHeadings(dc.Text, 3) {
		refs = append(refs, entityRef{TypeSection, headRunes(h, 80)})
	}
	return refs
}
