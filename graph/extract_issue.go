package graph

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	deptRe   = regexp.MustCompile(`(?:部门单位|部门)\s*[:：]\s*([^\n]{2,80})`)
	issueRe  = regexp.MustCompile(`(?:问题摘要|问题描述)\s*[:：]\s*([^\n]{4,220})`)
	actionRe = regexp.MustCompile(`(?:整改情况|整改措施|整改结果)\s*[:：]\s*([^\n]{4,240})`)
)

// statusRules maps rectification phrasing to a coarse status. Order
// matters: the first phrase found in the text wins.
var statusRules = []struct {
	Phrase string
	Status string
}{
	{"已整改", "completed"},
	{"整改完成", "completed"},
	{"完成整改", "completed"},
	{"持续整改", "in_progress"},
	{"正在整改", "in_progress"},
	{"推进整改", "in_progress"},
	{"未整改", "pending"},
	{"尚未整改", "pending"},
	{"待整改", "pending"},
}

var issueTopicRules = []topicRule{
	{"采购", "采购管理"},
	{"预算", "预算执行"},
	{"资金", "资金管理"},
	{"数据", "数据治理"},
	{"网络", "网络安全"},
	{"内控", "内部控制"},
	{"个人信息", "个人信息保护"},
	{"项目", "项目管理"},
}

const (
	deptScanRunes   = 5000
	statusScanRunes = 1500
)

// issueExtractor parses rectification ledger rows: the responsible
// department, the issue summary, the rectification action and its
// status, plus amounts and topics. Relations hang off the issue node,
// so a chunk without a recognisable issue contributes entities only.
type issueExtractor struct{}

func (issueExtractor) entities(dc docContext) []entityRef {
	refs := basicEntities(dc)
	for _, d := range extractDepartments(dc.Text) {
		refs = append(refs, entityRef{TypeDepartment, d})
	}
	if issue := extractIssueSummary(dc.Text); issue != "" {
		refs = append(refs, entityRef{TypeIssue, issue})
	}
	if action := extractAction(dc.Text); action != "" {
		refs = append(refs, entityRef{TypeRectAction, action})
	}
	if status := extractStatus(dc.Text); status != "" {
		refs = append(refs, entityRef{TypeRectStatus, status})
	}
	for _, a := range extractAmounts(dc.Merged) {
		refs = append(refs, entityRef{TypeAmount, a})
	}
	for _, t := range matchTopics(dc.Merged, issueTopicRules) {
		refs = append(refs, entityRef{TypeTopic, t})
	}
	return refs
}

func (issueExtractor) relations(dc docContext) []relationRecord {
	issue := extractIssueSummary(dc.Text)
	if issue == "" {
		return nil
	}

	var recs []relationRecord
	for _, d := range extractDepartments(dc.Text) {
		recs = append(recs, relationRecord{
			SourceType: TypeIssue, SourceValue: issue,
			Relation:   RelBelongsToDepartment,
			TargetType: TypeDepartment, TargetValue: d,
			Confidence: 0.95, Weight: 1.2,
			Bidirectional: true, Reverse: RelHasIssue,
		})
	}
	if action := extractAction(dc.Text); action != "" {
		recs = append(recs, relationRecord{
			SourceType: TypeIssue, SourceValue: issue,
			Relation:   RelRequiresAction,
			TargetType: TypeRectAction, TargetValue: action,
			Confidence: 0.9, Weight: 1.2,
			Bidirectional: true, Reverse: RelActionForIssue,
		})
		if status := extractStatus(dc.Text); status != "" {
			recs = append(recs, relationRecord{
				SourceType: TypeRectAction, SourceValue: action,
				Relation:   RelHasStatus,
				TargetType: TypeRectStatus, TargetValue: status,
				Confidence: 0.88, Weight: 1.0,
				Bidirectional: true, Reverse: RelStatusOfAction,
			})
		}
	}
	for _, c := range extractClauses(dc.Text) {
		recs = append(recs, relationRecord{
			SourceType: TypeIssue, SourceValue: issue,
			Relation:   RelViolatesClause,
			TargetType: TypeClause, TargetValue: c,
			Confidence: 0.86, Weight: 1.25,
			Bidirectional: true, Reverse: RelViolatedByIssue,
		})
	}
	for _, y := range extractYears(dc.Merged) {
		recs = append(recs, relationRecord{
			SourceType: TypeIssue, SourceValue: issue,
			Relation:   RelOccursInYear,
			TargetType: TypeYear, TargetValue: y,
			Confidence: 0.8, Weight: 0.95,
			Bidirectional: true, Reverse: RelYearOfIssue,
		})
	}
	for _, a := range extractAmounts(dc.Merged) {
		recs = append(recs, relationRecord{
			SourceType: TypeIssue, SourceValue: issue,
			Relation:   RelHasAmount,
			TargetType: TypeAmount, TargetValue: a,
			Confidence: 0.82, Weight: 1.0,
			Bidirectional: true, Reverse: RelAmountForIssue,
		})
	}
	for _, r := range extractRisks(dc.Merged) {
		recs = append(recs, relationRecord{
			SourceType: TypeIssue, SourceValue: issue,
			Relation:   RelHasRiskType,
			TargetType: TypeRiskType, TargetValue: r,
			Confidence: 0.78, Weight: 1.1,
			Bidirectional: true, Reverse: RelRiskTypeOfIssue,
		})
	}
	return recs
}

func extractDepartments(text string) []string {
	var depts []string
	for _, m := range deptRe.FindAllStringSubmatch(headRunes(text, deptScanRunes), -1) {
		if d := strings.TrimSpace(m[1]); d != "" {
			depts = append(depts, headRunes(d, 80))
		}
	}
	return dedupe(depts)
}

// extractIssueSummary looks for a labelled issue field first, then
// falls back to the first long line that mentions an issue.
func extractIssueSummary(text string) string {
	if m := issueRe.FindStringSubmatch(text); m != nil {
		return headRunes(strings.TrimSpace(m[1]), 160)
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if utf8.RuneCountInString(line) < 12 {
			continue
		}
		if strings.Contains(line, "问题") || strings.Contains(line, "违规") || strings.Contains(line, "整改") {
			return headRunes(line, 160)
		}
	}
	return ""
}

func extractAction(text string) string {
	if m := actionRe.FindStringSubmatch(text); m != nil {
		return headRunes(strings.TrimSpace(m[1]), 160)
	}
	return ""
}

func extractStatus(text string) string {
	head := headRunes(text, statusScanRunes)
	for _, r := range statusRules {
		if strings.Contains(head, r.Phrase) {
			return r.Status
		}
	}
	return ""
}
