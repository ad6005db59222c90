package graph

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// requirementMarkers flags obligation language in regulation text. The
// bare 应 also catches 应当, which is fine for substring matching.
var requirementMarkers = []string{"应当", "应", "需", "必须", "不得", "禁止"}

var sentenceSplitRe = regexp.MustCompile("[。；;!?\n]")

const maxRequirements = 4

// regulationExtractor pulls control requirements out of regulation
// chunks and ties them to the clauses and risk areas they govern.
type regulationExtractor struct{}

func (regulationExtractor) entities(dc docContext) []entityRef {
	refs := basicEntities(dc)
	for _, req := range extractRequirements(dc.Text, requirementMarkers, 8) {
		refs = append(refs, entityRef{TypeRequirement, req})
	}
	return refs
}

func (regulationExtractor) relations(dc docContext) []relationRecord {
	reqs := extractRequirements(dc.Text, requirementMarkers, 8)
	clauses := extractClauses(dc.Text)
	risks := extractRisks(dc.Text)

	var recs []relationRecord
	for _, req := range reqs {
		for _, c := range clauses {
			recs = append(recs, relationRecord{
				SourceType: TypeRequirement, SourceValue: req,
				Relation:   RelRelatedClause,
				TargetType: TypeClause, TargetValue: c,
				Confidence: 0.85, Weight: 1.1,
				Bidirectional: true, Reverse: RelClauseRelatedBy,
			})
		}
		for _, r := range risks {
			recs = append(recs, relationRecord{
				SourceType: TypeRequirement, SourceValue: req,
				Relation:   RelAddressesRisk,
				TargetType: TypeRiskType, TargetValue: r,
				Confidence: 0.75, Weight: 1.05,
				Bidirectional: true, Reverse: RelRiskAddressedBy,
			})
		}
	}
	for _, c := range clauses {
		for _, r := range risks {
			recs = append(recs, relationRecord{
				SourceType: TypeClause, SourceValue: c,
				Relation:   RelAddressesRisk,
				TargetType: TypeRiskType, TargetValue: r,
				Confidence: 0.72, Weight: 1.05,
				Bidirectional: true, Reverse: RelRiskAddressedBy,
			})
		}
	}
	return recs
}

// extractRequirements splits text into sentences and keeps those that
// carry an obligation marker and at least minRunes runes, truncated to
// 160 runes, up to maxRequirements per chunk.
func extractRequirements(text string, markers []string, minRunes int) []string {
	var reqs []string
	for _, sent := range sentenceSplitRe.Split(text, -1) {
		sent = strings.TrimSpace(sent)
		if utf8.RuneCountInString(sent) < minRunes {
			continue
		}
		if !containsAnyMarker(sent, markers) {
			continue
		}
		reqs = append(reqs, headRunes(sent, 160))
		if len(reqs) == maxRequirements {
			break
		}
	}
	return reqs
}

func containsAnyMarker(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
