package graph

// reportRequirementMarkers is the regulation marker set minus 禁止,
// which report prose rarely uses.
var reportRequirementMarkers = []string{"应当", "应", "需", "必须", "不得"}

var reportTopicRules = []topicRule{
	{"采购", "采购管理"},
	{"预算", "预算执行"},
	{"数据", "数据治理"},
	{"网络安全", "网络安全"},
	{"内控", "内部控制"},
	{"合规", "合规管理"},
	{"整改", "整改管理"},
}

// reportExtractor covers audit report prose: recommendations phrased as
// requirements, the topics a section discusses and the amounts it
// cites.
type reportExtractor struct{}

func (reportExtractor) entities(dc docContext) []entityRef {
	refs := basicEntities(dc)
	for _, req := range extractRequirements(dc.Text, reportRequirementMarkers, 10) {
		refs = append(refs, entityRef{TypeRequirement, req})
	}
	for _, t := range matchTopics(dc.Merged, reportTopicRules) {
		refs = append(refs, entityRef{TypeTopic, t})
	}
	for _, a := range extractAmounts(dc.Merged) {
		refs = append(refs, entityRef{TypeAmount, a})
	}
	return refs
}

func (reportExtractor) relations(dc docContext) []relationRecord {
	reqs := extractRequirements(dc.Text, reportRequirementMarkers, 10)
	clauses := extractClauses(dc.Text)
	topics := matchTopics(dc.Merged, reportTopicRules)
	years := extractYears(dc.Merged)

	var recs []relationRecord
	for _, req := range reqs {
		for _, c := range clauses {
			recs = append(recs, relationRecord{
				SourceType: TypeRequirement, SourceValue: req,
				Relation:   RelRelatedClause,
				TargetType: TypeClause, TargetValue: c,
				Confidence: 0.82, Weight: 1.1,
				Bidirectional: true, Reverse: RelClauseRelatedBy,
			})
		}
		for _, r := range extractRisks(req) {
			recs = append(recs, relationRecord{
				SourceType: TypeRequirement, SourceValue: req,
				Relation:   RelAddressesRisk,
				TargetType: TypeRiskType, TargetValue: r,
				Confidence: 0.75, Weight: 1.05,
				Bidirectional: true, Reverse: RelRiskAddressedBy,
			})
		}
	}
	for _, t := range topics {
		for _, c := range clauses {
			recs = append(recs, relationRecord{
				SourceType: TypeTopic, SourceValue: t,
				Relation:   RelRelatedClause,
				TargetType: TypeClause, TargetValue: c,
				Confidence: 0.76, Weight: 1.08,
				Bidirectional: true, Reverse: RelClauseRelatedBy,
			})
		}
		// Topic-to-year stays one way: the year node would otherwise
		// fan out to every topic in the corpus.
		for _, y := range years {
			recs = append(recs, relationRecord{
				SourceType: TypeTopic, SourceValue: t,
				Relation:   RelOccursInYear,
				TargetType: TypeYear, TargetValue: y,
				Confidence: 0.7, Weight: 0.95,
			})
		}
	}
	return recs
}
