package graph

// Node types recognised by the extraction ontology. The structural
// types document and chunk anchor provenance; the rest are domain
// entities produced by the extractors.
const (
	TypeDocument    = "document"
	TypeChunk       = "chunk"
	TypeDocType     = "doc_type"
	TypeYear        = "year"
	TypeClause      = "clause"
	TypeSection     = "section"
	TypeDepartment  = "department"
	TypeTopic       = "topic"
	TypeIssue       = "issue"
	TypeRectAction  = "rectification_action"
	TypeRectStatus  = "rectification_status"
	TypeRequirement = "control_requirement"
	TypeRiskType    = "risk_type"
	TypeAmount      = "amount"
)

// Relation types. Every forward relation has a reverse partner so the
// graph stays navigable from either endpoint; whether the reverse edge
// is actually written is decided per extraction record.
const (
	RelContains    = "contains"
	RelPartOf      = "part_of"
	RelMentions    = "mentions"
	RelMentionedBy = "mentioned_by"

	RelBelongsToDepartment = "belongs_to_department"
	RelHasIssue            = "has_issue"
	RelRequiresAction      = "requires_action"
	RelActionForIssue      = "action_for_issue"
	RelHasStatus           = "has_status"
	RelStatusOfAction      = "status_of_action"
	RelOccursInYear        = "occurs_in_year"
	RelYearOfIssue         = "year_of_issue"
	RelHasAmount           = "has_amount"
	RelAmountForIssue      = "amount_for_issue"
	RelHasRiskType         = "has_risk_type"
	RelRiskTypeOfIssue     = "risk_type_of_issue"

	RelRelatedClause   = "related_clause"
	RelClauseRelatedBy = "clause_related_by"
	RelViolatesClause  = "violates_clause"
	RelViolatedByIssue = "violated_by_issue"
	RelAddressesRisk   = "addresses_risk"
	RelRiskAddressedBy = "risk_addressed_by"
)

// RelationWeights drive traversal: heavier relations are expanded first
// and contribute more to path products during scoring.
var RelationWeights = map[string]float64{
	RelContains:    0.70,
	RelPartOf:      0.70,
	RelMentions:    0.90,
	RelMentionedBy: 0.90,

	RelBelongsToDepartment: 1.15,
	RelHasIssue:            1.15,
	RelRequiresAction:      1.20,
	RelActionForIssue:      1.20,
	RelHasStatus:           1.00,
	RelStatusOfAction:      1.00,
	RelOccursInYear:        0.95,
	RelYearOfIssue:         0.95,
	RelHasAmount:           1.00,
	RelAmountForIssue:      1.00,
	RelHasRiskType:         1.10,
	RelRiskTypeOfIssue:     1.10,

	RelRelatedClause:   1.12,
	RelClauseRelatedBy: 1.12,
	RelViolatesClause:  1.25,
	RelViolatedByIssue: 1.25,
	RelAddressesRisk:   1.05,
	RelRiskAddressedBy: 1.05,
}
