package graph

// Display labels for API responses. Lookups fall back to the raw key so
// unknown values still render.

var entityTypeLabels = map[string]string{
	TypeDocument:    "文档",
	TypeChunk:       "分块",
	TypeDocType:     "文档类型",
	TypeYear:        "年份",
	TypeClause:      "条款",
	TypeSection:     "章节",
	TypeDepartment:  "部门",
	TypeTopic:       "问题主题",
	TypeIssue:       "问题",
	TypeRectAction:  "整改措施",
	TypeRectStatus:  "整改状态",
	TypeRequirement: "管控要求",
	TypeRiskType:    "风险类型",
	TypeAmount:      "金额",
}

var relationLabels = map[string]string{
	RelContains:    "包含",
	RelPartOf:      "属于",
	RelMentions:    "提及",
	RelMentionedBy: "被提及于",

	RelBelongsToDepartment: "归属部门",
	RelHasIssue:            "有问题",
	RelRequiresAction:      "需要整改措施",
	RelActionForIssue:      "措施对应问题",
	RelHasStatus:           "具有状态",
	RelStatusOfAction:      "状态对应措施",
	RelOccursInYear:        "发生于年份",
	RelYearOfIssue:         "年份对应问题",
	RelHasAmount:           "涉及金额",
	RelAmountForIssue:      "金额对应问题",
	RelHasRiskType:         "涉及风险类型",
	RelRiskTypeOfIssue:     "风险类型对应问题",

	RelRelatedClause:   "关联条款",
	RelClauseRelatedBy: "被关联条款",
	RelViolatesClause:  "违反条款",
	RelViolatedByIssue: "被问题违反",
	RelAddressesRisk:   "应对风险",
	RelRiskAddressedBy: "被用于应对风险",
}

var docTypeLabels = map[string]string{
	"internal_regulation": "内部制度",
	"external_regulation": "外部法规",
	"internal_report":     "内部审计报告",
	"external_report":     "外部审计报告",
	"audit_issue":         "审计问题整改",
	"unknown":             "未知类型",
}

var (
	entityLabelToType = make(map[string]string, len(entityTypeLabels))
	relationLabelToID = make(map[string]string, len(relationLabels))
)

func init() {
	for k, v := range entityTypeLabels {
		entityLabelToType[v] = k
	}
	for k, v := range relationLabels {
		relationLabelToID[v] = k
	}
}

// EntityTypeLabel returns the Chinese label for a node type.
func EntityTypeLabel(nodeType string) string {
	if label, ok := entityTypeLabels[nodeType]; ok {
		return label
	}
	return nodeType
}

// RelationLabel returns the Chinese label for a relation.
func RelationLabel(relation string) string {
	if label, ok := relationLabels[relation]; ok {
		return label
	}
	return relation
}

// DocTypeLabel returns the Chinese label for a document type.
func DocTypeLabel(docType string) string {
	if label, ok := docTypeLabels[docType]; ok {
		return label
	}
	return docType
}

// EntityTypeKey maps a Chinese label back to its node type, so filter
// parameters may be given either way.
func EntityTypeKey(value string) string {
	if key, ok := entityLabelToType[value]; ok {
		return key
	}
	return value
}

// RelationKey maps a Chinese label back to its relation id.
func RelationKey(value string) string {
	if key, ok := relationLabelToID[value]; ok {
		return key
	}
	return value
}
