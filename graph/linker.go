package graph

import (
	"regexp"
	"strings"
)

// departmentAliases maps common short forms to canonical department
// names. Order matters: longer aliases come before their substrings so
// the first hit wins.
var departmentAliases = []struct {
	Alias     string
	Canonical string
}{
	{"国家发展改革委", "国家发展和改革委员会"},
	{"国家发改委", "国家发展和改革委员会"},
	{"发改委", "国家发展和改革委员会"},
	{"财政部机关司局", "财政部"},
	{"中国人民银行", "中国人民银行"},
	{"央行", "中国人民银行"},
}

var (
	spaceRunRe    = regexp.MustCompile(`\s+`)
	deptPrefixRe  = regexp.MustCompile(`^(?:部门单位|部门)\s*[:：]`)
	parenRe       = regexp.MustCompile(`[（(].*?[）)]`)
	amountPartsRe = regexp.MustCompile(`(\d+(?:\.\d+)?)(亿元|万元|元)`)
)

const edgePunct = "，。；;:：,./\\|[]()（）"

// normalizeEntity canonicalises an extracted entity value before it
// becomes a node name. An empty result means the entity is dropped.
func normalizeEntity(entityType, value string) string {
	value = normalizeWhitespace(value)
	if value == "" {
		return ""
	}
	switch entityType {
	case TypeDepartment:
		return normalizeDepartment(value)
	case TypeClause:
		if m := clauseRe.FindString(value); m != "" {
			return m
		}
		return headRunes(value, 40)
	case TypeAmount:
		return normalizeAmount(value)
	case TypeIssue, TypeRectAction, TypeRequirement, TypeSection:
		return headRunes(value, 120)
	case TypeDocType:
		return strings.ToLower(value)
	default:
		return value
	}
}

func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "　", " ")
	s = spaceRunRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	return strings.Trim(s, edgePunct)
}

func normalizeDepartment(s string) string {
	s = strings.TrimSpace(deptPrefixRe.ReplaceAllString(s, ""))
	s = strings.TrimSpace(parenRe.ReplaceAllString(s, ""))
	for _, a := range departmentAliases {
		if s == a.Alias {
			return a.Canonical
		}
	}
	for _, a := range departmentAliases {
		if strings.Contains(s, a.Alias) {
			return a.Canonical
		}
	}
	return headRunes(s, 60)
}

func normalizeAmount(s string) string {
	s = strings.ReplaceAll(s, ",", "")
	if m := amountPartsRe.FindStringSubmatch(s); m != nil {
		return m[1] + m[2]
	}
	return headRunes(s, 40)
}
