package chunker

import (
	"regexp"
	"strings"

	"github.com/junwei-lu/auditrag/parser"
)

// SmartChunker picks a concrete chunker per document. An explicit document
// type wins; otherwise content heuristics probe for an issue ledger, then
// a regulation, then an audit report, falling back to the default splitter.
type SmartChunker struct {
	cfg Config
}

func (c *SmartChunker) Name() string { return "smart" }

func (c *SmartChunker) Chunk(doc Document) []Chunk {
	sub, _ := c.Resolve(doc)
	return sub.Chunk(doc)
}

// Resolve returns the chunker chosen for the document together with its
// type name, so callers can report which strategy actually ran.
func (c *SmartChunker) Resolve(doc Document) (Chunker, string) {
	name := Detect(doc)
	sub, err := New(name, c.cfg)
	if err != nil {
		return &DefaultChunker{cfg: c.cfg}, "default"
	}
	return sub, name
}

// Detect returns the chunker type name for a document.
func Detect(doc Document) string {
	switch doc.DocType {
	case "internal_regulation", "external_regulation":
		return "regulation"
	case "internal_report", "external_report":
		return "audit_report"
	case "audit_issue":
		return "audit_issue"
	}

	name := doc.Title + " " + doc.Filename
	head := detectionSample(doc.Blocks)
	rows := countRows(doc.Blocks)

	// Ledger column labels near the top of the text mark an issue list
	// even when the rows arrive as plain paragraphs.
	ledgerMarkers := countAny(truncateRunes(head, 1000), "整改情况", "问题摘要", "审计查出", "部门单位")
	if rows >= 2 || ledgerMarkers >= 2 || containsAny(name, "问题清单", "整改台账", "问题台账", "整改清单") {
		return "audit_issue"
	}

	articles := len(articleAnywhereRe.FindAllString(head, -1))
	if articles >= 3 || (articles >= 1 && containsAny(name, "办法", "条例", "规定", "细则", "制度", "规范", "准则")) {
		return "regulation"
	}

	level1 := countHeadingLines(head, level1Re)
	if containsAny(name, "审计报告", "审计结果") || (level1 >= 2 && containsAny(head, "审计", "整改", "问题")) {
		return "audit_report"
	}
	return "default"
}

// detectionSample joins the first blocks up to a few thousand characters,
// enough for the structural probes without scanning huge documents.
func detectionSample(blocks []parser.Block) string {
	const limit = 3000
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Text)
		sb.WriteByte('\n')
		if sb.Len() >= limit*3 {
			break
		}
	}
	return truncateRunes(sb.String(), limit)
}

func truncateRunes(s string, n int) string {
	if runes := []rune(s); len(runes) > n {
		return string(runes[:n])
	}
	return s
}

func countRows(blocks []parser.Block) int {
	n := 0
	for _, b := range blocks {
		if b.Kind == parser.KindTableRow {
			n++
		}
		n += strings.Count(b.Text, rowMarker)
	}
	return n
}

func countHeadingLines(text string, re *regexp.Regexp) int {
	n := 0
	for _, l := range strings.Split(text, "\n") {
		if re.MatchString(strings.TrimSpace(l)) {
			n++
		}
	}
	return n
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// countAny counts how many of the markers appear in s.
func countAny(s string, subs ...string) int {
	n := 0
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}
