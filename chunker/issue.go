package chunker

import (
	"regexp"
	"strings"

	"github.com/junwei-lu/auditrag/parser"
)

// IssueChunker turns 问题整改台账 ledgers into one chunk per issue row.
// Row cells are relabelled so retrieval hits read as prose instead of a
// bare pipe-joined line.
type IssueChunker struct {
	cfg Config
}

func (c *IssueChunker) Name() string { return "audit_issue" }

// rowMarker separates reconstructed table rows inside joined text.
const rowMarker = "[ROW_START]"

var numberedIssueRe = regexp.MustCompile(`(?m)^[0-9０-９]+[、.．]`)

func (c *IssueChunker) Chunk(doc Document) []Chunk {
	size := c.cfg.size()
	var chunks []Chunk
	var leftover []docLine

	emitRow := func(raw string, page int) {
		text := labelRow(raw)
		if strings.TrimSpace(text) == "" {
			return
		}
		if runeLen(text) > 2*size {
			for _, piece := range splitOversize(text, size) {
				chunks = append(chunks, Chunk{Text: piece, Page: page, Boundary: BoundaryIssueRow})
			}
			return
		}
		chunks = append(chunks, Chunk{Text: text, Page: page, Boundary: BoundaryIssueRow})
	}

	for _, b := range doc.Blocks {
		if b.Kind == parser.KindTableRow {
			emitRow(b.Text, b.Page)
			continue
		}
		// Joined text keeps rows behind markers; recover them here so the
		// chunker works on raw text too.
		if strings.Contains(b.Text, rowMarker) {
			segs := strings.Split(b.Text, rowMarker)
			for i, seg := range segs {
				seg = strings.TrimSpace(seg)
				if seg == "" {
					continue
				}
				if i == 0 {
					leftover = append(leftover, docLine{text: seg, page: b.Page})
					continue
				}
				if cut := strings.IndexByte(seg, '\n'); cut >= 0 {
					emitRow(strings.TrimSpace(seg[:cut]), b.Page)
					leftover = append(leftover, docLine{text: strings.TrimSpace(seg[cut+1:]), page: b.Page})
				} else {
					emitRow(seg, b.Page)
				}
			}
			continue
		}
		for _, l := range strings.Split(b.Text, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				leftover = append(leftover, docLine{text: l, page: b.Page})
			}
		}
	}

	if len(chunks) > 0 {
		return seal(chunks)
	}

	// No ledger rows at all. Fall back to numbered-item splitting, then to
	// plain packing.
	if len(leftover) == 0 {
		return nil
	}
	text := joinLines(leftover)
	if locs := numberedIssueRe.FindAllStringIndex(text, -1); len(locs) >= 2 {
		prev := 0
		page := leftover[0].page
		for _, loc := range locs {
			if loc[0] > prev {
				if seg := strings.TrimSpace(text[prev:loc[0]]); seg != "" {
					for _, piece := range splitOversize(seg, size) {
						chunks = append(chunks, Chunk{Text: piece, Page: page, Boundary: BoundaryIssueRow})
					}
				}
			}
			prev = loc[0]
		}
		if seg := strings.TrimSpace(text[prev:]); seg != "" {
			for _, piece := range splitOversize(seg, size) {
				chunks = append(chunks, Chunk{Text: piece, Page: page, Boundary: BoundaryIssueRow})
			}
		}
		return seal(chunks)
	}
	return finalize(packLines(leftover, size, BoundaryParagraph), size)
}

// labelRow rewrites a pipe-joined ledger row into labelled lines. The
// expected cell order is 序号, 部门单位, 问题摘要, 整改情况, extras.
func labelRow(raw string) string {
	parts := strings.Split(raw, "|")
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	switch {
	case len(cells) >= 4:
		lines := []string{
			"部门单位: " + cells[1],
			"问题序号: " + cells[0],
			"问题摘要: " + cells[2],
			"整改情况: " + cells[3],
		}
		if len(cells) > 4 {
			extras := make([]string, 0, len(cells)-4)
			for _, c := range cells[4:] {
				if c != "" {
					extras = append(extras, c)
				}
			}
			if len(extras) > 0 {
				lines = append(lines, "补充信息: "+strings.Join(extras, "；"))
			}
		}
		return strings.Join(lines, "\n")
	case len(cells) == 3:
		return "问题序号: " + cells[0] + "\n部门单位: " + cells[1] + "\n问题摘要: " + cells[2]
	case len(cells) == 2:
		return "问题序号: " + cells[0] + "\n问题摘要: " + cells[1]
	default:
		return strings.TrimSpace(raw)
	}
}
