package chunker

import (
	"regexp"
	"strings"
)

// ReportChunker splits audit reports along their 一、（一）outline. Level
// one and two headings force a new chunk and are re-injected into every
// continuation chunk of their section, so a chunk read alone still says
// which finding it belongs to.
type ReportChunker struct {
	cfg Config
}

func (c *ReportChunker) Name() string { return "audit_report" }

var (
	level1Re = regexp.MustCompile(`^[一二三四五六七八九十百]+、`)
	level2Re = regexp.MustCompile(`^[（(][一二三四五六七八九十百]+[)）]`)
	level3Re = regexp.MustCompile(`^[0-9０-９]+[、.．]`)

	// substantiveRe marks content worth keeping when deciding whether a
	// chunk is only a bare heading.
	substantiveRe = regexp.MustCompile(`[0-9０-９]|万元|亿元|违规|问题|整改|要求|金额`)
)

func (c *ReportChunker) Chunk(doc Document) []Chunk {
	lines := docLines(doc.Blocks)
	if len(lines) == 0 {
		return nil
	}
	size := c.cfg.size()

	var chunks []Chunk
	var level1, level2 string
	var buf []docLine
	bufLen := 0
	part := 0

	// Content is split before titles are injected so every piece, not just
	// the first, opens with its section headings.
	flush := func() {
		if len(buf) == 0 {
			return
		}
		budget := size
		if n := runeLen(level1) + runeLen(level2); n > 0 {
			budget = size - n - 2
			if budget < size/2 {
				budget = size / 2
			}
		}
		page := buf[0].page
		for _, piece := range splitOversize(joinLines(buf), budget) {
			text := injectTitles(piece, level1, level2)
			if pureTitle(text, level1, level2) {
				continue
			}
			b := BoundaryReport
			if part > 0 {
				b = BoundaryReportCont
			}
			chunks = append(chunks, Chunk{Text: text, Page: page, Boundary: b})
			part++
		}
		buf = nil
		bufLen = 0
	}

	for _, l := range lines {
		switch {
		case level1Re.MatchString(l.text):
			flush()
			level1, level2 = l.text, ""
			part = 0
		case level2Re.MatchString(l.text):
			flush()
			level2 = l.text
			part = 0
		default:
			n := runeLen(l.text)
			if bufLen > 0 && bufLen+n > size {
				flush()
			} else if level3Re.MatchString(l.text) && bufLen > size*3/4 {
				// Numbered items make better cut points than raw size.
				flush()
			}
			buf = append(buf, l)
			bufLen += n + 1
		}
	}
	flush()
	return seal(chunks)
}

// injectTitles prefixes the section headings a chunk belongs to, unless the
// chunk already opens with them.
func injectTitles(text, level1, level2 string) string {
	var prefix []string
	if level1 != "" && !strings.HasPrefix(text, level1) {
		prefix = append(prefix, level1)
	}
	if level2 != "" && !strings.HasPrefix(text, level2) {
		prefix = append(prefix, level2)
	}
	if len(prefix) == 0 {
		return text
	}
	return strings.Join(prefix, "\n") + "\n" + text
}

// pureTitle reports whether a chunk carries nothing beyond its headings.
// Such chunks are dropped; the headings live on inside their children.
func pureTitle(text, level1, level2 string) bool {
	rest := text
	if level1 != "" {
		rest = strings.ReplaceAll(rest, level1, "")
	}
	if level2 != "" {
		rest = strings.ReplaceAll(rest, level2, "")
	}
	rest = strings.TrimSpace(rest)
	if runeLen(rest) >= 10 {
		return false
	}
	return !substantiveRe.MatchString(rest)
}
