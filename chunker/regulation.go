package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// RegulationChunker splits 法规/制度 documents at article boundaries.
// Chapter and section titles are not chunks themselves; they prefix every
// article chunk beneath them so each chunk carries its own context.
type RegulationChunker struct {
	cfg Config
}

func (c *RegulationChunker) Name() string { return "regulation" }

var (
	chapterRe = regexp.MustCompile(`^第[零一二三四五六七八九十百千万0-9]+章`)
	sectionRe = regexp.MustCompile(`^第[零一二三四五六七八九十百千万0-9]+节`)
	articleRe = regexp.MustCompile(`^第[零一二三四五六七八九十百千万0-9]+条`)

	// articleAnywhereRe locates article markers inside a line so that
	// sources without line breaks between articles still split cleanly.
	articleAnywhereRe = regexp.MustCompile(`第[零一二三四五六七八九十百千万0-9]+条`)
)

func (c *RegulationChunker) Chunk(doc Document) []Chunk {
	lines := splitInlineArticles(docLines(doc.Blocks))
	if len(lines) == 0 {
		return nil
	}
	size := c.cfg.size()

	var chunks []Chunk
	var chapter, section string
	var buf []docLine
	inArticle := false

	path := func() string {
		var parts []string
		if chapter != "" {
			parts = append(parts, chapter)
		}
		if section != "" {
			parts = append(parts, section)
		}
		return strings.Join(parts, "\n")
	}

	flush := func() {
		if len(buf) == 0 {
			return
		}
		chunks = append(chunks, c.packArticle(buf, path(), inArticle, size)...)
		buf = nil
	}

	for _, l := range lines {
		switch {
		case l.row:
			buf = append(buf, l)
		case chapterRe.MatchString(l.text):
			flush()
			chapter, section = l.text, ""
			inArticle = false
		case sectionRe.MatchString(l.text):
			flush()
			section = l.text
			inArticle = false
		case articleRe.MatchString(l.text):
			flush()
			buf = append(buf, l)
			inArticle = true
		default:
			buf = append(buf, l)
		}
	}
	flush()

	// A trailing chapter or section title with no body would otherwise
	// vanish; emit it so no source text is lost.
	if len(chunks) == 0 && path() != "" {
		chunks = append(chunks, Chunk{Text: path(), Page: lines[0].page, Boundary: BoundarySection})
	}
	return seal(chunks)
}

// packArticle turns one article (or the preamble before the first header)
// into chunks. Oversize articles are repacked at line boundaries with the
// section path and article header repeated on every piece.
func (c *RegulationChunker) packArticle(buf []docLine, prefix string, inArticle bool, size int) []Chunk {
	page := buf[0].page
	body := joinLines(buf)
	full := body
	if prefix != "" {
		full = prefix + "\n" + body
	}
	boundary := BoundarySection
	if inArticle {
		boundary = BoundaryArticle
	}
	if runeLen(full) <= size {
		return []Chunk{{Text: full, Page: page, Boundary: boundary}}
	}
	if !inArticle {
		var chunks []Chunk
		for _, piece := range splitOversize(full, size) {
			chunks = append(chunks, Chunk{Text: piece, Page: page, Boundary: boundary})
		}
		return chunks
	}

	header := buf[0].text
	head := header
	if prefix != "" {
		head = prefix + "\n" + header
	}
	budget := size - runeLen(head) - 1
	if budget < size/2 {
		budget = size / 2
	}

	var chunks []Chunk
	rest := joinLines(buf[1:])
	for _, piece := range splitOversize(rest, budget) {
		chunks = append(chunks, Chunk{Text: head + "\n" + piece, Page: page, Boundary: BoundarySubArticle})
	}
	if len(chunks) == 0 {
		// Header alone was oversize; fall back to plain splitting.
		for _, piece := range splitOversize(full, size) {
			chunks = append(chunks, Chunk{Text: piece, Page: page, Boundary: BoundarySubArticle})
		}
	}
	return chunks
}

// splitInlineArticles breaks lines that carry several articles. A marker
// counts as an article start only at the line head or right after sentence
// punctuation or whitespace, so references like 依据第五条 stay intact.
func splitInlineArticles(lines []docLine) []docLine {
	var out []docLine
	for _, l := range lines {
		if l.row {
			out = append(out, l)
			continue
		}
		starts := inlineArticleStarts(l.text)
		if len(starts) == 0 {
			out = append(out, l)
			continue
		}
		prev := 0
		for _, s := range starts {
			if seg := strings.TrimSpace(l.text[prev:s]); seg != "" {
				out = append(out, docLine{text: seg, page: l.page})
			}
			prev = s
		}
		if seg := strings.TrimSpace(l.text[prev:]); seg != "" {
			out = append(out, docLine{text: seg, page: l.page})
		}
	}
	return out
}

func inlineArticleStarts(s string) []int {
	locs := articleAnywhereRe.FindAllStringIndex(s, -1)
	var starts []int
	for _, loc := range locs {
		if loc[0] == 0 {
			continue
		}
		r, _ := utf8.DecodeLastRuneInString(s[:loc[0]])
		if isBreak(r, primaryBreaks) || isBreak(r, secondaryBreaks) {
			starts = append(starts, loc[0])
		}
	}
	return starts
}
