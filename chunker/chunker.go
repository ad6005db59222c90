// Package chunker splits parsed documents into retrieval chunks. Each
// chunker type understands one document family: regulations with 第X条
// article structure, audit reports with 一、（一）outlines, audit-issue
// rectification ledgers, and a default splitter for everything else.
package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/junwei-lu/auditrag/parser"
)

// Boundary kinds recorded on chunks.
const (
	BoundaryFullText   = "full_text"
	BoundarySection    = "section"
	BoundaryParagraph  = "paragraph"
	BoundaryArticle    = "article"
	BoundarySubArticle = "sub_article"
	BoundaryReport     = "report_section"
	BoundaryReportCont = "report_cont"
	BoundaryIssueRow   = "audit_issue_row"
)

// Chunk is one retrieval unit produced from a document.
type Chunk struct {
	Text     string
	Seq      int
	Page     int
	Boundary string
}

// Document is the chunker input: parsed blocks plus naming context used
// by smart detection and header injection.
type Document struct {
	Blocks   []parser.Block
	Filename string
	Title    string
	DocType  string
}

// Config controls chunking behaviour. ChunkSize is a character budget;
// no produced chunk exceeds twice this value.
type Config struct {
	ChunkSize int
}

func (c Config) size() int {
	if c.ChunkSize <= 0 {
		return 800
	}
	return c.ChunkSize
}

// Chunker splits a document into ordered chunks.
type Chunker interface {
	Chunk(doc Document) []Chunk
	Name() string
}

// New returns the chunker for the given type name. Short aliases from the
// upload API are accepted.
func New(name string, cfg Config) (Chunker, error) {
	switch name {
	case "regulation", "law":
		return &RegulationChunker{cfg: cfg}, nil
	case "audit_report", "audit":
		return &ReportChunker{cfg: cfg}, nil
	case "audit_issue", "issue":
		return &IssueChunker{cfg: cfg}, nil
	case "default":
		return &DefaultChunker{cfg: cfg}, nil
	case "smart", "":
		return &SmartChunker{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown chunker type: %s", name)
	}
}

// ---------------------------------------------------------------------------
// line stream
// ---------------------------------------------------------------------------

// docLine is one text line with its page of origin.
type docLine struct {
	text string
	page int
	row  bool // came from a table_row block
}

// docLines flattens blocks into lines, preserving order and pages.
func docLines(blocks []parser.Block) []docLine {
	var lines []docLine
	for _, b := range blocks {
		if b.Kind == parser.KindTableRow {
			lines = append(lines, docLine{text: b.Text, page: b.Page, row: true})
			continue
		}
		for _, l := range strings.Split(b.Text, "\n") {
			l = strings.TrimSpace(l)
			if l == "" {
				continue
			}
			lines = append(lines, docLine{text: l, page: b.Page})
		}
	}
	return lines
}

// joinLines renders lines back to a single text.
func joinLines(lines []docLine) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.text
	}
	return strings.Join(parts, "\n")
}

// ---------------------------------------------------------------------------
// default chunker
// ---------------------------------------------------------------------------

// DefaultChunker handles documents with no recognized structure: one chunk
// when the text fits, otherwise header-based, then paragraph, then fixed
// splitting with sentence backoff.
type DefaultChunker struct {
	cfg Config
}

func (c *DefaultChunker) Name() string { return "default" }

func (c *DefaultChunker) Chunk(doc Document) []Chunk {
	lines := docLines(doc.Blocks)
	if len(lines) == 0 {
		return nil
	}
	size := c.cfg.size()

	text := joinLines(lines)
	if runeLen(text) <= size {
		return finalize([]Chunk{{Text: text, Page: lines[0].page, Boundary: BoundaryFullText}}, size)
	}

	// Header-based split when the document repeats a structural pattern.
	if chunks := semanticSplit(lines, size); chunks != nil {
		return finalize(chunks, size)
	}

	// Paragraph packing: lines are already paragraph-shaped.
	chunks := packLines(lines, size, BoundaryParagraph)
	return finalize(chunks, size)
}

var semanticPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^第[零一二三四五六七八九十百千万0-9]+[章条]`),
	regexp.MustCompile(`^[一二三四五六七八九十]+、`),
	regexp.MustCompile(`^[（(][一二三四五六七八九十]+[)）]`),
}

// semanticSplit cuts at repeated header lines. Returns nil when no pattern
// matches at least twice.
func semanticSplit(lines []docLine, size int) []Chunk {
	for _, pat := range semanticPatterns {
		var starts []int
		for i, l := range lines {
			if pat.MatchString(l.text) {
				starts = append(starts, i)
			}
		}
		if len(starts) < 2 {
			continue
		}

		var chunks []Chunk
		emit := func(seg []docLine) {
			if len(seg) == 0 {
				return
			}
			for _, piece := range splitOversize(joinLines(seg), size) {
				chunks = append(chunks, Chunk{Text: piece, Page: seg[0].page, Boundary: BoundarySection})
			}
		}
		if starts[0] > 0 {
			emit(lines[:starts[0]])
		}
		for i, s := range starts {
			end := len(lines)
			if i+1 < len(starts) {
				end = starts[i+1]
			}
			emit(lines[s:end])
		}
		return chunks
	}
	return nil
}

// packLines accumulates lines into chunks of at most size characters.
func packLines(lines []docLine, size int, boundary string) []Chunk {
	var chunks []Chunk
	var buf []docLine
	bufLen := 0

	flush := func() {
		if len(buf) == 0 {
			return
		}
		for _, piece := range splitOversize(joinLines(buf), size) {
			chunks = append(chunks, Chunk{Text: piece, Page: buf[0].page, Boundary: boundary})
		}
		buf = nil
		bufLen = 0
	}

	for _, l := range lines {
		n := runeLen(l.text)
		if bufLen > 0 && bufLen+n > size {
			flush()
		}
		buf = append(buf, l)
		bufLen += n + 1
	}
	flush()
	return chunks
}

// ---------------------------------------------------------------------------
// shared splitting helpers
// ---------------------------------------------------------------------------

func runeLen(s string) int { return len([]rune(s)) }

// sentence terminators searched first when backing off a cut point, then
// weaker separators.
var (
	primaryBreaks   = []rune{'。', '；', '：', '！', '？', '\n'}
	secondaryBreaks = []rune{'，', '、', ' ', '\t'}
)

// splitOversize cuts text into pieces of at most size characters, backing
// cut points off to sentence boundaries past size/2, then to weaker
// punctuation, hard-cutting as a last resort. A trailing piece shorter
// than size/4 is folded into the previous piece.
func splitOversize(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var pieces []string
	for len(runes) > size {
		cut := findCut(runes, size)
		piece := strings.TrimSpace(string(runes[:cut]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		runes = runes[cut:]
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		pieces = append(pieces, rest)
	}
	return mergeTrailing(pieces, size)
}

// findCut locates the cut index at or before size, preferring sentence
// terminators in the back half of the window.
func findCut(runes []rune, size int) int {
	limit := size
	if limit > len(runes) {
		limit = len(runes)
	}
	for i := limit - 1; i >= size/2; i-- {
		if isBreak(runes[i], primaryBreaks) {
			return i + 1
		}
	}
	for i := limit - 1; i >= size/2; i-- {
		if isBreak(runes[i], secondaryBreaks) {
			return i + 1
		}
	}
	return limit
}

func isBreak(r rune, set []rune) bool {
	for _, b := range set {
		if r == b {
			return true
		}
	}
	return false
}

// mergeTrailing folds a final fragment shorter than size/4 into the
// previous piece.
func mergeTrailing(pieces []string, size int) []string {
	if len(pieces) < 2 {
		return pieces
	}
	last := pieces[len(pieces)-1]
	if runeLen(last) < size/4 {
		pieces[len(pieces)-2] = pieces[len(pieces)-2] + "\n" + last
		pieces = pieces[:len(pieces)-1]
	}
	return pieces
}

// seal drops empty chunks and assigns dense sequence numbers. Structural
// chunkers use it directly so that small semantic units, a one-line
// article for instance, survive as their own chunks.
func seal(chunks []Chunk) []Chunk {
	out := chunks[:0]
	for _, ch := range chunks {
		ch.Text = strings.TrimSpace(ch.Text)
		if ch.Text == "" {
			continue
		}
		out = append(out, ch)
	}
	for i := range out {
		out[i].Seq = i
	}
	return out
}

// finalize seals chunks and additionally folds a short trailing chunk into
// its predecessor. Used by size-driven splitting where a trailing sliver
// carries no structure of its own.
func finalize(chunks []Chunk, size int) []Chunk {
	out := seal(chunks)
	if n := len(out); n >= 2 && runeLen(out[n-1].Text) < size/4 {
		out[n-2].Text = out[n-2].Text + "\n" + out[n-1].Text
		out = out[:n-1]
		for i := range out {
			out[i].Seq = i
		}
	}
	return out
}
