package parser

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser handles PDF files. Text pages are split into heading and
// paragraph blocks; pages laid out as tables (audit-issue ledgers) are
// reconstructed into logical rows, re-joining rows whose cells were
// wrapped across physical lines.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) ([]Block, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	var blocks []Block
	totalPages := reader.NumPage()

	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		blocks = append(blocks, extractPageBlocks(page, i)...)
	}
	return blocks, nil
}

// textSpan is one positioned text fragment from the PDF content stream.
type textSpan struct {
	X, W     float64
	FontSize float64
	S        string
}

// rowCell is one assembled cell with its starting X position.
type rowCell struct {
	X    float64
	Text string
}

func extractPageBlocks(page pdf.Page, pageNo int) []Block {
	rows, err := page.GetTextByRow()
	if err != nil || len(rows) == 0 {
		return plainTextBlocks(page, pageNo)
	}

	physical := make([][]rowCell, 0, len(rows))
	for _, row := range rows {
		spans := make([]textSpan, 0, len(row.Content))
		for _, t := range row.Content {
			spans = append(spans, textSpan{X: t.X, W: t.W, FontSize: t.FontSize, S: t.S})
		}
		cells := splitCells(spans)
		if len(cells) > 0 {
			physical = append(physical, cells)
		}
	}

	return assemblePageBlocks(physical, pageNo)
}

// plainTextBlocks is the fallback when row extraction fails: plain page
// text split into heading and paragraph blocks line by line.
func plainTextBlocks(page pdf.Page, pageNo int) []Block {
	text, err := page.GetPlainText(nil)
	if err != nil {
		return nil
	}
	return linesToBlocks(strings.Split(text, "\n"), pageNo)
}

// splitCells groups positioned spans into cells: a horizontal gap wider
// than the running font size opens a new cell. CJK body text has near-zero
// inter-glyph gaps, so prose stays in one cell while true table columns
// split.
func splitCells(spans []textSpan) []rowCell {
	var cells []rowCell
	var cur strings.Builder
	var curX float64
	prevEnd := -1.0
	fontSize := 12.0

	flush := func() {
		t := strings.TrimSpace(cur.String())
		if t != "" {
			cells = append(cells, rowCell{X: curX, Text: t})
		}
		cur.Reset()
	}

	for _, s := range spans {
		if s.FontSize > 0 {
			fontSize = s.FontSize
		}
		if prevEnd >= 0 && s.X-prevEnd > fontSize*1.5 {
			flush()
			curX = s.X
		} else if cur.Len() == 0 {
			curX = s.X
		}
		cur.WriteString(s.S)
		prevEnd = s.X + s.W
	}
	flush()
	return cells
}

// assemblePageBlocks walks the physical cell-rows of a page, emitting text
// blocks for single-cell lines and reconstructed table rows for runs of
// multi-cell lines.
func assemblePageBlocks(physical [][]rowCell, pageNo int) []Block {
	var blocks []Block
	var textLines []string
	var tableRun [][]rowCell

	flushText := func() {
		blocks = append(blocks, linesToBlocks(textLines, pageNo)...)
		textLines = nil
	}
	flushTable := func() {
		if len(tableRun) == 0 {
			return
		}
		// A lone multi-cell line inside prose is usually a spaced heading
		// or a number run, not a table.
		if len(tableRun) < 2 {
			for _, cells := range tableRun {
				parts := make([]string, len(cells))
				for i, c := range cells {
					parts[i] = c.Text
				}
				textLines = append(textLines, strings.Join(parts, " "))
			}
			tableRun = nil
			return
		}
		blocks = append(blocks, assembleTableRows(tableRun, pageNo)...)
		tableRun = nil
	}

	for _, cells := range physical {
		if len(cells) >= 2 {
			flushText()
			tableRun = append(tableRun, cells)
			continue
		}
		flushTable()
		textLines = append(textLines, cells[0].Text)
	}
	flushTable()
	flushText()
	return blocks
}

// assembleTableRows reconstructs logical ledger rows from physical cell
// rows. Columns are found by clustering cell X positions; a physical row
// whose first column holds a bare integer starts a new logical row, and
// rows without one continue the open row (their cells appended to the
// matching columns). Missing index and department cells inherit the
// values of the previous row. Ledger header rows are dropped.
func assembleTableRows(physical [][]rowCell, pageNo int) []Block {
	const colTolerance = 18.0

	// Column anchors from all rows.
	var anchors []float64
	for _, row := range physical {
		for _, c := range row {
			found := false
			for _, a := range anchors {
				if abs(c.X-a) <= colTolerance {
					found = true
					break
				}
			}
			if !found {
				anchors = append(anchors, c.X)
			}
		}
	}
	sortFloats(anchors)

	slot := func(x float64) int {
		best, bestDist := 0, abs(x-anchors[0])
		for i := 1; i < len(anchors); i++ {
			if d := abs(x - anchors[i]); d < bestDist {
				best, bestDist = i, d
			}
		}
		return best
	}

	// Map physical rows onto the column grid.
	grid := make([][]string, 0, len(physical))
	for _, row := range physical {
		cells := make([]string, len(anchors))
		for _, c := range row {
			i := slot(c.X)
			if cells[i] != "" {
				cells[i] += " "
			}
			cells[i] += c.Text
		}
		grid = append(grid, cells)
	}

	// Merge continuation rows into logical rows.
	var logical [][]string
	hasIndexColumn := false
	for _, cells := range grid {
		if isBareIndex(cells[0]) {
			hasIndexColumn = true
			break
		}
	}
	for _, cells := range grid {
		if isLedgerHeaderRow(cells) {
			continue
		}
		startsNew := !hasIndexColumn || isBareIndex(cells[0])
		if startsNew || len(logical) == 0 {
			logical = append(logical, cells)
			continue
		}
		open := logical[len(logical)-1]
		for i, c := range cells {
			if c == "" {
				continue
			}
			if open[i] != "" {
				open[i] += " "
			}
			open[i] += c
		}
	}

	// Carry forward index and department, then emit.
	var blocks []Block
	var lastIdx, lastDept string
	ledgerShaped := len(anchors) >= 4 && hasIndexColumn
	for _, cells := range logical {
		if ledgerShaped {
			if cells[0] == "" {
				cells[0] = lastIdx
			} else {
				lastIdx = cells[0]
			}
			if cells[1] == "" {
				cells[1] = lastDept
			} else {
				lastDept = cells[1]
			}
			// Rows with no content beyond index and department are noise.
			rest := strings.TrimSpace(strings.Join(cells[2:], ""))
			if rest == "" {
				continue
			}
		}
		out := make([]string, 0, len(cells))
		for _, c := range cells {
			if c != "" {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			continue
		}
		blocks = append(blocks, Block{
			Text: strings.Join(out, " | "),
			Page: pageNo,
			Kind: KindTableRow,
		})
	}
	return blocks
}

// linesToBlocks converts raw text lines into heading and paragraph blocks.
// Consecutive body lines accumulate into one paragraph; heading-patterned
// lines are emitted on their own.
func linesToBlocks(lines []string, pageNo int) []Block {
	var blocks []Block
	var para strings.Builder

	flush := func() {
		t := strings.TrimSpace(para.String())
		if t != "" {
			blocks = append(blocks, Block{Text: t, Page: pageNo, Kind: KindParagraph})
		}
		para.Reset()
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		if isHeadingLine(line) {
			flush()
			blocks = append(blocks, Block{Text: line, Page: pageNo, Kind: KindHeading})
			continue
		}
		if para.Len() > 0 {
			para.WriteString("\n")
		}
		para.WriteString(line)
	}
	flush()
	return blocks
}

var headingLinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^第[一二三四五六七八九十百千万零0-9]+[章节条]`),
	regexp.MustCompile(`^[一二三四五六七八九十]+、`),
	regexp.MustCompile(`^[（(][一二三四五六七八九十]+[)）]`),
	regexp.MustCompile(`^\d+(\.\d+)+\.?\s`),
}

func isHeadingLine(line string) bool {
	if len([]rune(line)) > 60 {
		return false
	}
	for _, p := range headingLinePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

var bareIndexRe = regexp.MustCompile(`^\d{1,4}$`)

func isBareIndex(s string) bool {
	return bareIndexRe.MatchString(strings.TrimSpace(s))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func sortFloats(fs []float64) {
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0 && fs[j] < fs[j-1]; j-- {
			fs[j], fs[j-1] = fs[j-1], fs[j]
		}
	}
}
