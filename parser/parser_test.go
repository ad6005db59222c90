package parser

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// ---------------------------------------------------------------------------
// Registry tests
// ---------------------------------------------------------------------------

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()

	for _, format := range []string{"pdf", "docx", "txt", "xlsx", "PDF", ".pdf"} {
		if _, err := r.Get(format); err != nil {
			t.Errorf("Get(%q) returned error: %v", format, err)
		}
	}

	if _, err := r.Get("exe"); err == nil {
		t.Error("Get(exe) should return an error")
	}
}

// ---------------------------------------------------------------------------
// Text parser tests
// ---------------------------------------------------------------------------

func TestTextParserParse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	content := "第一条 为了规范管理。\n\n第二条 适用范围如下。"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &TextParser{}
	blocks, err := p.Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(blocks) != 2 {
		t.Fatalf("expected 2 paragraph blocks, got %d", len(blocks))
	}
	if blocks[0].Text != "第一条 为了规范管理。" {
		t.Errorf("blocks[0].Text = %q", blocks[0].Text)
	}
	for i, b := range blocks {
		if b.Kind != KindParagraph {
			t.Errorf("blocks[%d].Kind = %q, want paragraph", i, b.Kind)
		}
		if b.Page != 1 {
			t.Errorf("blocks[%d].Page = %d, want 1", i, b.Page)
		}
	}
}

func TestTextParserGB18030(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gbk.txt")

	encoded, _, err := transform.Bytes(simplifiedchinese.GB18030.NewEncoder(), []byte("审计发现问题。"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		t.Fatal(err)
	}

	p := &TextParser{}
	blocks, err := p.Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Text != "审计发现问题。" {
		t.Errorf("GB18030 decode failed, got %+v", blocks)
	}
}

func TestTextParserEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(path, []byte("   \n\n  "), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &TextParser{}
	blocks, err := p.Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("expected 0 blocks for whitespace-only file, got %d", len(blocks))
	}
}

// ---------------------------------------------------------------------------
// PDF row assembly tests (pure helpers, no PDF file needed)
// ---------------------------------------------------------------------------

func TestSplitCells(t *testing.T) {
	// Adjacent glyphs stay in one cell.
	prose := []textSpan{
		{X: 10, W: 10, FontSize: 10, S: "审"},
		{X: 20, W: 10, FontSize: 10, S: "计"},
		{X: 30, W: 10, FontSize: 10, S: "报"},
		{X: 40, W: 10, FontSize: 10, S: "告"},
	}
	cells := splitCells(prose)
	if len(cells) != 1 {
		t.Fatalf("prose spans: expected 1 cell, got %d", len(cells))
	}
	if cells[0].Text != "审计报告" {
		t.Errorf("cell text = %q", cells[0].Text)
	}

	// A wide gap opens a new cell.
	table := []textSpan{
		{X: 10, W: 10, FontSize: 10, S: "1"},
		{X: 80, W: 10, FontSize: 10, S: "财政部"},
		{X: 200, W: 10, FontSize: 10, S: "采购问题"},
	}
	cells = splitCells(table)
	if len(cells) != 3 {
		t.Fatalf("table spans: expected 3 cells, got %d", len(cells))
	}
	if cells[1].Text != "财政部" || cells[1].X != 80 {
		t.Errorf("cells[1] = %+v", cells[1])
	}
}

func TestAssembleTableRows(t *testing.T) {
	physical := [][]rowCell{
		{{X: 10, Text: "序号"}, {X: 80, Text: "部门单位"}, {X: 200, Text: "问题摘要"}, {X: 400, Text: "整改情况"}},
		{{X: 10, Text: "1"}, {X: 80, Text: "财政部"}, {X: 200, Text: "预算执行不规范"}, {X: 400, Text: "已整改"}},
		{{X: 200, Text: "涉及金额500万元"}},
		{{X: 10, Text: "2"}, {X: 200, Text: "采购程序违规"}, {X: 400, Text: "持续整改"}},
	}

	blocks := assembleTableRows(physical, 3)

	if len(blocks) != 2 {
		t.Fatalf("expected 2 logical rows, got %d: %+v", len(blocks), blocks)
	}
	for i, b := range blocks {
		if b.Kind != KindTableRow {
			t.Errorf("blocks[%d].Kind = %q, want table_row", i, b.Kind)
		}
		if b.Page != 3 {
			t.Errorf("blocks[%d].Page = %d, want 3", i, b.Page)
		}
	}

	// Continuation line merged into row 1's issue column.
	if !strings.Contains(blocks[0].Text, "预算执行不规范 涉及金额500万元") {
		t.Errorf("row 1 missing merged continuation: %q", blocks[0].Text)
	}
	// Department carried forward into row 2.
	if !strings.HasPrefix(blocks[1].Text, "2 | 财政部") {
		t.Errorf("row 2 missing carried department: %q", blocks[1].Text)
	}
}

func TestAssembleTableRowsNoIndexColumn(t *testing.T) {
	// Without a numeric index column every physical row stands alone.
	physical := [][]rowCell{
		{{X: 10, Text: "条款"}, {X: 200, Text: "内容A"}},
		{{X: 10, Text: "附则"}, {X: 200, Text: "内容B"}},
	}

	blocks := assembleTableRows(physical, 1)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(blocks))
	}
	if blocks[0].Text != "条款 | 内容A" {
		t.Errorf("blocks[0].Text = %q", blocks[0].Text)
	}
}

func TestAssemblePageBlocks(t *testing.T) {
	physical := [][]rowCell{
		{{X: 10, Text: "第一章 总则"}},
		{{X: 10, Text: "本制度适用于全部门。"}},
		{{X: 10, Text: "1"}, {X: 80, Text: "审计局"}, {X: 200, Text: "问题一"}, {X: 400, Text: "已整改"}},
		{{X: 10, Text: "2"}, {X: 80, Text: "财政部"}, {X: 200, Text: "问题二"}, {X: 400, Text: "未整改"}},
	}

	blocks := assemblePageBlocks(physical, 1)

	var kinds []string
	for _, b := range blocks {
		kinds = append(kinds, b.Kind)
	}
	want := []string{KindHeading, KindParagraph, KindTableRow, KindTableRow}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("blocks[%d].Kind = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestAssemblePageBlocksLoneMultiCellLine(t *testing.T) {
	// A single spaced line between paragraphs is not a table.
	physical := [][]rowCell{
		{{X: 10, Text: "前言内容。"}},
		{{X: 10, Text: "附件"}, {X: 200, Text: "清单"}},
		{{X: 10, Text: "结尾内容。"}},
	}

	blocks := assemblePageBlocks(physical, 1)
	for _, b := range blocks {
		if b.Kind == KindTableRow {
			t.Errorf("lone multi-cell line became a table row: %q", b.Text)
		}
	}
}

func TestIsHeadingLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"第一章 总则", true},
		{"第十二条 处罚规定", true},
		{"一、总体情况", true},
		{"（二）主要问题", true},
		{"1.2 审计范围", true},
		{"这是一段普通的正文内容。", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isHeadingLine(tt.line); got != tt.want {
			t.Errorf("isHeadingLine(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// DOCX tests
// ---------------------------------------------------------------------------

const docxDocumentXML = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>第一章 总则</w:t></w:r></w:p>
<w:p><w:r><w:t>第一条 </w:t></w:r><w:r><w:t>为了规范管理。</w:t></w:r></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>序号</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>问题摘要</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>1</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>采购程序违规</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
<w:p><w:r><w:t>附则内容。</w:t></w:r></w:p>
</w:body>
</w:document>`

func writeTestDOCX(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "doc.docx")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(docxDocumentXML)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDOCXParse(t *testing.T) {
	path := writeTestDOCX(t, t.TempDir())

	p := &DOCXParser{}
	blocks, err := p.Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var kinds []string
	for _, b := range blocks {
		kinds = append(kinds, b.Kind)
	}
	// Heading, merged-runs paragraph, one data table row (header dropped),
	// trailing paragraph, in document order.
	want := []string{KindHeading, KindParagraph, KindTableRow, KindParagraph}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("blocks[%d].Kind = %q, want %q", i, kinds[i], want[i])
		}
	}

	if blocks[1].Text != "第一条 为了规范管理。" {
		t.Errorf("run merge failed: %q", blocks[1].Text)
	}
	if blocks[2].Text != "1 | 采购程序违规" {
		t.Errorf("table row = %q", blocks[2].Text)
	}
}

func TestDOCXParseMissingDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.docx")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	zw.Close()
	f.Close()

	p := &DOCXParser{}
	if _, err := p.Parse(context.Background(), path); err == nil {
		t.Error("expected error for DOCX without word/document.xml")
	}
}

// ---------------------------------------------------------------------------
// XLSX tests
// ---------------------------------------------------------------------------

func TestXLSXParse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.xlsx")

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	f.SetCellValue(sheet, "A1", "序号")
	f.SetCellValue(sheet, "B1", "部门单位")
	f.SetCellValue(sheet, "C1", "问题摘要")
	f.SetCellValue(sheet, "A2", 1)
	f.SetCellValue(sheet, "B2", "财政部")
	f.SetCellValue(sheet, "C2", "预算执行不规范")
	f.SetCellValue(sheet, "A3", 2)
	f.SetCellValue(sheet, "B3", "审计局")
	f.SetCellValue(sheet, "C3", "资金管理问题")
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	f.Close()

	p := &XLSXParser{}
	blocks, err := p.Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// Header row dropped, two data rows kept.
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d: %+v", len(blocks), blocks)
	}
	if blocks[0].Text != "1 | 财政部 | 预算执行不规范" {
		t.Errorf("blocks[0].Text = %q", blocks[0].Text)
	}
	if blocks[0].Kind != KindTableRow || blocks[0].Page != 1 {
		t.Errorf("blocks[0] = %+v", blocks[0])
	}
}

// ---------------------------------------------------------------------------
// JoinBlocks tests
// ---------------------------------------------------------------------------

func TestJoinBlocks(t *testing.T) {
	blocks := []Block{
		{Text: "第一章 总则", Kind: KindHeading, Page: 1},
		{Text: "正文内容。", Kind: KindParagraph, Page: 1},
		{Text: "1 | 财政部 | 问题 | 已整改", Kind: KindTableRow, Page: 2},
	}

	text := JoinBlocks(blocks)

	if !strings.Contains(text, "第一章 总则\n") {
		t.Error("heading missing from joined text")
	}
	if !strings.Contains(text, " [ROW_START] 1 | 财政部 | 问题 | 已整改") {
		t.Errorf("table row not tagged: %q", text)
	}
}
