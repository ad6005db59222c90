package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXParser handles spreadsheet files. Audit-issue rectification ledgers
// are frequently delivered as spreadsheets; every data row becomes one
// table_row block so the issue chunker sees the same shape as PDF tables.
type XLSXParser struct{}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx", "xls"} }

func (p *XLSXParser) Parse(ctx context.Context, path string) ([]Block, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var blocks []Block

	for sheetIdx, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}

		page := sheetIdx + 1
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			empty := true
			for _, c := range row {
				c = strings.TrimSpace(strings.ReplaceAll(c, "\n", " "))
				if c != "" {
					empty = false
				}
				cells = append(cells, c)
			}
			if empty {
				continue
			}
			if isLedgerHeaderRow(cells) {
				continue
			}
			blocks = append(blocks, Block{
				Text: strings.Join(cells, " | "),
				Page: page,
				Kind: KindTableRow,
			})
		}
	}

	if len(blocks) == 0 {
		return nil, fmt.Errorf("no data found in XLSX")
	}
	return blocks, nil
}

// isLedgerHeaderRow reports whether a row is the column-header row of an
// audit-issue ledger rather than data.
func isLedgerHeaderRow(cells []string) bool {
	for _, c := range cells {
		if strings.Contains(c, "序号") || strings.Contains(c, "问题摘要") || strings.Contains(c, "整改情况") {
			return true
		}
	}
	return false
}
