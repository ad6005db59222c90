package parser

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXParser handles Word documents. Paragraphs and tables are emitted in
// document order; DOCX has no fixed page concept, so every block carries
// page 1.
type DOCXParser struct{}

func (p *DOCXParser) SupportedFormats() []string { return []string{"docx"} }

func (p *DOCXParser) Parse(ctx context.Context, path string) ([]Block, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening DOCX: %w", err)
	}
	defer r.Close()

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("word/document.xml not found in DOCX")
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document.xml: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	blocks, err := parseDocxXML(data)
	if err != nil {
		return nil, fmt.Errorf("parsing DOCX XML: %w", err)
	}
	return blocks, nil
}

func parseDocxXML(data []byte) ([]Block, error) {
	var doc docxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var blocks []Block
	for _, item := range doc.Body.Items {
		switch {
		case item.Para != nil:
			text := extractParaText(*item.Para)
			if text == "" {
				continue
			}
			kind := KindParagraph
			if item.Para.isHeading() {
				kind = KindHeading
			}
			blocks = append(blocks, Block{Text: text, Page: 1, Kind: kind})

		case item.Table != nil:
			for _, row := range item.Table.Rows {
				cells := make([]string, 0, len(row.Cells))
				empty := true
				for _, cell := range row.Cells {
					var cellText strings.Builder
					for _, cp := range cell.Paras {
						t := extractParaText(cp)
						if t == "" {
							continue
						}
						if cellText.Len() > 0 {
							cellText.WriteString(" ")
						}
						cellText.WriteString(t)
					}
					c := cellText.String()
					if c != "" {
						empty = false
					}
					cells = append(cells, c)
				}
				if empty || isLedgerHeaderRow(cells) {
					continue
				}
				blocks = append(blocks, Block{
					Text: strings.Join(cells, " | "),
					Page: 1,
					Kind: KindTableRow,
				})
			}
		}
	}
	return blocks, nil
}

func extractParaText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

// DOCX XML structures (simplified).
type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

// docxBody preserves the interleaving of paragraphs and tables, which the
// default struct decoding would lose.
type docxBody struct {
	Items []docxBodyItem
}

type docxBodyItem struct {
	Para  *docxPara
	Table *docxTable
}

func (b *docxBody) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				var p docxPara
				if err := d.DecodeElement(&p, &t); err != nil {
					return err
				}
				b.Items = append(b.Items, docxBodyItem{Para: &p})
			case "tbl":
				var tbl docxTable
				if err := d.DecodeElement(&tbl, &t); err != nil {
					return err
				}
				b.Items = append(b.Items, docxBodyItem{Table: &tbl})
			default:
				if err := d.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return nil
			}
		}
	}
}

type docxPara struct {
	PPr  *docxParaPr `xml:"pPr"`
	Runs []docxRun   `xml:"r"`
}

// isHeading reports whether the paragraph carries a heading style name or
// an outline level.
func (p docxPara) isHeading() bool {
	if p.PPr == nil {
		return false
	}
	if p.PPr.PStyle != nil {
		style := strings.ToLower(p.PPr.PStyle.Val)
		if strings.HasPrefix(style, "heading") || strings.HasPrefix(style, "title") {
			return true
		}
	}
	return p.PPr.OutlineLvl != nil
}

type docxParaPr struct {
	PStyle     *docxVal `xml:"pStyle"`
	OutlineLvl *docxVal `xml:"outlineLvl"`
}

type docxVal struct {
	Val string `xml:"val,attr"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
}

type docxText struct {
	Content string `xml:",chardata"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}
