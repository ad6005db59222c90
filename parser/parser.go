// Package parser extracts ordered text blocks from uploaded documents.
// Each supported format produces the same shape: a flat, ordered list of
// blocks carrying the text, the page it came from, and its structural kind.
package parser

import (
	"context"
	"fmt"
	"strings"
)

// Block kinds.
const (
	KindParagraph = "paragraph"
	KindHeading   = "heading"
	KindTableRow  = "table_row"
)

// Block is one structural unit of a parsed document, in reading order.
type Block struct {
	Text string
	Page int // 1-based; formats without pages use 1 (XLSX uses sheet index)
	Kind string
}

// Parser can parse a specific document format into ordered blocks.
// A parse either returns the complete block list or an error, never both.
type Parser interface {
	Parse(ctx context.Context, path string) ([]Block, error)
	SupportedFormats() []string
}

// Registry maps file extensions to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with all built-in parsers registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(&PDFParser{})
	r.Register(&DOCXParser{})
	r.Register(&TextParser{})
	r.Register(&XLSXParser{})
	return r
}

// Register adds a parser for each of its supported formats.
func (r *Registry) Register(p Parser) {
	for _, f := range p.SupportedFormats() {
		r.parsers[strings.ToLower(f)] = p
	}
}

// Get returns the parser for a format (extension without the dot).
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[strings.ToLower(strings.TrimPrefix(format, "."))]
	if !ok {
		return nil, fmt.Errorf("unsupported document format: %s", format)
	}
	return p, nil
}

// Supported returns the registered format extensions.
func (r *Registry) Supported() []string {
	out := make([]string, 0, len(r.parsers))
	for f := range r.parsers {
		out = append(out, f)
	}
	return out
}

// JoinBlocks renders blocks back to plain text: paragraphs and headings
// on their own lines, table rows tagged so the chunker can recover them.
func JoinBlocks(blocks []Block) string {
	var b strings.Builder
	for _, bl := range blocks {
		if bl.Kind == KindTableRow {
			b.WriteString(" [ROW_START] ")
			b.WriteString(bl.Text)
			b.WriteString("\n")
			continue
		}
		b.WriteString(bl.Text)
		b.WriteString("\n")
	}
	return b.String()
}
