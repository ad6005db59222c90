package parser

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// TextParser handles plain text (.txt) files. Content that is not valid
// UTF-8 is decoded as GB18030, which covers the GBK ledgers and notices
// this system commonly receives.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt"} }

func (p *TextParser) Parse(ctx context.Context, path string) ([]Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF}) // UTF-8 BOM

	if !utf8.Valid(data) {
		decoded, _, derr := transform.Bytes(simplifiedchinese.GB18030.NewDecoder(), data)
		if derr != nil {
			return nil, fmt.Errorf("decoding text file: %w", derr)
		}
		data = decoded
	}

	return BlocksFromText(string(data)), nil
}

// BlocksFromText splits raw text into paragraph blocks on blank lines.
// It backs the text parser and the chunk preview endpoint, which receives
// text without a file.
func BlocksFromText(text string) []Block {
	content := strings.ReplaceAll(text, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	var blocks []Block
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		blocks = append(blocks, Block{Text: para, Page: 1, Kind: KindParagraph})
	}
	return blocks
}
