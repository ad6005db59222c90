package answer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/junwei-lu/auditrag/retrieval"
)

// Citation is one resolved source marker from an answer.
type Citation struct {
	Source   int     `json:"source"`
	DocID    string  `json:"doc_id"`
	ChunkID  string  `json:"chunk_id"`
	Filename string  `json:"filename"`
	Title    string  `json:"title"`
	DocType  string  `json:"doc_type"`
	Page     int     `json:"page_no"`
	Score    float64 `json:"score"`
	Preview  string  `json:"preview"`
}

// previewLen caps the cited text preview.
const previewLen = 220

// citationRe matches source markers in both ASCII and full-width
// bracket forms; models answering in Chinese produce either.
var citationRe = regexp.MustCompile(`\[S(\d+)\]|【S(\d+)】`)

// ExtractCitations resolves the source markers in an answer against the
// chunks offered to the model. Markers that do not resolve are stripped
// from the text. The citation list follows first-appearance order with
// duplicates removed.
func ExtractCitations(text string, chunks []retrieval.Result) (string, []Citation) {
	var citations []Citation
	seen := make(map[int]bool)

	cleaned := citationRe.ReplaceAllStringFunc(text, func(token string) string {
		n := sourceNumber(token)
		if n < 1 || n > len(chunks) {
			return ""
		}
		if !seen[n] {
			seen[n] = true
			citations = append(citations, newCitation(n, chunks[n-1]))
		}
		return token
	})
	return cleaned, citations
}

func sourceNumber(token string) int {
	m := citationRe.FindStringSubmatch(token)
	if m == nil {
		return 0
	}
	digits := m[1]
	if digits == "" {
		digits = m[2]
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

func newCitation(n int, r retrieval.Result) Citation {
	return Citation{
		Source:   n,
		DocID:    r.DocID,
		ChunkID:  r.ChunkID,
		Filename: r.Filename,
		Title:    r.Title,
		DocType:  r.DocType,
		Page:     r.Page,
		Score:    r.Score,
		Preview:  preview(r.Text),
	}
}

func preview(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= previewLen {
		return string(runes)
	}
	return string(runes[:previewLen]) + "..."
}
