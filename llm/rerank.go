package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	// maxRerankDocuments caps how many candidates are sent per request.
	maxRerankDocuments = 10
	// maxRerankDocChars caps the length of each document sent.
	maxRerankDocChars = 1000
)

// RerankRequest follows the common rerank API shape used by Jina, Cohere
// and DashScope compatible endpoints.
type RerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

// RerankResult scores one document. Index refers to the position in the
// documents slice passed to Rerank.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
}

// Reranker scores documents against a query. Rerank calls are treated as
// best-effort by callers, so the client keeps a short timeout and does not
// retry.
type Reranker struct {
	cfg    Config
	client *http.Client
}

// NewReranker creates a rerank client. The request is POSTed to
// BaseURL + "/rerank" unless BaseURL already names the rerank path.
func NewReranker(cfg Config) *Reranker {
	return &Reranker{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Rerank returns scored entries ordered by relevance, highest first. At
// most 10 documents are considered; longer documents are truncated before
// sending.
func (r *Reranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if len(documents) > maxRerankDocuments {
		documents = documents[:maxRerankDocuments]
	}
	docs := make([]string, len(documents))
	for i, d := range documents {
		docs[i] = truncateRerankDoc(d)
	}
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}

	body := RerankRequest{
		Model:     r.cfg.Model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := r.cfg.BaseURL
	if !strings.HasSuffix(url, "/rerank") {
		url += "/rerank"
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank API error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding rerank response: %w", err)
	}

	results := parsed.Results[:0]
	for _, res := range parsed.Results {
		if res.Index >= 0 && res.Index < len(docs) {
			results = append(results, res)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	return results, nil
}

func truncateRerankDoc(s string) string {
	runes := []rune(s)
	if len(runes) <= maxRerankDocChars {
		return s
	}
	return string(runes[:maxRerankDocChars]) + "..."
}
