// Package answer turns retrieved chunks into a cited reply, streamed or
// whole, and resolves the citation table against the offered sources.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/junwei-lu/auditrag/llm"
	"github.com/junwei-lu/auditrag/retrieval"
)

// Usage aggregates the token counts reported by the provider. Streaming
// replies leave it zero.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Answer is a finished generation with its resolved citations.
type Answer struct {
	Text      string     `json:"answer"`
	Citations []Citation `json:"citations"`
	Model     string     `json:"model"`
	Usage     Usage      `json:"usage"`
}

// Generator drives the chat model over retrieved context.
type Generator struct {
	chat      llm.Provider
	model     string
	maxTokens int
}

// NewGenerator binds a generator to one chat model. maxTokens limits
// reply length; zero defers to the provider.
func NewGenerator(chat llm.Provider, model string, maxTokens int) *Generator {
	return &Generator{chat: chat, model: model, maxTokens: maxTokens}
}

// Generate produces a cited answer from the retrieved chunks. history
// carries bounded prior turns. When onDelta is non-nil the reply is
// streamed through it with unresolvable source markers filtered out.
// Zero chunks short-circuit to the fixed insufficient-context reply
// without calling the model.
func (g *Generator) Generate(ctx context.Context, query string, chunks []retrieval.Result, history []llm.Message, onDelta func(string) error) (*Answer, error) {
	if len(chunks) == 0 {
		if onDelta != nil {
			if err := onDelta(InsufficientContext); err != nil {
				return nil, err
			}
		}
		return &Answer{Text: InsufficientContext, Citations: []Citation{}, Model: g.model}, nil
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: buildUserPrompt(query, chunks)})

	req := llm.ChatRequest{
		Model:     g.model,
		Messages:  messages,
		MaxTokens: g.maxTokens,
	}

	start := time.Now()
	var raw string
	var usage Usage
	if onDelta != nil {
		filter := newCitationStreamFilter(len(chunks), onDelta)
		var sb strings.Builder
		err := g.chat.ChatStream(ctx, req, func(c llm.StreamChunk) error {
			if c.Done || c.Content == "" {
				return nil
			}
			sb.WriteString(c.Content)
			return filter.Write(c.Content)
		})
		if err != nil {
			return nil, fmt.Errorf("streaming answer: %w", err)
		}
		if err := filter.Close(); err != nil {
			return nil, err
		}
		raw = sb.String()
	} else {
		resp, err := g.chat.Chat(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("generating answer: %w", err)
		}
		raw = resp.Content
		usage = Usage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      resp.TotalTokens,
		}
	}

	text, citations := ExtractCitations(raw, chunks)
	if citations == nil {
		citations = []Citation{}
	}
	slog.Debug("answer: generation complete",
		"citations", len(citations),
		"chars", len(text),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return &Answer{Text: text, Citations: citations, Model: g.model, Usage: usage}, nil
}
