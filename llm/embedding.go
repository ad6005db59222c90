package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// DefaultEmbedBatch caps how many texts go into one embedding request.
// Remote APIs reject oversized batches before they reject oversized
// texts.
const DefaultEmbedBatch = 32

// maxEmbedChars caps text length sent for embedding. Providers enforce
// token limits; a generous character cap avoids hard failures for
// languages where token/char ratios differ from English.
const maxEmbedChars = 24000

// truncateForEmbed truncates text to maxEmbedChars, preferring a word
// boundary and never splitting a UTF-8 sequence.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
	}
	return text[:cut]
}

// EmbedBatches embeds texts in batches, preserving input order. A
// failed batch falls back to per-text requests so one bad text does
// not lose its siblings; a text that still fails aborts the whole call
// since callers need one vector per input.
func EmbedBatches(ctx context.Context, p Provider, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatch
	}
	out := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += batchSize {
		end := min(i+batchSize, len(texts))
		batch := make([]string, end-i)
		for j := i; j < end; j++ {
			batch[j-i] = truncateForEmbed(texts[j])
		}

		vecs, err := p.Embed(ctx, batch)
		if err != nil || len(vecs) != len(batch) {
			if err != nil {
				slog.Warn("embedding batch failed, falling back to individual",
					"batch_start", i, "batch_end", end, "error", err)
			} else {
				slog.Warn("embedding batch returned wrong count, falling back to individual",
					"batch_start", i, "got", len(vecs), "want", len(batch))
			}
			for j, text := range batch {
				single, serr := p.Embed(ctx, []string{text})
				if serr != nil {
					return nil, fmt.Errorf("embedding text %d: %w", i+j, serr)
				}
				if len(single) == 0 || len(single[0]) == 0 {
					return nil, fmt.Errorf("empty embedding for text %d", i+j)
				}
				out = append(out, single[0])
			}
			continue
		}

		for j, v := range vecs {
			if len(v) == 0 {
				return nil, fmt.Errorf("empty embedding for text %d", i+j)
			}
			out = append(out, v)
		}
	}
	return out, nil
}
