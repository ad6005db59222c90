package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/junwei-lu/auditrag"
)

// sseWriter pushes server-sent events, flushing after every frame so
// proxies and the client see tokens as they are produced.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// deltaChunk wraps one token in the OpenAI streaming chunk shape.
func deltaChunk(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{{
			"delta":         map[string]any{"content": content},
			"index":         0,
			"finish_reason": nil,
		}},
	}
}

func stopChunk() map[string]any {
	return map[string]any{
		"choices": []map[string]any{{
			"delta":         map[string]any{},
			"index":         0,
			"finish_reason": "stop",
		}},
	}
}

// streamChat answers a question over SSE: progress events for each
// pipeline stage, the session id once known, OpenAI-style delta chunks
// for the answer, the citations, then [DONE].
func (h *handler) streamChat(w http.ResponseWriter, r *http.Request, query string, opts auditrag.AskOptions) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	opts.Events = func(ev auditrag.Event) error {
		switch ev.Kind {
		case auditrag.EventProgress:
			frame := map[string]any{
				"event":   "progress",
				"stage":   ev.Stage,
				"status":  ev.Status,
				"message": ev.Message,
			}
			for k, v := range ev.Extra {
				frame[k] = v
			}
			return sse.send(frame)
		case auditrag.EventSession:
			return sse.send(map[string]any{
				"event":      "session",
				"session_id": ev.SessionID,
			})
		case auditrag.EventDelta:
			return sse.send(deltaChunk(ev.Delta))
		case auditrag.EventCitations:
			return sse.send(map[string]any{
				"event":     "citations",
				"citations": ev.Citations,
			})
		}
		return nil
	}

	if _, err := h.engine.Ask(ctx, query, opts); err != nil {
		slog.Error("streamed ask failed", "error", err, "request_id", requestID(ctx))
		// The stream is already open, so the failure travels in-band.
		sse.send(map[string]any{
			"event":   "progress",
			"stage":   "generation",
			"status":  "done",
			"message": "处理失败",
			"error":   err.Error(),
		})
		sse.send(map[string]any{
			"event": "error",
			"error": map[string]any{
				"kind":    kindName(err),
				"message": err.Error(),
			},
		})
		sse.done()
		return
	}

	sse.send(stopChunk())
	sse.done()
}
