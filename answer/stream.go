package answer

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Pipeline stages and statuses carried by progress events.
const (
	StageIntent     = "intent"
	StageRetrieval  = "retrieval"
	StageGeneration = "generation"

	StatusRunning = "running"
	StatusDone    = "done"
)

// Sink receives stream events in emission order. Returning an error
// aborts the pipeline; a disconnected client surfaces here.
type Sink func(event any) error

// Progress reports one stage transition. Extra fields are flattened
// into the JSON object next to the fixed keys.
type Progress struct {
	Stage   string
	Status  string
	Message string
	Extra   map[string]any
}

func (p Progress) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 4+len(p.Extra))
	m["event"] = "progress"
	m["stage"] = p.Stage
	m["status"] = p.Status
	if p.Message != "" {
		m["message"] = p.Message
	}
	for k, v := range p.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

// SessionEvent announces the session id answers are threaded under. It
// precedes the first content delta.
type SessionEvent struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
}

func NewSessionEvent(id string) SessionEvent {
	return SessionEvent{Event: "session", SessionID: id}
}

// CitationsEvent carries the resolved citation table after generation.
type CitationsEvent struct {
	Event     string     `json:"event"`
	Citations []Citation `json:"citations"`
}

func NewCitationsEvent(citations []Citation) CitationsEvent {
	if citations == nil {
		citations = []Citation{}
	}
	return CitationsEvent{Event: "citations", Citations: citations}
}

// ErrorEvent surfaces a terminal failure before the stream closes.
type ErrorEvent struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

func NewErrorEvent(msg string) ErrorEvent {
	return ErrorEvent{Event: "error", Error: msg}
}

// DeltaChunk is an OpenAI-style streaming chunk.
type DeltaChunk struct {
	ID      string        `json:"id,omitempty"`
	Object  string        `json:"object,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []DeltaChoice `json:"choices"`
}

type DeltaChoice struct {
	Delta        Delta   `json:"delta"`
	Index        int     `json:"index"`
	FinishReason *string `json:"finish_reason"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ContentChunk wraps one content delta.
func ContentChunk(text string) DeltaChunk {
	return DeltaChunk{
		Object:  "chat.completion.chunk",
		Choices: []DeltaChoice{{Delta: Delta{Content: text}}},
	}
}

// StopChunk closes the completion.
func StopChunk() DeltaChunk {
	stop := "stop"
	return DeltaChunk{
		Object:  "chat.completion.chunk",
		Choices: []DeltaChoice{{FinishReason: &stop}},
	}
}

// citationStreamFilter strips unresolvable source markers from a delta
// stream. A suffix that could still become a marker is held back until
// it completes or stops matching, so clients never see a marker the
// citations event cannot account for.
type citationStreamFilter struct {
	maxSource int
	out       func(string) error
	pending   []rune
}

func newCitationStreamFilter(maxSource int, out func(string) error) *citationStreamFilter {
	return &citationStreamFilter{maxSource: maxSource, out: out}
}

// Write feeds one delta through the filter.
func (f *citationStreamFilter) Write(delta string) error {
	f.pending = append(f.pending, []rune(delta)...)
	return f.drain(false)
}

// Close flushes held-back text. An unterminated marker prefix at end of
// stream is passed through verbatim since it is not a marker.
func (f *citationStreamFilter) Close() error {
	return f.drain(true)
}

func (f *citationStreamFilter) drain(final bool) error {
	var out strings.Builder
	i := 0
	for i < len(f.pending) {
		r := f.pending[i]
		if r != '[' && r != '【' {
			out.WriteRune(r)
			i++
			continue
		}
		n, length, partial := scanMarker(f.pending[i:])
		if partial && !final {
			break
		}
		if length > 0 {
			if n >= 1 && n <= f.maxSource {
				out.WriteString(string(f.pending[i : i+length]))
			}
			i += length
			continue
		}
		out.WriteRune(r)
		i++
	}
	f.pending = append(f.pending[:0], f.pending[i:]...)
	if out.Len() == 0 {
		return nil
	}
	return f.out(out.String())
}

// scanMarker inspects a rune slice starting at an opening bracket. It
// returns the marker's source number and rune length when complete, or
// partial=true when more input could still complete a marker.
func scanMarker(rs []rune) (n, length int, partial bool) {
	closer := ']'
	if rs[0] == '【' {
		closer = '】'
	}
	i := 1
	if i >= len(rs) {
		return 0, 0, true
	}
	if rs[i] != 'S' {
		return 0, 0, false
	}
	i++
	digitStart := i
	for i < len(rs) && rs[i] >= '0' && rs[i] <= '9' {
		i++
	}
	if i == digitStart {
		if i >= len(rs) {
			return 0, 0, true
		}
		return 0, 0, false
	}
	if i >= len(rs) {
		return 0, 0, true
	}
	if rs[i] != closer {
		return 0, 0, false
	}
	num, err := strconv.Atoi(string(rs[digitStart:i]))
	if err != nil {
		return 0, 0, false
	}
	return num, i + 1, false
}
