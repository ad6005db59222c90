// Package session keeps bounded in-memory conversation state so
// follow-up questions can reuse prior turns and the retrieval context
// behind the last answer. Sessions are not persisted; they expire
// after a TTL and are pruned on access.
package session

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/junwei-lu/auditrag/answer"
	"github.com/junwei-lu/auditrag/llm"
	"github.com/junwei-lu/auditrag/retrieval"
)

const (
	DefaultMaxMessages = 24
	DefaultTTL         = 120 * time.Minute

	minMessages = 6
	minTTL      = 300 * time.Second
)

// NewID returns a fresh 32-character lowercase hex session id.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

type session struct {
	messages      []llm.Message
	lastContexts  []retrieval.Result
	lastCitations []answer.Citation
	createdAt     time.Time
	updatedAt     time.Time
}

// Store holds live sessions keyed by id. All methods are safe for
// concurrent use.
type Store struct {
	mu          sync.Mutex
	maxMessages int
	ttl         time.Duration
	sessions    map[string]*session
}

// NewStore builds a session store. Zero values select the defaults;
// maxMessages is floored at 6 and ttl at 300 seconds.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		maxMessages: max(minMessages, maxMessages),
		ttl:         max(minTTL, ttl),
		sessions:    make(map[string]*session),
	}
}

// GetOrCreate resolves id to a live session and returns the id in
// effect, minting a new one when id is blank or expired.
func (s *Store) GetOrCreate(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ = s.getOrCreateLocked(id)
	return id
}

// Append adds messages to the session history. Entries with an
// unknown role or empty content are dropped, and the history is
// trimmed to the newest maxMessages.
func (s *Store) Append(id string, msgs ...llm.Message) {
	clean := normalize(msgs)
	if len(clean) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, sess := s.getOrCreateLocked(id)
	sess.messages = append(sess.messages, clean...)
	if n := len(sess.messages); n > s.maxMessages {
		sess.messages = sess.messages[n-s.maxMessages:]
	}
}

// History returns up to limit of the most recent messages, oldest
// first. The result is a copy.
func (s *Store) History(id string, limit int) []llm.Message {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, sess := s.getOrCreateLocked(id)
	msgs := sess.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Sync replaces the stored history when the client supplies a longer
// one. Multi-turn clients track their own transcript, so a richer
// client history wins over the server copy.
func (s *Store) Sync(id string, msgs []llm.Message) {
	clean := normalize(msgs)
	if len(clean) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, sess := s.getOrCreateLocked(id)
	if len(clean) <= len(sess.messages) {
		return
	}
	if len(clean) > s.maxMessages {
		clean = clean[len(clean)-s.maxMessages:]
	}
	sess.messages = clean
}

// SetLastRetrieval records the contexts and citations behind the
// session's latest answer.
func (s *Store) SetLastRetrieval(id string, contexts []retrieval.Result, citations []answer.Citation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, sess := s.getOrCreateLocked(id)
	sess.lastContexts = append([]retrieval.Result(nil), contexts...)
	sess.lastCitations = append([]answer.Citation(nil), citations...)
}

// LastRetrieval returns copies of the contexts and citations from the
// session's most recent answer.
func (s *Store) LastRetrieval(id string) ([]retrieval.Result, []answer.Citation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, sess := s.getOrCreateLocked(id)
	contexts := append([]retrieval.Result(nil), sess.lastContexts...)
	citations := append([]answer.Citation(nil), sess.lastCitations...)
	return contexts, citations
}

// Len reports the number of live sessions after pruning.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.sessions)
}

func (s *Store) getOrCreateLocked(id string) (string, *session) {
	s.pruneLocked()
	id = strings.TrimSpace(id)
	if id == "" {
		id = NewID()
	}
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{createdAt: time.Now()}
		s.sessions[id] = sess
	}
	sess.updatedAt = time.Now()
	return id, sess
}

func (s *Store) pruneLocked() {
	cutoff := time.Now().Add(-s.ttl)
	for id, sess := range s.sessions {
		if sess.updatedAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

func normalize(msgs []llm.Message) []llm.Message {
	clean := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "user", "assistant", "system":
		default:
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		clean = append(clean, llm.Message{Role: role, Content: content})
	}
	return clean
}
