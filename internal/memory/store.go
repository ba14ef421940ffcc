// Package memory provides session-scoped conversation memory.
package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/nugget/quarry/internal/llm"
)

// DefaultWindow is the number of messages retained per session.
const DefaultWindow = 10

// Message represents a conversation message.
type Message struct {
	Role      string    `json:"role"` // user, assistant, tool
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// InvalidRoleError is returned for roles other than user, assistant and
// tool.
type InvalidRoleError struct {
	Role string
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("invalid message role %q", e.Role)
}

func validRole(role string) bool {
	switch role {
	case llm.RoleUser, llm.RoleAssistant, llm.RoleTool:
		return true
	}
	return false
}

type conversation struct {
	mu       sync.Mutex
	messages []Message
	updated  time.Time
}

// Store holds a bounded FIFO window of messages per session. The map
// lock only guards lookups; each session has its own lock, so appends to
// different sessions never contend.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	window        int
	now           func() time.Time
}

// NewStore creates a new memory store keeping window messages per
// session.
func NewStore(window int) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{
		conversations: make(map[string]*conversation),
		window:        window,
		now:           time.Now,
	}
}

// Window returns the per-session message cap.
func (s *Store) Window() int {
	return s.window
}

func (s *Store) lookup(sessionID string, create bool) *conversation {
	s.mu.RLock()
	conv, ok := s.conversations[sessionID]
	s.mu.RUnlock()
	if ok || !create {
		return conv
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok = s.conversations[sessionID]; ok {
		return conv
	}
	conv = &conversation{}
	s.conversations[sessionID] = conv
	return conv
}

// AddMessage appends one message to a session.
func (s *Store) AddMessage(sessionID, role, content string) error {
	return s.Append(sessionID, Message{Role: role, Content: content})
}

// Append adds messages to a session in one step, evicting the oldest
// beyond the window. Nothing is appended if any message has an invalid
// role.
func (s *Store) Append(sessionID string, msgs ...Message) error {
	if sessionID == "" {
		return fmt.Errorf("append to memory: session id is required")
	}
	for _, m := range msgs {
		if !validRole(m.Role) {
			return &InvalidRoleError{Role: m.Role}
		}
	}
	if len(msgs) == 0 {
		return nil
	}

	conv := s.lookup(sessionID, true)
	now := s.now()

	conv.mu.Lock()
	defer conv.mu.Unlock()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		conv.messages = append(conv.messages, m)
	}
	if over := len(conv.messages) - s.window; over > 0 {
		conv.messages = append(conv.messages[:0:0], conv.messages[over:]...)
	}
	conv.updated = now
	return nil
}

// Messages returns a copy of the last n messages for a session, oldest
// first. n <= 0 returns the whole window. Unknown sessions return an
// empty slice.
func (s *Store) Messages(sessionID string, n int) []Message {
	conv := s.lookup(sessionID, false)
	if conv == nil {
		return []Message{}
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	start := 0
	if n > 0 && n < len(conv.messages) {
		start = len(conv.messages) - n
	}
	msgs := make([]Message, len(conv.messages)-start)
	copy(msgs, conv.messages[start:])
	return msgs
}

// History returns the session window as model messages.
func (s *Store) History(sessionID string) []llm.Message {
	msgs := s.Messages(sessionID, 0)
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// Clear removes a session's messages.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, sessionID)
}

// Stats returns memory statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	convs := make([]*conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		convs = append(convs, c)
	}
	s.mu.RUnlock()

	total := 0
	for _, c := range convs {
		c.mu.Lock()
		total += len(c.messages)
		c.mu.Unlock()
	}

	return map[string]any{
		"sessions":    len(convs),
		"messages":    total,
		"window_size": s.window,
	}
}
