package session

import (
	"sync"

	"github.com/harunnryd/vocalis/pkg/llm"
)

// DefaultContextWindow is the number of prior turns passed to reply generation.
const DefaultContextWindow = 10

// Conversation keeps the most recent turns of one session. It is not
// persisted beyond the session.
type Conversation struct {
	mu     sync.Mutex
	turns  []llm.Turn
	window int
}

func NewConversation(window int) *Conversation {
	if window < 0 {
		window = 0
	}
	return &Conversation{window: window}
}

// Window returns a copy of at most window turns, oldest first.
func (c *Conversation) Window() []llm.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Turn(nil), c.turns...)
}

// Append records one exchange and trims to the window.
func (c *Conversation) Append(transcript, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.window == 0 {
		return
	}
	c.turns = append(c.turns,
		llm.Turn{Role: llm.RoleUser, Text: transcript},
		llm.Turn{Role: llm.RoleAssistant, Text: reply},
	)
	if over := len(c.turns) - c.window; over > 0 {
		c.turns = append(c.turns[:0:0], c.turns[over:]...)
	}
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}
