package orchestrate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Turn roles. Tool turns carry the invoked tool's name alongside the result.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Turn is one entry in the conversation log.
type Turn struct {
	Role    string
	Content string
	Tool    string
}

// Conversation is an append-only turn log with an identity. Entries are
// never rewritten; Clear starts an empty log but keeps the identity.
type Conversation struct {
	id string

	mu    sync.Mutex
	turns []Turn
}

func NewConversation() *Conversation {
	return &Conversation{id: uuid.NewString()}
}

// ID returns the conversation identity, stable across Clear.
func (c *Conversation) ID() string { return c.id }

// Add appends a turn.
func (c *Conversation) Add(turn Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turn)
}

// Clear drops all turns.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}

// Len reports the number of turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Turns returns a copy of the log.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// historyClip bounds how much of each turn enters a prompt.
const historyClip = 200

// Recent renders the last n turns for prompt context, clipping each entry.
func (c *Conversation) Recent(n int) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.turns) == 0 {
		return "No previous conversation."
	}
	start := len(c.turns) - n
	if start < 0 {
		start = 0
	}

	var b strings.Builder
	for i, turn := range c.turns[start:] {
		if i > 0 {
			b.WriteByte('\n')
		}
		content := turn.Content
		if len(content) > historyClip {
			content = content[:historyClip] + "..."
		}
		fmt.Fprintf(&b, "[%s] %s", turn.Role, content)
	}
	return b.String()
}
