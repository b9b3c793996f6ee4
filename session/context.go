package session

import (
	"time"
)

// Turn roles. Summary turns are produced by compression and stand in for
// the turns they replaced.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSummary   = "summary"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Fact is one durable observation in working memory. Facts survive
// compression; Key is the stable dedup key for the fact's content.
type Fact struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationContext is the full state of one session.
type ConversationContext struct {
	SessionID     string    `json:"session_id"`
	Turns         []Turn    `json:"turns"`
	WorkingMemory []Fact    `json:"working_memory"`
	LastActive    time.Time `json:"last_active"`
}

// Size is the character count of everything the LLM would see for this
// session: all turn content plus all working-memory facts.
func (c *ConversationContext) Size() int {
	total := 0
	for _, t := range c.Turns {
		total += len(t.Content)
	}
	for _, f := range c.WorkingMemory {
		total += len(f.Content)
	}
	return total
}

// HasFact reports whether a fact with the given key is already recorded.
func (c *ConversationContext) HasFact(key string) bool {
	for _, f := range c.WorkingMemory {
		if f.Key == key {
			return true
		}
	}
	return false
}

// LatestUserTurn returns the index of the most recent user turn, or -1.
func (c *ConversationContext) LatestUserTurn() int {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// clone returns a deep copy so callers can read session state without
// holding the manager's lock.
func (c *ConversationContext) clone() *ConversationContext {
	out := &ConversationContext{
		SessionID:     c.SessionID,
		Turns:         make([]Turn, len(c.Turns)),
		WorkingMemory: make([]Fact, len(c.WorkingMemory)),
		LastActive:    c.LastActive,
	}
	copy(out.Turns, c.Turns)
	copy(out.WorkingMemory, c.WorkingMemory)
	return out
}
