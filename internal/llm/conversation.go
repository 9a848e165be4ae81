package llm

import (
	"encoding/json"
	"sync"
)

// Conversation is the handle to an active remote conversation: the system
// instruction plus every completed user/model exchange.
type Conversation struct {
	mu     sync.Mutex
	system string
	turns  []Turn
}

// NewConversation returns an empty conversation.
func NewConversation(system string) *Conversation {
	return &Conversation{system: system}
}

// System returns the system instruction.
func (c *Conversation) System() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.system
}

// Turns returns a copy of the history.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.turns...)
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

func (c *Conversation) append(turns ...Turn) {
	c.mu.Lock()
	c.turns = append(c.turns, turns...)
	c.mu.Unlock()
}

type conversationJSON struct {
	System string `json:"system"`
	Turns  []Turn `json:"turns"`
}

func (c *Conversation) MarshalJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(conversationJSON{System: c.system, Turns: c.turns})
}

func (c *Conversation) UnmarshalJSON(b []byte) error {
	var v conversationJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	c.mu.Lock()
	c.system = v.System
	c.turns = v.Turns
	c.mu.Unlock()
	return nil
}
