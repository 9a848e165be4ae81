package llm

import "context"

// Turn roles
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Part is one piece of a turn: text, or binary data with its MIME type.
type Part struct {
	Text string `json:"text,omitempty"`
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// IsBinary reports whether the part carries data instead of text.
func (p Part) IsBinary() bool { return len(p.Data) > 0 }

// TextPart returns a text part.
func TextPart(s string) Part { return Part{Text: s} }

// BinaryPart returns a data part.
func BinaryPart(mime string, data []byte) Part { return Part{MIME: mime, Data: data} }

// Turn is one message of a conversation.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Provider is a remote generative model. Generate sends the whole history
// and returns the plain-text answer to the last user turn.
type Provider interface {
	Generate(ctx context.Context, system string, turns []Turn) (string, error)
	Name() string
}
