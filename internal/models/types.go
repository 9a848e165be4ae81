package models

import "time"

// SchemaVersion is the current layout of persisted user and dialog documents.
const SchemaVersion = 1

// DefaultMaxMessages caps a dialog transcript unless the document says otherwise.
const DefaultMaxMessages = 500

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message types
const (
	TypeText      = "text"
	TypeImageText = "image+text"
)

// Error markers stored on assistant messages when the model call failed
const (
	ErrorRegionBlocked = "region_blocked"
	ErrorProvider      = "provider_error"
	ErrorUnknown       = "unknown_error"
)

// UserProfile is persisted at <base>/users/<chat_id>.json
type UserProfile struct {
	SchemaVersion int                `json:"schema_version"`
	ChatID        int64              `json:"chat_id"`
	Username      string             `json:"username,omitempty"`
	FirstName     string             `json:"first_name,omitempty"`
	LastName      string             `json:"last_name,omitempty"`
	FirstSeen     time.Time          `json:"first_seen"`
	LastSeen      time.Time          `json:"last_seen"`
	Language      string             `json:"language"`
	DialogsIndex  []DialogIndexEntry `json:"dialogs_index"`
	Stats         UserStats          `json:"stats"`
}

// UserStats holds the aggregate counters of a profile.
type UserStats struct {
	TotalRequests int       `json:"total_requests"`
	TotalDialogs  int       `json:"total_dialogs"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

// DialogIndexEntry summarizes one dialog inside the owning profile.
type DialogIndexEntry struct {
	DialogID       string     `json:"dialog_id"`
	StartedAt      time.Time  `json:"started_at"`
	ClosedAt       *time.Time `json:"closed_at"`
	Title          string     `json:"title"`
	HasImage       bool       `json:"has_image"`
	MessageCount   int        `json:"message_count"`
	TokensEstimate int        `json:"tokens_estimate"`
	WarningShown   bool       `json:"warning_shown"`
}

// Dialog is the full transcript persisted at <base>/dialogs/<chat_id>/<dialog_id>.json
type Dialog struct {
	SchemaVersion int           `json:"schema_version"`
	DialogID      string        `json:"dialog_id"`
	ChatID        int64         `json:"chat_id"`
	StartedAt     time.Time     `json:"started_at"`
	ClosedAt      *time.Time    `json:"closed_at"`
	Model         string        `json:"model"`
	Language      string        `json:"language"`
	ImageMeta     ImageMeta     `json:"image_meta"`
	Messages      []Message     `json:"messages"`
	Summary       string        `json:"summary"`
	Indices       DialogIndices `json:"indices"`
	Limits        DialogLimits  `json:"limits"`
}

// ImageMeta describes the image that opened a dialog.
type ImageMeta struct {
	FileUniqueID string    `json:"file_unique_id,omitempty"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	SizeBytes    int       `json:"size_bytes"`
	MIME         string    `json:"mime"`
	CaptionText  string    `json:"caption_text"`
	ReceivedAt   time.Time `json:"received_at"`
}

type DialogIndices struct {
	Keywords []string `json:"keywords"`
	Dates    []string `json:"dates"`
	Entities []string `json:"entities"`
}

type DialogLimits struct {
	MaxMessages int `json:"max_messages"`
}

// Message is one transcript entry. MessageID is assigned by the store.
type Message struct {
	MessageID      int       `json:"message_id"`
	Timestamp      time.Time `json:"timestamp"`
	Role           string    `json:"role"`
	Type           string    `json:"type"`
	Text           string    `json:"text"`
	TokensEstimate int       `json:"tokens_estimate"`
	LatencyMS      int64     `json:"latency_ms"`
	Error          *string   `json:"error"`
}

// Turn kinds carried by TurnRequest
const (
	KindImage   = "image"
	KindText    = "text"
	KindCommand = "command"
)

// Commands understood by the dialog handler
const (
	CommandStart   = "start"
	CommandHelp    = "help"
	CommandHistory = "history"
	CommandDialog  = "dialog"
	CommandClear   = "clear"
	CommandStats   = "stats"
)

// TurnRequest is one inbound event from the messaging transport.
type TurnRequest struct {
	RequestID string   `json:"request_id,omitempty"`
	User      UserInfo `json:"user"`
	Kind      string   `json:"kind"` // "image", "text" or "command"

	// image turns
	Image        []byte `json:"image,omitempty"` // base64 on the wire
	MIME         string `json:"mime,omitempty"`
	Caption      string `json:"caption,omitempty"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`

	// text turns
	Text string `json:"text,omitempty"`

	// command turns
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// UserInfo identifies the sender of a turn.
type UserInfo struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Language  string `json:"language,omitempty"`
}

// TurnReply is the single outbound text produced for a turn.
type TurnReply struct {
	RequestID string `json:"request_id,omitempty"`
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	Status    string `json:"status"` // "OK" or "ERROR"
	ErrorCode string `json:"error_code,omitempty"`
}

// Status constants
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Error codes
const (
	ErrorParseError  = "PARSE_ERROR"
	ErrorModelFailed = "MODEL_FAILED"
	ErrorRegion      = "REGION_BLOCKED"
	ErrorInternal    = "INTERNAL"
	ErrorBusy        = "BUSY"
)
