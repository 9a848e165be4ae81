package memory

import (
	"context"
	"errors"
	"time"

	"github.com/avvvet/imagechat/internal/llm"
	"github.com/avvvet/imagechat/internal/models"
)

// ErrSessionNotFound is returned when a user has no live session.
var ErrSessionNotFound = errors.New("session not found")

// ActiveSession ties a user to the open dialog and its model conversation.
type ActiveSession struct {
	DialogID     string            `json:"dialog_id"`
	Conversation *llm.Conversation `json:"conversation"`
	LastActivity time.Time         `json:"last_activity"`
	ImageMeta    models.ImageMeta  `json:"image_meta"`
	NextSeq      int               `json:"next_seq"` // message_id the next append will get
}

// Store defines the interface for session storage
// This allows us to swap between in-process memory and Redis.
type Store interface {
	// LoadFresh returns the session unless its last activity is before
	// cutoff, in which case it is removed and ErrSessionNotFound returned.
	LoadFresh(ctx context.Context, userID int64, cutoff time.Time) (*ActiveSession, error)

	// Save replaces the session of userID.
	Save(ctx context.Context, userID int64, s *ActiveSession) error

	// Delete removes the session of userID. Missing sessions are not an error.
	Delete(ctx context.Context, userID int64) error

	// Count returns the number of stored sessions.
	Count(ctx context.Context) (int, error)
}
