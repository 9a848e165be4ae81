// Package storage is the durable, file-backed DialogStore.
//
// Layout under the base directory:
//
//	users/<chat_id>.json              user profile with the dialog index
//	dialogs/<chat_id>/<dialog_id>.json full transcript
//	tmp/                              scratch area for atomic replace
//
// Every write goes through a temporary file in tmp/ followed by a rename, so a
// reader never observes a partial document. Writers for one user are
// serialized in-process; nothing coordinates across processes.
package storage

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/avvvet/imagechat/internal/models"
)

var dialogIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Store persists user profiles and dialog transcripts as JSON files.
type Store struct {
	base       string
	usersDir   string
	dialogsDir string
	tmpDir     string

	maxMessages int
	locks       *userLocks
	now         func() time.Time
	log         zerolog.Logger

	// beforeRename runs after the temporary is complete and before it replaces
	// the target. Tests use it to interrupt a write.
	beforeRename func(tmpPath, finalPath string) error
}

// Option configures a Store in New.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for skipped or quarantined documents.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMaxMessages sets limits.max_messages written into new dialogs.
// Zero or negative disables the cap for new dialogs.
func WithMaxMessages(n int) Option {
	return func(s *Store) { s.maxMessages = n }
}

// New creates the directory tree under baseDir and returns a Store.
func New(baseDir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("storage: empty base dir")
	}
	s := &Store{
		base:        baseDir,
		usersDir:    filepath.Join(baseDir, "users"),
		dialogsDir:  filepath.Join(baseDir, "dialogs"),
		tmpDir:      filepath.Join(baseDir, "tmp"),
		maxMessages: models.DefaultMaxMessages,
		locks:       newUserLocks(64),
		now:         time.Now,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, d := range []string{s.usersDir, s.dialogsDir, s.tmpDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrapf(err, "storage: mkdir %s", d)
		}
	}
	return s, nil
}

// BaseDir returns the root directory of the store.
func (s *Store) BaseDir() string { return s.base }

// NewDialogID returns a time-ordered dialog id with a random suffix so two
// images in the same second do not collide.
func NewDialogID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + shortuuid.New()[:8]
}

// ValidDialogID reports whether id can be used as a dialog file name.
func ValidDialogID(id string) bool { return dialogIDPattern.MatchString(id) }

func (s *Store) userPath(chatID int64) string {
	return filepath.Join(s.usersDir, strconv.FormatInt(chatID, 10)+".json")
}

func (s *Store) userDialogsDir(chatID int64) string {
	return filepath.Join(s.dialogsDir, strconv.FormatInt(chatID, 10))
}

func (s *Store) dialogPath(chatID int64, dialogID string) (string, error) {
	if !ValidDialogID(dialogID) {
		return "", errors.Wrapf(ErrInvalidID, "%q", dialogID)
	}
	return filepath.Join(s.userDialogsDir(chatID), dialogID+".json"), nil
}
