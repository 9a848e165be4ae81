package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/avvvet/imagechat/internal/metrics"
	"github.com/avvvet/imagechat/internal/models"
)

// abandoned temporaries older than this are removed by PruneOld
const tmpMaxAge = time.Hour

// StartDialogInput describes a dialog opened by an image turn.
type StartDialogInput struct {
	DialogID     string
	Model        string
	Language     string
	ImageMeta    models.ImageMeta
	Caption      string
	Title        string
	WarningShown bool
}

func (s *Store) saveDialog(path string, d *models.Dialog) error {
	return s.writeJSONAtomic("dialog", path, d)
}

// OpenDialog writes a new dialog with an empty transcript.
func (s *Store) OpenDialog(ctx context.Context, chatID int64, dialogID, model string, meta models.ImageMeta, caption string) (*models.Dialog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(chatID)
	defer unlock()
	return s.openDialogLocked(chatID, StartDialogInput{
		DialogID:  dialogID,
		Model:     model,
		ImageMeta: meta,
		Caption:   caption,
	})
}

func (s *Store) openDialogLocked(chatID int64, in StartDialogInput) (*models.Dialog, error) {
	path, err := s.dialogPath(chatID, in.DialogID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, errors.Wrapf(ErrAlreadyExists, "dialog %s", in.DialogID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "stat dialog")
	}

	now := s.now()
	meta := in.ImageMeta
	meta.CaptionText = in.Caption
	if meta.ReceivedAt.IsZero() {
		meta.ReceivedAt = now
	}
	lang := in.Language
	if lang == "" {
		lang = defaultLanguage
	}
	d := &models.Dialog{
		SchemaVersion: models.SchemaVersion,
		DialogID:      in.DialogID,
		ChatID:        chatID,
		StartedAt:     now,
		Model:         in.Model,
		Language:      lang,
		ImageMeta:     meta,
		Messages:      []models.Message{},
		Indices: models.DialogIndices{
			Keywords: []string{},
			Dates:    []string{},
			Entities: []string{},
		},
		Limits: models.DialogLimits{MaxMessages: s.maxMessages},
	}
	if d.Limits.MaxMessages < 0 {
		d.Limits.MaxMessages = 0
	}
	if err := s.saveDialog(path, d); err != nil {
		return nil, errors.Wrapf(err, "save dialog %s", in.DialogID)
	}
	return d, nil
}

// StartDialog opens the dialog and appends its index entry under one user
// lock. If the index cannot be written the dialog file is removed again.
func (s *Store) StartDialog(ctx context.Context, chatID int64, in StartDialogInput) (*models.Dialog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	d, err := s.openDialogLocked(chatID, in)
	if err != nil {
		return nil, err
	}
	entry := models.DialogIndexEntry{
		DialogID:     d.DialogID,
		StartedAt:    d.StartedAt,
		Title:        in.Title,
		HasImage:     true,
		WarningShown: in.WarningShown,
	}
	if err := s.addIndexEntryLocked(chatID, entry); err != nil {
		path, _ := s.dialogPath(chatID, d.DialogID)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.log.Error().Err(rmErr).Str("dialog_id", d.DialogID).Msg("failed to roll back dialog file")
		}
		return nil, err
	}
	return d, nil
}

// GetDialog reads one dialog.
func (s *Store) GetDialog(ctx context.Context, chatID int64, dialogID string) (*models.Dialog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.dialogPath(chatID, dialogID)
	if err != nil {
		return nil, err
	}
	return readDialog(path, chatID, dialogID)
}

// AppendMessage adds msg to the transcript and returns it with the assigned
// message_id. Once the transcript is saved the append has succeeded; the
// owning profile's counters and index entry are refreshed best effort and a
// failure there is only logged.
func (s *Store) AppendMessage(ctx context.Context, chatID int64, dialogID string, msg models.Message) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.dialogPath(chatID, dialogID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	d, err := readDialog(path, chatID, dialogID)
	if err != nil {
		return nil, err
	}
	if limit := d.Limits.MaxMessages; limit > 0 && len(d.Messages) >= limit {
		return nil, errors.Wrapf(ErrLimitReached, "dialog %s has %d messages", dialogID, len(d.Messages))
	}

	now := s.now()
	msg.MessageID = len(d.Messages) + 1
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.Type == "" {
		msg.Type = models.TypeText
	}
	d.Messages = append(d.Messages, msg)
	if err := s.saveDialog(path, d); err != nil {
		return nil, errors.Wrapf(err, "save dialog %s", dialogID)
	}

	// The transcript is written first and is authoritative. Profile counters
	// are refreshed afterwards; if that fails the message still stands.
	if err := s.touchProfileLocked(chatID, d, msg.Role, now); err != nil {
		if IsNotFound(err) {
			s.log.Warn().Int64("chat_id", chatID).Str("dialog_id", dialogID).Msg("message appended for unknown user")
		} else {
			s.log.Warn().Err(err).Int64("chat_id", chatID).Str("dialog_id", dialogID).Msg("message appended, profile counters not updated")
		}
	}
	return &msg, nil
}

// touchProfileLocked refreshes the request counter, last activity and the
// index entry of d after an append. The caller holds the user lock.
func (s *Store) touchProfileLocked(chatID int64, d *models.Dialog, role string, now time.Time) error {
	u, err := readUser(s.userPath(chatID), chatID)
	if err != nil {
		return err
	}
	if role == models.RoleUser {
		u.Stats.TotalRequests++
	}
	u.Stats.LastActiveAt = now
	if e := findEntry(u, d.DialogID); e != nil {
		e.MessageCount = len(d.Messages)
		e.TokensEstimate = sumTokens(d.Messages)
	}
	if err := s.saveUser(u); err != nil {
		return errors.Wrapf(err, "save user %d", chatID)
	}
	return nil
}

func sumTokens(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		n += m.TokensEstimate
	}
	return n
}

// CloseDialog sets closed_at on the dialog and its index entry. Closing an
// already closed dialog keeps the first timestamp.
func (s *Store) CloseDialog(ctx context.Context, chatID int64, dialogID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.dialogPath(chatID, dialogID)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	d, err := readDialog(path, chatID, dialogID)
	if err != nil {
		return err
	}
	if d.ClosedAt != nil {
		return nil
	}
	now := s.now()
	d.ClosedAt = &now
	if err := s.saveDialog(path, d); err != nil {
		return errors.Wrapf(err, "save dialog %s", dialogID)
	}

	u, err := readUser(s.userPath(chatID), chatID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if e := findEntry(u, dialogID); e != nil {
		applyIndexUpdate(e, IndexUpdate{ClosedAt: &now})
		return s.saveUser(u)
	}
	return nil
}

// DeleteDialog removes the dialog file and its index entry. ErrNotFound is
// returned only when neither existed.
func (s *Store) DeleteDialog(ctx context.Context, chatID int64, dialogID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.dialogPath(chatID, dialogID)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	fileRemoved := true
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "remove dialog %s", dialogID)
		}
		fileRemoved = false
	}

	entryRemoved := false
	u, err := readUser(s.userPath(chatID), chatID)
	switch {
	case err == nil:
		if removeIndexEntries(u, map[string]struct{}{dialogID: {}}) > 0 {
			entryRemoved = true
			if err := s.saveUser(u); err != nil {
				return errors.Wrapf(err, "save user %d", chatID)
			}
		}
	case !IsNotFound(err):
		return err
	}

	if !fileRemoved && !entryRemoved {
		return errors.Wrapf(ErrNotFound, "dialog %s", dialogID)
	}
	return nil
}

// ClearAllDialogs removes every dialog of the user and empties the index.
// It returns the number of distinct dialogs removed.
func (s *Store) ClearAllDialogs(ctx context.Context, chatID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	removed := make(map[string]struct{})
	files, err := s.dialogFiles(chatID)
	if err != nil {
		return 0, err
	}
	for id, path := range files {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return len(removed), errors.Wrapf(err, "remove dialog %s", id)
		}
		removed[id] = struct{}{}
	}

	u, err := readUser(s.userPath(chatID), chatID)
	switch {
	case err == nil:
		for _, e := range u.DialogsIndex {
			removed[e.DialogID] = struct{}{}
		}
		if len(u.DialogsIndex) > 0 {
			u.DialogsIndex = []models.DialogIndexEntry{}
			if err := s.saveUser(u); err != nil {
				return len(removed), errors.Wrapf(err, "save user %d", chatID)
			}
		}
	case !IsNotFound(err):
		return len(removed), err
	}
	return len(removed), nil
}

// dialogFiles maps dialog id to path for every transcript of the user.
func (s *Store) dialogFiles(chatID int64) (map[string]string, error) {
	dir := s.userDialogsDir(chatID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrap(err, "read dialogs dir")
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !ValidDialogID(id) {
			continue
		}
		out[id] = filepath.Join(dir, name)
	}
	return out, nil
}

// PruneOld removes every dialog whose started_at is older than retentionDays
// together with its index entry, and returns how many were removed. Corrupt
// transcripts are logged and left in place.
func (s *Store) PruneOld(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, errors.Errorf("storage: negative retention %d", retentionDays)
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	userIDs, err := s.dialogOwners()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, chatID := range userIDs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.pruneUser(chatID, cutoff)
		total += n
		if err != nil {
			return total, err
		}
	}
	metrics.PrunedDialogsTotal.Add(float64(total))

	if n, err := s.sweepTemp(tmpMaxAge); err != nil {
		s.log.Warn().Err(err).Msg("temp sweep failed")
	} else if n > 0 {
		s.log.Info().Int("removed", n).Msg("removed abandoned temp files")
	}
	return total, nil
}

func (s *Store) pruneUser(chatID int64, cutoff time.Time) (int, error) {
	unlock := s.locks.lock(chatID)
	defer unlock()

	files, err := s.dialogFiles(chatID)
	if err != nil {
		return 0, err
	}
	drop := make(map[string]struct{})
	for id, path := range files {
		d, err := readDialog(path, chatID, id)
		if err != nil {
			s.log.Warn().Err(err).Int64("chat_id", chatID).Str("dialog_id", id).Msg("skipping dialog during prune")
			continue
		}
		if !d.StartedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return len(drop), errors.Wrapf(err, "remove dialog %s", id)
		}
		drop[id] = struct{}{}
	}

	u, err := readUser(s.userPath(chatID), chatID)
	if err != nil {
		if IsNotFound(err) {
			return len(drop), nil
		}
		s.log.Warn().Err(err).Int64("chat_id", chatID).Msg("index not pruned")
		return len(drop), nil
	}
	// entries whose file is already gone follow the same cutoff
	for _, e := range u.DialogsIndex {
		if _, ok := files[e.DialogID]; !ok && e.StartedAt.Before(cutoff) {
			drop[e.DialogID] = struct{}{}
		}
	}
	if removeIndexEntries(u, drop) > 0 {
		if err := s.saveUser(u); err != nil {
			return len(drop), errors.Wrapf(err, "save user %d", chatID)
		}
	}
	return len(drop), nil
}

// dialogOwners lists chat ids that have a dialogs directory or a profile.
func (s *Store) dialogOwners() ([]int64, error) {
	seen := make(map[int64]struct{})
	ids, err := s.userIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	entries, err := os.ReadDir(s.dialogsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read dialogs dir")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := parseChatID(e.Name())
		if err != nil {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
