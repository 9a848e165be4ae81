package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/avvvet/imagechat/internal/models"
)

// ProfileInput carries the display metadata used when a profile is created.
type ProfileInput struct {
	ChatID    int64
	Username  string
	FirstName string
	LastName  string
	Language  string
}

// IndexUpdate names the index entry fields to overwrite; nil fields are kept.
type IndexUpdate struct {
	DialogID       string
	Title          *string
	ClosedAt       *time.Time
	MessageCount   *int
	TokensEstimate *int
	WarningShown   *bool
}

// UserStats is the read-only per-user view.
type UserStats struct {
	Dialogs      int
	Requests     int
	LastActiveAt time.Time
}

// GlobalStats sums every profile in the store.
type GlobalStats struct {
	Users    int
	Dialogs  int
	Requests int
}

func (s *Store) saveUser(u *models.UserProfile) error {
	return s.writeJSONAtomic("user", s.userPath(u.ChatID), u)
}

// InitUserIfNeeded creates the profile on first contact and otherwise only
// refreshes last_seen and stats.last_active_at. It returns the stored profile.
func (s *Store) InitUserIfNeeded(ctx context.Context, in ProfileInput) (*models.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(in.ChatID)
	defer unlock()

	now := s.now()
	u, err := readUser(s.userPath(in.ChatID), in.ChatID)
	switch {
	case err == nil:
		u.LastSeen = now
		u.Stats.LastActiveAt = now
	case IsNotFound(err):
		lang := in.Language
		if lang == "" {
			lang = defaultLanguage
		}
		u = &models.UserProfile{
			SchemaVersion: models.SchemaVersion,
			ChatID:        in.ChatID,
			Username:      in.Username,
			FirstName:     in.FirstName,
			LastName:      in.LastName,
			FirstSeen:     now,
			LastSeen:      now,
			Language:      lang,
			DialogsIndex:  []models.DialogIndexEntry{},
			Stats:         models.UserStats{LastActiveAt: now},
		}
		s.log.Info().Int64("chat_id", in.ChatID).Msg("created user profile")
	default:
		return nil, err
	}

	if err := s.saveUser(u); err != nil {
		return nil, errors.Wrapf(err, "save user %d", in.ChatID)
	}
	return u, nil
}

// GetUser returns the stored profile.
func (s *Store) GetUser(ctx context.Context, chatID int64) (*models.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readUser(s.userPath(chatID), chatID)
}

// AddDialogIndexEntry appends entry to the user's index and bumps total_dialogs.
func (s *Store) AddDialogIndexEntry(ctx context.Context, chatID int64, entry models.DialogIndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.lock(chatID)
	defer unlock()
	return s.addIndexEntryLocked(chatID, entry)
}

func (s *Store) addIndexEntryLocked(chatID int64, entry models.DialogIndexEntry) error {
	u, err := readUser(s.userPath(chatID), chatID)
	if err != nil {
		return err
	}
	for _, e := range u.DialogsIndex {
		if e.DialogID == entry.DialogID {
			return errors.Wrapf(ErrAlreadyExists, "index entry %s", entry.DialogID)
		}
	}
	u.DialogsIndex = append(u.DialogsIndex, entry)
	u.Stats.TotalDialogs++
	return s.saveUser(u)
}

// UpdateDialogIndexEntry overwrites the non-nil fields of one index entry.
func (s *Store) UpdateDialogIndexEntry(ctx context.Context, chatID int64, upd IndexUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	u, err := readUser(s.userPath(chatID), chatID)
	if err != nil {
		return err
	}
	e := findEntry(u, upd.DialogID)
	if e == nil {
		return errors.Wrapf(ErrNotFound, "index entry %s", upd.DialogID)
	}
	applyIndexUpdate(e, upd)
	return s.saveUser(u)
}

func findEntry(u *models.UserProfile, dialogID string) *models.DialogIndexEntry {
	for i := range u.DialogsIndex {
		if u.DialogsIndex[i].DialogID == dialogID {
			return &u.DialogsIndex[i]
		}
	}
	return nil
}

func applyIndexUpdate(e *models.DialogIndexEntry, upd IndexUpdate) {
	if upd.Title != nil {
		e.Title = *upd.Title
	}
	if upd.ClosedAt != nil {
		t := *upd.ClosedAt
		e.ClosedAt = &t
	}
	if upd.MessageCount != nil {
		e.MessageCount = *upd.MessageCount
	}
	if upd.TokensEstimate != nil {
		e.TokensEstimate = *upd.TokensEstimate
	}
	if upd.WarningShown != nil {
		e.WarningShown = *upd.WarningShown
	}
}

// removeIndexEntries drops the named entries; it reports how many were found.
func removeIndexEntries(u *models.UserProfile, ids map[string]struct{}) int {
	kept := u.DialogsIndex[:0]
	removed := 0
	for _, e := range u.DialogsIndex {
		if _, drop := ids[e.DialogID]; drop {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	u.DialogsIndex = kept
	return removed
}

// ListDialogs returns the index sorted by started_at, newest first, truncated
// to limit. limit <= 0 means no limit and returns every entry, never an empty
// page; /history always passes a positive limit. An unknown user has no dialogs.
func (s *Store) ListDialogs(ctx context.Context, chatID int64, limit int) ([]models.DialogIndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := readUser(s.userPath(chatID), chatID)
	if err != nil {
		if IsNotFound(err) {
			return []models.DialogIndexEntry{}, nil
		}
		return nil, err
	}
	idx := append([]models.DialogIndexEntry(nil), u.DialogsIndex...)
	sort.SliceStable(idx, func(i, j int) bool {
		return idx[i].StartedAt.After(idx[j].StartedAt)
	})
	if limit > 0 && len(idx) > limit {
		idx = idx[:limit]
	}
	return idx, nil
}

// UserStats returns the dialog count (current index size), the request
// counter and the last activity of one user.
func (s *Store) UserStats(ctx context.Context, chatID int64) (UserStats, error) {
	if err := ctx.Err(); err != nil {
		return UserStats{}, err
	}
	u, err := readUser(s.userPath(chatID), chatID)
	if err != nil {
		return UserStats{}, err
	}
	return UserStats{
		Dialogs:      len(u.DialogsIndex),
		Requests:     u.Stats.TotalRequests,
		LastActiveAt: u.Stats.LastActiveAt,
	}, nil
}

// GlobalStats reads every profile. Corrupt profiles are logged and skipped.
func (s *Store) GlobalStats(ctx context.Context) (GlobalStats, error) {
	ids, err := s.userIDs()
	if err != nil {
		return GlobalStats{}, err
	}
	var g GlobalStats
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return GlobalStats{}, err
		}
		u, err := readUser(s.userPath(id), id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			s.log.Warn().Err(err).Int64("chat_id", id).Msg("skipping user in global stats")
			continue
		}
		g.Users++
		g.Dialogs += len(u.DialogsIndex)
		g.Requests += u.Stats.TotalRequests
	}
	return g, nil
}

// userIDs lists the chat ids that have a profile file.
func (s *Store) userIDs() ([]int64, error) {
	entries, err := os.ReadDir(s.usersDir)
	if err != nil {
		return nil, errors.Wrap(err, "read users dir")
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		id, err := parseChatID(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseChatID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
