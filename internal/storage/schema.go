package storage

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/avvvet/imagechat/internal/models"
)

const defaultLanguage = "en"

// readUser loads and validates a profile. A missing file is ErrNotFound.
func readUser(path string, chatID int64) (*models.UserProfile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotFound, "user %d", chatID)
		}
		return nil, errors.Wrap(err, "read user")
	}
	var u models.UserProfile
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, corrupt(path, "decode: %v", err)
	}
	if err := migrateUser(path, &u); err != nil {
		return nil, err
	}
	if err := validateUser(path, &u, chatID); err != nil {
		return nil, err
	}
	return &u, nil
}

func migrateUser(path string, u *models.UserProfile) error {
	switch {
	case u.SchemaVersion > models.SchemaVersion:
		return corrupt(path, "unsupported schema_version %d", u.SchemaVersion)
	case u.SchemaVersion == 0:
		if u.Language == "" {
			u.Language = defaultLanguage
		}
		if u.Stats.LastActiveAt.IsZero() {
			u.Stats.LastActiveAt = u.LastSeen
		}
		u.SchemaVersion = models.SchemaVersion
	}
	if u.DialogsIndex == nil {
		u.DialogsIndex = []models.DialogIndexEntry{}
	}
	return nil
}

func validateUser(path string, u *models.UserProfile, chatID int64) error {
	if chatID != 0 && u.ChatID != chatID {
		return corrupt(path, "chat_id %d does not match file name", u.ChatID)
	}
	seen := make(map[string]struct{}, len(u.DialogsIndex))
	for _, e := range u.DialogsIndex {
		if e.DialogID == "" {
			return corrupt(path, "index entry without dialog_id")
		}
		if _, dup := seen[e.DialogID]; dup {
			return corrupt(path, "duplicate index entry %s", e.DialogID)
		}
		seen[e.DialogID] = struct{}{}
	}
	if u.Stats.TotalRequests < 0 || u.Stats.TotalDialogs < 0 {
		return corrupt(path, "negative counters")
	}
	return nil
}

// readDialog loads and validates a transcript. A missing file is ErrNotFound.
func readDialog(path string, chatID int64, dialogID string) (*models.Dialog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotFound, "dialog %s", dialogID)
		}
		return nil, errors.Wrap(err, "read dialog")
	}
	var d models.Dialog
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, corrupt(path, "decode: %v", err)
	}
	if err := migrateDialog(path, &d); err != nil {
		return nil, err
	}
	if err := validateDialog(path, &d, chatID, dialogID); err != nil {
		return nil, err
	}
	return &d, nil
}

func migrateDialog(path string, d *models.Dialog) error {
	switch {
	case d.SchemaVersion > models.SchemaVersion:
		return corrupt(path, "unsupported schema_version %d", d.SchemaVersion)
	case d.SchemaVersion == 0:
		if d.Limits.MaxMessages == 0 {
			d.Limits.MaxMessages = models.DefaultMaxMessages
		}
		if d.Language == "" {
			d.Language = defaultLanguage
		}
		d.SchemaVersion = models.SchemaVersion
	}
	if d.Messages == nil {
		d.Messages = []models.Message{}
	}
	if d.Indices.Keywords == nil {
		d.Indices.Keywords = []string{}
	}
	if d.Indices.Dates == nil {
		d.Indices.Dates = []string{}
	}
	if d.Indices.Entities == nil {
		d.Indices.Entities = []string{}
	}
	return nil
}

func validateDialog(path string, d *models.Dialog, chatID int64, dialogID string) error {
	if d.DialogID != dialogID {
		return corrupt(path, "dialog_id %q does not match file name", d.DialogID)
	}
	if d.ChatID != chatID {
		return corrupt(path, "chat_id %d does not match directory", d.ChatID)
	}
	if d.StartedAt.IsZero() {
		return corrupt(path, "missing started_at")
	}
	for i, m := range d.Messages {
		if m.MessageID != i+1 {
			return corrupt(path, "message %d has id %d", i+1, m.MessageID)
		}
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			return corrupt(path, "message %d has role %q", m.MessageID, m.Role)
		}
	}
	if d.Limits.MaxMessages < 0 {
		return corrupt(path, "negative max_messages")
	}
	return nil
}
