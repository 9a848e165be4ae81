package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/avvvet/imagechat/internal/models"
	"github.com/avvvet/imagechat/internal/storage"
)

const SystemPrompt = `You are an assistant that answers questions about a single image the user has sent.

RULES:
1. Base every answer on the image and the conversation so far
2. If something is not visible in the image, say so instead of guessing
3. Keep answers short and concrete unless the user asks for detail
4. Answer in the language the user writes in`

// DefaultCaption is sent to the model when an image arrives without text.
const DefaultCaption = "Describe the image, please."

const Welcome = "Hi! I analyze photos and answer questions about them.\n" +
	"Send a photo with a question in the caption to start a new dialog.\n" +
	"Note: 1 photo = 1 dialog. A new photo starts a new session."

const ContentWarning = "Warning: images may contain sensitive content."

const Help = "How to use:\n" +
	"- Send a photo with a question as its caption to start a new dialog.\n" +
	"- Write text to continue the current dialog.\n" +
	"Commands:\n" +
	"/history [N] - show the last N dialogs (default 5).\n" +
	"/dialog <id> [full] - show the summary or the full dialog.\n" +
	"/clear [current|all] - delete the current dialog or the whole history.\n" +
	"/stats [me|global] - statistics. global is for admins only.\n"

const (
	SendPhoto          = "Send a photo with a caption to start a new dialog."
	RegionBlocked      = "Unfortunately, access to the model is restricted in this region. Please try again later or from another region."
	ModelFailed        = "Could not get an answer from the model. Please try again later."
	InternalError      = "Something went wrong. Please try again."
	Busy               = "Too many requests right now. Please try again in a moment."
	LimitReached       = "This dialog has reached its message limit. Send a new photo to start another one."
	HistoryEmpty       = "History is empty."
	NoTitle            = "(no title)"
	DialogUsage        = "Specify a dialog id: /dialog <id> [full]"
	DialogNotFound     = "Dialog not found."
	NoSummary          = "(summary not generated)"
	Truncated          = "...(truncated)"
	ClearUsage         = "Usage: /clear [current|all]"
	NoActiveDialog     = "No active dialog."
	CurrentDialogGone  = "Current dialog deleted."
	PermissionDenied   = "Not enough permissions."
	UnknownCommand     = "Unknown command. Use /help."
	UnsupportedRequest = "Unsupported message."
)

const (
	titleMaxRunes     = 60
	dialogMaxMessages = 50
	messageMaxRunes   = 800
)

const timeLayout = "2006-01-02 15:04"

// Title derives the index title from the caption.
func Title(caption string) string {
	caption = strings.Join(strings.Fields(caption), " ")
	return truncate(caption, titleMaxRunes)
}

func BuildHistory(entries []models.DialogIndexEntry, loc *time.Location) string {
	if len(entries) == 0 {
		return HistoryEmpty
	}
	var builder strings.Builder
	for i, e := range entries {
		if i > 0 {
			builder.WriteString("\n")
		}
		title := e.Title
		if title == "" {
			title = NoTitle
		}
		builder.WriteString(fmt.Sprintf("• %s - %s: %s", e.DialogID, e.StartedAt.In(loc).Format(timeLayout), title))
	}
	return builder.String()
}

// BuildDialogFull prints at most the first 50 messages, each cut to 800 characters.
func BuildDialogFull(d *models.Dialog) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("Dialog %s:", d.DialogID))
	for i, m := range d.Messages {
		if i == dialogMaxMessages {
			builder.WriteString("\n" + Truncated)
			break
		}
		builder.WriteString(fmt.Sprintf("\n[%s] %s", m.Role, truncate(m.Text, messageMaxRunes)))
	}
	return builder.String()
}

func BuildDialogSummary(d *models.Dialog) string {
	summary := d.Summary
	if summary == "" {
		summary = NoSummary
	}
	return fmt.Sprintf("%s: %s", d.DialogID, summary)
}

func BuildUserStats(s storage.UserStats, loc *time.Location) string {
	last := "-"
	if !s.LastActiveAt.IsZero() {
		last = s.LastActiveAt.In(loc).Format(timeLayout)
	}
	return fmt.Sprintf("Your stats - Dialogs: %d, Requests: %d, Last activity: %s", s.Dialogs, s.Requests, last)
}

func BuildGlobalStats(s storage.GlobalStats) string {
	return fmt.Sprintf("Users: %d, Dialogs: %d, Requests: %d", s.Users, s.Dialogs, s.Requests)
}

func BuildCleared(n int) string {
	return fmt.Sprintf("Dialogs deleted: %d", n)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
