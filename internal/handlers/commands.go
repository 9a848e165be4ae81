package handlers

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/avvvet/imagechat/internal/models"
	"github.com/avvvet/imagechat/internal/prompts"
	"github.com/avvvet/imagechat/internal/storage"
)

const defaultHistoryLimit = 5

func (h *DialogHandler) handleCommand(ctx context.Context, req models.TurnRequest) (outcome, error) {
	cmd := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(req.Command), "/"))
	uid := req.User.ID

	switch cmd {
	case models.CommandStart:
		if _, err := h.store.InitUserIfNeeded(ctx, profileFrom(req.User)); err != nil {
			return outcome{}, err
		}
		return textOutcome(prompts.Welcome + "\n" + prompts.ContentWarning), nil

	case models.CommandHelp:
		return textOutcome(prompts.Help), nil

	case models.CommandHistory:
		h.maybePrune(ctx)
		entries, err := h.store.ListDialogs(ctx, uid, parseLimit(req.Args, defaultHistoryLimit))
		if err != nil {
			return outcome{}, err
		}
		return textOutcome(prompts.BuildHistory(entries, h.cfg.Location)), nil

	case models.CommandDialog:
		return h.cmdDialog(ctx, uid, req.Args)

	case models.CommandClear:
		return h.cmdClear(ctx, uid, req.Args)

	case models.CommandStats:
		return h.cmdStats(ctx, uid, req.Args)
	}
	return textOutcome(prompts.UnknownCommand), nil
}

func (h *DialogHandler) cmdDialog(ctx context.Context, uid int64, args []string) (outcome, error) {
	h.maybePrune(ctx)
	if len(args) == 0 {
		return textOutcome(prompts.DialogUsage), nil
	}
	full := len(args) > 1 && strings.EqualFold(args[1], "full")

	d, err := h.store.GetDialog(ctx, uid, args[0])
	if err != nil {
		if storage.IsNotFound(err) || errors.Is(err, storage.ErrInvalidID) {
			return textOutcome(prompts.DialogNotFound), nil
		}
		return outcome{}, err
	}
	if full {
		return textOutcome(prompts.BuildDialogFull(d)), nil
	}
	return textOutcome(prompts.BuildDialogSummary(d)), nil
}

func (h *DialogHandler) cmdClear(ctx context.Context, uid int64, args []string) (outcome, error) {
	mode := "current"
	if len(args) > 0 {
		mode = strings.ToLower(args[0])
	}

	switch mode {
	case "current":
		sess, found, err := h.sessions.Get(ctx, uid)
		if err != nil {
			return outcome{}, err
		}
		if !found {
			return textOutcome(prompts.NoActiveDialog), nil
		}
		if err := h.store.DeleteDialog(ctx, uid, sess.DialogID); err != nil && !storage.IsNotFound(err) {
			return outcome{}, err
		}
		if err := h.sessions.Clear(ctx, uid); err != nil {
			return outcome{}, err
		}
		return textOutcome(prompts.CurrentDialogGone), nil

	case "all":
		n, err := h.store.ClearAllDialogs(ctx, uid)
		if err != nil {
			return outcome{}, err
		}
		if err := h.sessions.Clear(ctx, uid); err != nil {
			return outcome{}, err
		}
		return textOutcome(prompts.BuildCleared(n)), nil
	}
	return textOutcome(prompts.ClearUsage), nil
}

func (h *DialogHandler) cmdStats(ctx context.Context, uid int64, args []string) (outcome, error) {
	scope := "me"
	if len(args) > 0 {
		scope = strings.ToLower(args[0])
	}
	if scope == "global" {
		if !h.isAdmin(uid) {
			return textOutcome(prompts.PermissionDenied), nil
		}
		g, err := h.store.GlobalStats(ctx)
		if err != nil {
			return outcome{}, err
		}
		return textOutcome(prompts.BuildGlobalStats(g)), nil
	}

	s, err := h.store.UserStats(ctx, uid)
	if err != nil && !storage.IsNotFound(err) {
		return outcome{}, err
	}
	return textOutcome(prompts.BuildUserStats(s, h.cfg.Location)), nil
}
