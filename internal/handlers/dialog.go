package handlers

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/avvvet/imagechat/internal/llm"
	"github.com/avvvet/imagechat/internal/memory"
	"github.com/avvvet/imagechat/internal/metrics"
	"github.com/avvvet/imagechat/internal/models"
	"github.com/avvvet/imagechat/internal/prompts"
	"github.com/avvvet/imagechat/internal/storage"
)

const defaultImageMIME = "image/jpeg"

// DialogStore is the durable record store used by the handler.
type DialogStore interface {
	InitUserIfNeeded(ctx context.Context, in storage.ProfileInput) (*models.UserProfile, error)
	StartDialog(ctx context.Context, userID int64, in storage.StartDialogInput) (*models.Dialog, error)
	AppendMessage(ctx context.Context, userID int64, dialogID string, msg models.Message) (*models.Message, error)
	UpdateDialogIndexEntry(ctx context.Context, userID int64, upd storage.IndexUpdate) error
	CloseDialog(ctx context.Context, userID int64, dialogID string) error
	GetDialog(ctx context.Context, userID int64, dialogID string) (*models.Dialog, error)
	ListDialogs(ctx context.Context, userID int64, limit int) ([]models.DialogIndexEntry, error)
	DeleteDialog(ctx context.Context, userID int64, dialogID string) error
	ClearAllDialogs(ctx context.Context, userID int64) (int, error)
	PruneOld(ctx context.Context, retentionDays int) (int, error)
	UserStats(ctx context.Context, userID int64) (storage.UserStats, error)
	GlobalStats(ctx context.Context) (storage.GlobalStats, error)
}

// SessionCache holds the active dialog per user.
type SessionCache interface {
	Get(ctx context.Context, userID int64) (*memory.ActiveSession, bool, error)
	Set(ctx context.Context, userID int64, sess *memory.ActiveSession) error
	Clear(ctx context.Context, userID int64) error
}

// ModelClient talks to the remote model.
type ModelClient interface {
	Model() string
	StartConversationWithImage(ctx context.Context, image []byte, mime, prompt string) (*llm.Conversation, string, error)
	ContinueConversation(ctx context.Context, conv *llm.Conversation, prompt string) (string, error)
}

// Config tunes the handler.
type Config struct {
	RetentionDays int
	// PruneInterval throttles pruning from the turn path. Zero prunes on every turn.
	PruneInterval time.Duration
	Admins        []int64
	Location      *time.Location
}

// DialogHandler turns inbound events into store, session and model calls.
type DialogHandler struct {
	store    DialogStore
	sessions SessionCache
	model    ModelClient
	cfg      Config
	admins   map[int64]struct{}
	log      zerolog.Logger
	now      func() time.Time

	pruneMu   sync.Mutex
	lastPrune time.Time
}

func NewDialogHandler(store DialogStore, sessions SessionCache, model ModelClient, cfg Config, log zerolog.Logger) *DialogHandler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	admins := make(map[int64]struct{}, len(cfg.Admins))
	for _, id := range cfg.Admins {
		admins[id] = struct{}{}
	}
	return &DialogHandler{
		store:    store,
		sessions: sessions,
		model:    model,
		cfg:      cfg,
		admins:   admins,
		log:      log,
		now:      time.Now,
	}
}

// outcome is the reply text plus an error code when the turn failed.
type outcome struct {
	text string
	code string
}

func textOutcome(text string) outcome { return outcome{text: text} }

// Dispatch handles one turn and always produces exactly one reply.
func (h *DialogHandler) Dispatch(ctx context.Context, req models.TurnRequest) (reply models.TurnReply) {
	reply = models.TurnReply{RequestID: req.RequestID, ChatID: req.User.ID, Status: models.StatusOK}
	log := h.log.With().
		Str("request_id", req.RequestID).
		Int64("user_id", req.User.ID).
		Str("kind", req.Kind).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("turn handler panic")
			reply.Text = prompts.InternalError
			reply.Status = models.StatusError
			reply.ErrorCode = models.ErrorInternal
			metrics.TurnsTotal.WithLabelValues(req.Kind, "panic").Inc()
		}
	}()

	var (
		out outcome
		err error
	)
	switch {
	case req.User.ID == 0:
		out = outcome{text: prompts.UnsupportedRequest, code: models.ErrorParseError}
	case req.Kind == models.KindImage:
		out, err = h.handleImage(ctx, req)
	case req.Kind == models.KindText:
		out, err = h.handleText(ctx, req)
	case req.Kind == models.KindCommand:
		out, err = h.handleCommand(ctx, req)
	default:
		out = outcome{text: prompts.UnsupportedRequest, code: models.ErrorParseError}
	}
	if err != nil {
		log.Error().Stack().Err(err).Msg("turn failed")
		out = outcome{text: prompts.InternalError, code: models.ErrorInternal}
	}

	reply.Text = out.text
	result := "ok"
	if out.code != "" {
		reply.Status = models.StatusError
		reply.ErrorCode = out.code
		result = strings.ToLower(out.code)
	}
	metrics.TurnsTotal.WithLabelValues(req.Kind, result).Inc()
	return reply
}

func profileFrom(u models.UserInfo) storage.ProfileInput {
	return storage.ProfileInput{
		ChatID:    u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Language:  u.Language,
	}
}

func (h *DialogHandler) handleImage(ctx context.Context, req models.TurnRequest) (outcome, error) {
	if len(req.Image) == 0 {
		return outcome{text: prompts.UnsupportedRequest, code: models.ErrorParseError}, nil
	}
	uid := req.User.ID
	h.maybePrune(ctx)
	if _, err := h.store.InitUserIfNeeded(ctx, profileFrom(req.User)); err != nil {
		return outcome{}, err
	}

	caption := strings.TrimSpace(req.Caption)
	if caption == "" {
		caption = prompts.DefaultCaption
	}
	mime := req.MIME
	if mime == "" {
		mime = defaultImageMIME
	}
	now := h.now()
	meta := models.ImageMeta{
		FileUniqueID: req.FileUniqueID,
		Width:        req.Width,
		Height:       req.Height,
		SizeBytes:    len(req.Image),
		MIME:         mime,
		ReceivedAt:   now,
	}

	// a new photo always ends the previous dialog
	if prev, found, err := h.sessions.Get(ctx, uid); err != nil {
		h.log.Warn().Err(err).Int64("user_id", uid).Msg("session lookup failed")
	} else if found {
		if err := h.store.CloseDialog(ctx, uid, prev.DialogID); err != nil && !storage.IsNotFound(err) {
			h.log.Warn().Err(err).Str("dialog_id", prev.DialogID).Msg("failed to close previous dialog")
		}
	}
	if err := h.sessions.Clear(ctx, uid); err != nil {
		return outcome{}, err
	}

	d, err := h.store.StartDialog(ctx, uid, storage.StartDialogInput{
		DialogID:     storage.NewDialogID(now),
		Model:        h.model.Model(),
		Language:     req.User.Language,
		ImageMeta:    meta,
		Caption:      caption,
		Title:        prompts.Title(caption),
		WarningShown: true,
	})
	if err != nil {
		return outcome{}, err
	}

	if _, err := h.store.AppendMessage(ctx, uid, d.DialogID, userMessage(models.TypeImageText, caption)); err != nil {
		return h.appendFailed(ctx, uid, d.DialogID, err)
	}

	start := time.Now()
	conv, answer, modelErr := h.model.StartConversationWithImage(ctx, req.Image, mime, caption)
	latency := time.Since(start)
	ctx = h.detachIfExpired(ctx, modelErr, d.DialogID)

	out, last, err := h.recordAnswer(ctx, uid, d.DialogID, answer, latency, modelErr)
	if err != nil || last == nil {
		return out, err
	}

	if modelErr != nil {
		return out, nil
	}
	if strings.TrimSpace(req.Caption) == "" {
		title := prompts.Title(firstLine(answer))
		if err := h.store.UpdateDialogIndexEntry(ctx, uid, storage.IndexUpdate{DialogID: d.DialogID, Title: &title}); err != nil {
			h.log.Warn().Err(err).Str("dialog_id", d.DialogID).Msg("failed to set dialog title")
		}
	}
	sess := &memory.ActiveSession{
		DialogID:     d.DialogID,
		Conversation: conv,
		ImageMeta:    meta,
		NextSeq:      last.MessageID + 1,
	}
	if err := h.sessions.Set(ctx, uid, sess); err != nil {
		return outcome{}, err
	}
	h.log.Info().Int64("user_id", uid).Str("dialog_id", d.DialogID).Msg("dialog started")
	return out, nil
}

func (h *DialogHandler) handleText(ctx context.Context, req models.TurnRequest) (outcome, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return outcome{text: prompts.UnsupportedRequest, code: models.ErrorParseError}, nil
	}
	uid := req.User.ID
	h.maybePrune(ctx)
	if _, err := h.store.InitUserIfNeeded(ctx, profileFrom(req.User)); err != nil {
		return outcome{}, err
	}

	sess, found, err := h.sessions.Get(ctx, uid)
	if err != nil {
		return outcome{}, err
	}
	if !found || sess.Conversation == nil {
		return textOutcome(prompts.SendPhoto), nil
	}

	if _, err := h.store.AppendMessage(ctx, uid, sess.DialogID, userMessage(models.TypeText, text)); err != nil {
		return h.appendFailed(ctx, uid, sess.DialogID, err)
	}

	start := time.Now()
	answer, modelErr := h.model.ContinueConversation(ctx, sess.Conversation, text)
	latency := time.Since(start)
	ctx = h.detachIfExpired(ctx, modelErr, sess.DialogID)

	out, last, err := h.recordAnswer(ctx, uid, sess.DialogID, answer, latency, modelErr)
	if err != nil || last == nil {
		return out, err
	}
	sess.NextSeq = last.MessageID + 1
	if err := h.sessions.Set(ctx, uid, sess); err != nil {
		return outcome{}, err
	}
	return out, nil
}

// detachIfExpired returns a context that outlives the turn deadline when the
// model call ended because of it, so the user message already on disk still
// gets its assistant record.
func (h *DialogHandler) detachIfExpired(ctx context.Context, modelErr error, dialogID string) context.Context {
	if modelErr == nil || ctx.Err() == nil {
		return ctx
	}
	h.log.Warn().Err(modelErr).Str("dialog_id", dialogID).Msg("turn expired during model call")
	return context.WithoutCancel(ctx)
}

// recordAnswer appends the assistant message for a model result. last is nil
// when the dialog can take no more messages and was closed.
func (h *DialogHandler) recordAnswer(ctx context.Context, uid int64, dialogID, answer string, latency time.Duration, modelErr error) (outcome, *models.Message, error) {
	out := textOutcome(answer)
	var marker *string
	if modelErr != nil {
		var m string
		out, m = apology(modelErr)
		marker = &m
	}
	msg := models.Message{
		Role:           models.RoleAssistant,
		Type:           models.TypeText,
		Text:           out.text,
		TokensEstimate: estimateTokens(out.text),
		LatencyMS:      latency.Milliseconds(),
		Error:          marker,
	}
	last, err := h.store.AppendMessage(ctx, uid, dialogID, msg)
	if err != nil {
		if errors.Is(err, storage.ErrLimitReached) {
			h.closeFull(ctx, uid, dialogID)
			return textOutcome(out.text + "\n\n" + prompts.LimitReached), nil, nil
		}
		return outcome{}, nil, err
	}
	return out, last, nil
}

// appendFailed maps a failed user-message append to a reply.
func (h *DialogHandler) appendFailed(ctx context.Context, uid int64, dialogID string, err error) (outcome, error) {
	switch {
	case errors.Is(err, storage.ErrLimitReached):
		h.closeFull(ctx, uid, dialogID)
		return textOutcome(prompts.LimitReached), nil
	case storage.IsNotFound(err):
		// the dialog was deleted or pruned under the session
		if cerr := h.sessions.Clear(ctx, uid); cerr != nil {
			return outcome{}, cerr
		}
		return textOutcome(prompts.SendPhoto), nil
	}
	return outcome{}, err
}

func (h *DialogHandler) closeFull(ctx context.Context, uid int64, dialogID string) {
	if err := h.store.CloseDialog(ctx, uid, dialogID); err != nil {
		h.log.Warn().Err(err).Str("dialog_id", dialogID).Msg("failed to close full dialog")
	}
	if err := h.sessions.Clear(ctx, uid); err != nil {
		h.log.Warn().Err(err).Int64("user_id", uid).Msg("failed to clear session")
	}
}

func apology(err error) (outcome, string) {
	switch {
	case errors.Is(err, llm.ErrRegionBlocked):
		return outcome{text: prompts.RegionBlocked, code: models.ErrorRegion}, models.ErrorRegionBlocked
	case errors.Is(err, llm.ErrProviderError):
		return outcome{text: prompts.ModelFailed, code: models.ErrorModelFailed}, models.ErrorProvider
	default:
		return outcome{text: prompts.ModelFailed, code: models.ErrorModelFailed}, models.ErrorUnknown
	}
}

func userMessage(typ, text string) models.Message {
	return models.Message{
		Role:           models.RoleUser,
		Type:           typ,
		Text:           text,
		TokensEstimate: estimateTokens(text),
	}
}

// estimateTokens approximates tokens as a quarter of the rune count.
func estimateTokens(s string) int {
	n := len([]rune(s))
	return (n + 3) / 4
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// maybePrune runs retention at most once per PruneInterval. Failures are logged.
func (h *DialogHandler) maybePrune(ctx context.Context) {
	if h.cfg.RetentionDays <= 0 {
		return
	}
	h.pruneMu.Lock()
	now := h.now()
	if h.cfg.PruneInterval > 0 && !h.lastPrune.IsZero() && now.Sub(h.lastPrune) < h.cfg.PruneInterval {
		h.pruneMu.Unlock()
		return
	}
	h.lastPrune = now
	h.pruneMu.Unlock()

	n, err := h.store.PruneOld(ctx, h.cfg.RetentionDays)
	if err != nil {
		h.log.Warn().Err(err).Msg("prune failed")
		return
	}
	if n > 0 {
		h.log.Info().Int("removed", n).Int("retention_days", h.cfg.RetentionDays).Msg("pruned old dialogs")
	}
}

func (h *DialogHandler) isAdmin(id int64) bool {
	_, ok := h.admins[id]
	return ok
}

// parseLimit reads a positive count from args[0]. Anything else yields def, so
// the result is always positive.
func parseLimit(args []string, def int) int {
	if len(args) == 0 {
		return def
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return def
	}
	return n
}
