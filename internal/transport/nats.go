package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/avvvet/imagechat/internal/config"
	"github.com/avvvet/imagechat/internal/dispatch"
	"github.com/avvvet/imagechat/internal/models"
	"github.com/avvvet/imagechat/internal/prompts"
)

// TurnHandler produces the reply for one decoded turn.
type TurnHandler interface {
	Dispatch(ctx context.Context, req models.TurnRequest) models.TurnReply
}

// Submitter schedules work per user.
type Submitter interface {
	Submit(ctx context.Context, key int64, job dispatch.Job) error
}

type NATSTransport struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	timeout time.Duration
	handler TurnHandler
	exec    Submitter
	log     zerolog.Logger
}

func NewNATSTransport(cfg *config.Config, handler TurnHandler, exec Submitter, log zerolog.Logger) (*NATSTransport, error) {
	conn, err := nats.Connect(cfg.NatsURL,
		nats.Name(cfg.ServiceName),
		nats.Timeout(cfg.NatsTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", cfg.NatsURL).Msg("connected to NATS")

	nt := newTransport(cfg.NatsRequestSubject, cfg.TurnTimeout, handler, exec, log)
	nt.conn = conn
	return nt, nil
}

func newTransport(subject string, timeout time.Duration, handler TurnHandler, exec Submitter, log zerolog.Logger) *NATSTransport {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &NATSTransport{
		subject: subject,
		timeout: timeout,
		handler: handler,
		exec:    exec,
		log:     log,
	}
}

func (nt *NATSTransport) Start() error {
	sub, err := nt.conn.Subscribe(nt.subject, nt.handleTurnRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", nt.subject, err)
	}
	nt.sub = sub

	nt.log.Info().Str("subject", nt.subject).Msg("subscribed")
	return nil
}

func (nt *NATSTransport) handleTurnRequest(msg *nats.Msg) {
	nt.serve(msg.Data, func(data []byte) {
		if err := msg.Respond(data); err != nil {
			nt.log.Error().Err(err).Msg("failed to send response")
		}
	})
}

// serve decodes one request and hands it to the executor. respond is called
// exactly once unless the turn expires while still queued.
func (nt *NATSTransport) serve(data []byte, respond func([]byte)) {
	var req models.TurnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		nt.log.Warn().Err(err).Msg("error parsing request")
		respond(nt.encode(errorReply(req, models.ErrorParseError, prompts.UnsupportedRequest)))
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.User.ID == 0 {
		respond(nt.encode(errorReply(req, models.ErrorParseError, prompts.UnsupportedRequest)))
		return
	}

	nt.log.Debug().Str("request_id", req.RequestID).Int64("user_id", req.User.ID).Str("kind", req.Kind).Msg("processing turn")

	ctx, cancel := context.WithTimeout(context.Background(), nt.timeout)
	err := nt.exec.Submit(ctx, req.User.ID, func(ctx context.Context) {
		defer cancel()
		respond(nt.encode(nt.handler.Dispatch(ctx, req)))
	})
	if err != nil {
		cancel()
		code, text := models.ErrorInternal, prompts.InternalError
		if errors.Is(err, dispatch.ErrQueueFull) {
			code, text = models.ErrorBusy, prompts.Busy
		}
		nt.log.Warn().Err(err).Str("request_id", req.RequestID).Msg("turn rejected")
		respond(nt.encode(errorReply(req, code, text)))
	}
}

func errorReply(req models.TurnRequest, code, text string) models.TurnReply {
	return models.TurnReply{
		RequestID: req.RequestID,
		ChatID:    req.User.ID,
		Text:      text,
		Status:    models.StatusError,
		ErrorCode: code,
	}
}

func (nt *NATSTransport) encode(reply models.TurnReply) []byte {
	data, err := json.Marshal(reply)
	if err != nil {
		nt.log.Error().Err(err).Msg("failed to marshal response")
		return nil
	}
	return data
}

// Stop ends the subscription. Turns already queued can still respond.
func (nt *NATSTransport) Stop() {
	if nt.sub == nil {
		return
	}
	if err := nt.sub.Unsubscribe(); err != nil {
		nt.log.Warn().Err(err).Msg("unsubscribe failed")
	}
	nt.sub = nil
}

func (nt *NATSTransport) Close() error {
	nt.Stop()
	if nt.conn != nil {
		nt.conn.Close()
		nt.log.Info().Msg("NATS connection closed")
	}
	return nil
}
