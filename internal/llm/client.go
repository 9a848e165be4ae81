// Package llm wraps a remote generative model with a bounded worker pool,
// retry with linear backoff and error classification.
package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/avvvet/imagechat/internal/metrics"
)

const (
	opStart    = "start"
	opContinue = "continue"
)

// Client is the resilient model client used by the turn handler.
type Client struct {
	provider Provider
	system   string
	policy   RetryPolicy
	pool     *pool
	timeout  time.Duration
	log      zerolog.Logger

	// newTimer builds the backoff timer for one operation; nil uses real time.
	newTimer func() backoff.Timer
}

// Option configures a Client.
type Option func(*Client)

func WithSystemPrompt(s string) Option { return func(c *Client) { c.system = s } }

func WithRetryPolicy(p RetryPolicy) Option { return func(c *Client) { c.policy = p } }

// WithWorkers bounds concurrent provider calls.
func WithWorkers(n int) Option { return func(c *Client) { c.pool = newPool(n) } }

// WithAttemptTimeout bounds a single provider call. Zero disables it.
func WithAttemptTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// NewClient returns a Client calling p.
func NewClient(p Provider, opts ...Option) *Client {
	c := &Client{
		provider: p,
		policy:   DefaultRetryPolicy(),
		pool:     newPool(8),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the provider name recorded on new dialogs.
func (c *Client) Model() string { return c.provider.Name() }

// StartConversationWithImage opens a conversation with one image+text turn.
// The returned handle already holds that turn and the answer.
func (c *Client) StartConversationWithImage(ctx context.Context, image []byte, mime, prompt string) (*Conversation, string, error) {
	conv := NewConversation(c.system)
	user := Turn{Role: RoleUser, Parts: []Part{BinaryPart(mime, image), TextPart(prompt)}}

	answer, err := c.generate(ctx, opStart, conv.System(), []Turn{user})
	if err != nil {
		return nil, "", err
	}
	conv.append(user, Turn{Role: RoleModel, Parts: []Part{TextPart(answer)}})
	return conv, answer, nil
}

// ContinueConversation sends prompt as the next user turn. The handle is only
// extended when the call succeeds.
func (c *Client) ContinueConversation(ctx context.Context, conv *Conversation, prompt string) (string, error) {
	if conv == nil {
		return "", errors.New("llm: nil conversation")
	}
	user := Turn{Role: RoleUser, Parts: []Part{TextPart(prompt)}}
	history := append(conv.Turns(), user)

	answer, err := c.generate(ctx, opContinue, conv.System(), history)
	if err != nil {
		return "", err
	}
	conv.append(user, Turn{Role: RoleModel, Parts: []Part{TextPart(answer)}})
	return answer, nil
}

func (c *Client) generate(ctx context.Context, op, system string, turns []Turn) (string, error) {
	start := time.Now()
	defer func() {
		metrics.ModelCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var answer string
	attempt := 0
	operation := func() error {
		attempt++
		metrics.ModelAttemptsTotal.WithLabelValues(op).Inc()

		out, err := c.pool.run(ctx, func(ctx context.Context) (string, error) {
			if c.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.timeout)
				defer cancel()
			}
			return c.provider.Generate(ctx, system, turns)
		})
		if err == nil {
			answer = out
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !c.policy.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.ModelRetriesTotal.WithLabelValues(op).Inc()
		c.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("model call failed, retrying")
	}

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}
	b := backoff.WithContext(&linearBackOff{policy: c.policy}, ctx)
	err := backoff.RetryNotifyWithTimer(operation, b, notify, timer)
	if err == nil {
		return answer, nil
	}
	if isContextErr(err) && ctx.Err() != nil {
		return "", err
	}

	class := classify(err)
	metrics.ModelFailuresTotal.WithLabelValues(op, class.String()).Inc()
	c.log.Error().Err(err).
		Str("op", op).
		Str("class", class.String()).
		Int("attempts", attempt).
		Str("provider", c.provider.Name()).
		Msg("model call failed")
	return "", class.sentinel()
}
