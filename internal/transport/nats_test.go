package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/imagechat/internal/dispatch"
	"github.com/avvvet/imagechat/internal/models"
	"github.com/avvvet/imagechat/internal/prompts"
)

type echoHandler struct {
	got chan models.TurnRequest
}

func (h *echoHandler) Dispatch(_ context.Context, req models.TurnRequest) models.TurnReply {
	h.got <- req
	return models.TurnReply{RequestID: req.RequestID, ChatID: req.User.ID, Text: "echo: " + req.Text, Status: models.StatusOK}
}

type rejectingSubmitter struct{ err error }

func (r rejectingSubmitter) Submit(context.Context, int64, dispatch.Job) error { return r.err }

func collect(t *testing.T, nt *NATSTransport, data []byte) models.TurnReply {
	t.Helper()
	out := make(chan []byte, 1)
	nt.serve(data, func(b []byte) { out <- b })
	select {
	case b := <-out:
		var reply models.TurnReply
		require.NoError(t, json.Unmarshal(b, &reply))
		return reply
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
		return models.TurnReply{}
	}
}

func TestServe_DispatchesThroughExecutor(t *testing.T) {
	ex := dispatch.New(dispatch.Config{Shards: 2, QueueSize: 4}, zerolog.Nop())
	defer ex.Stop()
	h := &echoHandler{got: make(chan models.TurnRequest, 1)}
	nt := newTransport("turns", time.Second, h, ex, zerolog.Nop())

	body := `{"request_id":"abc","user":{"id":5,"username":"bob"},"kind":"image","image":"/9j/","mime":"image/jpeg","caption":"hi"}`
	reply := collect(t, nt, []byte(body))

	assert.Equal(t, models.StatusOK, reply.Status)
	assert.Equal(t, "abc", reply.RequestID)
	assert.Equal(t, int64(5), reply.ChatID)

	req := <-h.got
	assert.Equal(t, models.KindImage, req.Kind)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, req.Image)
	assert.Equal(t, "bob", req.User.Username)
}

func TestServe_AssignsRequestID(t *testing.T) {
	ex := dispatch.New(dispatch.Config{Shards: 1}, zerolog.Nop())
	defer ex.Stop()
	h := &echoHandler{got: make(chan models.TurnRequest, 1)}
	nt := newTransport("turns", time.Second, h, ex, zerolog.Nop())

	reply := collect(t, nt, []byte(`{"user":{"id":5},"kind":"text","text":"yo"}`))
	assert.Equal(t, "echo: yo", reply.Text)
	assert.Len(t, reply.RequestID, 36)
}

func TestServe_BadJSON(t *testing.T) {
	nt := newTransport("turns", time.Second, &echoHandler{}, rejectingSubmitter{}, zerolog.Nop())
	reply := collect(t, nt, []byte(`{not json`))
	assert.Equal(t, models.StatusError, reply.Status)
	assert.Equal(t, models.ErrorParseError, reply.ErrorCode)

	reply = collect(t, nt, []byte(`{"kind":"text","text":"no user"}`))
	assert.Equal(t, models.ErrorParseError, reply.ErrorCode)
}

func TestServe_QueueFullIsBusy(t *testing.T) {
	nt := newTransport("turns", time.Second, &echoHandler{}, rejectingSubmitter{err: &dispatch.QueueFullError{Key: 5}}, zerolog.Nop())
	reply := collect(t, nt, []byte(`{"user":{"id":1},"kind":"text","text":"x"}`))
	assert.Equal(t, models.ErrorBusy, reply.ErrorCode)
	assert.Equal(t, prompts.Busy, reply.Text)

	nt = newTransport("turns", time.Second, &echoHandler{}, rejectingSubmitter{err: dispatch.ErrExecutorClosed}, zerolog.Nop())
	reply = collect(t, nt, []byte(`{"user":{"id":1},"kind":"text","text":"x"}`))
	assert.Equal(t, models.ErrorInternal, reply.ErrorCode)
}
