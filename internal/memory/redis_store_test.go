package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/imagechat/internal/llm"
	"github.com/avvvet/imagechat/internal/models"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore("redis://"+mr.Addr(), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_RoundTripKeepsConversation(t *testing.T) {
	s, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()
	m := NewManager(s, time.Hour)

	conv := llm.NewConversation("sys")
	sess := &ActiveSession{
		DialogID:     "20240301-120000-abcdefgh",
		Conversation: conv,
		ImageMeta:    models.ImageMeta{MIME: "image/jpeg", Width: 10},
		NextSeq:      3,
	}
	require.NoError(t, m.Set(ctx, 42, sess))

	assert.True(t, mr.Exists("session:42"))
	assert.Equal(t, time.Hour, mr.TTL("session:42"))

	got, ok, err := m.Get(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sess.DialogID, got.DialogID)
	assert.Equal(t, 3, got.NextSeq)
	assert.Equal(t, "image/jpeg", got.ImageMeta.MIME)
	require.NotNil(t, got.Conversation)
	assert.Equal(t, "sys", got.Conversation.System())

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.Clear(ctx, 42))
	assert.False(t, mr.Exists("session:42"))
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	s, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()
	m := NewManager(s, time.Minute)

	require.NoError(t, m.Set(ctx, 1, &ActiveSession{DialogID: "d"}))
	mr.FastForward(2 * time.Minute)

	_, ok, err := m.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_IdleCutoffEvicts(t *testing.T) {
	s, mr := newRedisStore(t, 0)
	ctx := context.Background()

	old := &ActiveSession{DialogID: "d", LastActivity: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, s.Save(ctx, 7, old))

	_, err := s.LoadFresh(ctx, 7, time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, mr.Exists("session:7"))
}

func TestRedisStore_CorruptValueDropped(t *testing.T) {
	s, mr := newRedisStore(t, 0)
	require.NoError(t, mr.Set("session:5", "{nope"))

	_, err := s.LoadFresh(context.Background(), 5, time.Time{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, mr.Exists("session:5"))
}

func TestNewRedisStore_BadURL(t *testing.T) {
	_, err := NewRedisStore("not a url", time.Minute)
	assert.Error(t, err)
}
