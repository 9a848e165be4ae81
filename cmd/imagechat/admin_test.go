package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/imagechat/internal/models"
	"github.com/avvvet/imagechat/internal/storage"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func seededStore(t *testing.T, c *clock) *storage.Store {
	t.Helper()
	store, err := storage.New(t.TempDir(), storage.WithClock(c.Now))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = store.InitUserIfNeeded(ctx, storage.ProfileInput{ChatID: 42, Username: "ann"})
	require.NoError(t, err)
	d, err := store.StartDialog(ctx, 42, storage.StartDialogInput{DialogID: storage.NewDialogID(c.now), Title: "cat"})
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, 42, d.DialogID, models.Message{Role: models.RoleUser, Text: "hi"})
	require.NoError(t, err)
	return store
}

func TestRunStats(t *testing.T) {
	store := seededStore(t, &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)})

	var user bytes.Buffer
	require.NoError(t, runStats(context.Background(), store, 42, time.UTC, &user))
	assert.Equal(t, "Your stats - Dialogs: 1, Requests: 1, Last activity: 2024-03-01 12:00\n", user.String())

	var global bytes.Buffer
	require.NoError(t, runStats(context.Background(), store, 0, time.UTC, &global))
	assert.Equal(t, "Users: 1, Dialogs: 1, Requests: 1\n", global.String())

	assert.Error(t, runStats(context.Background(), store, 7, time.UTC, &bytes.Buffer{}))
}

func TestRunPrune(t *testing.T) {
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := seededStore(t, c)

	var out bytes.Buffer
	require.NoError(t, runPrune(context.Background(), store, 14, &out))
	assert.Equal(t, "pruned 0 dialog(s) older than 14 day(s)\n", out.String())

	c.now = c.now.Add(15 * 24 * time.Hour)
	out.Reset()
	require.NoError(t, runPrune(context.Background(), store, 14, &out))
	assert.Equal(t, "pruned 1 dialog(s) older than 14 day(s)\n", out.String())

	assert.Error(t, runPrune(context.Background(), store, -1, &bytes.Buffer{}))
}

func TestRunPrune_RejectsZeroDays(t *testing.T) {
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := seededStore(t, c)
	c.now = c.now.Add(time.Hour)

	var out bytes.Buffer
	err := runPrune(context.Background(), store, 0, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--days must be at least 1")
	assert.Empty(t, out.String())

	stats, err := store.UserStats(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dialogs)
}

func TestRunSchema(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runSchema("dialog", &out))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "dialog_id")
	assert.Contains(t, props, "messages")

	assert.Error(t, runSchema("nope", &bytes.Buffer{}))
}
