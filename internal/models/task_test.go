package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("pending")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)

	_, err = ParseStatus("queued")
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]TaskStatus]bool{
		{StatusPending, StatusProcessing}:    true,
		{StatusProcessing, StatusProcessing}: true,
		{StatusProcessing, StatusCompleted}:  true,
		{StatusProcessing, StatusFailed}:     true,
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := allowed[[2]TaskStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestNewWorkItem(t *testing.T) {
	model := "deepseek-chat"
	task := Task{ID: 42, Prompt: "Explain gravity", Model: &model, Priority: 7}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))

	item := NewWorkItem(task, "d-1", now)
	assert.Equal(t, int64(42), item.TaskID)
	assert.Equal(t, "deepseek-chat", item.Model)
	assert.Empty(t, item.Provider)
	assert.Equal(t, 7, item.Priority)
	assert.Equal(t, time.UTC, item.EnqueuedAt.Location())
}
