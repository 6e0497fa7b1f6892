package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTitleService_GenerateSavesCleanTitle(t *testing.T) {
	h := newHarness(t)
	h.provider.reply = "\"Greeting the World\"\nextra line"
	ctx := context.Background()

	titles := NewTitleService(h.gateway, h.convs, "", "New Chat")
	title, err := titles.Generate(ctx, *h.conv, testModel, h.user, "Say hello", "Hello world")
	require.NoError(t, err)
	assert.Equal(t, "Greeting the World", title)

	conv, err := h.convs.FindByIDForUser(ctx, h.conv.ID, h.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Greeting the World", conv.Title)

	req := h.provider.lastRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "Say hello", req.Messages[0].Content)
}

func TestTitleService_EmptyReplyKeepsPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.provider.reply = "   "
	ctx := context.Background()

	title, err := NewTitleService(h.gateway, h.convs, "", "New Chat").Generate(ctx, *h.conv, testModel, h.user, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "New Chat", title)
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Hello", cleanTitle("  'Hello'  ", "x"))
	assert.Equal(t, "Go tips", cleanTitle("Title: **Go tips**", "x"))
	assert.Equal(t, "x", cleanTitle("", "x"))
	long := cleanTitle(strings.Repeat("é", 150), "x")
	assert.Equal(t, 103, len([]rune(long)))
}
