package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"polychat-go/internal/model"
	"polychat-go/pkg/llm"
)

func TestToProviderMessage_SkipsEmptyAssistantTurns(t *testing.T) {
	metas := map[string]model.MessageMetadata{
		"plain":      {},
		"error":      {Error: true, ErrorMessage: "x"},
		"search":     {SearchQuery: "go", SearchResults: []model.SearchResult{{Title: "Go", URL: "https://go.dev"}}},
		"attachment": {Attachments: []model.Attachment{{Name: "a.txt", MimeType: "text/plain", Text: "hi"}}},
	}
	for name, meta := range metas {
		msg := &model.Message{Role: model.RoleAssistant, Content: "  "}
		msg.SetMeta(meta)
		_, ok := toProviderMessage(msg)
		assert.False(t, ok, name)
	}
}

func TestToProviderMessage_UsesEnhancedContentForSearchTurns(t *testing.T) {
	msg := &model.Message{Role: model.RoleUser, Content: "what is go"}
	msg.SetMeta(model.MessageMetadata{SearchQuery: "go", EnhancedContent: "context...\n\nwhat is go"})

	got, ok := toProviderMessage(msg)
	assert.True(t, ok)
	assert.Equal(t, llm.Message{Role: model.RoleUser, Content: "context...\n\nwhat is go"}, got)

	deleted := &model.Message{Role: model.RoleUser, Content: "gone"}
	deleted.SetMeta(model.MessageMetadata{Deleted: true})
	_, ok = toProviderMessage(deleted)
	assert.False(t, ok)
}
