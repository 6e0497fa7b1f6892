package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"polychat-go/internal/model"
)

// ObjectStore 上传对象并返回限时下载链接，由 storage.ObjectStore 实现。
type ObjectStore interface {
	PutAndPresign(ctx context.Context, objectName, contentType string, data []byte) (string, error)
}

// ExportResult 是导出接口的返回值。
type ExportResult struct {
	URL      string `json:"url"`
	Format   string `json:"format"`
	FileName string `json:"fileName"`
}

// ExportService 将会话导出为 Markdown 或 JSON 文件并上传到对象存储。
type ExportService interface {
	Export(ctx context.Context, user *model.User, conversationID, format string) (*ExportResult, error)
}

type exportService struct {
	conversations ConversationService
	store         ObjectStore
	now           func() time.Time
}

// NewExportService 创建一个新的 ExportService 实例。
func NewExportService(conversations ConversationService, store ObjectStore) ExportService {
	return &exportService{conversations: conversations, store: store, now: time.Now}
}

func (s *exportService) Export(ctx context.Context, user *model.User, conversationID, format string) (*ExportResult, error) {
	if format == "" {
		format = "markdown"
	}
	detail, err := s.conversations.Get(ctx, user, conversationID)
	if err != nil {
		return nil, err
	}

	var (
		data        []byte
		contentType string
		ext         string
	)
	switch format {
	case "markdown", "md":
		format, ext, contentType = "markdown", "md", "text/markdown; charset=utf-8"
		data = []byte(renderMarkdown(detail))
	case "json":
		ext, contentType = "json", "application/json"
		data, err = json.MarshalIndent(detail, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode export: %w", err)
		}
	default:
		return nil, validationError("unsupported export format %q", format)
	}

	fileName := fmt.Sprintf("%s-%s.%s", conversationID, s.now().UTC().Format("20060102T150405"), ext)
	objectName := fmt.Sprintf("exports/%d/%s", user.ID, fileName)
	url, err := s.store.PutAndPresign(ctx, objectName, contentType, data)
	if err != nil {
		return nil, fmt.Errorf("failed to upload export: %w", err)
	}
	return &ExportResult{URL: url, Format: format, FileName: fileName}, nil
}

func renderMarkdown(detail *ConversationDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", detail.Conversation.Title)
	if detail.Conversation.Model != "" {
		fmt.Fprintf(&b, "_Model: %s_\n\n", detail.Conversation.Model)
	}
	for _, m := range detail.Messages {
		if m.Role == model.RoleSystem || m.Meta().Error {
			continue
		}
		label := "User"
		if m.Role == model.RoleAssistant {
			label = "Assistant"
			if m.Model != nil && *m.Model != "" {
				label += " (" + *m.Model + ")"
			}
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", label, strings.TrimSpace(m.Content))
		for _, a := range m.Meta().Attachments {
			fmt.Fprintf(&b, "- Attachment: %s\n", a.Name)
		}
	}
	return b.String()
}
