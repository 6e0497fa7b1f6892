package service

import (
	"context"
	"fmt"
	"strings"

	"polychat-go/internal/model"
	"polychat-go/pkg/llm"
)

const continuationInstruction = "Continue your previous response exactly where it stopped. " +
	"Do not repeat any text that was already written, do not summarize it, and do not add ellipses or any marker that shows a continuation."

// buildHistory 取 beforeSeq 之前最近 HistoryLimit 条消息并转换为供应商格式。占位消息本身不在其中。
func (s *chatService) buildHistory(ctx context.Context, conversationID string, beforeSeq int64) ([]llm.Message, error) {
	msgs, err := s.Messages.ListBefore(ctx, conversationID, beforeSeq, s.Config.HistoryLimit)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for i := range msgs {
		if m, ok := toProviderMessage(&msgs[i]); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// buildResumeContext 组装续写上下文：目标消息之前的历史、最近的用户消息、已生成的部分内容以及续写指令。
func (s *chatService) buildResumeContext(ctx context.Context, conversationID string, target *model.Message, partial string) ([]llm.Message, error) {
	msgs, err := s.Messages.ListBefore(ctx, conversationID, target.Seq, s.Config.HistoryLimit)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs)+3)
	included := make(map[string]bool, len(msgs))
	for i := range msgs {
		if m, ok := toProviderMessage(&msgs[i]); ok {
			out = append(out, m)
			included[msgs[i].ID] = true
		}
	}

	userMsg, err := s.Messages.FindPrecedingUser(ctx, conversationID, target.Seq)
	if err != nil {
		return nil, fmt.Errorf("preceding user message: %w", err)
	}
	if !included[userMsg.ID] {
		if m, ok := toProviderMessage(userMsg); ok {
			out = append(out, m)
		}
	}

	if partial != "" {
		out = append(out, llm.Message{Role: llm.RoleAssistant, Content: partial})
	}
	out = append(out, llm.Message{Role: llm.RoleUser, Content: continuationInstruction})
	return out, nil
}

// toProviderMessage 按元数据变体转换一条消息。已标记删除或空内容的助手消息被跳过。
func toProviderMessage(msg *model.Message) (llm.Message, bool) {
	meta := msg.Meta()
	if meta.Deleted {
		return llm.Message{}, false
	}
	role := msg.Role
	switch role {
	case model.RoleUser, model.RoleAssistant, model.RoleSystem:
	default:
		return llm.Message{}, false
	}
	// 空的助手回合（中断的占位消息等）会被部分供应商拒绝
	if role == model.RoleAssistant && strings.TrimSpace(msg.Content) == "" {
		return llm.Message{}, false
	}

	switch meta.Kind() {
	case model.TurnError:
		if strings.TrimSpace(msg.Content) == "" {
			return llm.Message{}, false
		}
		return llm.Message{Role: role, Content: msg.Content}, true
	case model.TurnAttachment:
		return attachmentMessage(role, msg.Content, meta.Attachments), true
	case model.TurnSearch:
		content := msg.Content
		if role == model.RoleUser && meta.EnhancedContent != "" {
			content = meta.EnhancedContent
		}
		return llm.Message{Role: role, Content: content}, true
	default:
		return llm.Message{Role: role, Content: msg.Content}, true
	}
}

// attachmentMessage 把文本附件拼进正文，图片附件作为独立的图片片段。
func attachmentMessage(role, content string, attachments []model.Attachment) llm.Message {
	var text strings.Builder
	text.WriteString(content)
	var images []llm.ContentPart
	for _, a := range attachments {
		if a.IsImage() && a.URL != "" {
			images = append(images, llm.ContentPart{Type: llm.PartImage, ImageURL: a.URL})
			continue
		}
		if a.Text == "" {
			continue
		}
		fmt.Fprintf(&text, "\n\n--- Attachment: %s ---\n%s", a.Name, a.Text)
	}
	if len(images) == 0 {
		return llm.Message{Role: role, Content: text.String()}
	}
	parts := append([]llm.ContentPart{{Type: llm.PartText, Text: text.String()}}, images...)
	return llm.Message{Role: role, Content: text.String(), Parts: parts}
}
