package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"strings"

	"polychat-go/internal/model"
	"polychat-go/pkg/log"
)

// TextExtractor 从二进制文档中提取纯文本，由 tika.Client 实现。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName, mimeType string) (string, error)
}

// extractAttachments 为没有文本的文档附件提取文本。提取成功后丢弃 data URL，
// 只把文本保存在消息元数据中。提取失败的附件原样保留。
func (s *chatService) extractAttachments(ctx context.Context, attachments []model.Attachment) []model.Attachment {
	if s.Extractor == nil || len(attachments) == 0 {
		return attachments
	}
	out := make([]model.Attachment, len(attachments))
	copy(out, attachments)
	for i := range out {
		a := &out[i]
		if a.IsImage() || a.Text != "" {
			continue
		}
		data, ok := decodeDataURL(a.URL)
		if !ok {
			continue
		}
		text, err := s.Extractor.ExtractText(ctx, bytes.NewReader(data), a.Name, a.MimeType)
		if err != nil {
			log.Warnf("[ChatService] 提取附件文本失败, name=%s: %v", a.Name, err)
			continue
		}
		if text == "" {
			continue
		}
		a.Text = text
		a.URL = ""
	}
	return out
}

// decodeDataURL 解析 data:<mime>;base64,<data>。
func decodeDataURL(u string) ([]byte, bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return nil, false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	return data, true
}
