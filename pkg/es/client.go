// Package es 提供了与 Elasticsearch 交互的客户端功能，用于消息检索。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"polychat-go/internal/config"
	"polychat-go/internal/model"
	"polychat-go/pkg/log"
)

var ESClient *elasticsearch.Client

// InitES 初始化 Elasticsearch 客户端并确保消息索引存在。
func InitES(esCfg config.ElasticsearchConfig) (*MessageIndex, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	})
	if err != nil {
		return nil, err
	}
	ESClient = client
	idx := NewMessageIndex(client, esCfg.IndexName)
	if err := idx.EnsureIndex(context.Background()); err != nil {
		return nil, err
	}
	return idx, nil
}

const messageMapping = `{
	"mappings": {
		"properties": {
			"message_id": { "type": "keyword" },
			"conversation_id": { "type": "keyword" },
			"user_id": { "type": "long" },
			"role": { "type": "keyword" },
			"content": { "type": "text" },
			"model": { "type": "keyword" },
			"created_at": { "type": "date" }
		}
	}
}`

// MessageIndex 封装了消息索引的读写。
type MessageIndex struct {
	client *elasticsearch.Client
	index  string
}

// NewMessageIndex 创建一个消息索引句柄。
func NewMessageIndex(client *elasticsearch.Client, index string) *MessageIndex {
	return &MessageIndex{client: client, index: index}
}

// EnsureIndex 检查索引是否存在，如果不存在则创建它
func (m *MessageIndex) EnsureIndex(ctx context.Context) error {
	res, err := m.client.Indices.Exists([]string{m.index}, m.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", m.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = m.client.Indices.Create(
		m.index,
		m.client.Indices.Create.WithBody(strings.NewReader(messageMapping)),
		m.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", m.index, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引时 Elasticsearch 返回错误: %s", res.String())
	}
	log.Infof("索引 '%s' 创建成功", m.index)
	return nil
}

// IndexMessages 使用 bulk 接口写入一批消息。
func (m *MessageIndex) IndexMessages(ctx context.Context, docs ...model.MessageDocument) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		meta := map[string]map[string]string{"index": {"_index": m.index, "_id": doc.MessageID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	req := esapi.BulkRequest{Body: &buf}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to index messages: %s", res.String())
	}
	var out struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err == nil && out.Errors {
		return fmt.Errorf("bulk index reported item errors")
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score     float64               `json:"_score"`
			Source    model.MessageDocument `json:"_source"`
			Highlight map[string][]string   `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search 在用户自己的消息中做全文检索。
func (m *MessageIndex) Search(ctx context.Context, userID uint, query string, size int) ([]model.MessageSearchHit, error) {
	body := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   []interface{}{map[string]interface{}{"match": map[string]interface{}{"content": query}}},
				"filter": []interface{}{map[string]interface{}{"term": map[string]interface{}{"user_id": userID}}},
			},
		},
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{"content": map[string]interface{}{"fragment_size": 160, "number_of_fragments": 1}},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	res, err := m.client.Search(
		m.client.Search.WithContext(ctx),
		m.client.Search.WithIndex(m.index),
		m.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search failed: %s", res.String())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	hits := make([]model.MessageSearchHit, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		snippet := h.Source.Content
		if frags := h.Highlight["content"]; len(frags) > 0 {
			snippet = frags[0]
		} else if r := []rune(snippet); len(r) > 160 {
			snippet = string(r[:160])
		}
		hits = append(hits, model.MessageSearchHit{
			MessageID:      h.Source.MessageID,
			ConversationID: h.Source.ConversationID,
			Role:           h.Source.Role,
			Snippet:        snippet,
			Score:          h.Score,
		})
	}
	return hits, nil
}

// DeleteConversation 删除某个会话的全部索引文档。
func (m *MessageIndex) DeleteConversation(ctx context.Context, conversationID string) error {
	body := fmt.Sprintf(`{"query":{"term":{"conversation_id":%q}}}`, conversationID)
	res, err := m.client.DeleteByQuery([]string{m.index}, strings.NewReader(body), m.client.DeleteByQuery.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("delete by query failed: %s", res.String())
	}
	return nil
}
